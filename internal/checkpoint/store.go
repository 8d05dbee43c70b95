// Package checkpoint implements the content-addressed snapshot engine: it
// captures a session's message history plus file-tree state at a point in
// time, and supports restore, fork, and pruning.
//
// On-disk layout: <data-dir>/projects/<project_id>/<session_id>/ holds a
// timeline.json (the rooted checkpoint tree) and one <checkpoint_id>/
// directory per checkpoint containing meta.json, messages.jsonl, and a
// files/<hash> content-addressed blob store. Two checkpoints that share
// file content share storage.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelai/runtime/pkg/models"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Store persists checkpoints, their file snapshots, and the per-session
// timeline to disk.
type Store struct {
	dataDir string
}

// NewStore creates a checkpoint store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) sessionDir(projectID, sessionID string) string {
	return filepath.Join(s.dataDir, "projects", projectID, sessionID)
}

func (s *Store) checkpointDir(projectID, sessionID, checkpointID string) string {
	return filepath.Join(s.sessionDir(projectID, sessionID), checkpointID)
}

func (s *Store) timelinePath(projectID, sessionID string) string {
	return filepath.Join(s.sessionDir(projectID, sessionID), "timeline.json")
}

// LoadTimeline reads the rooted checkpoint tree for a session. Returns nil,
// nil if no timeline exists yet.
func (s *Store) LoadTimeline(projectID, sessionID string) (*models.TimelineNode, error) {
	data, err := os.ReadFile(s.timelinePath(projectID, sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	var node models.TimelineNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse timeline: %w", err)
	}
	return &node, nil
}

// SaveTimeline persists the rooted checkpoint tree for a session.
func (s *Store) SaveTimeline(projectID, sessionID string, root *models.TimelineNode) error {
	dir := s.sessionDir(projectID, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	return os.WriteFile(s.timelinePath(projectID, sessionID), data, 0o644)
}

// WriteCheckpoint persists a checkpoint's metadata, message stream, and file
// snapshots. Snapshot content is written content-addressed under
// files/<hash>, shared across checkpoints in the same session directory.
func (s *Store) WriteCheckpoint(ckpt models.Checkpoint, snapshots []models.FileSnapshot, messages []models.Message) error {
	dir := s.checkpointDir(ckpt.ProjectID, ckpt.SessionID, ckpt.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	metaData, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaData, 0o644); err != nil {
		return fmt.Errorf("write checkpoint meta: %w", err)
	}

	if err := writeMessagesJSONL(filepath.Join(dir, "messages.jsonl"), messages); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}

	filesDir := filepath.Join(s.sessionDir(ckpt.ProjectID, ckpt.SessionID), "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return fmt.Errorf("create files dir: %w", err)
	}
	for _, snap := range snapshots {
		if snap.IsDeleted {
			continue
		}
		blobPath := filepath.Join(filesDir, snap.Hash)
		if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(blobPath, snap.Content, 0o644); err != nil {
				return fmt.Errorf("write blob %s: %w", snap.Hash, err)
			}
		}
	}

	snapData, err := json.MarshalIndent(stripContent(snapshots), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot index: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "snapshots.json"), snapData, 0o644)
}

// stripContent returns a copy of snapshots with Content cleared; the blob
// is already written content-addressed under files/<hash>.
func stripContent(snapshots []models.FileSnapshot) []models.FileSnapshot {
	out := make([]models.FileSnapshot, len(snapshots))
	for i, s := range snapshots {
		s.Content = nil
		out[i] = s
	}
	return out
}

// ReadCheckpoint loads a checkpoint's metadata, message stream, and file
// snapshots (content rehydrated from the content-addressed blob store).
func (s *Store) ReadCheckpoint(projectID, sessionID, checkpointID string) (models.Checkpoint, []models.FileSnapshot, []models.Message, error) {
	dir := s.checkpointDir(projectID, sessionID, checkpointID)

	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return models.Checkpoint{}, nil, nil, ErrCheckpointNotFound
	}
	if err != nil {
		return models.Checkpoint{}, nil, nil, fmt.Errorf("read checkpoint meta: %w", err)
	}
	var ckpt models.Checkpoint
	if err := json.Unmarshal(metaData, &ckpt); err != nil {
		return models.Checkpoint{}, nil, nil, fmt.Errorf("parse checkpoint meta: %w", err)
	}

	snapData, err := os.ReadFile(filepath.Join(dir, "snapshots.json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return models.Checkpoint{}, nil, nil, fmt.Errorf("read snapshot index: %w", err)
	}
	var snapshots []models.FileSnapshot
	if len(snapData) > 0 {
		if err := json.Unmarshal(snapData, &snapshots); err != nil {
			return models.Checkpoint{}, nil, nil, fmt.Errorf("parse snapshot index: %w", err)
		}
	}
	filesDir := filepath.Join(s.sessionDir(projectID, sessionID), "files")
	for i := range snapshots {
		if snapshots[i].IsDeleted {
			continue
		}
		content, err := os.ReadFile(filepath.Join(filesDir, snapshots[i].Hash))
		if err != nil {
			return models.Checkpoint{}, nil, nil, fmt.Errorf("read blob %s: %w", snapshots[i].Hash, err)
		}
		snapshots[i].Content = content
	}

	messages, err := readMessagesJSONL(filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		return models.Checkpoint{}, nil, nil, fmt.Errorf("read messages: %w", err)
	}

	return ckpt, snapshots, messages, nil
}

// DeleteCheckpointDir removes a checkpoint's directory (meta, messages,
// snapshot index). Shared blob content under files/ is left untouched —
// pruning of unreferenced blobs is out of scope.
func (s *Store) DeleteCheckpointDir(projectID, sessionID, checkpointID string) error {
	return os.RemoveAll(s.checkpointDir(projectID, sessionID, checkpointID))
}

func writeMessagesJSONL(path string, messages []models.Message) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for _, m := range messages {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func readMessagesJSONL(path string) ([]models.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, scanner.Err()
}
