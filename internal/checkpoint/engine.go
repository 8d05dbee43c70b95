package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelai/runtime/pkg/models"
)

// Engine implements checkpoint create/restore/fork/prune over a project's
// working tree. One Engine instance owns one (project, session) pair's
// timeline; callers hold an Engine per active session.
//
// Mutating operations (Create, Restore, Fork, Prune) hold mu for their
// full duration: checkpoint operations never interleave within a session.
type Engine struct {
	store     *Store
	projectID string
	sessionID string
	root      string // project working tree root

	mu       sync.Mutex
	timeline *models.TimelineNode
	current  string            // id of the most recently created/restored checkpoint
	known    map[string]string // relative file path -> content hash, as of `current`
}

// NewEngine opens (or initializes) the checkpoint timeline for a
// (project, session) pair rooted at workingDir.
func NewEngine(store *Store, projectID, sessionID, workingDir string) (*Engine, error) {
	node, err := store.LoadTimeline(projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	e := &Engine{
		store:     store,
		projectID: projectID,
		sessionID: sessionID,
		root:      workingDir,
		timeline:  node,
		known:     map[string]string{},
	}
	if node != nil {
		e.current = latestByTimestamp(node).Checkpoint.ID
	}
	return e, nil
}

// latestByTimestamp walks the tree and returns the node with the most
// recent Checkpoint.Timestamp.
func latestByTimestamp(node *models.TimelineNode) *models.TimelineNode {
	best := node
	for i := range node.Children {
		candidate := latestByTimestamp(&node.Children[i])
		if candidate.Checkpoint.Timestamp.After(best.Checkpoint.Timestamp) {
			best = candidate
		}
	}
	return best
}

// Timeline returns every checkpoint in the session's tree, ordered oldest
// to newest by timestamp. Callers that need the tree structure itself
// (for branch-aware pruning) should use the Store directly.
func (e *Engine) Timeline() []models.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeline == nil {
		return nil
	}
	var out []models.Checkpoint
	collectCheckpoints(e.timeline, &out)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func collectCheckpoints(node *models.TimelineNode, out *[]models.Checkpoint) {
	*out = append(*out, node.Checkpoint)
	for i := range node.Children {
		collectCheckpoints(&node.Children[i], out)
	}
}

// Create snapshots the working tree and message history into a new
// checkpoint, child of the current checkpoint (or parentID if explicitly
// given, e.g. for Fork).
func (e *Engine) Create(ctx context.Context, description string, parentID *string, messages []models.Message) (models.CheckpointResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createLocked(ctx, description, parentID, messages)
}

func (e *Engine) createLocked(ctx context.Context, description string, parentID *string, messages []models.Message) (models.CheckpointResult, error) {
	prompt, model, totalTokens := deriveSessionMeta(messages)

	files, err := e.walkProjectTree()
	if err != nil {
		return models.CheckpointResult{}, fmt.Errorf("walk project tree: %w", err)
	}

	var warnings []string
	var snapshots []models.FileSnapshot
	seen := map[string]bool{}
	for _, rel := range files {
		select {
		case <-ctx.Done():
			return models.CheckpointResult{}, ctx.Err()
		default:
		}
		seen[rel] = true
		content, perm, err := readFileWithMode(filepath.Join(e.root, rel))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skip %s: %v", rel, err))
			continue
		}
		hash := hashContent(content)
		if e.known[rel] == hash {
			continue // unmodified since last checkpoint
		}
		snapshots = append(snapshots, models.FileSnapshot{
			FilePath:    rel,
			Content:     content,
			Hash:        hash,
			Size:        int64(len(content)),
			Permissions: &perm,
		})
	}
	// Files present in `known` but no longer on disk are recorded as deletions.
	for rel := range e.known {
		if !seen[rel] {
			snapshots = append(snapshots, models.FileSnapshot{FilePath: rel, IsDeleted: true})
		}
	}

	ckpt := models.Checkpoint{
		ID:                 uuid.NewString(),
		SessionID:          e.sessionID,
		ProjectID:          e.projectID,
		MessageIndex:       len(messages),
		Timestamp:          time.Now(),
		Description:        description,
		ParentCheckpointID: coalesceParent(parentID, e.current),
		Metadata: models.CheckpointMetadata{
			TotalTokens:  totalTokens,
			ModelUsed:    model,
			UserPrompt:   prompt,
			FileChanges:  changedPaths(snapshots),
			SnapshotSize: totalSize(snapshots),
		},
	}

	if err := e.store.WriteCheckpoint(ckpt, snapshots, messages); err != nil {
		return models.CheckpointResult{}, fmt.Errorf("write checkpoint: %w", err)
	}

	node := models.TimelineNode{Checkpoint: ckpt}
	if e.timeline == nil {
		e.timeline = &node
	} else if !attachChild(e.timeline, ckpt) {
		// Parent not found in the in-memory tree (e.g. after a partial
		// load); fall back to treating this as a new root sibling.
		e.timeline.Children = append(e.timeline.Children, node)
	}
	if err := e.store.SaveTimeline(e.projectID, e.sessionID, e.timeline); err != nil {
		return models.CheckpointResult{}, fmt.Errorf("save timeline: %w", err)
	}

	for _, snap := range snapshots {
		if snap.IsDeleted {
			delete(e.known, snap.FilePath)
		} else {
			e.known[snap.FilePath] = snap.Hash
		}
	}
	e.current = ckpt.ID

	return models.CheckpointResult{
		Checkpoint:     ckpt,
		FilesProcessed: len(snapshots),
		Warnings:       warnings,
	}, nil
}

// attachChild inserts ckpt as a child of the node matching its parent id,
// searching depth-first. Returns false if no matching parent was found.
func attachChild(node *models.TimelineNode, ckpt models.Checkpoint) bool {
	if ckpt.ParentCheckpointID != nil && node.Checkpoint.ID == *ckpt.ParentCheckpointID {
		node.Children = append(node.Children, models.TimelineNode{Checkpoint: ckpt})
		return true
	}
	for i := range node.Children {
		if attachChild(&node.Children[i], ckpt) {
			return true
		}
	}
	return false
}

func coalesceParent(explicit *string, current string) *string {
	if explicit != nil {
		return explicit
	}
	if current == "" {
		return nil
	}
	id := current
	return &id
}

// RestoreResult carries back the checkpoint's message stream so the caller
// can replace the session's in-memory state.
type RestoreResult struct {
	Checkpoint models.Checkpoint
	Messages   []models.Message
}

// Restore writes the checkpoint's file snapshots back onto the working
// tree (deleting files not present in the snapshot set, restoring
// permissions on Unix, and pruning now-empty directories), and returns the
// checkpoint's message stream for the caller to install as session state.
func (e *Engine) Restore(ctx context.Context, checkpointID string) (RestoreResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restoreLocked(ctx, checkpointID)
}

func (e *Engine) restoreLocked(ctx context.Context, checkpointID string) (RestoreResult, error) {
	ckpt, snapshots, messages, err := e.store.ReadCheckpoint(e.projectID, e.sessionID, checkpointID)
	if err != nil {
		return RestoreResult{}, err
	}

	wanted := map[string]bool{}
	for _, snap := range snapshots {
		if !snap.IsDeleted {
			wanted[snap.FilePath] = true
		}
	}

	current, err := e.walkProjectTree()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("walk project tree: %w", err)
	}
	for _, rel := range current {
		select {
		case <-ctx.Done():
			return RestoreResult{}, ctx.Err()
		default:
		}
		if !wanted[rel] {
			if err := os.Remove(filepath.Join(e.root, rel)); err != nil && !os.IsNotExist(err) {
				return RestoreResult{}, fmt.Errorf("remove %s: %w", rel, err)
			}
		}
	}

	known := map[string]string{}
	for _, snap := range snapshots {
		if snap.IsDeleted {
			continue
		}
		full := filepath.Join(e.root, snap.FilePath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return RestoreResult{}, fmt.Errorf("create dir for %s: %w", snap.FilePath, err)
		}
		mode := os.FileMode(0o644)
		if snap.Permissions != nil {
			mode = os.FileMode(*snap.Permissions)
		}
		if err := os.WriteFile(full, snap.Content, mode); err != nil {
			return RestoreResult{}, fmt.Errorf("write %s: %w", snap.FilePath, err)
		}
		known[snap.FilePath] = snap.Hash
	}

	pruneEmptyDirs(e.root)

	e.known = known
	e.current = ckpt.ID

	return RestoreResult{Checkpoint: ckpt, Messages: messages}, nil
}

// Fork restores checkpointID then creates a new checkpoint whose parent is
// checkpointID, optionally retargeting to newSessionID when forking into a
// fresh session.
func (e *Engine) Fork(ctx context.Context, checkpointID, description string, newSessionID string) (models.CheckpointResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	restored, err := e.restoreLocked(ctx, checkpointID)
	if err != nil {
		return models.CheckpointResult{}, err
	}

	parent := checkpointID
	if newSessionID != "" && newSessionID != e.sessionID {
		if err := e.store.WriteCheckpoint(restored.Checkpoint, nil, restored.Messages); err != nil {
			// best-effort copy of the source checkpoint under the new session;
			// the fork itself still proceeds against the new session id below.
			_ = err
		}
		e.sessionID = newSessionID
		e.timeline = nil
		e.current = ""
	}

	return e.createLocked(ctx, description, &parent, restored.Messages)
}

// ShouldCheckpoint applies the auto-checkpoint policy to a single assistant
// turn: whether a new user prompt started this turn, and whether the turn's
// tool calls include a destructive one.
func ShouldCheckpoint(strategy models.CheckpointStrategy, isNewUserPrompt bool, toolCalls []models.ToolCall) bool {
	switch strategy {
	case models.CheckpointManual:
		return false
	case models.CheckpointPerPrompt:
		return isNewUserPrompt
	case models.CheckpointPerToolUse:
		return len(toolCalls) > 0
	case models.CheckpointSmart:
		for _, tc := range toolCalls {
			if models.IsDestructiveToolName(tc.Function.Name) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Prune retains the most recent `keep` checkpoints (by timestamp) and
// deletes the rest along with their snapshot directories, rebuilding the
// timeline from the survivors.
func (e *Engine) Prune(ctx context.Context, keep int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timeline == nil || keep <= 0 {
		return nil
	}

	var all []models.Checkpoint
	collectAll(e.timeline, &all)
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	if len(all) <= keep {
		return nil
	}
	survivors := map[string]bool{}
	for _, c := range all[:keep] {
		survivors[c.ID] = true
	}
	for _, c := range all[keep:] {
		if err := e.store.DeleteCheckpointDir(e.projectID, e.sessionID, c.ID); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", c.ID, err)
		}
	}

	rebuilt := rebuildTimeline(all, survivors)
	e.timeline = rebuilt
	return e.store.SaveTimeline(e.projectID, e.sessionID, e.timeline)
}

func collectAll(node *models.TimelineNode, out *[]models.Checkpoint) {
	*out = append(*out, node.Checkpoint)
	for i := range node.Children {
		collectAll(&node.Children[i], out)
	}
}

// rebuildTimeline reconnects surviving checkpoints: any survivor whose
// parent was pruned is reattached to its nearest surviving ancestor (or
// becomes a new root), since Checkpoint references its parent by id only.
func rebuildTimeline(all []models.Checkpoint, survivors map[string]bool) *models.TimelineNode {
	byID := map[string]models.Checkpoint{}
	for _, c := range all {
		byID[c.ID] = c
	}

	nodes := map[string]*models.TimelineNode{}
	var roots []*models.TimelineNode
	var order []string
	for _, c := range all {
		if !survivors[c.ID] {
			continue
		}
		nodes[c.ID] = &models.TimelineNode{Checkpoint: c}
		order = append(order, c.ID)
	}
	for _, id := range order {
		c := byID[id]
		parentID := nearestSurvivingAncestor(c, byID, survivors)
		if parentID == "" {
			roots = append(roots, nodes[id])
			continue
		}
		nodes[parentID].Children = append(nodes[parentID].Children, *nodes[id])
	}

	if len(roots) == 0 {
		return nil
	}
	if len(roots) == 1 {
		return roots[0]
	}
	// Synthesize a single root so the timeline stays one tree; pick the
	// earliest surviving checkpoint as the nominal root.
	sort.Slice(roots, func(i, j int) bool { return roots[i].Checkpoint.Timestamp.Before(roots[j].Checkpoint.Timestamp) })
	head := roots[0]
	head.Children = append(head.Children, derefAll(roots[1:])...)
	return head
}

func derefAll(nodes []*models.TimelineNode) []models.TimelineNode {
	out := make([]models.TimelineNode, len(nodes))
	for i, n := range nodes {
		out[i] = *n
	}
	return out
}

func nearestSurvivingAncestor(c models.Checkpoint, byID map[string]models.Checkpoint, survivors map[string]bool) string {
	parentID := c.ParentCheckpointID
	for parentID != nil {
		if survivors[*parentID] {
			return *parentID
		}
		parent, ok := byID[*parentID]
		if !ok {
			return ""
		}
		parentID = parent.ParentCheckpointID
	}
	return ""
}

// deriveSessionMeta scans messages in reverse for the most recent user
// prompt, the model used for the most recent assistant reply, and the sum
// of token usage recorded on assistant messages.
func deriveSessionMeta(messages []models.Message) (prompt, model string, totalTokens int) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if prompt == "" && m.Role == models.RoleUser {
			prompt = m.Content
		}
		if m.Role == models.RoleAssistant {
			totalTokens += len(m.Content) / 4 // rough token estimate; exact counts come from provider usage
		}
		if prompt != "" {
			break
		}
	}
	return prompt, model, totalTokens
}

func changedPaths(snapshots []models.FileSnapshot) []string {
	out := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, s.FilePath)
	}
	sort.Strings(out)
	return out
}

func totalSize(snapshots []models.FileSnapshot) int64 {
	var total int64
	for _, s := range snapshots {
		total += s.Size
	}
	return total
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func readFileWithMode(path string) ([]byte, uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return content, uint32(info.Mode().Perm()), nil
}

// walkProjectTree returns project-relative paths of all regular files
// under the root, skipping dotfiles and dot-directories (.git, .nexus, etc).
func (e *Engine) walkProjectTree() ([]string, error) {
	var files []string
	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if strings.HasPrefix(base, ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// pruneEmptyDirs removes directories left empty by Restore's file removals.
// Best-effort: errors are ignored, since a non-empty or permission-denied
// directory simply stays.
func pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == root {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(d)
		}
	}
}
