package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelai/runtime/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dataDir := t.TempDir()
	workDir := t.TempDir()
	store := NewStore(dataDir)
	eng, err := NewEngine(store, "proj1", "sess1", workDir)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, workDir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestEngine_Create_SnapshotsModifiedFiles(t *testing.T) {
	eng, dir := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, dir, "a.txt", "hello")
	msgs := []models.Message{{Role: models.RoleUser, Content: "do the thing"}}

	result, err := eng.Create(ctx, "first", nil, msgs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.FilesProcessed != 1 {
		t.Fatalf("expected 1 file processed, got %d", result.FilesProcessed)
	}
	if result.Checkpoint.ParentCheckpointID != nil {
		t.Fatalf("expected nil parent for first checkpoint, got %v", *result.Checkpoint.ParentCheckpointID)
	}
	if result.Checkpoint.Metadata.UserPrompt != "do the thing" {
		t.Fatalf("expected derived prompt, got %q", result.Checkpoint.Metadata.UserPrompt)
	}

	// A second checkpoint with no file changes should process zero files.
	result2, err := eng.Create(ctx, "second", nil, msgs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result2.FilesProcessed != 0 {
		t.Fatalf("expected 0 files processed when nothing changed, got %d", result2.FilesProcessed)
	}
	if result2.Checkpoint.ParentCheckpointID == nil || *result2.Checkpoint.ParentCheckpointID != result.Checkpoint.ID {
		t.Fatalf("expected second checkpoint's parent to be the first")
	}
}

func TestEngine_Create_SkipsDotfiles(t *testing.T) {
	eng, dir := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, dir, ".env", "SECRET=1")

	result, err := eng.Create(ctx, "first", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.FilesProcessed != 1 {
		t.Fatalf("expected dotfiles skipped, got %d files processed", result.FilesProcessed)
	}
}

func TestEngine_RestoreIsIdempotent(t *testing.T) {
	eng, dir := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, dir, "a.txt", "v1")
	msgs := []models.Message{{Role: models.RoleUser, Content: "first prompt"}}
	first, err := eng.Create(ctx, "checkpoint one", nil, msgs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutate the tree: modify a.txt, add b.txt, remove nothing.
	writeFile(t, dir, "a.txt", "v2")
	writeFile(t, dir, "b.txt", "new file")
	msgs2 := append(msgs, models.Message{Role: models.RoleAssistant, Content: "did it"})
	if _, err := eng.Create(ctx, "checkpoint two", nil, msgs2); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Restore to the first checkpoint: b.txt should be removed, a.txt back to v1.
	restored, err := eng.Restore(ctx, first.Checkpoint.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(content) != "v1" {
		t.Fatalf("expected a.txt restored to v1, got %q", content)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected b.txt removed by restore, stat err=%v", err)
	}
	if len(restored.Messages) != len(msgs) {
		t.Fatalf("expected restored message stream to match checkpoint one, got %d messages", len(restored.Messages))
	}

	// Restoring the same checkpoint again must be a no-op (idempotent).
	restoredAgain, err := eng.Restore(ctx, first.Checkpoint.ID)
	if err != nil {
		t.Fatalf("Restore again: %v", err)
	}
	content2, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(content2) != "v1" {
		t.Fatalf("expected idempotent restore to leave a.txt at v1, got %q", content2)
	}
	if len(restoredAgain.Messages) != len(restored.Messages) {
		t.Fatalf("expected idempotent restore to return the same message count")
	}
}

func TestEngine_Fork_SetsParentAndPreservesTree(t *testing.T) {
	eng, dir := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, dir, "a.txt", "v1")
	base, err := eng.Create(ctx, "base", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	writeFile(t, dir, "a.txt", "v2")
	if _, err := eng.Create(ctx, "advance", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	forked, err := eng.Fork(ctx, base.Checkpoint.ID, "forked", "")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forked.Checkpoint.ParentCheckpointID == nil || *forked.Checkpoint.ParentCheckpointID != base.Checkpoint.ID {
		t.Fatalf("expected forked checkpoint's parent to be base checkpoint")
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(content) != "v1" {
		t.Fatalf("expected fork to restore base's file content first, got %q", content)
	}
}

func TestEngine_Prune_RetainsMostRecent(t *testing.T) {
	eng, dir := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		writeFile(t, dir, "a.txt", string(rune('a'+i)))
		r, err := eng.Create(ctx, "c", nil, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, r.Checkpoint.ID)
	}

	if err := eng.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	var all []models.Checkpoint
	collectAll(eng.timeline, &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 surviving checkpoints, got %d", len(all))
	}
	survivorIDs := map[string]bool{}
	for _, c := range all {
		survivorIDs[c.ID] = true
	}
	if !survivorIDs[ids[len(ids)-1]] || !survivorIDs[ids[len(ids)-2]] {
		t.Fatalf("expected the two most recent checkpoints to survive pruning")
	}
}

func TestShouldCheckpoint(t *testing.T) {
	destructive := []models.ToolCall{models.NewToolCall("1", "write", "{}")}
	benign := []models.ToolCall{models.NewToolCall("1", "read", "{}")}

	cases := []struct {
		name     string
		strategy models.CheckpointStrategy
		newTurn  bool
		calls    []models.ToolCall
		want     bool
	}{
		{"manual never", models.CheckpointManual, true, destructive, false},
		{"per prompt on new turn", models.CheckpointPerPrompt, true, nil, true},
		{"per prompt on continuation", models.CheckpointPerPrompt, false, nil, false},
		{"per tool use with calls", models.CheckpointPerToolUse, false, benign, true},
		{"per tool use without calls", models.CheckpointPerToolUse, false, nil, false},
		{"smart destructive", models.CheckpointSmart, false, destructive, true},
		{"smart benign", models.CheckpointSmart, false, benign, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ShouldCheckpoint(tc.strategy, tc.newTurn, tc.calls)
			if got != tc.want {
				t.Fatalf("ShouldCheckpoint(%v, %v, %v) = %v, want %v", tc.strategy, tc.newTurn, tc.calls, got, tc.want)
			}
		})
	}
}
