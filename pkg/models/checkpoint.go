package models

import "time"

// CheckpointMetadata carries summary fields derived at capture time by
// scanning the session's message stream in reverse.
type CheckpointMetadata struct {
	TotalTokens  int      `json:"total_tokens"`
	ModelUsed    string   `json:"model_used"`
	UserPrompt   string   `json:"user_prompt"`
	FileChanges  []string `json:"file_changes,omitempty"`
	SnapshotSize int64    `json:"snapshot_size"`
}

// Checkpoint is an immutable, content-addressed snapshot of a session's
// message stream (up to MessageIndex) plus the file-tree state that
// changed since its parent. It plays the role of a node in a rooted tree:
// ParentCheckpointID references the parent by id only, never a back
// pointer to a live node.
type Checkpoint struct {
	ID                 string             `json:"id"`
	SessionID          string             `json:"session_id"`
	ProjectID          string             `json:"project_id"`
	MessageIndex        int               `json:"message_index"`
	Timestamp           time.Time         `json:"timestamp"`
	Description         string            `json:"description,omitempty"`
	ParentCheckpointID *string            `json:"parent_checkpoint_id,omitempty"`
	Metadata            CheckpointMetadata `json:"metadata"`
}

// FileSnapshot is a single file's captured content at a checkpoint,
// content-addressed by Hash so identical content shared by two
// checkpoints is stored once.
type FileSnapshot struct {
	CheckpointID string `json:"checkpoint_id"`
	FilePath     string `json:"file_path"` // relative to project root
	Content      []byte `json:"content"`
	Hash         string `json:"hash"`
	IsDeleted    bool   `json:"is_deleted"`
	Permissions  *uint32 `json:"permissions,omitempty"`
	Size         int64  `json:"size"`
}

// CheckpointStrategy is the auto-checkpoint policy applied by the agent
// loop after each round.
type CheckpointStrategy string

const (
	// CheckpointManual never auto-checkpoints.
	CheckpointManual CheckpointStrategy = "manual"
	// CheckpointPerPrompt checkpoints on every user message.
	CheckpointPerPrompt CheckpointStrategy = "per_prompt"
	// CheckpointPerToolUse checkpoints on any assistant message containing
	// a tool call.
	CheckpointPerToolUse CheckpointStrategy = "per_tool_use"
	// CheckpointSmart checkpoints only when a tool call is destructive.
	CheckpointSmart CheckpointStrategy = "smart"
)

// destructiveToolNames lists the tool-name substrings that the Smart
// auto-checkpoint strategy treats as destructive.
var destructiveToolNames = []string{"write", "edit", "multiedit", "bash", "rm", "delete"}

// IsDestructiveToolName reports whether name matches one of the
// destructive tool markers used by the Smart checkpoint strategy.
func IsDestructiveToolName(name string) bool {
	for _, d := range destructiveToolNames {
		if name == d {
			return true
		}
	}
	return false
}

// CheckpointResult is returned from a checkpoint-creation call.
type CheckpointResult struct {
	Checkpoint    Checkpoint `json:"checkpoint"`
	FilesProcessed int       `json:"files_processed"`
	Warnings       []string  `json:"warnings,omitempty"`
}

// TimelineNode is one entry of the serialized checkpoint timeline: a
// Checkpoint plus its children, forming a rooted tree with parent ids by
// value rather than back pointers.
type TimelineNode struct {
	Checkpoint Checkpoint     `json:"checkpoint"`
	Children   []TimelineNode `json:"children,omitempty"`
}
