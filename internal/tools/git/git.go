// Package git implements the runtime's git-write system tool: a
// tagged-union operation (commit, push, branch, checkout, merge, add,
// reset) shelled out to the git binary exactly the way tools/exec shells
// out to arbitrary terminal commands, reusing its workspace-confinement
// resolver for cwd.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kestrelai/runtime/internal/tools/files"
	"github.com/kestrelai/runtime/pkg/models"
)

// Operation enumerates the supported git-write operations.
type Operation string

const (
	OpCommit   Operation = "commit"
	OpPush     Operation = "push"
	OpBranch   Operation = "branch"
	OpCheckout Operation = "checkout"
	OpMerge    Operation = "merge"
	OpAdd      Operation = "add"
	OpReset    Operation = "reset"
)

// Tool implements the git-write tool contract.
type Tool struct {
	resolver files.Resolver
}

// NewTool creates a git-write tool confined to the given workspace root.
func NewTool(workspace string) *Tool {
	return &Tool{resolver: files.Resolver{Root: workspace}}
}

func (t *Tool) Name() string { return "git_write" }

func (t *Tool) Description() string {
	return "Perform a git write operation (commit, push, branch, checkout, merge, add, reset) in a working tree."
}

func (t *Tool) ParametersSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []string{"commit", "push", "branch", "checkout", "merge", "add", "reset"},
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Git working tree, relative to the workspace root.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Commit message (commit operation).",
			},
			"paths": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"remote": map[string]any{"type": "string"},
			"branch": map[string]any{"type": "string"},
			"force":  map[string]any{"type": "boolean"},
			"hard":   map[string]any{"type": "boolean"},
			"create": map[string]any{"type": "boolean"},
		},
		"required": []string{"operation"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type request struct {
	Operation Operation `json:"operation"`
	Cwd       string    `json:"cwd"`
	Message   string    `json:"message"`
	Paths     []string  `json:"paths"`
	Remote    string    `json:"remote"`
	Branch    string    `json:"branch"`
	Force     bool      `json:"force"`
	Hard      bool      `json:"hard"`
	Create    bool      `json:"create"`
}

// Execute dispatches to the requested git-write operation.
func (t *Tool) Execute(ctx context.Context, arguments string) (models.ToolResult, error) {
	var req request
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), &req); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	cwd, err := t.workingTree(req.Cwd)
	if err != nil {
		return toolError(err.Error()), nil
	}

	switch req.Operation {
	case OpCommit:
		if strings.TrimSpace(req.Message) == "" {
			return toolError("message is required for commit"), nil
		}
		args := []string{"commit", "-m", req.Message}
		return t.run(ctx, cwd, args...)

	case OpPush:
		// Policy: a force push is always refused.
		if req.Force {
			return toolError("force push is not permitted"), nil
		}
		args := []string{"push"}
		if req.Remote != "" {
			args = append(args, req.Remote)
		}
		if req.Branch != "" {
			args = append(args, req.Branch)
		}
		return t.run(ctx, cwd, args...)

	case OpBranch:
		if strings.TrimSpace(req.Branch) == "" {
			return toolError("branch is required"), nil
		}
		return t.run(ctx, cwd, "branch", req.Branch)

	case OpCheckout:
		if strings.TrimSpace(req.Branch) == "" {
			return toolError("branch is required"), nil
		}
		args := []string{"checkout"}
		if req.Create {
			args = append(args, "-b")
		}
		args = append(args, req.Branch)
		return t.run(ctx, cwd, args...)

	case OpMerge:
		if strings.TrimSpace(req.Branch) == "" {
			return toolError("branch is required"), nil
		}
		return t.runMerge(ctx, cwd, req.Branch)

	case OpAdd:
		if len(req.Paths) == 0 {
			return toolError("paths is required for add"), nil
		}
		// Pathspecs MUST follow "--" so a path beginning with "-" can
		// never be interpreted as a flag.
		args := append([]string{"add", "--"}, req.Paths...)
		return t.run(ctx, cwd, args...)

	case OpReset:
		args := []string{"reset"}
		if req.Hard {
			args = append(args, "--hard")
		}
		if req.Branch != "" {
			args = append(args, req.Branch)
		}
		return t.run(ctx, cwd, args...)

	default:
		return toolError(fmt.Sprintf("unsupported operation: %s", req.Operation)), nil
	}
}

func (t *Tool) workingTree(cwd string) (string, error) {
	resolved, err := t.resolver.Resolve(cwd)
	if err != nil {
		return "", err
	}
	check := exec.Command("git", "-C", resolved, "rev-parse", "--is-inside-work-tree")
	if err := check.Run(); err != nil {
		return "", fmt.Errorf("%s is not a git working tree", resolved)
	}
	return resolved, nil
}

func (t *Tool) run(ctx context.Context, cwd string, args ...string) (models.ToolResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	payload, _ := json.MarshalIndent(map[string]any{
		"command": "git " + strings.Join(args, " "),
		"stdout":  stdout.String(),
		"stderr":  stderr.String(),
	}, "", "  ")

	if err != nil {
		return models.ToolResult{Success: false, Result: string(payload)}, nil
	}
	return models.ToolResult{Success: true, Result: string(payload)}, nil
}

// runMerge runs "git merge" and reports a distinct CONFLICT outcome,
// separate from other command failures.
func (t *Tool) runMerge(ctx context.Context, cwd, branch string) (models.ToolResult, error) {
	cmd := exec.CommandContext(ctx, "git", "merge", branch)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	combined := stdout.String() + stderr.String()
	conflict := strings.Contains(combined, "CONFLICT")

	status := "merged"
	if err != nil {
		status = "failed"
		if conflict {
			status = "conflict"
		}
	}

	payload, _ := json.MarshalIndent(map[string]any{
		"command": "git merge " + branch,
		"status":  status,
		"stdout":  stdout.String(),
		"stderr":  stderr.String(),
	}, "", "  ")

	// A merge conflict is not a crash of the tool; it is a reportable
	// outcome the caller must inspect, so it is still success:false but
	// distinguishable from other failures via the "status" field.
	return models.ToolResult{Success: err == nil, Result: string(payload)}, nil
}

func toolError(message string) models.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return models.ToolResult{Success: false, Result: string(payload)}
}
