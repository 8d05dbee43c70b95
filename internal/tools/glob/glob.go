// Package glob implements the runtime's glob-search system tool (spec
// §4.4): pattern-based file discovery confined to a base directory, with
// symlink-safe traversal and an fsnotify-backed listing cache.
package glob

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelai/runtime/internal/permission"
	"github.com/kestrelai/runtime/pkg/models"
)

const defaultLimit = 1000

// Tool implements the glob-search tool contract.
type Tool struct {
	// DefaultBaseDir is used when a call omits base_dir; it must already
	// be an absolute, canonical path.
	DefaultBaseDir string

	cacheMu sync.Mutex
	caches  map[string]*dirCache
}

// NewTool creates a glob tool rooted at defaultBaseDir.
func NewTool(defaultBaseDir string) *Tool {
	return &Tool{DefaultBaseDir: defaultBaseDir, caches: make(map[string]*dirCache)}
}

func (t *Tool) Name() string { return "glob_search" }

func (t *Tool) Description() string {
	return "Find files and directories under a base directory matching a glob pattern."
}

func (t *Tool) ParametersSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, relative to base_dir. Must not start with '/' or contain '..'.",
			},
			"base_dir": map[string]any{
				"type":        "string",
				"description": "Absolute directory to search under (defaults to the workspace root).",
			},
			"exclude": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Glob patterns to exclude from results.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results (default 1000).",
			},
			"files_only": map[string]any{
				"type":        "boolean",
				"description": "Return only regular files (default true).",
			},
			"dirs_only": map[string]any{
				"type":        "boolean",
				"description": "Return only directories (default false).",
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type request struct {
	Pattern   string   `json:"pattern"`
	BaseDir   string   `json:"base_dir"`
	Exclude   []string `json:"exclude"`
	Limit     int      `json:"limit"`
	FilesOnly *bool    `json:"files_only"`
	DirsOnly  bool     `json:"dirs_only"`
}

// Execute runs the glob search.
func (t *Tool) Execute(ctx context.Context, arguments string) (models.ToolResult, error) {
	var req request
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), &req); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Pattern) == "" {
		return toolError("pattern is required"), nil
	}
	if strings.HasPrefix(req.Pattern, "/") {
		return toolError("pattern must not start with '/'"), nil
	}
	if err := permission.ValidateNoTraversal(filepath.ToSlash(req.Pattern)); err != nil {
		return toolError(err.Error()), nil
	}
	for _, ex := range req.Exclude {
		if err := permission.ValidateNoTraversal(filepath.ToSlash(ex)); err != nil {
			return toolError(fmt.Sprintf("invalid exclude pattern %q: %v", ex, err)), nil
		}
	}

	baseDir := req.BaseDir
	if baseDir == "" {
		baseDir = t.DefaultBaseDir
	}
	if !filepath.IsAbs(baseDir) {
		return toolError("base_dir must be absolute"), nil
	}
	canonicalBase, err := permission.CanonicalizePath(baseDir)
	if err != nil {
		return toolError(fmt.Sprintf("invalid base_dir: %v", err)), nil
	}
	canonicalBase = filepath.FromSlash(canonicalBase)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	filesOnly := true
	if req.FilesOnly != nil {
		filesOnly = *req.FilesOnly
	}
	if req.DirsOnly {
		filesOnly = false
	}

	entries := t.listing(canonicalBase)

	recursive := strings.Contains(req.Pattern, "/") || strings.Contains(req.Pattern, "**")

	matches := make([]string, 0, limit)
	for _, e := range entries {
		if ctx.Err() != nil {
			return toolError(ctx.Err().Error()), nil
		}
		if req.DirsOnly && !e.isDir {
			continue
		}
		if filesOnly && e.isDir {
			continue
		}
		if !recursive && strings.Contains(e.rel, "/") {
			continue
		}
		ok, err := filepath.Match(req.Pattern, e.rel)
		if err != nil {
			return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
		}
		if !ok {
			// filepath.Match treats "/" as a literal, so "**" style
			// recursive patterns need the simplified glob-star rewrite.
			if !globStarMatch(req.Pattern, e.rel) {
				continue
			}
		}
		if matchesAny(req.Exclude, e.rel) {
			continue
		}
		matches = append(matches, e.rel)
		if len(matches) >= limit {
			break
		}
	}
	sort.Strings(matches)

	payload, err := json.MarshalIndent(map[string]any{
		"base_dir": filepath.ToSlash(canonicalBase),
		"matches":  matches,
		"count":    len(matches),
		"limit":    limit,
		"truncated": len(matches) >= limit,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.ToolResult{Success: true, Result: string(payload)}, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if globStarMatch(p, rel) {
			return true
		}
	}
	return false
}

// globStarMatch handles "**"-bearing patterns by matching path segments
// independently, since filepath.Match has no recursive-wildcard concept.
func globStarMatch(pattern, rel string) bool {
	if !strings.Contains(pattern, "**") {
		return false
	}
	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")

	if prefix != "" && !strings.HasPrefix(rel, prefix) {
		return false
	}
	trimmed := strings.TrimPrefix(rel, prefix)
	trimmed = strings.TrimPrefix(trimmed, "/")

	if suffix == "" {
		return true
	}
	ok, _ := filepath.Match(suffix, filepath.Base(trimmed))
	if ok {
		return true
	}
	// Allow the suffix to match anywhere among the remaining segments.
	segments := strings.Split(trimmed, "/")
	for i := range segments {
		candidate := strings.Join(segments[i:], "/")
		if ok, _ := filepath.Match(suffix, candidate); ok {
			return true
		}
	}
	return false
}

type entry struct {
	rel   string
	isDir bool
}

// listing returns the (cached) recursive file listing for base, refusing
// to follow symlinks that would escape base.
func (t *Tool) listing(base string) []entry {
	t.cacheMu.Lock()
	cache, ok := t.caches[base]
	if !ok {
		cache = newDirCache(base)
		t.caches[base] = cache
	}
	t.cacheMu.Unlock()
	return cache.entries()
}

// dirCache caches a base directory's recursive walk, invalidated by an
// fsnotify watch on the tree so repeated calls within a session don't
// re-walk large trees.
type dirCache struct {
	base string

	mu      sync.Mutex
	list []entry
	valid   bool

	watcher *fsnotify.Watcher
}

func newDirCache(base string) *dirCache {
	c := &dirCache{base: base}
	if w, err := fsnotify.NewWatcher(); err == nil {
		c.watcher = w
		_ = addWatchesRecursive(w, base)
		go c.watchLoop()
	}
	return c
}

func (c *dirCache) watchLoop() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			_ = event
			c.invalidate()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (c *dirCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *dirCache) entries() []entry {
	c.mu.Lock()
	if c.valid {
		defer c.mu.Unlock()
		return c.list
	}
	c.mu.Unlock()

	walked := walk(c.base)

	c.mu.Lock()
	c.list = walked
	c.valid = true
	c.mu.Unlock()
	return walked
}

// walk performs a non-symlink-following recursive walk of base, returning
// paths relative to base with forward-slash separators.
func walk(base string) []entry {
	var out []entry
	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, skip unreadable entries
		}
		if path == base {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			// Never follow symlinks during traversal; if it points
			// outside base it must not be able to yield results from
			// outside base regardless.
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		out = append(out, entry{rel: filepath.ToSlash(rel), isDir: d.IsDir()})
		return nil
	})
	return out
}

func addWatchesRecursive(w *fsnotify.Watcher, base string) error {
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// Close releases fsnotify watchers held by this tool's caches.
func (t *Tool) Close() error {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	for _, c := range t.caches {
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
	}
	return nil
}

func toolError(message string) models.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return models.ToolResult{Success: false, Result: string(payload)}
}
