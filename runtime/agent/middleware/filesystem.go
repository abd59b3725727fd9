package middleware

import (
	"context"
	"strings"
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/fs"
)

// NameFilesystem is the filesystem middleware name.
const NameFilesystem = "filesystem"

// Filesystem exposes a scope's virtual filesystem to the model as tools.
// Mutations flow through the server, which enforces read-only subtrees and
// persistence; the middleware reports touched paths into the state's file
// registry via deltas.
type Filesystem struct {
	server *fs.Server
}

// NewFilesystem builds the filesystem middleware over a server.
func NewFilesystem(server *fs.Server) (*Filesystem, error) {
	if server == nil {
		return nil, loom.ValidationError("filesystem middleware requires a server")
	}
	return &Filesystem{server: server}, nil
}

// Name implements Middleware.
func (*Filesystem) Name() string { return NameFilesystem }

// SystemPrompt implements SystemPrompter.
func (*Filesystem) SystemPrompt() string {
	return `You have a virtual filesystem. Paths are absolute and slash-separated, like /notes/plan.md. Use ls to explore, read_file before editing, write_file to create or overwrite, edit_file for targeted changes, delete_file to remove. Some subtrees are read-only; writes there fail with an explanation.`
}

// Tools implements ToolProvider.
func (m *Filesystem) Tools() []tools.Tool {
	pathProp := map[string]any{"type": "string", "description": "Absolute virtual path."}
	return []tools.Tool{
		{
			Name:        "ls",
			Description: "List virtual file paths, optionally under a prefix.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prefix": map[string]any{"type": "string", "description": "Only list paths under this prefix."},
				},
				"additionalProperties": false,
			},
			Execute: m.ls,
		},
		{
			Name:        "read_file",
			Description: "Read a file's content.",
			Schema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"path": pathProp},
				"required":             []any{"path"},
				"additionalProperties": false,
			},
			Execute: m.readFile,
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp,
					"content": map[string]any{"type": "string"},
				},
				"required":             []any{"path", "content"},
				"additionalProperties": false,
			},
			Execute: m.writeFile,
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. Fails unless old_string occurs exactly once, or replace_all is set.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":        pathProp,
					"old_string":  map[string]any{"type": "string"},
					"new_string":  map[string]any{"type": "string"},
					"replace_all": map[string]any{"type": "boolean"},
				},
				"required":             []any{"path", "old_string", "new_string"},
				"additionalProperties": false,
			},
			Execute: m.editFile,
		},
		{
			Name:        "delete_file",
			Description: "Delete a file.",
			Schema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"path": pathProp},
				"required":             []any{"path"},
				"additionalProperties": false,
			},
			Execute: m.deleteFile,
		},
	}
}

func (m *Filesystem) ls(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	prefix, _ := args["prefix"].(string)
	paths, err := m.server.ListFiles(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return tools.Text("No files."), nil
	}
	return tools.Text("%s", strings.Join(paths, "\n")), nil
}

func (m *Filesystem) readFile(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	path, _ := args["path"].(string)
	content, err := m.server.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return tools.Text("%s", content), nil
}

func (m *Filesystem) writeFile(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := m.server.WriteFile(ctx, path, content); err != nil {
		return nil, err
	}
	return tools.Text("Wrote %d bytes to %s.", len(content), path).
		WithDelta(m.touchDelta(path, len(content))), nil
}

func (m *Filesystem) editFile(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if oldStr == "" {
		return nil, loom.ValidationError("old_string must not be empty")
	}
	content, err := m.server.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return nil, loom.ValidationError("old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return nil, loom.ValidationError("old_string occurs %d times in %s; pass replace_all to replace every occurrence", count, path)
	}
	replacements := 1
	edited := strings.Replace(content, oldStr, newStr, 1)
	if replaceAll {
		replacements = count
		edited = strings.ReplaceAll(content, oldStr, newStr)
	}
	if err := m.server.WriteFile(ctx, path, edited); err != nil {
		return nil, err
	}
	return tools.Text("Replaced %d occurrence(s) in %s.", replacements, path).
		WithDelta(m.touchDelta(path, len(edited))), nil
}

func (m *Filesystem) deleteFile(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	path, _ := args["path"].(string)
	// Resolve the registry key before the entry disappears.
	key := path
	if entry, ok := m.server.Entry(path); ok {
		key = entry.Path
	}
	if err := m.server.DeleteFile(ctx, path); err != nil {
		return nil, err
	}
	return tools.Text("Deleted %s.", path).
		WithDelta(&state.Delta{Files: map[string]*state.FileRef{key: nil}}), nil
}

func (m *Filesystem) touchDelta(path string, size int) *state.Delta {
	ref := &state.FileRef{Size: int64(size), ModifiedAt: time.Now().UTC()}
	key := path
	if entry, ok := m.server.Entry(path); ok {
		key = entry.Path
	}
	return &state.Delta{Files: map[string]*state.FileRef{key: ref}}
}
