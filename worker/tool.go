// Package worker implements Frank, the leaf executor. It owns the mutable
// process space: browser sessions and the dynamically loaded tool handlers.
// Tools are single-file Lua modules in a watched directory; each is
// security-scanned, content-hashed and sandboxed before it becomes
// callable.
package worker

import (
	"context"
	"regexp"
	"time"
)

// ToolNamePattern constrains dynamic tool names.
var ToolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Names that can never be deleted, regardless of configuration.
var alwaysProtected = map[string]bool{
	"dynamic_tool_create": true,
	"hello_world":         true,
}

// Handler is the executable body of a tool.
type Handler interface {
	Run(ctx context.Context, args map[string]interface{}) (string, error)
}

// HandlerFunc adapts a function to the Handler contract; builtin tools
// use it directly.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	return f(ctx, args)
}

// DynamicTool is a loaded tool: manifest plus handler plus provenance.
type DynamicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	SourcePath  string                 `json:"sourcePath,omitempty"`
	ContentHash string                 `json:"contentHash,omitempty"`
	Builtin     bool                   `json:"builtin,omitempty"`
	LoadedAt    time.Time              `json:"loadedAt"`

	Handler Handler `json:"-"`
}

// ToolSummary is the wire shape of GET /tools entries.
type ToolSummary struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Summary projects the wire shape.
func (t *DynamicTool) Summary() ToolSummary {
	return ToolSummary{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}
