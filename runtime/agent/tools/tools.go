// Package tools defines the callable-tool contract and the registry agents
// expose to the model. A Tool couples a JSON Schema describing its arguments
// with a Handler that executes them; the Registry validates arguments against
// the compiled schema before any handler runs, so handlers only ever see
// well-formed input. Handler failures become is_error tool results rather
// than runtime errors: the model observes them and may self-correct.
package tools

import (
	"context"
	"fmt"

	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/fs"
)

type (
	// Tool is one callable capability.
	Tool struct {
		// Name identifies the tool to the model. Unique within a registry.
		Name string
		// Description tells the model when to use the tool.
		Description string
		// Schema is the JSON Schema of the arguments object. A nil schema
		// accepts any arguments.
		Schema map[string]any
		// Execute runs the tool.
		Execute Handler
	}

	// Handler executes a tool call. Returning an error produces an is_error
	// result for the model; it never aborts the agent's turn.
	Handler func(ctx context.Context, tc *Context, args map[string]any) (*Result, error)

	// Context carries the per-call environment handed to handlers.
	Context struct {
		// AgentID is the calling agent.
		AgentID string
		// State is a read-only snapshot of the agent's state at call time.
		// Handlers mutate state only through Result.Delta.
		State *state.State
		// Filesystem is the agent's filesystem server, nil when the agent
		// has none.
		Filesystem *fs.Server
	}

	// Result is a successful tool outcome.
	Result struct {
		// Content is what the model sees.
		Content []message.Part
		// ProcessedContent optionally carries a structured rendition for
		// programmatic consumers; it is never sent to the model.
		ProcessedContent any
		// Delta optionally mutates agent state.
		Delta *state.Delta
	}
)

// Text builds a single-part text result.
func Text(format string, args ...any) *Result {
	return &Result{Content: []message.Part{message.TextPart(fmt.Sprintf(format, args...))}}
}

// WithDelta attaches a state delta to the result.
func (r *Result) WithDelta(d *state.Delta) *Result {
	r.Delta = d
	return r
}
