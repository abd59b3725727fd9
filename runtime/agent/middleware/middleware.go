// Package middleware defines the agent middleware pipeline. A middleware is
// any value implementing Middleware plus whichever capability interfaces it
// needs: contribute system prompt text, contribute tools, observe or mutate
// state before the model runs, and inspect the response after. Capabilities
// are discovered by type assertion, so a middleware implements only what it
// uses.
//
// The built-ins cover the runtime defaults: a todo list the model maintains,
// filesystem tools bound to a scope's virtual filesystem, conversation
// summarisation to stay inside context windows, dangling tool-call repair,
// and human-in-the-loop review that suspends a run until decisions arrive.
package middleware

import (
	"context"

	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
)

type (
	// Middleware is one pipeline entry. Everything beyond Name is optional
	// capability interfaces.
	Middleware interface {
		// Name identifies the middleware; snapshots record it and the
		// registry constructs by it.
		Name() string
	}

	// SystemPrompter contributes a system prompt fragment. Fragments join
	// the agent's base prompt separated by blank lines; empty fragments are
	// skipped.
	SystemPrompter interface {
		SystemPrompt() string
	}

	// ToolProvider contributes tools to the agent's registry. Name
	// collisions with other providers or custom tools fail agent
	// construction.
	ToolProvider interface {
		Tools() []tools.Tool
	}

	// BeforeModeler runs before every model invocation, in pipeline order.
	// The first error short-circuits the turn.
	BeforeModeler interface {
		BeforeModel(ctx context.Context, st *state.State) error
	}

	// AfterModeler runs after every model invocation, in reverse pipeline
	// order. Returning a non-nil Interrupt suspends the run for external
	// decisions; returning an error fails the turn.
	AfterModeler interface {
		AfterModel(ctx context.Context, st *state.State) (*Interrupt, error)
	}

	// StateSchemer describes the state fields a middleware maintains, as a
	// JSON Schema fragment. Purely informational.
	StateSchemer interface {
		StateSchema() map[string]any
	}

	// OptsProvider exposes the middleware's construction options so
	// snapshots can rebuild it. Values must be JSON-serialisable. Middleware
	// without it export empty options.
	OptsProvider interface {
		Opts() map[string]any
	}
)
