package middleware

import (
	"context"
	"strings"

	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/telemetry"
)

type (
	// Stack is an agent's initialised middleware pipeline. BeforeModel runs
	// entries in order; AfterModel runs them in reverse, so the first entry
	// to see the request is the last to see the response.
	Stack struct {
		agentID string
		entries []Middleware
		logger  telemetry.Logger
		emit    Emitter
	}

	// Emitter receives debug events fired by the stack. Typically wired to
	// the owning agent's debug bus.
	Emitter func(ctx context.Context, evt hooks.Event)

	// StackOption configures a Stack.
	StackOption func(*Stack)
)

// WithStackLogger routes stack diagnostics to the given logger.
func WithStackLogger(l telemetry.Logger) StackOption {
	return func(s *Stack) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitter wires hook-fired events to an emitter.
func WithEmitter(emit Emitter) StackOption {
	return func(s *Stack) {
		if emit != nil {
			s.emit = emit
		}
	}
}

// NewStack builds a pipeline for one agent. Nil entries are dropped.
func NewStack(agentID string, entries []Middleware, opts ...StackOption) *Stack {
	kept := make([]Middleware, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			kept = append(kept, e)
		}
	}
	s := &Stack{
		agentID: agentID,
		entries: kept,
		logger:  telemetry.NewNoopLogger(),
		emit:    func(context.Context, hooks.Event) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entries returns the pipeline in order.
func (s *Stack) Entries() []Middleware {
	return append([]Middleware(nil), s.entries...)
}

// Names returns the middleware names in pipeline order.
func (s *Stack) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Name()
	}
	return names
}

// SystemPrompt assembles the full system prompt: the base prompt followed by
// each contributing middleware's fragment, joined by blank lines.
func (s *Stack) SystemPrompt(base string) string {
	fragments := make([]string, 0, len(s.entries)+1)
	if base != "" {
		fragments = append(fragments, base)
	}
	for _, e := range s.entries {
		sp, ok := e.(SystemPrompter)
		if !ok {
			continue
		}
		if fragment := strings.TrimSpace(sp.SystemPrompt()); fragment != "" {
			fragments = append(fragments, fragment)
		}
	}
	return strings.Join(fragments, "\n\n")
}

// Tools concatenates every provider's tools in pipeline order. Uniqueness is
// enforced by the registry the tools are loaded into.
func (s *Stack) Tools() []tools.Tool {
	var out []tools.Tool
	for _, e := range s.entries {
		if tp, ok := e.(ToolProvider); ok {
			out = append(out, tp.Tools()...)
		}
	}
	return out
}

// BeforeModel runs the before hooks in pipeline order. The first error stops
// the pipeline and short-circuits the turn.
func (s *Stack) BeforeModel(ctx context.Context, st *state.State) error {
	for _, e := range s.entries {
		bm, ok := e.(BeforeModeler)
		if !ok {
			continue
		}
		s.emit(ctx, hooks.NewMiddlewareFired(s.agentID, e.Name(), "before_model"))
		if err := bm.BeforeModel(ctx, st); err != nil {
			s.logger.Warn(ctx, "before_model failed", "middleware", e.Name(), "err", err)
			return err
		}
	}
	return nil
}

// AfterModel runs the after hooks in reverse pipeline order. The first
// interrupt suspends the run; the first error fails the turn.
func (s *Stack) AfterModel(ctx context.Context, st *state.State) (*Interrupt, error) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		am, ok := e.(AfterModeler)
		if !ok {
			continue
		}
		s.emit(ctx, hooks.NewMiddlewareFired(s.agentID, e.Name(), "after_model"))
		intr, err := am.AfterModel(ctx, st)
		if err != nil {
			s.logger.Warn(ctx, "after_model failed", "middleware", e.Name(), "err", err)
			return nil, err
		}
		if intr != nil {
			return intr, nil
		}
	}
	return nil, nil
}
