// Package mode implements the execution engine that drives one agent run. A
// mode is a strategy over an LLM chain: it decides when the model is called,
// when tools execute, and when the run stops. Modes are assembled from small
// pipeline steps threaded through a tagged Result; only the continue variant
// drives further work, every other variant is terminal and passes through the
// remaining steps unchanged, so a step never inspects what ran before it.
//
// Four modes ship built in: while_needs_response (the default) answers until
// the model stops requesting tools, until_success insists on a turn that ends
// without tool errors, until_tool_used watches for named tools, and step
// performs exactly one turn. Custom strategies implement Mode and register in
// a Registry.
package mode

import (
	"context"
	"sort"
	"sync"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
)

// Built-in mode names. ModeWhileNeedsResponse is the default strategy agents
// run when the caller names none.
const (
	ModeWhileNeedsResponse = "while_needs_response"
	ModeUntilSuccess       = "until_success"
	ModeUntilToolUsed      = "until_tool_used"
	ModeStep               = "step"
)

// DefaultMode is the strategy used when the caller names none.
const DefaultMode = ModeWhileNeedsResponse

// Mode is one execution strategy. Run drives the chain to a terminal result;
// it must never return KindContinue.
type Mode interface {
	// Name identifies the mode in run options and snapshots.
	Name() string
	// Run drives the chain to a terminal result.
	Run(ctx context.Context, c *Chain) Result
}

// Registry maps mode names to implementations. Agents resolve run options
// against it; deployments register custom strategies alongside the built-ins.
type Registry struct {
	mu    sync.RWMutex
	modes map[string]Mode
}

// NewRegistry builds an empty mode registry.
func NewRegistry() *Registry {
	return &Registry{modes: make(map[string]Mode)}
}

// DefaultRegistry returns a registry holding the built-in modes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(whileNeedsResponse{})
	_ = r.Register(untilSuccess{})
	_ = r.Register(untilToolUsed{})
	_ = r.Register(singleStep{})
	return r
}

// Register adds a mode. Duplicate names fail.
func (r *Registry) Register(m Mode) error {
	if m == nil {
		return loom.ValidationError("mode is required")
	}
	name := m.Name()
	if name == "" {
		return loom.ValidationError("mode name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modes[name]; ok {
		return loom.ValidationError("mode %q is already registered", name)
	}
	r.modes[name] = m
	return nil
}

// Get looks a mode up by name.
func (r *Registry) Get(name string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[name]
	return m, ok
}

// Names returns the registered mode names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modes))
	for name := range r.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// whileNeedsResponse loops execute-tools then call-model until the assistant
// answers without requesting tools. A conversation that needs no response
// returns ok without touching the model.
type whileNeedsResponse struct{}

func (whileNeedsResponse) Name() string { return ModeWhileNeedsResponse }

func (m whileNeedsResponse) Run(ctx context.Context, c *Chain) Result {
	if err := c.Validate(); err != nil {
		return Fail(c.State, err)
	}
	return m.run(ctx, c)
}

func (m whileNeedsResponse) run(ctx context.Context, c *Chain) Result {
	if !c.State.NeedsResponse() && !c.consumeForceRecurse() {
		return OK(c.State)
	}
	return Pipeline(ctx, c, Continue(c.State),
		ExecuteTools,
		CallLLM,
		CheckPause,
		ContinueOrDone(m.run),
	)
}

// untilSuccess re-runs the model until a turn ends cleanly: a plain assistant
// answer, or a tool message with no error results. Turns that produced tool
// errors count against the retry budget before the loop re-enters, so a
// perpetually failing tool cannot spin forever.
type untilSuccess struct{}

func (untilSuccess) Name() string { return ModeUntilSuccess }

func (m untilSuccess) Run(ctx context.Context, c *Chain) Result {
	if err := c.Validate(); err != nil {
		return Fail(c.State, err)
	}
	return m.run(ctx, c)
}

func (m untilSuccess) run(ctx context.Context, c *Chain) Result {
	r := Pipeline(ctx, c, Continue(c.State),
		CallLLM,
		ExecuteTools,
		CheckPause,
	)
	if r.Terminal() {
		return r
	}
	last, ok := r.State.LastMessage()
	if !ok {
		return OK(r.State)
	}
	if last.Role == message.RoleAssistant || (last.Role == message.RoleTool && !hasErrorResult(last)) {
		return OK(r.State)
	}
	c.failureCount++
	if c.failureCount > c.MaxRetries {
		c.emit(ctx, hooks.NewRetriesExceeded(c.AgentID, c.failureCount, c.MaxRetries, firstErrorText(last)))
		return Fail(r.State, loom.ExceededFailureCountError(c.failureCount, c.MaxRetries))
	}
	return m.run(ctx, c)
}

// untilToolUsed loops call-model and execute-tools until one of the watched
// tools produced a result, which the run returns as its extra payload.
type untilToolUsed struct{}

func (untilToolUsed) Name() string { return ModeUntilToolUsed }

func (m untilToolUsed) Run(ctx context.Context, c *Chain) Result {
	if err := c.Validate(); err != nil {
		return Fail(c.State, err)
	}
	if len(c.UntilTools) == 0 {
		return Fail(c.State, loom.ValidationError("until_tool_used requires watched tool names"))
	}
	return m.run(ctx, c)
}

func (m untilToolUsed) run(ctx context.Context, c *Chain) Result {
	return Pipeline(ctx, c, Continue(c.State),
		CallLLM,
		CheckMaxRuns,
		ExecuteTools,
		CheckUntilTool,
		CheckPause,
		ContinueOrDone(m.run),
	)
}

// singleStep performs exactly one model call and executes whatever tools it
// requested. No recursion.
type singleStep struct{}

func (singleStep) Name() string { return ModeStep }

func (singleStep) Run(ctx context.Context, c *Chain) Result {
	if err := c.Validate(); err != nil {
		return Fail(c.State, err)
	}
	r := Pipeline(ctx, c, Continue(c.State),
		CallLLM,
		ExecuteTools,
	)
	if r.Terminal() {
		return r
	}
	return OK(r.State)
}
