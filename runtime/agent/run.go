package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/mode"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeOK means the mode reached its stop condition.
	OutcomeOK Outcome = "ok"
	// OutcomePause means an injected should-pause predicate checkpointed the
	// run between turns.
	OutcomePause Outcome = "pause"
	// OutcomeInterrupt means an after-model hook suspended the run for
	// external decisions; answer with Resume.
	OutcomeInterrupt Outcome = "interrupt"
	// OutcomeError means the run failed; the actor kept its previous state.
	OutcomeError Outcome = "error"
	// OutcomeCancelled means the run was aborted and its results discarded.
	OutcomeCancelled Outcome = "cancelled"
)

// Metadata keys the actor maintains on the conversation state.
const (
	// MetaUsageInputTokens accumulates prompt tokens across runs.
	MetaUsageInputTokens = "usage.input_tokens"
	// MetaUsageOutputTokens accumulates completion tokens across runs.
	MetaUsageOutputTokens = "usage.output_tokens"
)

type (
	// RunResult is the outcome of one run command.
	RunResult struct {
		// Outcome classifies the ending.
		Outcome Outcome
		// State is a copy of the actor's state after the run.
		State *state.State
		// Extra is the watched tool result, set by until_tool_used.
		Extra *message.ToolResult
		// Interrupt carries the pending action requests when Outcome is
		// OutcomeInterrupt.
		Interrupt *middleware.Interrupt
		// Err is the failure when Outcome is OutcomeError.
		Err error
	}

	// RunOption customises one run.
	RunOption func(*runOptions)

	runOptions struct {
		mode         string
		custom       mode.Mode
		maxRuns      *int
		untilTools   []string
		allowedTools []string
		shouldPause  func() bool
		forceRecurse bool
	}
)

// WithMode selects a registered mode by name.
func WithMode(name string) RunOption {
	return func(o *runOptions) { o.mode = name }
}

// WithCustomMode runs an unregistered mode implementation.
func WithCustomMode(m mode.Mode) RunOption {
	return func(o *runOptions) { o.custom = m }
}

// WithMaxRuns overrides the agent's model call budget for this run. Zero is
// honored: the run fails with exceeded_max_runs before calling the provider.
func WithMaxRuns(n int) RunOption {
	return func(o *runOptions) { o.maxRuns = &n }
}

// WithUntilTools sets the watch list for until_tool_used.
func WithUntilTools(names ...string) RunOption {
	return func(o *runOptions) { o.untilTools = names }
}

// WithAllowedTools restricts which tools the model is offered this run.
func WithAllowedTools(names ...string) RunOption {
	return func(o *runOptions) { o.allowedTools = names }
}

// WithShouldPause installs a predicate consulted between turns; returning
// true checkpoints the run with OutcomePause.
func WithShouldPause(fn func() bool) RunOption {
	return func(o *runOptions) { o.shouldPause = fn }
}

// WithForceRecurse forces one extra model turn even when the conversation
// does not need a response.
func WithForceRecurse() RunOption {
	return func(o *runOptions) { o.forceRecurse = true }
}

func buildRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Run executes a mode on the actor and waits for its outcome. Budget and
// validation failures ride in RunResult.Err; the returned error reports
// command-level failures only (stopped actor, context expiry).
func (a *Actor) Run(ctx context.Context, opts ...RunOption) (RunResult, error) {
	o := buildRunOptions(opts)
	var res RunResult
	if err := a.do(ctx, func() {
		a.touch()
		res = a.execute(ctx, o)
	}); err != nil {
		return RunResult{}, err
	}
	return res, nil
}

// execute drives one mode run on the actor goroutine. The mode works on a
// copy of the state; the actor commits it only when the run did not fail, so
// a failed turn never leaves the conversation half-mutated.
func (a *Actor) execute(ctx context.Context, o runOptions) RunResult {
	m, err := a.resolveMode(o)
	if err != nil {
		a.transition(ctx, StatusError)
		return RunResult{Outcome: OutcomeError, State: a.state.Clone(), Err: err}
	}
	// Publish the cancel hook before the status flips so a caller that
	// observes StatusRunning can always abort the run.
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()
	a.transition(ctx, StatusRunning)
	defer func() {
		cancel()
		a.mu.Lock()
		a.runCancel = nil
		a.mu.Unlock()
	}()

	c := a.newChain(o)
	res := m.Run(runCtx, c)

	if runCtx.Err() != nil {
		// Cancelled mid-flight: whatever the mode produced is discarded.
		bg := context.WithoutCancel(ctx)
		a.transition(bg, StatusCancelled)
		return RunResult{Outcome: OutcomeCancelled, State: a.state.Clone(), Err: runCtx.Err()}
	}
	switch res.Kind {
	case mode.KindOK:
		a.commit(res, c.Usage())
		a.transition(ctx, StatusCompleted)
		return RunResult{Outcome: OutcomeOK, State: a.state.Clone(), Extra: res.Extra}
	case mode.KindPause:
		a.commit(res, c.Usage())
		a.transition(ctx, StatusIdle)
		return RunResult{Outcome: OutcomePause, State: a.state.Clone()}
	case mode.KindInterrupt:
		a.commit(res, c.Usage())
		a.pending = &pendingInterrupt{interrupt: res.Interrupt, opts: o}
		a.transition(ctx, StatusInterrupted)
		return RunResult{Outcome: OutcomeInterrupt, State: a.state.Clone(), Interrupt: res.Interrupt}
	default:
		a.transition(ctx, StatusError)
		return RunResult{Outcome: OutcomeError, State: a.state.Clone(), Err: res.Err}
	}
}

// commit installs a run's resulting state and folds the tokens it spent into
// the usage counters. The counters live in metadata so they survive export and
// keep accumulating across runs and restores.
func (a *Actor) commit(res mode.Result, u message.Usage) {
	a.state = res.State
	if u.IsZero() {
		return
	}
	a.state.Apply(&state.Delta{Metadata: map[string]any{
		MetaUsageInputTokens:  intOpt(a.state.Metadata, MetaUsageInputTokens) + u.InputTokens,
		MetaUsageOutputTokens: intOpt(a.state.Metadata, MetaUsageOutputTokens) + u.OutputTokens,
	}})
}

func (a *Actor) resolveMode(o runOptions) (mode.Mode, error) {
	if o.custom != nil {
		return o.custom, nil
	}
	name := o.mode
	if name == "" {
		name = a.agent.DefaultMode()
	}
	m, ok := a.agent.Modes().Get(name)
	if !ok {
		return nil, loom.ValidationError("unknown mode %q", name)
	}
	return m, nil
}

// newChain builds a fresh chain for one run over a copy of the state.
func (a *Actor) newChain(o runOptions) *mode.Chain {
	maxRuns := a.agent.MaxRuns()
	if o.maxRuns != nil {
		maxRuns = *o.maxRuns
	}
	return &mode.Chain{
		AgentID:      a.agent.ID(),
		State:        a.state.Clone(),
		Model:        a.agent.Model(),
		ModelID:      a.agent.ModelID(),
		SystemPrompt: a.agent.SystemPrompt(),
		Tools:        a.agent.Tools(),
		Middleware:   a.stack,
		Filesystem:   a.agent.Filesystem(),
		MaxRuns:      maxRuns,
		MaxRetries:   a.agent.MaxRetries(),
		UntilTools:   o.untilTools,
		AllowedTools: o.allowedTools,
		ShouldPause:  o.shouldPause,
		ForceRecurse: o.forceRecurse,
		Emit:         a.routeEvent,
		Logger:       a.logger,
	}
}

// Resume answers a pending interrupt. Decisions map one-to-one onto the
// interrupt's action requests, in order: approve executes the call as issued,
// edit executes it with the reviewer's arguments, reject records a rejection
// without executing. The resulting tool message is committed and the
// interrupted run picks back up with its original options.
func (a *Actor) Resume(ctx context.Context, decisions []middleware.Decision) (RunResult, error) {
	var (
		res  RunResult
		rerr error
	)
	if err := a.do(ctx, func() { res, rerr = a.resume(ctx, decisions) }); err != nil {
		return RunResult{}, err
	}
	return res, rerr
}

func (a *Actor) resume(ctx context.Context, decisions []middleware.Decision) (RunResult, error) {
	pend := a.pending
	if a.Status() != StatusInterrupted || pend == nil {
		return RunResult{}, loom.DecisionMismatchError("agent %q has no pending interrupt", a.agent.ID())
	}
	reqs := pend.interrupt.ActionRequests
	if len(decisions) != len(reqs) {
		return RunResult{}, loom.DecisionMismatchError("%d decisions for %d pending tool calls", len(decisions), len(reqs))
	}
	for i, d := range decisions {
		if err := d.Validate(); err != nil {
			return RunResult{}, loom.WrapError(loom.KindDecisionMismatch, err, "decision %d", i)
		}
		if !pend.interrupt.ReviewConfigs[reqs[i].ToolName].Allows(d.Type) {
			return RunResult{}, loom.DecisionMismatchError("decision %q is not allowed for tool %q", string(d.Type), reqs[i].ToolName)
		}
	}
	a.touch()
	toolMsg, working := a.applyDecisions(ctx, decisions, reqs)
	working.Append(toolMsg)
	a.state = working
	a.pending = nil
	a.emitLifecycle(ctx, hooks.NewToolResponseCreated(a.agent.ID(), toolMsg))
	return a.execute(ctx, pend.opts), nil
}

// applyDecisions turns reviewer decisions into tool results over a copy of
// the state. Calls the interrupt did not cover execute as issued so no call
// of the suspended turn is left dangling. The results land in one tool
// message, mirroring ExecuteTools.
func (a *Actor) applyDecisions(ctx context.Context, decisions []middleware.Decision, reqs []middleware.ActionRequest) (message.Message, *state.State) {
	working := a.state.Clone()
	byCall := make(map[string]int, len(reqs))
	for i, req := range reqs {
		byCall[req.ToolCallID] = i
	}
	last, _ := working.LastMessage()
	results := make([]message.ToolResult, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		idx, reviewed := byCall[call.ID]
		if !reviewed {
			results = append(results, a.execCall(ctx, working, call))
			continue
		}
		d := decisions[idx]
		switch d.Type {
		case middleware.DecisionReject:
			reason := d.Reason
			if reason == "" {
				reason = "rejected by reviewer"
			}
			results = append(results, message.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    []message.Part{message.TextPart(fmt.Sprintf("Tool call was not executed: %s", reason))},
			})
		case middleware.DecisionEdit:
			edited := call
			edited.Arguments = d.Arguments
			if raw, err := json.Marshal(d.Arguments); err == nil {
				edited.ArgumentsText = string(raw)
			}
			res := a.execCall(ctx, working, edited)
			note := message.TextPart(fmt.Sprintf("Arguments edited by reviewer to %s.", edited.ArgumentsText))
			res.Content = append([]message.Part{note}, res.Content...)
			results = append(results, res)
		default: // approve
			results = append(results, a.execCall(ctx, working, call))
		}
	}
	return message.Tool(results...), working
}

// execCall runs one tool call and folds its delta into the working state
// before the next call sees it.
func (a *Actor) execCall(ctx context.Context, working *state.State, call message.ToolCall) message.ToolResult {
	tc := &tools.Context{
		AgentID:    a.agent.ID(),
		State:      working.Clone(),
		Filesystem: a.agent.Filesystem(),
	}
	res, delta := a.agent.Tools().Execute(ctx, tc, call)
	working.Apply(delta)
	return res
}
