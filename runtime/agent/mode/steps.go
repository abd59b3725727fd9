package mode

import (
	"context"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/tools"
)

// Step advances one pipeline stage. Steps receive the running result and must
// pass terminal results through unchanged; only KindContinue drives work.
type Step func(ctx context.Context, c *Chain, r Result) Result

// Pipeline threads a result through steps in order. Cancellation is observed
// between steps, so an in-flight model call finishes but its successor never
// starts.
func Pipeline(ctx context.Context, c *Chain, r Result, steps ...Step) Result {
	for _, step := range steps {
		if r.Terminal() {
			return r
		}
		if err := ctx.Err(); err != nil {
			return Fail(r.State, err)
		}
		r = step(ctx, c, r)
	}
	return r
}

// CallLLM invokes the chat model once. The run budget is checked before the
// provider is touched, so an exhausted budget never costs a call;
// before_model hooks run first and the first error short-circuits the turn;
// streaming is preferred, falling back to Complete when the client does not
// stream; the merged assistant message joins the conversation; after_model
// hooks run last, with the first interrupt suspending the run. Provider
// failures route through the retry policy.
func CallLLM(ctx context.Context, c *Chain, r Result) Result {
	if r.Terminal() {
		return r
	}
	st := r.State
	if c.runCount >= c.MaxRuns {
		return Fail(st, loom.ExceededMaxRunsError(c.runCount, c.MaxRuns))
	}
	if c.Middleware != nil {
		if err := c.Middleware.BeforeModel(ctx, st); err != nil {
			return Fail(st, err)
		}
	}
	msg, usage, err := c.invokeModel(ctx, st)
	if err != nil {
		return c.retry(ctx, st, loom.ProviderError(err))
	}
	st.Append(msg)
	c.runCount++
	c.usage = c.usage.Add(usage)
	c.emit(ctx, hooks.NewMessageReceived(c.AgentID, msg))
	if c.Middleware != nil {
		intr, aerr := c.Middleware.AfterModel(ctx, st)
		if aerr != nil {
			return Fail(st, aerr)
		}
		if intr != nil {
			return Interrupted(st, intr)
		}
	}
	return Continue(st)
}

// ExecuteTools runs the tool calls of the last assistant message. Each tool
// sees a state snapshot and mutates only through its returned delta, which is
// applied before the next call runs; all results land in one new tool
// message. When the last message is not an assistant message with calls the
// step is the identity.
func ExecuteTools(ctx context.Context, c *Chain, r Result) Result {
	if r.Terminal() {
		return r
	}
	st := r.State
	last, ok := st.LastMessage()
	if !ok || last.Role != message.RoleAssistant || len(last.ToolCalls) == 0 {
		return Continue(st)
	}
	results := make([]message.ToolResult, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		if err := ctx.Err(); err != nil {
			return Fail(st, err)
		}
		if c.Tools == nil {
			err := loom.InvalidToolNameError(call.Name)
			results = append(results, message.ErrorResult(call.ID, call.Name, err.Error()))
			continue
		}
		tc := &tools.Context{AgentID: c.AgentID, State: st.Clone(), Filesystem: c.Filesystem}
		res, delta := c.Tools.Execute(ctx, tc, call)
		st.Apply(delta)
		results = append(results, res)
	}
	toolMsg := message.Tool(results...)
	st.Append(toolMsg)
	c.emit(ctx, hooks.NewToolResponseCreated(c.AgentID, toolMsg))
	return Continue(st)
}

// CheckMaxRuns fails the run once the model-call budget is spent.
func CheckMaxRuns(_ context.Context, c *Chain, r Result) Result {
	if r.Terminal() {
		return r
	}
	if c.runCount >= c.MaxRuns {
		return Fail(r.State, loom.ExceededMaxRunsError(c.runCount, c.MaxRuns))
	}
	return Continue(r.State)
}

// CheckPause ends the run at a resumable checkpoint when the injected
// predicate asks for one. Without a predicate the step is the identity.
func CheckPause(_ context.Context, c *Chain, r Result) Result {
	if r.Terminal() {
		return r
	}
	if c.ShouldPause != nil && c.ShouldPause() {
		return Pause(r.State)
	}
	return Continue(r.State)
}

// CheckUntilTool ends the run when the last tool message carries a result
// from a watched tool, returning that result as the run's extra payload.
func CheckUntilTool(_ context.Context, c *Chain, r Result) Result {
	if r.Terminal() {
		return r
	}
	if len(c.UntilTools) == 0 {
		return Continue(r.State)
	}
	last, ok := r.State.LastMessage()
	if !ok || last.Role != message.RoleTool {
		return Continue(r.State)
	}
	for _, tr := range last.ToolResults {
		for _, name := range c.UntilTools {
			if tr.Name == name {
				hit := tr.Clone()
				return OKWith(r.State, &hit)
			}
		}
	}
	return Continue(r.State)
}

// ContinueOrDone builds the step that closes a mode's loop: while the
// conversation still needs a response (or once more under ForceRecurse) it
// recurses into run, otherwise the run ends successfully.
func ContinueOrDone(run func(ctx context.Context, c *Chain) Result) Step {
	return func(ctx context.Context, c *Chain, r Result) Result {
		if r.Terminal() {
			return r
		}
		if r.State.NeedsResponse() || c.consumeForceRecurse() {
			return run(ctx, c)
		}
		return OK(r.State)
	}
}

// hasErrorResult reports whether the tool message carries any failed result.
func hasErrorResult(msg message.Message) bool {
	for _, tr := range msg.ToolResults {
		if tr.IsError {
			return true
		}
	}
	return false
}

// firstErrorText returns the text of the first failed result, for event
// payloads.
func firstErrorText(msg message.Message) string {
	for _, tr := range msg.ToolResults {
		if tr.IsError {
			return tr.Text()
		}
	}
	return ""
}
