package mode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/fs"
	"goa.design/loom/runtime/telemetry"
)

// Budget defaults applied during agent assembly. The chain itself uses its
// fields as given, so a literal zero MaxRuns forbids every model call.
const (
	DefaultMaxRuns    = 25
	DefaultMaxRetries = 3
)

// Chain carries everything one run needs: the working state, the model and
// tool surfaces, the middleware pipeline, budgets, and the stop-condition
// knobs a mode consults. A chain is built fresh per run; its counters are not
// reused.
type Chain struct {
	// AgentID identifies the agent in events and tool contexts.
	AgentID string
	// State is the working conversation state. Modes mutate it freely; the
	// actor owns the authoritative copy and commits on non-error outcomes.
	State *state.State
	// Model is the chat model client.
	Model model.Client
	// ModelID selects the provider model.
	ModelID string
	// SystemPrompt is the fully assembled system prompt.
	SystemPrompt string
	// Tools is the agent's tool registry. Optional; a nil registry turns
	// every requested call into an error result.
	Tools *tools.Registry
	// Middleware runs around every model call. Optional.
	Middleware *middleware.Stack
	// Filesystem is handed to tool handlers. Optional.
	Filesystem *fs.Server
	// MaxRuns bounds model calls for this run. Zero forbids any call.
	MaxRuns int
	// MaxRetries bounds recovery attempts after provider failures and, for
	// until_success, turns that produced tool errors.
	MaxRetries int
	// UntilTools are the watched tool names for until_tool_used.
	UntilTools []string
	// AllowedTools restricts the tools offered to the model. Empty offers
	// the whole registry.
	AllowedTools []string
	// ShouldPause, when set, is consulted by CheckPause between turns.
	ShouldPause func() bool
	// ForceRecurse makes ContinueOrDone recurse once even when the
	// conversation needs no response.
	ForceRecurse bool
	// Emit publishes runtime events. Optional.
	Emit func(ctx context.Context, evt hooks.Event)
	// Logger records diagnostics. Optional.
	Logger telemetry.Logger

	runCount     int
	failureCount int
	forced       bool
	usage        message.Usage
}

// Validate checks the chain before any turn runs. Watched and allowed tool
// names must exist in the registry so a typo surfaces immediately instead of
// after a costly model call.
func (c *Chain) Validate() error {
	if c.State == nil {
		return loom.ValidationError("chain requires state")
	}
	if c.Model == nil {
		return loom.ValidationError("chain requires a model client")
	}
	for _, name := range c.UntilTools {
		if !c.hasTool(name) {
			return loom.InvalidToolNameError(name)
		}
	}
	for _, name := range c.AllowedTools {
		if !c.hasTool(name) {
			return loom.InvalidToolNameError(name)
		}
	}
	return nil
}

// RunCount reports how many model calls completed during this run.
func (c *Chain) RunCount() int { return c.runCount }

// FailureCount reports how many failures the retry policy absorbed.
func (c *Chain) FailureCount() int { return c.failureCount }

// Usage reports the token usage accumulated across the run's model calls.
func (c *Chain) Usage() message.Usage { return c.usage }

func (c *Chain) hasTool(name string) bool {
	if c.Tools == nil {
		return false
	}
	_, ok := c.Tools.Get(name)
	return ok
}

func (c *Chain) emit(ctx context.Context, evt hooks.Event) {
	if c.Emit != nil {
		c.Emit(ctx, evt)
	}
}

func (c *Chain) log() telemetry.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return telemetry.NewNoopLogger()
}

// consumeForceRecurse reports true at most once per run, and only when
// ForceRecurse was requested. Callers must test NeedsResponse first so a
// naturally continuing run does not burn the flag.
func (c *Chain) consumeForceRecurse() bool {
	if !c.ForceRecurse || c.forced {
		return false
	}
	c.forced = true
	return true
}

// retry implements the recovery policy for provider failures: the failure
// count grows, and within budget the failure text joins the conversation as
// a user message so the model can correct itself on the next call. Beyond
// budget the run fails with exceeded_failure_count and a RetriesExceeded
// event.
func (c *Chain) retry(ctx context.Context, st *state.State, cause error) Result {
	c.failureCount++
	if c.failureCount > c.MaxRetries {
		c.emit(ctx, hooks.NewRetriesExceeded(c.AgentID, c.failureCount, c.MaxRetries, cause.Error()))
		return Fail(st, loom.ExceededFailureCountError(c.failureCount, c.MaxRetries))
	}
	c.log().Warn(ctx, "model call failed; retrying",
		"agent_id", c.AgentID, "attempt", c.failureCount, "max", c.MaxRetries, "err", cause)
	st.Append(message.User(fmt.Sprintf("The previous attempt failed: %v. Correct the problem and try again.", cause)))
	return CallLLM(ctx, c, Continue(st))
}

// invokeModel performs one completion, streaming when the client supports it
// and folding deltas through an accumulator. Clients without streaming fall
// back to Complete.
func (c *Chain) invokeModel(ctx context.Context, st *state.State) (message.Message, message.Usage, error) {
	req := model.Request{
		Model:    c.ModelID,
		System:   c.SystemPrompt,
		Messages: st.Messages,
		Tools:    c.specs(),
	}
	stream, err := c.Model.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, cerr := c.Model.Complete(ctx, req)
		if cerr != nil {
			return message.Message{}, message.Usage{}, cerr
		}
		return resp.Message, resp.Usage, nil
	}
	if err != nil {
		return message.Message{}, message.Usage{}, err
	}
	defer stream.Close()
	acc := message.NewAccumulator(message.WithLogger(c.log()))
	for {
		d, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return message.Message{}, message.Usage{}, rerr
		}
		if d == nil {
			continue
		}
		acc.Add(ctx, *d)
		c.emit(ctx, hooks.NewDeltaMerged(c.AgentID, acc.Seq(), string(acc.Status())))
	}
	msg, merr := acc.Message()
	if merr != nil {
		return message.Message{}, message.Usage{}, merr
	}
	return msg, acc.Usage(), nil
}

func (c *Chain) specs() []model.ToolSpec {
	if c.Tools == nil {
		return nil
	}
	return c.Tools.Specs(c.AllowedTools...)
}
