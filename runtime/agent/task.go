package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/telemetry"
)

// NameTask is the sub-agent middleware name.
const NameTask = "task"

const subagentStopTimeout = 5 * time.Second

type (
	// SubagentSpec describes one child agent the task tool can launch.
	SubagentSpec struct {
		// Name is the subagent_type value that selects this spec.
		Name string
		// Description tells the parent model what this sub-agent is good at.
		Description string
		// Config assembles the child. Its ID is ignored; every launch gets a
		// fresh one.
		Config Config
	}

	// Task lets an agent delegate scoped work to child agents. It lives in
	// this package rather than middleware because launching children needs
	// the actor machinery. It contributes a task tool that starts a child
	// actor, drives it to completion, and returns the child's final
	// assistant text; the child's events surface on the parent's debug bus
	// tagged with the child's id.
	//
	// Snapshots record the spec names only. Importing an agent that carries
	// this middleware requires registering a "task" constructor that
	// re-binds the specs.
	Task struct {
		specs  map[string]SubagentSpec
		order  []string
		debug  hooks.Bus
		logger telemetry.Logger
	}

	// TaskOption configures the middleware.
	TaskOption func(*Task)
)

// WithTaskBus routes sub-agent events to the parent's debug bus. Pass the
// same bus handed to the parent actor's Options.Debug.
func WithTaskBus(bus hooks.Bus) TaskOption {
	return func(t *Task) { t.debug = bus }
}

// WithTaskLogger routes task diagnostics to the given logger.
func WithTaskLogger(l telemetry.Logger) TaskOption {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTask builds the middleware. Every spec needs a unique name and a config
// with a model.
func NewTask(specs []SubagentSpec, opts ...TaskOption) (*Task, error) {
	t := &Task{
		specs:  make(map[string]SubagentSpec, len(specs)),
		logger: telemetry.NewNoopLogger(),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, loom.ValidationError("subagent spec name is required")
		}
		if spec.Config.Model == nil {
			return nil, loom.ValidationError("subagent %q requires a model", spec.Name)
		}
		if _, ok := t.specs[spec.Name]; ok {
			return nil, loom.ValidationError("subagent %q is already defined", spec.Name)
		}
		t.specs[spec.Name] = spec
		t.order = append(t.order, spec.Name)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name implements middleware.Middleware.
func (*Task) Name() string { return NameTask }

// SystemPrompt implements middleware.SystemPrompter.
func (t *Task) SystemPrompt() string {
	if len(t.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You can delegate self-contained work to sub-agents with the task tool. The sub-agent sees only the description you pass it and replies with its final answer. Available subagent types:")
	for _, name := range t.order {
		fmt.Fprintf(&b, "\n- %s: %s", name, t.specs[name].Description)
	}
	return b.String()
}

// Opts implements middleware.OptsProvider. Specs carry live model clients
// and tools, so only names are recorded.
func (t *Task) Opts() map[string]any {
	names := make([]any, len(t.order))
	for i, name := range t.order {
		names[i] = name
	}
	return map[string]any{"subagents": names}
}

// Tools implements middleware.ToolProvider.
func (t *Task) Tools() []tools.Tool {
	types := make([]any, len(t.order))
	for i, name := range t.order {
		types[i] = name
	}
	return []tools.Tool{{
		Name:        "task",
		Description: "Delegate a self-contained task to a specialised sub-agent and get back its final answer.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "Complete instructions for the sub-agent. It sees nothing else of this conversation.",
				},
				"subagent_type": map[string]any{
					"type": "string",
					"enum": types,
				},
			},
			"required":             []any{"description", "subagent_type"},
			"additionalProperties": false,
		},
		Execute: t.run,
	}}
}

func (t *Task) run(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	description, _ := args["description"].(string)
	subtype, _ := args["subagent_type"].(string)
	if description == "" {
		return nil, loom.ValidationError("task description is required")
	}
	spec, ok := t.specs[subtype]
	if !ok {
		return nil, loom.ValidationError("unknown subagent type %q", subtype)
	}
	cfg := spec.Config
	cfg.ID = uuid.NewString()
	child, err := New(cfg)
	if err != nil {
		return nil, err
	}
	parentID := tc.AgentID
	childID := child.ID()
	started := time.Now().UTC()

	// The child gets private buses; status changes are translated into
	// Subagent events and the debug firehose is forwarded as-is, so one
	// subscription on the parent sees the whole delegation tree.
	lifecycle := hooks.NewBus()
	debug := hooks.NewBus()
	defer lifecycle.Close()
	defer debug.Close()
	_, _ = lifecycle.Subscribe(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		if sc, ok := evt.(*hooks.StatusChanged); ok {
			t.publish(ctx, hooks.NewSubagentStatusChanged(parentID, childID, sc.To))
		}
		return nil
	}))
	_, _ = debug.Subscribe(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		t.publish(ctx, evt)
		return nil
	}))

	actor, err := Start(ctx, Options{Agent: child, Lifecycle: lifecycle, Debug: debug, Logger: t.logger})
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), subagentStopTimeout)
		defer cancel()
		if serr := actor.Stop(stopCtx); serr != nil {
			t.logger.Warn(stopCtx, "subagent stop failed", "subagent_id", childID, "err", serr)
		}
	}()

	t.publish(ctx, hooks.NewSubagentStarted(parentID, childID, started))

	var (
		res  RunResult
		aerr error
	)
	if derr := actor.do(ctx, func() {
		if aerr = actor.addMessage(ctx, message.User(description), false); aerr != nil {
			return
		}
		res = actor.execute(ctx, runOptions{})
	}); derr != nil {
		t.publish(ctx, hooks.NewSubagentErrored(parentID, childID, derr.Error()))
		return nil, derr
	}
	if aerr != nil {
		t.publish(ctx, hooks.NewSubagentErrored(parentID, childID, aerr.Error()))
		return nil, aerr
	}
	if res.Outcome != OutcomeOK {
		reason := string(res.Outcome)
		if res.Err != nil {
			reason = res.Err.Error()
		}
		t.publish(ctx, hooks.NewSubagentErrored(parentID, childID, reason))
		return nil, loom.NewError(loom.KindToolError, "subagent %q did not complete: %s", subtype, reason)
	}
	answer := lastAssistantText(res.State)
	t.publish(ctx, hooks.NewSubagentCompleted(parentID, childID, answer, time.Since(started)))
	return tools.Text("%s", answer), nil
}

func (t *Task) publish(ctx context.Context, evt hooks.Event) {
	if t.debug == nil {
		return
	}
	if err := t.debug.Publish(ctx, evt); err != nil {
		t.logger.Warn(ctx, "subagent event publish failed", "event", string(evt.Type()), "err", err)
	}
}

// lastAssistantText returns the text of the conversation's final assistant
// message.
func lastAssistantText(st *state.State) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == message.RoleAssistant {
			if text := st.Messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
