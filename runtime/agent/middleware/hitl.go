package middleware

import (
	"context"
	"sort"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/state"
)

// NameHITL is the human-in-the-loop middleware name.
const NameHITL = "hitl"

// HITL interrupts a run when the model requests tools that require human
// review. The run pauses with an interrupted status; callers inspect the
// pending action requests and resume with one decision per request.
type HITL struct {
	tools map[string]ReviewConfig
}

// NewHITL builds the middleware from a map of tool name to review
// configuration. Only calls to the listed tools trigger an interrupt.
func NewHITL(tools map[string]ReviewConfig) *HITL {
	cfg := make(map[string]ReviewConfig, len(tools))
	for name, rc := range tools {
		cfg[name] = rc
	}
	return &HITL{tools: cfg}
}

// NewHITLFromOpts rebuilds the middleware from snapshot options. The expected
// shape is {"tools": {"<tool>": ["approve", "edit"]}} where an empty decision
// list allows every decision type.
func NewHITLFromOpts(opts map[string]any) (*HITL, error) {
	raw, ok := opts["tools"]
	if !ok || raw == nil {
		return NewHITL(nil), nil
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, loom.ValidationError("hitl options: tools must be an object")
	}
	cfg := make(map[string]ReviewConfig, len(entries))
	for name, decisions := range entries {
		var rc ReviewConfig
		if decisions != nil {
			list, ok := decisions.([]any)
			if !ok {
				return nil, loom.ValidationError("hitl options: decisions for %q must be an array", name)
			}
			for _, d := range list {
				s, ok := d.(string)
				if !ok {
					return nil, loom.ValidationError("hitl options: decision for %q must be a string", name)
				}
				switch dt := DecisionType(s); dt {
				case DecisionApprove, DecisionEdit, DecisionReject:
					rc.AllowedDecisions = append(rc.AllowedDecisions, dt)
				default:
					return nil, loom.ValidationError("hitl options: unknown decision type %q for %q", s, name)
				}
			}
		}
		cfg[name] = rc
	}
	return NewHITL(cfg), nil
}

// Name implements Middleware.
func (*HITL) Name() string { return NameHITL }

// AfterModel implements AfterModeler. It scans the newest assistant message
// for calls to reviewed tools and raises an interrupt covering all of them.
func (m *HITL) AfterModel(ctx context.Context, st *state.State) (*Interrupt, error) {
	if len(m.tools) == 0 {
		return nil, nil
	}
	last, ok := st.LastMessage()
	if !ok || last.Role != message.RoleAssistant || len(last.ToolCalls) == 0 {
		return nil, nil
	}
	var intr *Interrupt
	for i := range last.ToolCalls {
		call := &last.ToolCalls[i]
		rc, reviewed := m.tools[call.Name]
		if !reviewed {
			continue
		}
		if err := call.ParseArguments(); err != nil {
			return nil, err
		}
		if intr == nil {
			intr = &Interrupt{ReviewConfigs: make(map[string]ReviewConfig)}
		}
		intr.ActionRequests = append(intr.ActionRequests, ActionRequest{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		})
		intr.ReviewConfigs[call.Name] = rc
	}
	return intr, nil
}

// Opts implements OptsProvider so snapshots can rebuild the middleware.
func (m *HITL) Opts() map[string]any {
	entries := make(map[string]any, len(m.tools))
	for name, rc := range m.tools {
		decisions := make([]any, 0, len(rc.AllowedDecisions))
		for _, d := range rc.AllowedDecisions {
			decisions = append(decisions, string(d))
		}
		entries[name] = decisions
	}
	return map[string]any{"tools": entries}
}

// ReviewedTools lists the tool names under review, sorted.
func (m *HITL) ReviewedTools() []string {
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
