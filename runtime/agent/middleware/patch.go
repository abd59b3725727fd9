package middleware

import (
	"context"

	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/state"
)

// NamePatchDanglingToolCalls is the dangling tool call patch middleware name.
const NamePatchDanglingToolCalls = "patch-dangling-tool-calls"

// CancelledToolResultText is the body of the synthetic results the patch
// inserts for tool calls that never received one.
const CancelledToolResultText = "Tool call was cancelled; no result is available."

// PatchDanglingToolCalls repairs conversations where an assistant requested
// tools but the run was cancelled or interrupted before results arrived.
// Providers reject such histories, so before each model call the middleware
// inserts synthetic results directly after the offending assistant message.
type PatchDanglingToolCalls struct{}

// NewPatchDanglingToolCalls builds the middleware.
func NewPatchDanglingToolCalls() *PatchDanglingToolCalls {
	return &PatchDanglingToolCalls{}
}

// Name implements Middleware.
func (*PatchDanglingToolCalls) Name() string { return NamePatchDanglingToolCalls }

// BeforeModel implements BeforeModeler.
func (*PatchDanglingToolCalls) BeforeModel(ctx context.Context, st *state.State) error {
	st.Messages = Patch(st.Messages)
	return nil
}

// Patch returns the message list with a synthetic tool message inserted after
// every assistant message that has unresolved tool calls. Already-resolved
// calls are left alone, so applying Patch twice is a no-op.
func Patch(msgs []message.Message) []message.Message {
	unresolved := message.UnresolvedCalls(msgs)
	if len(unresolved) == 0 {
		return msgs
	}
	byMessage := make(map[int][]message.ToolCall)
	for _, u := range unresolved {
		byMessage[u.MessageIndex] = append(byMessage[u.MessageIndex], u.Call)
	}
	out := make([]message.Message, 0, len(msgs)+len(byMessage))
	for i, m := range msgs {
		out = append(out, m)
		calls, ok := byMessage[i]
		if !ok {
			continue
		}
		results := make([]message.ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, message.TextResult(call.ID, call.Name, CancelledToolResultText))
		}
		out = append(out, message.Tool(results...))
	}
	return out
}
