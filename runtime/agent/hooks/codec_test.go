package hooks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/agent/message"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		NewStatusChanged("a1", "idle", "running"),
		NewMessageReceived("a1", message.User("hi")),
		NewToolResponseCreated("a1", message.Tool(message.TextResult("c1", "add", "5"))),
		NewRetriesExceeded("a1", 4, 3, "provider_error: model invocation failed"),
		NewSubagentStarted("parent", "child", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
		NewSubagentStatusChanged("parent", "child", "running"),
		NewSubagentCompleted("parent", "child", "done", 1500*time.Millisecond),
		NewSubagentErrored("parent", "child", "tool_error: tool \"add\" failed"),
		NewMiddlewareFired("a1", "summarize", "before_model"),
		NewDeltaMerged("a1", 3, "incomplete"),
	}
	for _, evt := range events {
		t.Run(string(evt.Type()), func(t *testing.T) {
			env, err := EncodeEvent(evt)
			require.NoError(t, err)
			require.Equal(t, evt.Type(), env.Type)
			require.Equal(t, evt.AgentID(), env.AgentID)
			require.False(t, env.OccurredAt.IsZero())

			// The envelope survives a JSON round trip, as it would over a
			// stream transport.
			raw, err := json.Marshal(env)
			require.NoError(t, err)
			var wire Envelope
			require.NoError(t, json.Unmarshal(raw, &wire))

			decoded, err := DecodeEvent(&wire)
			require.NoError(t, err)
			require.Equal(t, evt.Type(), decoded.Type())
			require.Equal(t, evt.AgentID(), decoded.AgentID())
			require.WithinDuration(t, evt.OccurredAt(), decoded.OccurredAt(), time.Second)
		})
	}
}

func TestDecodePreservesPayloadFields(t *testing.T) {
	env, err := EncodeEvent(NewSubagentCompleted("parent", "child", "found 3 issues", 2*time.Second))
	require.NoError(t, err)

	decoded, err := DecodeEvent(env)
	require.NoError(t, err)
	completed, ok := decoded.(*SubagentCompleted)
	require.True(t, ok)
	require.Equal(t, "child", completed.SubagentID)
	require.Equal(t, "found 3 issues", completed.Result)
	require.Equal(t, int64(2000), completed.DurationMS)
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	_, err := DecodeEvent(&Envelope{Type: "future_event", AgentID: "a1"})
	require.Error(t, err)
	_, err = DecodeEvent(nil)
	require.Error(t, err)
}

func TestEnvelopeWireShape(t *testing.T) {
	env, err := EncodeEvent(NewStatusChanged("a1", "idle", "running"))
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "status_changed", doc["type"])
	require.Equal(t, "a1", doc["agent_id"])
	require.Contains(t, doc, "occurred_at")
	payload, ok := doc["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "idle", payload["from"])
	require.Equal(t, "running", payload["to"])
	require.NotContains(t, payload, "agent_id", "identity travels in the envelope, not the payload")
}
