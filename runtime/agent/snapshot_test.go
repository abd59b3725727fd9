package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
)

// exportedActor builds an actor with a custom tool, an explicit pipeline, and
// non-trivial state, then returns it alongside its export.
func exportedActor(t *testing.T) (*Actor, *Snapshot) {
	t.Helper()
	var saved string
	client := model.NewScripted(model.ReplyText("noted"))
	ag := testAgent(t, client, func(cfg *Config) {
		cfg.Name = "librarian"
		cfg.Tools = []tools.Tool{writeTool(&saved)}
		cfg.Middleware = []middleware.Middleware{
			middleware.NewTodos(),
			middleware.NewHITL(map[string]middleware.ReviewConfig{"write_file": {}}),
		}
	})
	a := startActor(t, ag)
	require.NoError(t, a.AddMessage(context.Background(), message.User("remember this")))
	_, err := a.State(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.do(context.Background(), func() {
		a.state.Todos = []state.Todo{{Content: "ship it", Status: state.TodoInProgress}}
		a.state.Metadata["phase"] = "review"
	}))

	snap, err := a.Export(context.Background())
	require.NoError(t, err)
	return a, snap
}

func TestExportCapturesAgentAndState(t *testing.T) {
	a, snap := exportedActor(t)

	require.Equal(t, SnapshotVersion, snap.Version)
	require.Equal(t, a.ID(), snap.AgentID)
	require.False(t, snap.SerializedAt.IsZero())

	cfg := snap.AgentConfig
	require.Equal(t, "librarian", cfg.Name)
	require.Equal(t, "You are a terse assistant.", cfg.BaseSystemPrompt)
	require.Equal(t, []string{"write_file"}, cfg.CustomToolNames)
	require.Len(t, cfg.Middleware, 2)
	require.Equal(t, middleware.NameTodos, cfg.Middleware[0].Module)
	require.Equal(t, middleware.NameHITL, cfg.Middleware[1].Module)

	// The model entry identifies the client type, never credentials.
	require.Equal(t, "goa.design/loom/runtime/agent/model.Scripted", cfg.Model.Module)
	require.Equal(t, "test-model", cfg.Model.Model)

	require.Len(t, snap.State.Messages, 2)
	require.Equal(t, []state.Todo{{Content: "ship it", Status: state.TodoInProgress}}, snap.State.Todos)
	require.Equal(t, "review", snap.State.Metadata["phase"])
}

func TestExportIsDetachedFromLiveState(t *testing.T) {
	a, snap := exportedActor(t)

	require.NoError(t, a.AddMessage(context.Background(), message.System("after export")))
	require.Len(t, snap.State.Messages, 2, "exports hold a deep copy")
}

func TestSnapshotRoundTrip(t *testing.T) {
	_, snap := exportedActor(t)

	// Through the wire format, as a document store would hold it.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	parsed, err := ParseSnapshot(data)
	require.NoError(t, err)

	// Import into a fresh actor bound to a different agent.
	var saved string
	target := startActor(t, testAgent(t, model.NewScripted(model.ReplyText("restored")), func(cfg *Config) {
		cfg.ID = "other-agent"
	}))
	require.NoError(t, target.Import(context.Background(), parsed, ImportOptions{
		Tools: map[string]tools.Tool{"write_file": writeTool(&saved)},
	}))

	require.Equal(t, snap.AgentID, target.ID(), "the actor takes over the imported identity")
	ag := target.Agent()
	require.Equal(t, "librarian", ag.Name())
	require.Equal(t, "You are a terse assistant.", ag.BaseSystemPrompt())
	require.Equal(t, []string{"write_file"}, ag.CustomToolNames())
	require.Equal(t, StatusIdle, target.Status())

	st, err := target.State(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Messages, 2)
	require.Equal(t, "remember this", st.Messages[0].Text())
	require.Equal(t, []state.Todo{{Content: "ship it", Status: state.TodoInProgress}}, st.Todos)
	require.Equal(t, "review", st.Metadata["phase"])

	// The restored conversation keeps working: a user message triggers a run
	// against the actor's own client, which Import fell back to.
	require.NoError(t, target.AddMessage(context.Background(), message.User("and now?")))
	st, err = target.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, "restored", st.Messages[len(st.Messages)-1].Text())
}

func TestImportMissingToolSkipsWithWarning(t *testing.T) {
	_, snap := exportedActor(t)

	ag, _, err := FromSnapshot(snap, ImportOptions{Model: model.NewScripted()})
	require.NoError(t, err)
	require.Empty(t, ag.CustomToolNames(), "unresolvable tools are dropped, not fatal")
}

func TestImportUnknownMiddlewareFails(t *testing.T) {
	_, snap := exportedActor(t)
	snap.AgentConfig.Middleware = append(snap.AgentConfig.Middleware,
		SnapshotMiddleware{Module: "telepathy", Opts: map[string]any{}})

	_, _, err := FromSnapshot(snap, ImportOptions{Model: model.NewScripted()})
	require.True(t, loom.IsKind(err, loom.KindNotFound))
}

func TestImportFilesystemMiddlewareNeedsServer(t *testing.T) {
	_, snap := exportedActor(t)
	snap.AgentConfig.Middleware = []SnapshotMiddleware{{Module: middleware.NameFilesystem}}

	_, _, err := FromSnapshot(snap, ImportOptions{Model: model.NewScripted()})
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestImportRebuildsSummarizeFromWireOptions(t *testing.T) {
	_, snap := exportedActor(t)
	// JSON decoding hands numbers back as float64.
	snap.AgentConfig.Middleware = []SnapshotMiddleware{{
		Module: middleware.NameSummarize,
		Opts:   map[string]any{"model": "small-model", "threshold": float64(50000), "keep": float64(4)},
	}}

	ag, _, err := FromSnapshot(snap, ImportOptions{Model: model.NewScripted()})
	require.NoError(t, err)
	require.Len(t, ag.Middleware(), 1)
	opts := ag.Middleware()[0].(middleware.OptsProvider).Opts()
	require.Equal(t, "small-model", opts["model"])
	require.Equal(t, 50000, opts["threshold"])
	require.Equal(t, 4, opts["keep"])
}

func TestImportRequiresModel(t *testing.T) {
	_, snap := exportedActor(t)

	_, _, err := FromSnapshot(snap, ImportOptions{})
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestSnapshotVersionHandling(t *testing.T) {
	t.Run("missing version decodes as one", func(t *testing.T) {
		_, snap := exportedActor(t)
		snap.Version = 0
		require.NoError(t, snap.Validate())
	})

	t.Run("future versions are rejected", func(t *testing.T) {
		_, snap := exportedActor(t)
		snap.Version = 2
		err := snap.Validate()
		require.True(t, loom.IsKind(err, loom.KindValidation))
		require.ErrorContains(t, err, "unsupported snapshot version 2")
	})

	t.Run("agent id is required", func(t *testing.T) {
		_, snap := exportedActor(t)
		snap.AgentID = ""
		require.Error(t, snap.Validate())
	})
}

func TestSnapshotWireFormat(t *testing.T) {
	_, snap := exportedActor(t)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"version", "agent_id", "serialized_at", "agent_config", "state"} {
		require.Contains(t, doc, key)
	}
	cfg := doc["agent_config"].(map[string]any)
	for _, key := range []string{"model", "base_system_prompt", "custom_tool_names", "middleware", "name"} {
		require.Contains(t, cfg, key)
	}
	st := doc["state"].(map[string]any)
	for _, key := range []string{"messages", "todos", "metadata"} {
		require.Contains(t, st, key)
	}

	// serialized_at is wire-portable RFC 3339.
	_, err = time.Parse(time.RFC3339Nano, doc["serialized_at"].(string))
	require.NoError(t, err)
}
