package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackAndList(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "agents", "a1", map[string]any{"status": "idle"}))
	require.NoError(t, tr.Track(ctx, "agents", "a2", map[string]any{"status": "running"}))

	got, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "idle", got["a1"][0]["status"])
	require.Equal(t, "running", got["a2"][0]["status"])
}

func TestTrackReplacesMetadata(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "agents", "a1", map[string]any{"status": "idle"}))
	require.NoError(t, tr.Track(ctx, "agents", "a1", map[string]any{"status": "running"}))

	got, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Len(t, got["a1"], 1)
	require.Equal(t, "running", got["a1"][0]["status"])
}

func TestUntrackRemovesPresence(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "agents", "a1", map[string]any{"status": "idle"}))
	require.NoError(t, tr.Untrack(ctx, "agents", "a1"))

	got, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUntrackUnknownIsNoop(t *testing.T) {
	tr := NewInMemory()
	require.NoError(t, tr.Untrack(context.Background(), "agents", "ghost"))
	require.NoError(t, tr.Untrack(context.Background(), "no-such-topic", "ghost"))
}

func TestTopicsAreIsolated(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "agents", "a1", nil))
	require.NoError(t, tr.Track(ctx, "viewers", "v1", nil))

	agents, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Contains(t, agents, "a1")

	viewers, err := tr.List(ctx, "viewers")
	require.NoError(t, err)
	require.Len(t, viewers, 1)
	require.Contains(t, viewers, "v1")
}

func TestMetadataIsCopied(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	meta := map[string]any{"status": "idle"}
	require.NoError(t, tr.Track(ctx, "agents", "a1", meta))

	// Mutating the caller's map after Track must not affect the tracker.
	meta["status"] = "mutated"
	got, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Equal(t, "idle", got["a1"][0]["status"])

	// Mutating a listed map must not affect later reads.
	got["a1"][0]["status"] = "mutated"
	again, err := tr.List(ctx, "agents")
	require.NoError(t, err)
	require.Equal(t, "idle", again["a1"][0]["status"])
}
