package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
)

func TestStreamsRouteTopics(t *testing.T) {
	client := newFakeClient()
	streams, err := NewStreams(StreamsOptions{Client: client})
	require.NoError(t, err)

	evt := hooks.NewStatusChanged("agent-1", "idle", "running")
	require.NoError(t, streams.Lifecycle().HandleEvent(context.Background(), evt))
	require.Equal(t, "agents:lifecycle:agent-1", client.lastStream)

	require.NoError(t, streams.Debug().HandleEvent(context.Background(), hooks.NewDeltaMerged("agent-1", 1, "incomplete")))
	require.Equal(t, "agents:debug:agent-1", client.lastStream)

	entries := client.stream.entries()
	require.Len(t, entries, 2)
	require.Equal(t, "status_changed", entries[0].event)
	require.Equal(t, "delta_merged", entries[1].event)
}

func TestStreamsSubscriberReusesClient(t *testing.T) {
	client := newFakeClient()
	streams, err := NewStreams(StreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamID(TopicLifecycle, "agent-1"))
	require.NoError(t, err)
	require.Equal(t, "front", client.stream.lastSink)

	close(client.stream.sink.events)
	cancel()

	requireClosed(t, events, "events")
	requireClosed(t, errs, "errs")
	require.True(t, client.stream.sink.isClosed())
}

func TestStreamsRequireClient(t *testing.T) {
	_, err := NewStreams(StreamsOptions{})
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestStreamsCloseReleasesClient(t *testing.T) {
	client := newFakeClient()
	streams, err := NewStreams(StreamsOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}
