package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
)

func streamEvent(t *testing.T, id string, evt hooks.Event) *streaming.Event {
	t.Helper()
	env, err := hooks.EncodeEvent(evt)
	require.NoError(t, err)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return &streaming.Event{ID: id, EventName: string(env.Type), Payload: payload}
}

func recvEvent(t *testing.T, events <-chan hooks.Event) hooks.Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "events channel closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func requireClosed[T any](t *testing.T, ch <-chan T, name string) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected closed %s channel", name)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s channel to close", name)
	}
}

func TestSubscribeEmitsDecodedEvents(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), StreamID(TopicLifecycle, "agent-1"))
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, "agents:lifecycle:agent-1", client.lastStream)
	require.Equal(t, "loom_subscriber", client.stream.lastSink)

	client.stream.sink.events <- streamEvent(t, "1-0", hooks.NewMessageReceived("agent-1", message.User("hello")))
	client.stream.sink.events <- streamEvent(t, "2-0", hooks.NewStatusChanged("agent-1", "idle", "running"))
	close(client.stream.sink.events)

	first, ok := recvEvent(t, events).(*hooks.MessageReceived)
	require.True(t, ok)
	require.Equal(t, "agent-1", first.AgentID())
	require.Equal(t, "hello", first.Message.Text())

	second, ok := recvEvent(t, events).(*hooks.StatusChanged)
	require.True(t, ok)
	require.Equal(t, "running", second.To)

	requireClosed(t, events, "events")
	requireClosed(t, errs, "errs")
	require.Equal(t, []string{"1-0", "2-0"}, client.stream.sink.ackedIDs())
}

func TestSubscribeReportsDecodeFailure(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "agents:lifecycle:a")
	require.NoError(t, err)
	defer cancel()

	client.stream.sink.events <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}

	select {
	case err := <-errs:
		require.True(t, loom.IsKind(err, loom.KindValidation))
		require.Contains(t, err.Error(), "decode stream payload")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for decode error")
	}
	requireClosed(t, events, "events")
	require.Empty(t, client.stream.sink.ackedIDs(), "failed events stay pending for redelivery")
}

func TestSubscribeRejectsUnknownEventType(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "agents:lifecycle:a")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(hooks.Envelope{Type: "wormhole", AgentID: "a"})
	require.NoError(t, err)
	client.stream.sink.events <- &streaming.Event{ID: "1-0", Payload: payload}

	select {
	case err := <-errs:
		require.Contains(t, err.Error(), "wormhole")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for decode error")
	}
	requireClosed(t, events, "events")
}

func TestSubscribeCancelClosesEverything(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "agents:debug:a")
	require.NoError(t, err)

	cancel()
	requireClosed(t, events, "events")
	requireClosed(t, errs, "errs")
	require.True(t, client.stream.sink.isClosed())
}

func TestSubscribeCustomDecoder(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{
		Client: client,
		Decoder: func([]byte) (hooks.Event, error) {
			return hooks.NewStatusChanged("decoded", "idle", "running"), nil
		},
	})
	require.NoError(t, err)

	events, _, cancel, err := sub.Subscribe(context.Background(), "agents:lifecycle:a")
	require.NoError(t, err)
	defer cancel()

	client.stream.sink.events <- &streaming.Event{ID: "1-0", Payload: []byte("opaque")}
	require.Equal(t, "decoded", recvEvent(t, events).AgentID())
}

func TestSubscriberOptionDefaults(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.True(t, loom.IsKind(err, loom.KindValidation))

	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "front", Buffer: 1})
	require.NoError(t, err)
	_, _, cancel, err := sub.Subscribe(context.Background(), "agents:lifecycle:a")
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, "front", client.stream.lastSink)
}

func TestSinkSubscriberRoundTrip(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Topic: TopicLifecycle})
	require.NoError(t, err)

	sent := hooks.NewStatusChanged("agent-1", "running", "completed")
	require.NoError(t, sink.HandleEvent(context.Background(), sent))

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	events, _, cancel, err := sub.Subscribe(context.Background(), client.lastStream)
	require.NoError(t, err)
	defer cancel()

	entry := client.stream.entries()[0]
	client.stream.sink.events <- &streaming.Event{ID: "1-0", EventName: entry.event, Payload: entry.payload}

	got, ok := recvEvent(t, events).(*hooks.StatusChanged)
	require.True(t, ok)
	require.Equal(t, sent.AgentID(), got.AgentID())
	require.Equal(t, sent.From, got.From)
	require.Equal(t, sent.To, got.To)
	require.True(t, sent.OccurredAt().Equal(got.OccurredAt()))
}
