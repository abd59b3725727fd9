package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/loom"
	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/agent/hooks"
)

func TestSinkPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Topic: TopicLifecycle})
	require.NoError(t, err)

	evt := hooks.NewStatusChanged("agent-1", "idle", "running")
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	require.Equal(t, "agents:lifecycle:agent-1", client.lastStream)
	entries := client.stream.entries()
	require.Len(t, entries, 1)
	require.Equal(t, "status_changed", entries[0].event)

	var env hooks.Envelope
	require.NoError(t, json.Unmarshal(entries[0].payload, &env))
	require.Equal(t, hooks.EventStatusChanged, env.Type)
	require.Equal(t, "agent-1", env.AgentID)
	require.WithinDuration(t, time.Now(), env.OccurredAt, time.Minute)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Equal(t, map[string]string{"from": "idle", "to": "running"}, body)
}

func TestSinkMirrorsABus(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Topic: TopicDebug})
	require.NoError(t, err)

	bus := hooks.NewBus()
	_, err = bus.Subscribe(sink)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), hooks.NewMiddlewareFired("agent-1", "todos", "before_model")))
	require.NoError(t, bus.Publish(context.Background(), hooks.NewDeltaMerged("agent-1", 1, "incomplete")))

	require.Equal(t, "agents:debug:agent-1", client.lastStream)
	entries := client.stream.entries()
	require.Len(t, entries, 2)
	require.Equal(t, "middleware_fired", entries[0].event)
	require.Equal(t, "delta_merged", entries[1].event)
}

func TestSinkCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client:   client,
		StreamID: func(evt hooks.Event) (string, error) { return "audit", nil },
	})
	require.NoError(t, err)
	require.NoError(t, sink.HandleEvent(context.Background(), hooks.NewStatusChanged("a", "idle", "running")))
	require.Equal(t, "audit", client.lastStream)
}

func TestSinkRequiresClientAndTopic(t *testing.T) {
	_, err := NewSink(Options{Topic: TopicLifecycle})
	require.True(t, loom.IsKind(err, loom.KindValidation))

	_, err = NewSink(Options{Client: newFakeClient()})
	require.True(t, loom.IsKind(err, loom.KindValidation))
	require.Contains(t, err.Error(), "topic")
}

func TestSinkRejectsEventWithoutAgentID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient(), Topic: TopicLifecycle})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.NewStatusChanged("", "idle", "running"))
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestSinkPropagatesStreamErrors(t *testing.T) {
	client := newFakeClient()
	client.streamErr = errors.New("redis down")
	sink, err := NewSink(Options{Client: client, Topic: TopicLifecycle})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.NewStatusChanged("a", "idle", "running"))
	require.EqualError(t, err, "redis down")

	client = newFakeClient()
	client.stream.addErr = errors.New("add failed")
	sink, err = NewSink(Options{Client: client, Topic: TopicLifecycle})
	require.NoError(t, err)
	err = sink.HandleEvent(context.Background(), hooks.NewStatusChanged("a", "idle", "running"))
	require.EqualError(t, err, "add failed")
}

func TestSinkCloseDelegates(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Topic: TopicLifecycle})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}

// fakeClient, fakeStream, and fakeSink stand in for a Pulse deployment.
// fakeStream records Add calls; fakeSink replays a caller-owned channel.

type addedEntry struct {
	event   string
	payload []byte
}

type fakeClient struct {
	stream     *fakeStream
	streamErr  error
	lastStream string
	closeCount int
}

func newFakeClient() *fakeClient {
	return &fakeClient{stream: &fakeStream{sink: newFakeSink()}}
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closeCount++
	return nil
}

type fakeStream struct {
	sink     *fakeSink
	addErr   error
	lastSink string

	mu    sync.Mutex
	added []addedEntry
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addedEntry{event: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	return f.sink, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func (f *fakeStream) entries() []addedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]addedEntry(nil), f.added...)
}

type fakeSink struct {
	events chan *streaming.Event

	mu     sync.Mutex
	acked  []string
	closed bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan *streaming.Event, 8)}
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
