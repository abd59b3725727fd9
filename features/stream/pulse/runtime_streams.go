package pulse

import (
	"context"

	"goa.design/loom"
	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/agent/hooks"
)

type (
	// Streams wires one Pulse client into both event topics. It owns a
	// publishing sink per topic and spawns subscribers that reuse the same
	// client, so a service manages a single Redis connection for the whole
	// event plane.
	Streams struct {
		client    clientspulse.Client
		lifecycle *Sink
		debug     *Sink
	}

	// StreamsOptions configures NewStreams.
	StreamsOptions struct {
		// Client is used for both publishing and subscribing. Required and
		// typically built via features/stream/pulse/clients/pulse.
		Client clientspulse.Client
		// Lifecycle holds optional overrides for the lifecycle sink. Client
		// and Topic are set by NewStreams.
		Lifecycle Options
		// Debug holds optional overrides for the debug sink.
		Debug Options
	}
)

// NewStreams builds the publishing sinks for the lifecycle and debug topics.
// Callers subscribe the sinks to the matching buses and keep the helper
// around to create readers later on.
//
//	streams, _ := pulse.NewStreams(pulse.StreamsOptions{Client: client})
//	lifecycleBus.Subscribe(streams.Lifecycle())
//	debugBus.Subscribe(streams.Debug())
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, loom.ValidationError("pulse client is required")
	}
	lifecycle := opts.Lifecycle
	lifecycle.Client = opts.Client
	if lifecycle.Topic == "" {
		lifecycle.Topic = TopicLifecycle
	}
	lsink, err := NewSink(lifecycle)
	if err != nil {
		return nil, err
	}
	debug := opts.Debug
	debug.Client = opts.Client
	if debug.Topic == "" {
		debug.Topic = TopicDebug
	}
	dsink, err := NewSink(debug)
	if err != nil {
		return nil, err
	}
	return &Streams{client: opts.Client, lifecycle: lsink, debug: dsink}, nil
}

// Lifecycle returns the sink for the lifecycle topic.
func (r *Streams) Lifecycle() hooks.Subscriber { return r.lifecycle }

// Debug returns the sink for the debug topic.
func (r *Streams) Debug() hooks.Subscriber { return r.debug }

// NewSubscriber constructs a reader that reuses the helper's client, keeping
// publishing and consumption on the same connection pool.
func (r *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close releases the underlying client. Call during service shutdown after
// all subscribers have been cancelled.
func (r *Streams) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}
