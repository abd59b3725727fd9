package pulse

import (
	"context"
	"encoding/json"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/loom"
	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/agent/hooks"
)

type (
	// EnvelopeDecoder converts raw stream payloads into typed events. Custom
	// decoders handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (hooks.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes the streams. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "loom_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the envelope codec.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits typed events. It wraps a
	// consumer group and decodes envelopes through the closed event table,
	// so an envelope produced by a newer runtime surfaces as an error
	// instead of a lossy generic value.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, loom.ValidationError("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name, decode: decoder}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for events and errors. A goroutine consumes the sink, decodes envelopes,
// and acknowledges each event after emission. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, pulse.StreamID(pulse.TopicLifecycle, "agent-1"))
//	defer cancel()
//	for evt := range events {
//		// process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan hooks.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan hooks.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the sink until the context is cancelled or the sink
// channel closes. Decode and ack failures land on errs and end consumption;
// the consumer group redelivers unacknowledged events to the next reader.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- hooks.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- loom.WrapError(loom.KindValidation, err, "decode stream payload")
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- ackErr
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default envelope format into a typed
// event.
func decodeEnvelope(payload []byte) (hooks.Event, error) {
	var env hooks.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return hooks.DecodeEvent(&env)
}
