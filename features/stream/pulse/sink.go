// Package pulse mirrors agent event buses onto goa.design/pulse streams so
// observers outside the process — SSE fan-outs, audit consumers, other
// services — can follow an agent without holding a bus subscription in the
// runtime's address space. A Sink subscribes to a lifecycle or debug bus and
// publishes every event as an envelope; a Subscriber reads the stream back
// into typed events.
package pulse

import (
	"context"
	"encoding/json"

	"goa.design/loom"
	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/agent/hooks"
)

// Topic names for the two buses every agent carries.
const (
	TopicLifecycle = "lifecycle"
	TopicDebug     = "debug"
)

type (
	// Options configures a Sink.
	Options struct {
		// Client publishes the envelopes. Required.
		Client clientspulse.Client
		// Topic names the bus being mirrored and becomes part of the
		// default stream id. Required unless StreamID is set.
		Topic string
		// StreamID derives the target stream from an event. Defaults to
		// StreamID(Topic, event agent id).
		StreamID func(hooks.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(*hooks.Envelope) ([]byte, error)
	}

	// Sink publishes bus events into Pulse streams. It implements
	// hooks.Subscriber so it attaches directly to an agent bus, and it is
	// safe for the concurrent publishes a shared bus delivers.
	Sink struct {
		client   clientspulse.Client
		streamID func(hooks.Event) (string, error)
		marshal  func(*hooks.Envelope) ([]byte, error)
	}
)

// StreamID is the default stream naming scheme: one stream per agent per
// topic, so consumers follow exactly the agent and verbosity they need.
func StreamID(topic, agentID string) string {
	return "agents:" + topic + ":" + agentID
}

// NewSink constructs a Pulse-backed bus subscriber.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, loom.ValidationError("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		if opts.Topic == "" {
			return nil, loom.ValidationError("a topic or a stream id derivation is required")
		}
		topic := opts.Topic
		streamID = func(evt hooks.Event) (string, error) {
			if evt.AgentID() == "" {
				return "", loom.ValidationError("event missing agent id")
			}
			return StreamID(topic, evt.AgentID()), nil
		}
	}
	marshal := opts.MarshalEnvelope
	if marshal == nil {
		marshal = defaultMarshal
	}
	return &Sink{client: opts.Client, streamID: streamID, marshal: marshal}, nil
}

// HandleEvent implements hooks.Subscriber. It wraps the event in an envelope
// and appends it to the derived stream. An error stops the bus publish, so
// deployments that prefer lossy mirroring wrap the sink with their own
// error policy before subscribing.
func (s *Sink) HandleEvent(ctx context.Context, evt hooks.Event) error {
	id, err := s.streamID(evt)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(id)
	if err != nil {
		return err
	}
	env, err := hooks.EncodeEvent(evt)
	if err != nil {
		return err
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(env.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultMarshal(env *hooks.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
