package hooks

import (
	"encoding/json"
	"time"

	"goa.design/loom"
)

// Envelope is the transport form of an event: identity and time alongside the
// type-specific payload. Stream features ship envelopes over the wire and
// rebuild events with DecodeEvent on the consuming side.
type Envelope struct {
	// Type identifies the payload shape.
	Type EventType `json:"type"`
	// AgentID is the owning agent.
	AgentID string `json:"agent_id"`
	// OccurredAt is the event creation time in UTC.
	OccurredAt time.Time `json:"occurred_at"`
	// Payload is the JSON-encoded type-specific fields.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent renders an event into an envelope. Concrete event types
// serialise only their payload fields; identity and time travel in the
// envelope itself.
func EncodeEvent(evt Event) (*Envelope, error) {
	if evt == nil {
		return nil, loom.ValidationError("event is required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, loom.WrapError(loom.KindValidation, err, "encode %s event", evt.Type())
	}
	return &Envelope{
		Type:       evt.Type(),
		AgentID:    evt.AgentID(),
		OccurredAt: evt.OccurredAt().UTC(),
		Payload:    payload,
	}, nil
}

// DecodeEvent rebuilds the typed event carried by an envelope. The type table
// is closed: envelopes produced by a newer runtime with unknown types fail
// with a validation error rather than decoding into a lossy generic shape.
func DecodeEvent(env *Envelope) (Event, error) {
	if env == nil {
		return nil, loom.ValidationError("envelope is required")
	}
	base := baseEvent{agentID: env.AgentID, occurredAt: env.OccurredAt}
	switch env.Type {
	case EventStatusChanged:
		var e StatusChanged
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventMessageReceived:
		var e MessageReceived
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventToolResponseCreated:
		var e ToolResponseCreated
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventRetriesExceeded:
		var e RetriesExceeded
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventSubagentStarted:
		var e SubagentStarted
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventSubagentStatusChanged:
		var e SubagentStatusChanged
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventSubagentCompleted:
		var e SubagentCompleted
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventSubagentErrored:
		var e SubagentErrored
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventMiddlewareFired:
		var e MiddlewareFired
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	case EventDeltaMerged:
		var e DeltaMerged
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		e.baseEvent = base
		return &e, nil
	default:
		return nil, loom.ValidationError("unknown event type %q", string(env.Type))
	}
}

func decodePayload(env *Envelope, into any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return loom.WrapError(loom.KindValidation, err, "decode %s event", env.Type)
	}
	return nil
}
