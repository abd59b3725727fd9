package hooks

import (
	"time"

	"goa.design/loom/runtime/agent/message"
)

// EventType identifies an event's shape. The values are stable wire
// identifiers; envelopes and stream consumers key on them.
type EventType string

// Lifecycle events, published on an agent's lifecycle bus.
const (
	// EventStatusChanged reports an actor status transition.
	EventStatusChanged EventType = "status_changed"
	// EventMessageReceived reports a message appended to the conversation.
	EventMessageReceived EventType = "message_received"
	// EventToolResponseCreated reports a tool-result message appended to the
	// conversation.
	EventToolResponseCreated EventType = "tool_response_created"
	// EventRetriesExceeded reports an exhausted retry budget.
	EventRetriesExceeded EventType = "retries_exceeded"
)

// Debug events, published on an agent's debug bus. Sub-agent events appear on
// the parent's debug bus so one subscription observes a whole delegation tree.
const (
	EventSubagentStarted       EventType = "subagent_started"
	EventSubagentStatusChanged EventType = "subagent_status_changed"
	EventSubagentCompleted     EventType = "subagent_completed"
	EventSubagentErrored       EventType = "subagent_errored"
	// EventMiddlewareFired reports one middleware hook invocation.
	EventMiddlewareFired EventType = "middleware_fired"
	// EventDeltaMerged reports one streamed delta folded into the
	// accumulating assistant message.
	EventDeltaMerged EventType = "delta_merged"
)

// Event is a runtime occurrence tied to one agent.
type Event interface {
	// Type identifies the event shape.
	Type() EventType
	// AgentID is the agent the event belongs to. For sub-agent events this
	// is the parent; the payload carries the sub-agent id.
	AgentID() string
	// OccurredAt is when the event was created, in UTC.
	OccurredAt() time.Time
}

// baseEvent carries the fields shared by every event. Its fields are
// unexported so marshalling a concrete event serialises only the payload;
// envelopes carry identity and time separately.
type baseEvent struct {
	agentID    string
	occurredAt time.Time
}

func newBase(agentID string) baseEvent {
	return baseEvent{agentID: agentID, occurredAt: time.Now().UTC()}
}

func (e baseEvent) AgentID() string       { return e.agentID }
func (e baseEvent) OccurredAt() time.Time { return e.occurredAt }

type (
	// StatusChanged reports an actor status transition.
	StatusChanged struct {
		baseEvent
		// From is the previous status.
		From string `json:"from"`
		// To is the new status.
		To string `json:"to"`
	}

	// MessageReceived reports a message appended to the conversation.
	MessageReceived struct {
		baseEvent
		Message message.Message `json:"message"`
	}

	// ToolResponseCreated reports a tool-result message appended to the
	// conversation.
	ToolResponseCreated struct {
		baseEvent
		Message message.Message `json:"message"`
	}

	// RetriesExceeded reports that a run burned through its retry budget.
	RetriesExceeded struct {
		baseEvent
		// Failures is the final failure count.
		Failures int `json:"failures"`
		// Max is the configured retry budget.
		Max int `json:"max"`
		// Reason is the last failure's message.
		Reason string `json:"reason"`
	}

	// SubagentStarted reports a sub-agent spawned by the task tool.
	SubagentStarted struct {
		baseEvent
		SubagentID string    `json:"subagent_id"`
		ParentID   string    `json:"parent_id"`
		StartedAt  time.Time `json:"started_at"`
	}

	// SubagentStatusChanged mirrors a sub-agent's status transitions onto
	// the parent's debug bus.
	SubagentStatusChanged struct {
		baseEvent
		SubagentID string `json:"subagent_id"`
		Status     string `json:"status"`
	}

	// SubagentCompleted reports a sub-agent's final answer.
	SubagentCompleted struct {
		baseEvent
		SubagentID string `json:"subagent_id"`
		Result     string `json:"result"`
		DurationMS int64  `json:"duration_ms"`
	}

	// SubagentErrored reports a sub-agent failure.
	SubagentErrored struct {
		baseEvent
		SubagentID string `json:"subagent_id"`
		Reason     string `json:"reason"`
	}

	// MiddlewareFired reports one middleware hook invocation.
	MiddlewareFired struct {
		baseEvent
		// Middleware is the middleware name.
		Middleware string `json:"middleware"`
		// Hook is the capability that fired: before_model or after_model.
		Hook string `json:"hook"`
	}

	// DeltaMerged reports one streamed delta folded into the accumulating
	// assistant message.
	DeltaMerged struct {
		baseEvent
		// Seq is the 1-based merge sequence number.
		Seq int `json:"seq"`
		// Status is the accumulator status after the merge.
		Status string `json:"status"`
	}
)

func (StatusChanged) Type() EventType         { return EventStatusChanged }
func (MessageReceived) Type() EventType       { return EventMessageReceived }
func (ToolResponseCreated) Type() EventType   { return EventToolResponseCreated }
func (RetriesExceeded) Type() EventType       { return EventRetriesExceeded }
func (SubagentStarted) Type() EventType       { return EventSubagentStarted }
func (SubagentStatusChanged) Type() EventType { return EventSubagentStatusChanged }
func (SubagentCompleted) Type() EventType     { return EventSubagentCompleted }
func (SubagentErrored) Type() EventType       { return EventSubagentErrored }
func (MiddlewareFired) Type() EventType       { return EventMiddlewareFired }
func (DeltaMerged) Type() EventType           { return EventDeltaMerged }

// NewStatusChanged builds a status transition event.
func NewStatusChanged(agentID, from, to string) *StatusChanged {
	return &StatusChanged{baseEvent: newBase(agentID), From: from, To: to}
}

// NewMessageReceived builds a message appended event.
func NewMessageReceived(agentID string, msg message.Message) *MessageReceived {
	return &MessageReceived{baseEvent: newBase(agentID), Message: msg}
}

// NewToolResponseCreated builds a tool response event.
func NewToolResponseCreated(agentID string, msg message.Message) *ToolResponseCreated {
	return &ToolResponseCreated{baseEvent: newBase(agentID), Message: msg}
}

// NewRetriesExceeded builds a retry exhaustion event.
func NewRetriesExceeded(agentID string, failures, max int, reason string) *RetriesExceeded {
	return &RetriesExceeded{baseEvent: newBase(agentID), Failures: failures, Max: max, Reason: reason}
}

// NewSubagentStarted builds a sub-agent start event for the parent's debug
// bus.
func NewSubagentStarted(parentID, subagentID string, startedAt time.Time) *SubagentStarted {
	return &SubagentStarted{baseEvent: newBase(parentID), SubagentID: subagentID, ParentID: parentID, StartedAt: startedAt}
}

// NewSubagentStatusChanged mirrors a sub-agent status change.
func NewSubagentStatusChanged(parentID, subagentID, status string) *SubagentStatusChanged {
	return &SubagentStatusChanged{baseEvent: newBase(parentID), SubagentID: subagentID, Status: status}
}

// NewSubagentCompleted builds a sub-agent completion event.
func NewSubagentCompleted(parentID, subagentID, result string, duration time.Duration) *SubagentCompleted {
	return &SubagentCompleted{baseEvent: newBase(parentID), SubagentID: subagentID, Result: result, DurationMS: duration.Milliseconds()}
}

// NewSubagentErrored builds a sub-agent failure event.
func NewSubagentErrored(parentID, subagentID, reason string) *SubagentErrored {
	return &SubagentErrored{baseEvent: newBase(parentID), SubagentID: subagentID, Reason: reason}
}

// NewMiddlewareFired builds a middleware hook event.
func NewMiddlewareFired(agentID, middleware, hook string) *MiddlewareFired {
	return &MiddlewareFired{baseEvent: newBase(agentID), Middleware: middleware, Hook: hook}
}

// NewDeltaMerged builds a delta merge event.
func NewDeltaMerged(agentID string, seq int, status string) *DeltaMerged {
	return &DeltaMerged{baseEvent: newBase(agentID), Seq: seq, Status: status}
}
