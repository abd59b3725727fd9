package middleware

import (
	"goa.design/loom"
)

type (
	// DecisionType is a reviewer's verdict on one action request.
	DecisionType string

	// ActionRequest describes one tool call awaiting review.
	ActionRequest struct {
		// ToolCallID is the provider-issued call id the decision answers.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool the model wants to run.
		ToolName string `json:"tool_name"`
		// Arguments are the parsed call arguments.
		Arguments map[string]any `json:"arguments"`
	}

	// ReviewConfig constrains the decisions reviewers may take for one tool.
	ReviewConfig struct {
		// AllowedDecisions lists the permitted decision types. Empty allows
		// all three.
		AllowedDecisions []DecisionType `json:"allowed_decisions"`
	}

	// Interrupt suspends a run pending external decisions. The actor stores
	// it and surfaces it to callers; resume_from_interrupt answers it.
	Interrupt struct {
		// ActionRequests lists the calls awaiting review, in message order.
		ActionRequests []ActionRequest `json:"action_requests"`
		// ReviewConfigs maps tool names to their review constraints.
		ReviewConfigs map[string]ReviewConfig `json:"review_configs"`
	}

	// Decision is one reviewer verdict. Decisions map one-to-one onto the
	// interrupt's action requests, in order.
	Decision struct {
		// Type is the verdict.
		Type DecisionType `json:"type"`
		// Arguments replaces the call arguments for edit decisions.
		Arguments map[string]any `json:"arguments,omitempty"`
		// Reason optionally explains a rejection to the model.
		Reason string `json:"reason,omitempty"`
	}
)

const (
	// DecisionApprove executes the call with its original arguments.
	DecisionApprove DecisionType = "approve"
	// DecisionEdit executes the call with reviewer-supplied arguments.
	DecisionEdit DecisionType = "edit"
	// DecisionReject skips execution and records a rejection result.
	DecisionReject DecisionType = "reject"
)

// Allows reports whether the config permits the decision type.
func (rc ReviewConfig) Allows(dt DecisionType) bool {
	if len(rc.AllowedDecisions) == 0 {
		return true
	}
	for _, allowed := range rc.AllowedDecisions {
		if allowed == dt {
			return true
		}
	}
	return false
}

// Validate checks the decision's shape.
func (d Decision) Validate() error {
	switch d.Type {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionEdit:
		if d.Arguments == nil {
			return loom.ValidationError("edit decision requires arguments")
		}
		return nil
	default:
		return loom.ValidationError("unknown decision type %q", string(d.Type))
	}
}
