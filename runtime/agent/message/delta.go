package message

import (
	"context"

	"goa.design/loom"
	"goa.design/loom/runtime/telemetry"
)

type (
	// Delta is one streamed fragment of an assistant message. Providers emit
	// a sequence of deltas; an Accumulator reduces them deterministically
	// into a single Message.
	Delta struct {
		// Role is set on the first delta of a stream; later values are
		// ignored once established.
		Role Role
		// Content carries at most one content-part fragment with its
		// position in the merged content list. Nil when the delta only moves
		// status, tool calls, or usage.
		Content *PartDelta
		// ToolCalls carries tool-call fragments keyed by their Index.
		ToolCalls []ToolCall
		// Status is incomplete for interim deltas; the finishing delta
		// carries complete or length.
		Status Status
		// Index is the stream position for multi-choice providers.
		Index int
		// Usage carries a token-count increment, if the provider reports
		// usage.
		Usage *Usage
	}

	// PartDelta positions a content-part fragment within the merged content.
	PartDelta struct {
		// Index is the fragment's position in the content list.
		Index int
		// Part is the fragment. Same-type fragments at one index concatenate
		// content and merge options; a type mismatch logs a warning and the
		// new fragment is dropped, keeping the accumulator stable.
		Part Part
	}

	// Accumulator reduces a delta stream into one message. Status moves
	// monotonically from incomplete to complete or length and never
	// backwards; tool-call buffers are keyed by index and padded when an
	// index arrives ahead of its predecessors; in-flight content is folded
	// into the merged list as it arrives, so repeated merges cannot
	// double-count.
	Accumulator struct {
		logger telemetry.Logger
		role   Role
		status Status
		merged []Part
		calls  []*ToolCall
		usage  Usage
		seq    int
	}

	// AccumulatorOption configures an Accumulator.
	AccumulatorOption func(*Accumulator)
)

// WithLogger routes merge warnings to the given logger.
func WithLogger(l telemetry.Logger) AccumulatorOption {
	return func(a *Accumulator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAccumulator constructs an empty accumulator.
func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{logger: telemetry.NewNoopLogger(), status: StatusIncomplete}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TextDelta builds a delta carrying a text fragment at content index 0.
func TextDelta(text string) Delta {
	return Delta{
		Role:    RoleAssistant,
		Content: &PartDelta{Part: TextPart(text)},
		Status:  StatusIncomplete,
	}
}

// FinishDelta builds a delta that finalizes the stream with the given status.
func FinishDelta(status Status) Delta {
	return Delta{Status: status}
}

// Add merges one delta into the accumulator.
func (a *Accumulator) Add(ctx context.Context, d Delta) {
	a.seq++
	if a.role == "" && d.Role != "" {
		a.role = d.Role
	}
	if d.Content != nil {
		a.mergePart(ctx, d.Content.Index, d.Content.Part)
	}
	for _, tc := range d.ToolCalls {
		a.mergeCall(tc)
	}
	if a.status == StatusIncomplete && (d.Status == StatusComplete || d.Status == StatusLength) {
		a.status = d.Status
	}
	if d.Usage != nil {
		a.usage = a.usage.Add(*d.Usage)
	}
}

// Message assembles the merged message. When the stream has finished, an
// assistant message with no content and no tool calls is a validation error.
// Streams that never finished yield a message with status incomplete.
func (a *Accumulator) Message() (Message, error) {
	role := a.role
	if role == "" {
		role = RoleAssistant
	}
	var parts []Part
	for _, p := range a.merged {
		if p.Type == "" {
			continue
		}
		parts = append(parts, p.Clone())
	}
	var calls []ToolCall
	for _, tc := range a.calls {
		if tc == nil {
			continue
		}
		calls = append(calls, tc.Clone())
	}
	msg := Message{Role: role, Parts: parts, ToolCalls: calls, Status: a.status}
	if role == RoleAssistant && a.status != StatusIncomplete && len(parts) == 0 && len(calls) == 0 {
		return msg, loom.ValidationError("merged assistant message is empty")
	}
	return msg, nil
}

// Usage returns the summed token usage observed so far.
func (a *Accumulator) Usage() Usage { return a.usage }

// Seq returns the number of deltas merged so far.
func (a *Accumulator) Seq() int { return a.seq }

// Status returns the current merged status.
func (a *Accumulator) Status() Status { return a.status }

// MergeDeltas reduces a complete delta sequence into one message.
func MergeDeltas(ctx context.Context, deltas []Delta, opts ...AccumulatorOption) (Message, error) {
	acc := NewAccumulator(opts...)
	for _, d := range deltas {
		acc.Add(ctx, d)
	}
	return acc.Message()
}

func (a *Accumulator) mergePart(ctx context.Context, idx int, part Part) {
	if idx < 0 {
		a.logger.Warn(ctx, "content part index is negative; dropping fragment", "index", idx)
		return
	}
	for len(a.merged) <= idx {
		a.merged = append(a.merged, Part{})
	}
	existing := &a.merged[idx]
	switch {
	case existing.Type == "":
		*existing = part.Clone()
	case existing.Type == part.Type:
		existing.Content += part.Content
		existing.Options = mergeOptions(existing.Options, part.Options)
	default:
		a.logger.Warn(ctx, "content part type mismatch; dropping fragment",
			"index", idx, "have", string(existing.Type), "got", string(part.Type))
	}
}

func (a *Accumulator) mergeCall(tc ToolCall) {
	if tc.Index < 0 {
		return
	}
	for len(a.calls) <= tc.Index {
		a.calls = append(a.calls, nil)
	}
	cur := a.calls[tc.Index]
	if cur == nil {
		cur = &ToolCall{Index: tc.Index, Status: StatusIncomplete}
		a.calls[tc.Index] = cur
	}
	if cur.ID == "" && tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Type != "" {
		cur.Type = tc.Type
	}
	cur.Name += tc.Name
	cur.ArgumentsText += tc.ArgumentsText
	if cur.Status != StatusComplete && tc.Status == StatusComplete {
		cur.Status = StatusComplete
	}
}

// mergeOptions folds new options into existing ones: string values
// concatenate, everything else overwrites.
func mergeOptions(existing, next map[string]any) map[string]any {
	if len(next) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]any, len(next))
	}
	for k, v := range next {
		if prev, ok := existing[k].(string); ok {
			if s, ok := v.(string); ok {
				existing[k] = prev + s
				continue
			}
		}
		existing[k] = v
	}
	return existing
}
