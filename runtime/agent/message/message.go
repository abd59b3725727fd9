// Package message defines the conversation data model shared by the whole
// runtime: messages, multi-modal content parts, tool calls and results, token
// usage, and the streaming deltas that merge into complete messages. The
// types are pure data; the only behavior is the deterministic merge rules
// streaming providers require.
package message

import (
	"encoding/json"
	"strings"

	"goa.design/loom"
)

type (
	// Role identifies the author of a message.
	Role string

	// Status tracks message or tool-call assembly during streaming.
	Status string

	// PartType identifies the modality of a content part.
	PartType string

	// Part is a single-type fragment of a message's content. Parts are
	// ordered; a part's position in the content list is its identity during
	// delta merging.
	Part struct {
		// Type is the modality of the part.
		Type PartType
		// Content is the textual payload: raw text, a URL, base64 data, or a
		// thinking trace, depending on Type.
		Content string
		// Options carries provider-opaque attributes such as media types,
		// cache hints, or signatures. During merging, string values
		// concatenate and all other values overwrite.
		Options map[string]any
	}

	// ToolCall is a tool invocation requested by the model. Streaming
	// providers deliver it in fragments keyed by Index; Arguments stays nil
	// until the call is complete and its buffered text parses as JSON.
	ToolCall struct {
		// ID is the provider-issued call identifier. Set from the first
		// non-empty value observed while merging.
		ID string
		// Index is the call's position within the streamed message.
		Index int
		// Type is the call type; providers currently only emit "function".
		Type string
		// Name is the tool name, accumulated across fragments.
		Name string
		// Arguments holds the parsed JSON arguments once the call completes.
		Arguments map[string]any
		// ArgumentsText buffers the streamed argument JSON until completion.
		ArgumentsText string
		// Status is incomplete while fragments are still arriving. Once
		// complete it never changes.
		Status Status
	}

	// ToolResult is the outcome of executing one tool call. Results attach to
	// a single role=tool message whose ToolResults list may hold several.
	ToolResult struct {
		// ToolCallID matches the ToolCall this result answers.
		ToolCallID string
		// Name is the tool that produced the result.
		Name string
		// Content is what the model sees: one or more content parts.
		Content []Part
		// ProcessedContent optionally carries a structured rendition of the
		// result for programmatic consumers. Never sent to the model.
		ProcessedContent any
		// IsError marks results describing a failure. The model observes
		// these and may self-correct on the next turn.
		IsError bool
	}

	// Usage counts tokens consumed by a model invocation. Deltas carry
	// increments which sum during merging.
	Usage struct {
		// InputTokens counts prompt-side tokens.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts completion-side tokens.
		OutputTokens int `json:"output_tokens"`
	}

	// Message is one entry of a conversation.
	Message struct {
		// Role is the author: system, user, assistant, or tool.
		Role Role
		// Parts is the ordered multi-modal content. A plain-text message is a
		// single text part.
		Parts []Part
		// ToolCalls lists invocations requested by an assistant message.
		ToolCalls []ToolCall
		// ToolResults lists outcomes carried by a tool message.
		ToolResults []ToolResult
		// Status is complete for constructed messages; streamed messages may
		// end incomplete (stream aborted) or length (token cap).
		Status Status
		// Index is the stream position for multi-choice providers. Zero
		// otherwise.
		Index int
		// Name optionally identifies the author (sub-agent id, user handle).
		Name string
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// StatusIncomplete marks in-flight streamed content.
	StatusIncomplete Status = "incomplete"
	// StatusComplete marks finished content.
	StatusComplete Status = "complete"
	// StatusLength marks content truncated by a token limit.
	StatusLength Status = "length"
)

const (
	PartText        PartType = "text"
	PartImageURL    PartType = "image_url"
	PartImage       PartType = "image"
	PartFile        PartType = "file"
	PartFileURL     PartType = "file_url"
	PartThinking    PartType = "thinking"
	PartUnsupported PartType = "unsupported"
)

// TextPart builds a text content part.
func TextPart(content string) Part {
	return Part{Type: PartText, Content: content}
}

// User builds a complete user message from plain text.
func User(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}, Status: StatusComplete}
}

// Assistant builds a complete assistant message from plain text.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}, Status: StatusComplete}
}

// System builds a complete system message from plain text.
func System(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}, Status: StatusComplete}
}

// Tool builds a complete tool message carrying the given results.
func Tool(results ...ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results, Status: StatusComplete}
}

// TextResult builds a successful tool result with plain-text content.
func TextResult(callID, name, text string) ToolResult {
	return ToolResult{ToolCallID: callID, Name: name, Content: []Part{TextPart(text)}}
}

// ErrorResult builds a failed tool result whose text the model will observe.
func ErrorResult(callID, name, text string) ToolResult {
	return ToolResult{ToolCallID: callID, Name: name, Content: []Part{TextPart(text)}, IsError: true}
}

// Text returns the concatenation of the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// Text returns the concatenation of the result's text parts.
func (r ToolResult) Text() string {
	var b strings.Builder
	for _, p := range r.Content {
		if p.Type == PartText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// Validate checks role and status values.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return loom.ValidationError("unknown message role %q", string(m.Role))
	}
	switch m.Status {
	case StatusIncomplete, StatusComplete, StatusLength, "":
	default:
		return loom.ValidationError("unknown message status %q", string(m.Status))
	}
	if m.Role == RoleTool && len(m.ToolResults) == 0 {
		return loom.ValidationError("tool message carries no tool results")
	}
	return nil
}

// Clone deep-copies the message so snapshots cannot alias actor state.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = make([]ToolResult, len(m.ToolResults))
		for i, tr := range m.ToolResults {
			out.ToolResults[i] = tr.Clone()
		}
	}
	return out
}

// Clone deep-copies the part.
func (p Part) Clone() Part {
	out := p
	if p.Options != nil {
		out.Options = make(map[string]any, len(p.Options))
		for k, v := range p.Options {
			out.Options[k] = v
		}
	}
	return out
}

// Clone deep-copies the tool call.
func (tc ToolCall) Clone() ToolCall {
	out := tc
	if tc.Arguments != nil {
		out.Arguments = make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// Clone deep-copies the tool result. ProcessedContent is opaque and copied by
// reference.
func (tr ToolResult) Clone() ToolResult {
	out := tr
	if tr.Content != nil {
		out.Content = make([]Part, len(tr.Content))
		for i, p := range tr.Content {
			out.Content[i] = p.Clone()
		}
	}
	return out
}

// ParseArguments parses the buffered argument text into Arguments. It is
// idempotent: calls with Arguments already set return immediately. Empty text
// parses to an empty map. Incomplete calls and invalid JSON fail with a
// validation error; executors turn that into an is_error tool result so the
// model can observe it.
func (tc *ToolCall) ParseArguments() error {
	if tc.Arguments != nil {
		return nil
	}
	if tc.Status != StatusComplete {
		return loom.ValidationError("tool call %q is not complete", tc.Name)
	}
	text := strings.TrimSpace(tc.ArgumentsText)
	if text == "" {
		tc.Arguments = map[string]any{}
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return loom.WrapError(loom.KindValidation, err, "tool call %q carries invalid JSON arguments", tc.Name)
	}
	tc.Arguments = args
	return nil
}

// Add sums two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// IsZero reports whether the usage carries no counts.
func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Unresolved describes an assistant tool call that has no matching tool
// result in any later message.
type Unresolved struct {
	// MessageIndex locates the assistant message within the list.
	MessageIndex int
	// Call is the dangling tool call.
	Call ToolCall
}

// UnresolvedCalls scans the conversation for assistant tool calls lacking a
// matching result in any later message. The patch middleware inserts
// synthetic cancellations for them and the tool executor uses the same scan
// to find work.
func UnresolvedCalls(msgs []Message) []Unresolved {
	var out []Unresolved
	for i, m := range msgs {
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "" {
				continue
			}
			if !resultExists(msgs[i+1:], tc.ID) {
				out = append(out, Unresolved{MessageIndex: i, Call: tc})
			}
		}
	}
	return out
}

func resultExists(msgs []Message, callID string) bool {
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == callID {
				return true
			}
		}
	}
	return false
}
