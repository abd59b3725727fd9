package message

import (
	"bytes"
	"encoding/json"

	"goa.design/loom"
)

// Wire shapes. Content is a plain string when the value is simple text (a
// single optionless text part, or no parts) and a part list otherwise; both
// forms decode. This matches the serialized state format, which accepts
// "content": string | [part].

type (
	messageWire struct {
		Role        Role         `json:"role"`
		Content     any          `json:"content"`
		Status      Status       `json:"status"`
		ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
		ToolResults []ToolResult `json:"tool_results,omitempty"`
		Index       int          `json:"index,omitempty"`
		Name        string       `json:"name,omitempty"`
	}

	messageWireIn struct {
		Role        Role            `json:"role"`
		Content     json.RawMessage `json:"content"`
		Status      Status          `json:"status"`
		ToolCalls   []ToolCall      `json:"tool_calls"`
		ToolResults []ToolResult    `json:"tool_results"`
		Index       int             `json:"index"`
		Name        string          `json:"name"`
	}

	partWire struct {
		Type    PartType       `json:"type"`
		Content string         `json:"content"`
		Options map[string]any `json:"options,omitempty"`
	}

	toolCallWire struct {
		ID            string         `json:"id"`
		Index         int            `json:"index"`
		Type          string         `json:"type,omitempty"`
		Name          string         `json:"name"`
		Arguments     map[string]any `json:"arguments,omitempty"`
		ArgumentsText string         `json:"arguments_text,omitempty"`
		Status        Status         `json:"status"`
	}

	toolResultWire struct {
		ToolCallID       string          `json:"tool_call_id"`
		Name             string          `json:"name"`
		Content          json.RawMessage `json:"content"`
		ProcessedContent any             `json:"processed_content,omitempty"`
		IsError          bool            `json:"is_error,omitempty"`
	}
)

// MarshalJSON renders the message in the serialized-state wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	status := m.Status
	if status == "" {
		status = StatusComplete
	}
	return json.Marshal(messageWire{
		Role:        m.Role,
		Content:     contentValue(m.Parts),
		Status:      status,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
		Index:       m.Index,
		Name:        m.Name,
	})
}

// UnmarshalJSON accepts both plain-string and part-list content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWireIn
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := decodeContent(w.Content)
	if err != nil {
		return err
	}
	status := w.Status
	if status == "" {
		status = StatusComplete
	}
	*m = Message{
		Role:        w.Role,
		Parts:       parts,
		ToolCalls:   w.ToolCalls,
		ToolResults: w.ToolResults,
		Status:      status,
		Index:       w.Index,
		Name:        w.Name,
	}
	return nil
}

// MarshalJSON renders the part.
func (p Part) MarshalJSON() ([]byte, error) {
	return json.Marshal(partWire{Type: p.Type, Content: p.Content, Options: p.Options})
}

// UnmarshalJSON decodes the part; unknown types decode as written so foreign
// payloads survive a round trip.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w partWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Part{Type: w.Type, Content: w.Content, Options: w.Options}
	return nil
}

// MarshalJSON renders the tool call. Parsed arguments and buffered text are
// both preserved so an interrupted stream survives export.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	status := tc.Status
	if status == "" {
		status = StatusComplete
	}
	return json.Marshal(toolCallWire{
		ID:            tc.ID,
		Index:         tc.Index,
		Type:          tc.Type,
		Name:          tc.Name,
		Arguments:     tc.Arguments,
		ArgumentsText: tc.ArgumentsText,
		Status:        status,
	})
}

// UnmarshalJSON decodes the tool call.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w toolCallWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	status := w.Status
	if status == "" {
		status = StatusComplete
	}
	*tc = ToolCall{
		ID:            w.ID,
		Index:         w.Index,
		Type:          w.Type,
		Name:          w.Name,
		Arguments:     w.Arguments,
		ArgumentsText: w.ArgumentsText,
		Status:        status,
	}
	return nil
}

// MarshalJSON renders the tool result with the same string-or-parts content
// treatment as messages.
func (tr ToolResult) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(contentValue(tr.Content))
	if err != nil {
		return nil, err
	}
	return json.Marshal(toolResultWire{
		ToolCallID:       tr.ToolCallID,
		Name:             tr.Name,
		Content:          content,
		ProcessedContent: tr.ProcessedContent,
		IsError:          tr.IsError,
	})
}

// UnmarshalJSON decodes the tool result.
func (tr *ToolResult) UnmarshalJSON(data []byte) error {
	var w toolResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := decodeContent(w.Content)
	if err != nil {
		return err
	}
	*tr = ToolResult{
		ToolCallID:       w.ToolCallID,
		Name:             w.Name,
		Content:          parts,
		ProcessedContent: w.ProcessedContent,
		IsError:          w.IsError,
	}
	return nil
}

// contentValue picks the wire form for a part list: plain string for simple
// text, the part list otherwise.
func contentValue(parts []Part) any {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		if parts[0].Type == PartText && len(parts[0].Options) == 0 {
			return parts[0].Content
		}
	}
	return parts
}

// decodeContent accepts "content" as either a JSON string or a part list.
func decodeContent(raw json.RawMessage) ([]Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []Part{TextPart(s)}, nil
	case '[':
		var parts []Part
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, err
		}
		return parts, nil
	default:
		return nil, loom.ValidationError("message content must be a string or a part list")
	}
}
