package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
)

func TestParseArgumentsIsIdempotent(t *testing.T) {
	tc := ToolCall{
		Name:          "search",
		Arguments:     map[string]any{"q": "cats"},
		ArgumentsText: `{"q":"dogs"}`,
		Status:        StatusComplete,
	}
	require.NoError(t, tc.ParseArguments())
	require.Equal(t, "cats", tc.Arguments["q"], "parsed arguments are never overwritten")
}

func TestParseArgumentsRequiresCompleteCall(t *testing.T) {
	tc := ToolCall{Name: "search", ArgumentsText: `{"q":"x"}`, Status: StatusIncomplete}
	err := tc.ParseArguments()
	require.True(t, loom.IsKind(err, loom.KindValidation))
	require.Nil(t, tc.Arguments)
}

func TestParseArgumentsEmptyTextYieldsEmptyMap(t *testing.T) {
	tc := ToolCall{Name: "noop", ArgumentsText: " \n\t", Status: StatusComplete}
	require.NoError(t, tc.ParseArguments())
	require.NotNil(t, tc.Arguments)
	require.Empty(t, tc.Arguments)
}

func TestParseArgumentsRejectsInvalidJSON(t *testing.T) {
	tc := ToolCall{Name: "search", ArgumentsText: `{"q":`, Status: StatusComplete}
	require.True(t, loom.IsKind(tc.ParseArguments(), loom.KindValidation))
}

func TestSimpleTextEncodesAsPlainString(t *testing.T) {
	raw, err := json.Marshal(User("hello"))
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":"hello","status":"complete"}`, string(raw))
}

func TestMultiPartContentEncodesAsList(t *testing.T) {
	msg := Message{
		Role:   RoleAssistant,
		Status: StatusComplete,
		Parts: []Part{
			{Type: PartThinking, Content: "mull it over"},
			TextPart("the answer"),
		},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, msg, decoded)
}

func TestTextPartWithOptionsKeepsPartForm(t *testing.T) {
	msg := Message{
		Role:   RoleUser,
		Status: StatusComplete,
		Parts:  []Part{{Type: PartText, Content: "hi", Options: map[string]any{"cache": true}}},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"options"`, "decorated text must not collapse to a plain string")

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, msg, decoded)
}

func TestDecodeAcceptsStringAndPartListContent(t *testing.T) {
	var fromString Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &fromString))

	var fromList Message
	require.NoError(t, json.Unmarshal(
		[]byte(`{"role":"user","content":[{"type":"text","content":"hi"}]}`), &fromList))

	require.Equal(t, fromString, fromList)
	require.Equal(t, "hi", fromString.Text())
	require.Equal(t, StatusComplete, fromString.Status, "missing status decodes as complete")
}

func TestDecodeRejectsNumericContent(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &msg)
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestDecodeEmptyContentYieldsNoParts(t *testing.T) {
	for name, doc := range map[string]string{
		"empty string": `{"role":"assistant","content":""}`,
		"null":         `{"role":"assistant","content":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(doc), &msg))
			require.Nil(t, msg.Parts)
		})
	}
}

func TestToolResultContentRoundTrip(t *testing.T) {
	tr := ErrorResult("c1", "search", "no such index")
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	var decoded ToolResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, tr, decoded)
	require.True(t, decoded.IsError)
}

func TestMessageValidate(t *testing.T) {
	require.NoError(t, User("ok").Validate())

	err := Message{Role: "narrator"}.Validate()
	require.True(t, loom.IsKind(err, loom.KindValidation))

	err = Message{Role: RoleTool, Status: StatusComplete}.Validate()
	require.True(t, loom.IsKind(err, loom.KindValidation), "tool messages must carry results")

	err = Message{Role: RoleUser, Status: "meandering"}.Validate()
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestCloneDetachesNestedState(t *testing.T) {
	original := Message{
		Role:   RoleAssistant,
		Status: StatusComplete,
		Parts:  []Part{{Type: PartText, Content: "x", Options: map[string]any{"k": "v"}}},
		ToolCalls: []ToolCall{{
			ID: "c1", Name: "f", Arguments: map[string]any{"a": 1}, Status: StatusComplete,
		}},
	}
	clone := original.Clone()
	clone.Parts[0].Options["k"] = "mutated"
	clone.ToolCalls[0].Arguments["a"] = 2

	require.Equal(t, "v", original.Parts[0].Options["k"])
	require.Equal(t, 1, original.ToolCalls[0].Arguments["a"])
}
