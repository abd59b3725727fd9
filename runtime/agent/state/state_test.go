package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
)

func TestNeedsResponse(t *testing.T) {
	cases := []struct {
		name string
		msgs []message.Message
		want bool
	}{
		{name: "empty conversation", want: false},
		{name: "last is user", msgs: []message.Message{message.User("hi")}, want: true},
		{name: "last is assistant", msgs: []message.Message{message.User("hi"), message.Assistant("hello")}, want: false},
		{name: "last is tool", msgs: []message.Message{message.Tool(message.TextResult("call-1", "add", "5"))}, want: true},
		{
			name: "assistant with pending tool calls",
			msgs: []message.Message{{
				Role:      message.RoleAssistant,
				ToolCalls: []message.ToolCall{{ID: "call-1", Name: "add", ArgumentsText: "{}", Status: message.StatusComplete}},
			}},
			want: true,
		},
		{name: "last is system", msgs: []message.Message{message.System("rules")}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			s.Append(tc.msgs...)
			require.Equal(t, tc.want, s.NeedsResponse())
		})
	}
}

func TestApplyMergesDelta(t *testing.T) {
	s := New()
	s.Append(message.User("hi"))
	s.Metadata["keep"] = "old"
	s.Files["notes/a.txt"] = FileRef{Size: 3}

	mod := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Apply(&Delta{
		Messages: []message.Message{message.Assistant("hello")},
		Todos:    []Todo{{ID: "1", Content: "write tests", Status: TodoPending}},
		TodosSet: true,
		Metadata: map[string]any{"keep": "new", "extra": 42},
		Files: map[string]*FileRef{
			"notes/a.txt": nil,
			"notes/b.txt": {Size: 7, ModifiedAt: mod},
		},
	})

	require.Len(t, s.Messages, 2)
	require.Equal(t, message.RoleAssistant, s.Messages[1].Role)
	require.Equal(t, []Todo{{ID: "1", Content: "write tests", Status: TodoPending}}, s.Todos)
	require.Equal(t, "new", s.Metadata["keep"])
	require.Equal(t, 42, s.Metadata["extra"])
	require.NotContains(t, s.Files, "notes/a.txt")
	require.Equal(t, FileRef{Size: 7, ModifiedAt: mod}, s.Files["notes/b.txt"])
}

func TestApplyDistinguishesClearFromNoChange(t *testing.T) {
	s := New()
	s.Todos = []Todo{{ID: "1", Content: "task", Status: TodoInProgress}}

	s.Apply(&Delta{})
	require.Len(t, s.Todos, 1, "delta without TodosSet must not touch todos")

	s.Apply(&Delta{TodosSet: true})
	require.Empty(t, s.Todos, "TodosSet with empty list clears todos")
}

func TestCloneIsDeep(t *testing.T) {
	s := New()
	s.Append(message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.TextPart("hello")},
		ToolCalls: []message.ToolCall{
			{ID: "call-1", Name: "add", ArgumentsText: `{"a":1}`, Status: message.StatusComplete},
		},
	})
	s.Todos = []Todo{{ID: "1", Content: "task", Status: TodoPending}}
	s.Metadata["k"] = "v"
	s.Files["a.txt"] = FileRef{Size: 1}

	c := s.Clone()
	c.Messages[0].Parts[0].Content = "mutated"
	c.Messages[0].ToolCalls[0].Name = "mutated"
	c.Todos[0].Content = "mutated"
	c.Metadata["k"] = "mutated"
	c.Files["a.txt"] = FileRef{Size: 99}

	require.Equal(t, "hello", s.Messages[0].Parts[0].Content)
	require.Equal(t, "add", s.Messages[0].ToolCalls[0].Name)
	require.Equal(t, "task", s.Todos[0].Content)
	require.Equal(t, "v", s.Metadata["k"])
	require.Equal(t, int64(1), s.Files["a.txt"].Size)
}

func TestTodoValidate(t *testing.T) {
	require.NoError(t, Todo{ID: "1", Content: "x", Status: TodoPending}.Validate())
	require.NoError(t, Todo{ID: "1", Content: "x", Status: TodoCancelled}.Validate())

	err := Todo{Content: "x", Status: TodoPending}.Validate()
	require.True(t, loom.IsKind(err, loom.KindValidation))

	err = Todo{ID: "1", Content: "x", Status: "done"}.Validate()
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestDeltaMerge(t *testing.T) {
	d := &Delta{Messages: []message.Message{message.User("a")}}
	d.Merge(&Delta{
		Messages: []message.Message{message.User("b")},
		Todos:    []Todo{{ID: "1", Content: "t", Status: TodoPending}},
		TodosSet: true,
		Metadata: map[string]any{"k": "v"},
		Files:    map[string]*FileRef{"a.txt": {Size: 2}},
	})
	d.Merge(nil)

	require.Len(t, d.Messages, 2)
	require.True(t, d.TodosSet)
	require.Len(t, d.Todos, 1)
	require.Equal(t, "v", d.Metadata["k"])
	require.Equal(t, int64(2), d.Files["a.txt"].Size)
}
