package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
)

// namedMW is the minimal middleware: a name and no capabilities.
type namedMW struct{ name string }

func (m namedMW) Name() string { return m.name }

// promptMW contributes a fixed system prompt fragment.
type promptMW struct {
	namedMW
	fragment string
}

func (m promptMW) SystemPrompt() string { return m.fragment }

// toolMW contributes fixed tools.
type toolMW struct {
	namedMW
	provided []tools.Tool
}

func (m toolMW) Tools() []tools.Tool { return m.provided }

// beforeMW runs a scripted before hook.
type beforeMW struct {
	namedMW
	fn func(ctx context.Context, st *state.State) error
}

func (m beforeMW) BeforeModel(ctx context.Context, st *state.State) error { return m.fn(ctx, st) }

// afterMW runs a scripted after hook.
type afterMW struct {
	namedMW
	fn func(ctx context.Context, st *state.State) (*Interrupt, error)
}

func (m afterMW) AfterModel(ctx context.Context, st *state.State) (*Interrupt, error) {
	return m.fn(ctx, st)
}

func TestStackDropsNilEntries(t *testing.T) {
	s := NewStack("a1", []Middleware{nil, NewTodos(), nil, NewPatchDanglingToolCalls()})

	require.Equal(t, []string{NameTodos, NamePatchDanglingToolCalls}, s.Names())
	require.Len(t, s.Entries(), 2)
}

func TestStackSystemPromptJoinsContributions(t *testing.T) {
	s := NewStack("a1", []Middleware{
		promptMW{namedMW{"first"}, "Use the tools."},
		namedMW{"silent"},
		promptMW{namedMW{"blank"}, "  \n\t"},
		promptMW{namedMW{"second"}, "Be brief."},
	})

	require.Equal(t,
		"You are a careful assistant.\n\nUse the tools.\n\nBe brief.",
		s.SystemPrompt("You are a careful assistant."))
	require.Equal(t, "Use the tools.\n\nBe brief.", s.SystemPrompt(""), "empty base is omitted")
}

func TestStackToolsKeepPipelineOrder(t *testing.T) {
	s := NewStack("a1", []Middleware{
		toolMW{namedMW{"one"}, []tools.Tool{{Name: "alpha"}, {Name: "beta"}}},
		namedMW{"none"},
		toolMW{namedMW{"two"}, []tools.Tool{{Name: "gamma"}}},
	})

	got := s.Tools()
	require.Len(t, got, 3)
	require.Equal(t, "alpha", got[0].Name)
	require.Equal(t, "beta", got[1].Name)
	require.Equal(t, "gamma", got[2].Name)
}

func TestStackBeforeModelRunsInOrder(t *testing.T) {
	var order []string
	record := func(name string) beforeMW {
		return beforeMW{namedMW{name}, func(context.Context, *state.State) error {
			order = append(order, name)
			return nil
		}}
	}
	s := NewStack("a1", []Middleware{record("first"), record("second"), record("third")})

	require.NoError(t, s.BeforeModel(context.Background(), state.New()))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestStackBeforeModelStopsAtFirstError(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	s := NewStack("a1", []Middleware{
		beforeMW{namedMW{"ok"}, func(context.Context, *state.State) error {
			order = append(order, "ok")
			return nil
		}},
		beforeMW{namedMW{"fails"}, func(context.Context, *state.State) error {
			order = append(order, "fails")
			return boom
		}},
		beforeMW{namedMW{"never"}, func(context.Context, *state.State) error {
			order = append(order, "never")
			return nil
		}},
	})

	err := s.BeforeModel(context.Background(), state.New())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"ok", "fails"}, order)
}

func TestStackAfterModelRunsInReverse(t *testing.T) {
	var order []string
	record := func(name string) afterMW {
		return afterMW{namedMW{name}, func(context.Context, *state.State) (*Interrupt, error) {
			order = append(order, name)
			return nil, nil
		}}
	}
	s := NewStack("a1", []Middleware{record("first"), record("second"), record("third")})

	intr, err := s.AfterModel(context.Background(), state.New())
	require.NoError(t, err)
	require.Nil(t, intr)
	require.Equal(t, []string{"third", "second", "first"}, order)
}

func TestStackAfterModelFirstInterruptWins(t *testing.T) {
	var order []string
	want := &Interrupt{ActionRequests: []ActionRequest{{ToolCallID: "c1", ToolName: "deploy"}}}
	s := NewStack("a1", []Middleware{
		afterMW{namedMW{"unreached"}, func(context.Context, *state.State) (*Interrupt, error) {
			order = append(order, "unreached")
			return nil, nil
		}},
		afterMW{namedMW{"interrupts"}, func(context.Context, *state.State) (*Interrupt, error) {
			order = append(order, "interrupts")
			return want, nil
		}},
		afterMW{namedMW{"clean"}, func(context.Context, *state.State) (*Interrupt, error) {
			order = append(order, "clean")
			return nil, nil
		}},
	})

	intr, err := s.AfterModel(context.Background(), state.New())
	require.NoError(t, err)
	require.Same(t, want, intr)
	require.Equal(t, []string{"clean", "interrupts"}, order)
}

func TestStackAfterModelStopsAtFirstError(t *testing.T) {
	boom := errors.New("review store down")
	s := NewStack("a1", []Middleware{
		afterMW{namedMW{"unreached"}, func(context.Context, *state.State) (*Interrupt, error) {
			t.Error("entries before the failing one must not run")
			return nil, nil
		}},
		afterMW{namedMW{"fails"}, func(context.Context, *state.State) (*Interrupt, error) {
			return nil, boom
		}},
	})

	intr, err := s.AfterModel(context.Background(), state.New())
	require.ErrorIs(t, err, boom)
	require.Nil(t, intr)
}

func TestStackEmitsMiddlewareFired(t *testing.T) {
	var events []*hooks.MiddlewareFired
	emit := func(_ context.Context, evt hooks.Event) {
		fired, ok := evt.(*hooks.MiddlewareFired)
		require.True(t, ok)
		events = append(events, fired)
	}
	s := NewStack("a1", []Middleware{
		beforeMW{namedMW{"compactor"}, func(context.Context, *state.State) error { return nil }},
		afterMW{namedMW{"reviewer"}, func(context.Context, *state.State) (*Interrupt, error) { return nil, nil }},
		namedMW{"inert"},
	}, WithEmitter(emit))

	st := state.New()
	require.NoError(t, s.BeforeModel(context.Background(), st))
	_, err := s.AfterModel(context.Background(), st)
	require.NoError(t, err)

	require.Len(t, events, 2, "only entries implementing a hook fire events")
	require.Equal(t, "a1", events[0].AgentID())
	require.Equal(t, "compactor", events[0].Middleware)
	require.Equal(t, "before_model", events[0].Hook)
	require.Equal(t, "reviewer", events[1].Middleware)
	require.Equal(t, "after_model", events[1].Hook)
}
