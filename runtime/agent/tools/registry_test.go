package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/state"
)

var addSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"a": map[string]any{"type": "number"},
		"b": map[string]any{"type": "number"},
	},
	"required":             []any{"a", "b"},
	"additionalProperties": false,
}

func addTool() Tool {
	return Tool{
		Name:        "add",
		Description: "Add two numbers.",
		Schema:      addSchema,
		Execute: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return Text("%g", a+b), nil
		},
	}
}

func call(name, args string) message.ToolCall {
	return message.ToolCall{
		ID:            "call-1",
		Type:          "function",
		Name:          name,
		ArgumentsText: args,
		Status:        message.StatusComplete,
	}
}

func TestRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	r, err := NewRegistry(addTool())
	require.NoError(t, err)

	err = r.Register(addTool())
	require.True(t, loom.IsKind(err, loom.KindValidation))

	err = r.Register(Tool{Name: "", Execute: addTool().Execute})
	require.True(t, loom.IsKind(err, loom.KindValidation))

	err = r.Register(Tool{
		Name:    "broken",
		Schema:  map[string]any{"type": 42},
		Execute: addTool().Execute,
	})
	require.True(t, loom.IsKind(err, loom.KindValidation))
}

func TestExecuteValidatesThenRuns(t *testing.T) {
	r, err := NewRegistry(addTool())
	require.NoError(t, err)
	tc := &Context{AgentID: "agent-1", State: state.New()}

	res, delta := r.Execute(context.Background(), tc, call("add", `{"a":2,"b":3}`))
	require.False(t, res.IsError)
	require.Equal(t, "5", res.Text())
	require.Nil(t, delta)
}

func TestExecuteUnknownToolIsErrorResult(t *testing.T) {
	r, err := NewRegistry(addTool())
	require.NoError(t, err)

	res, _ := r.Execute(context.Background(), &Context{}, call("subtract", `{}`))
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "subtract")
	require.Contains(t, res.Text(), string(loom.KindInvalidToolName))
}

func TestExecuteRejectsSchemaViolations(t *testing.T) {
	r, err := NewRegistry(addTool())
	require.NoError(t, err)

	res, _ := r.Execute(context.Background(), &Context{}, call("add", `{"a":2}`))
	require.True(t, res.IsError, "missing required property must fail validation")

	res, _ = r.Execute(context.Background(), &Context{}, call("add", `{"a":2,"b":"three"}`))
	require.True(t, res.IsError, "wrong property type must fail validation")

	res, _ = r.Execute(context.Background(), &Context{}, call("add", `{"a":2,"b":`))
	require.True(t, res.IsError, "truncated JSON must fail parsing")
}

func TestExecuteHandlerErrorBecomesErrorResult(t *testing.T) {
	tool := Tool{
		Name: "explode",
		Execute: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			return nil, errors.New("kaboom")
		},
	}
	r, err := NewRegistry(tool)
	require.NoError(t, err)

	res, _ := r.Execute(context.Background(), &Context{}, call("explode", ""))
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "kaboom")
}

func TestExecutePropagatesDelta(t *testing.T) {
	tool := Tool{
		Name: "remember",
		Execute: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			return Text("saved").WithDelta(&state.Delta{
				Metadata: map[string]any{"note": args["note"]},
			}), nil
		},
	}
	r, err := NewRegistry(tool)
	require.NoError(t, err)

	res, delta := r.Execute(context.Background(), &Context{}, call("remember", `{"note":"hi"}`))
	require.False(t, res.IsError)
	require.NotNil(t, delta)
	require.Equal(t, "hi", delta.Metadata["note"])
}

func TestSpecsFilterAndOrder(t *testing.T) {
	second := addTool()
	second.Name = "add2"
	r, err := NewRegistry(addTool(), second)
	require.NoError(t, err)

	specs := r.Specs()
	require.Len(t, specs, 2)
	require.Equal(t, "add", specs[0].Name)
	require.Equal(t, "add2", specs[1].Name)

	specs = r.Specs("add2", "nope")
	require.Len(t, specs, 1)
	require.Equal(t, "add2", specs[0].Name)

	names := strings.Join(r.Names(), ",")
	require.Equal(t, "add,add2", names)
}
