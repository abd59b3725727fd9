package middleware

import (
	"context"
	"encoding/json"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
)

// NameTodos is the todo-list middleware name.
const NameTodos = "todos"

// Todos gives the model a persistent task list. The list lives in agent
// state, is rewritten wholesale by the write_todos tool, and survives
// export/import.
type Todos struct{}

// NewTodos builds the todo-list middleware.
func NewTodos() *Todos { return &Todos{} }

// Name implements Middleware.
func (*Todos) Name() string { return NameTodos }

// SystemPrompt implements SystemPrompter.
func (*Todos) SystemPrompt() string {
	return `You have access to a todo list via the write_todos tool. For multi-step work, write the full plan first, mark items in_progress as you start them and completed as you finish. Rewrite the whole list on every call; items you omit are dropped.`
}

// StateSchema implements StateSchemer.
func (*Todos) StateSchema() map[string]any {
	return map[string]any{
		"todos": map[string]any{
			"type":  "array",
			"items": todoItemSchema(),
		},
	}
}

// Tools implements ToolProvider.
func (*Todos) Tools() []tools.Tool {
	return []tools.Tool{{
		Name:        "write_todos",
		Description: "Replace the todo list. Pass every item you want to keep; omitted items are dropped.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{
					"type":  "array",
					"items": todoItemSchema(),
				},
			},
			"required":             []any{"todos"},
			"additionalProperties": false,
		},
		Execute: writeTodos,
	}}
}

func todoItemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":      map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
			"status": map[string]any{
				"type": "string",
				"enum": []any{
					string(state.TodoPending),
					string(state.TodoInProgress),
					string(state.TodoCompleted),
					string(state.TodoCancelled),
				},
			},
		},
		"required":             []any{"id", "content", "status"},
		"additionalProperties": false,
	}
}

func writeTodos(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
	raw, err := json.Marshal(args["todos"])
	if err != nil {
		return nil, loom.ValidationError("todos are not serialisable: %s", err)
	}
	var items []struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, loom.ValidationError("todos are malformed: %s", err)
	}
	todos := make([]state.Todo, len(items))
	for i, item := range items {
		todo := state.Todo{ID: item.ID, Content: item.Content, Status: state.TodoStatus(item.Status)}
		if err := todo.Validate(); err != nil {
			return nil, err
		}
		todos[i] = todo
	}
	remaining := 0
	for _, t := range todos {
		if t.Status == state.TodoPending || t.Status == state.TodoInProgress {
			remaining++
		}
	}
	return tools.Text("Todo list updated: %d items, %d open.", len(todos), remaining).
		WithDelta(&state.Delta{Todos: todos, TodosSet: true}), nil
}
