// Package state holds the mutable per-agent state: the conversation, the todo
// list, free-form metadata, and a lightweight registry of files the agent has
// touched. State is owned exclusively by the agent actor; everything else sees
// snapshots. Tools and middleware mutate state only through deltas, which the
// actor merges, so no component is ever trusted with the full state.
package state

import (
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
)

type (
	// TodoStatus tracks a todo item through its lifecycle.
	TodoStatus string

	// Todo is one tracked task. Todos are written wholesale by the
	// write_todos tool; the runtime never edits individual items.
	Todo struct {
		// ID identifies the item across rewrites.
		ID string
		// Content describes the task.
		Content string
		// Status is the current lifecycle phase.
		Status TodoStatus
	}

	// FileRef records that the agent touched a virtual file. Authoritative
	// content lives in the filesystem server; the registry only carries enough
	// for the agent to reason about its workspace.
	FileRef struct {
		// Size is the content length in bytes at last touch.
		Size int64
		// ModifiedAt is when the agent last wrote the file.
		ModifiedAt time.Time
	}

	// State is one agent's complete mutable state.
	State struct {
		// Messages is the ordered conversation.
		Messages []message.Message
		// Todos is the current task list.
		Todos []Todo
		// Metadata carries string-keyed values that survive export/import.
		Metadata map[string]any
		// Files registers virtual paths the agent has touched. Not exported
		// with snapshots; rebuilt from filesystem activity.
		Files map[string]FileRef
	}

	// Delta is a partial state produced by a tool or middleware. The actor
	// merges deltas into its state; absent fields leave state untouched.
	Delta struct {
		// Messages are appended to the conversation.
		Messages []message.Message
		// Todos replaces the todo list when TodosSet is true. The two fields
		// are separate so a delta can distinguish "no change" from "clear".
		Todos []Todo
		// TodosSet marks Todos as intentional.
		TodosSet bool
		// Metadata entries are merged key by key.
		Metadata map[string]any
		// Files entries are merged into the file registry; a nil value
		// removes the path.
		Files map[string]*FileRef
	}
)

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// New constructs an empty state.
func New() *State {
	return &State{
		Metadata: make(map[string]any),
		Files:    make(map[string]FileRef),
	}
}

// Validate checks the todo's fields.
func (t Todo) Validate() error {
	if t.ID == "" {
		return loom.ValidationError("todo id is required")
	}
	if t.Content == "" {
		return loom.ValidationError("todo %q content is required", t.ID)
	}
	switch t.Status {
	case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		return nil
	default:
		return loom.ValidationError("todo %q has unknown status %q", t.ID, string(t.Status))
	}
}

// Append adds messages to the conversation.
func (s *State) Append(msgs ...message.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// LastMessage returns the final message, if any.
func (s *State) LastMessage() (message.Message, bool) {
	if len(s.Messages) == 0 {
		return message.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// NeedsResponse reports whether the conversation is waiting on the model: the
// last message is from the user, is a tool result, or is an assistant message
// that requested tool calls.
func (s *State) NeedsResponse() bool {
	last, ok := s.LastMessage()
	if !ok {
		return false
	}
	switch last.Role {
	case message.RoleUser, message.RoleTool:
		return true
	case message.RoleAssistant:
		return len(last.ToolCalls) > 0
	default:
		return false
	}
}

// Apply merges a delta into the state. Nil deltas are no-ops.
func (s *State) Apply(d *Delta) {
	if d == nil {
		return
	}
	if len(d.Messages) > 0 {
		s.Messages = append(s.Messages, d.Messages...)
	}
	if d.TodosSet {
		s.Todos = append([]Todo(nil), d.Todos...)
	}
	if len(d.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(d.Metadata))
		}
		for k, v := range d.Metadata {
			s.Metadata[k] = v
		}
	}
	if len(d.Files) > 0 {
		if s.Files == nil {
			s.Files = make(map[string]FileRef, len(d.Files))
		}
		for path, ref := range d.Files {
			if ref == nil {
				delete(s.Files, path)
				continue
			}
			s.Files[path] = *ref
		}
	}
}

// Clone deep-copies the state so snapshots cannot alias the actor's copy.
func (s *State) Clone() *State {
	out := &State{}
	if s.Messages != nil {
		out.Messages = make([]message.Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.Todos != nil {
		out.Todos = append([]Todo(nil), s.Todos...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Files != nil {
		out.Files = make(map[string]FileRef, len(s.Files))
		for k, v := range s.Files {
			out.Files[k] = v
		}
	}
	return out
}

// Merge folds another delta into d so steps can accumulate tool deltas before
// a single Apply.
func (d *Delta) Merge(o *Delta) {
	if o == nil {
		return
	}
	d.Messages = append(d.Messages, o.Messages...)
	if o.TodosSet {
		d.Todos = append([]Todo(nil), o.Todos...)
		d.TodosSet = true
	}
	if len(o.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = make(map[string]any, len(o.Metadata))
		}
		for k, v := range o.Metadata {
			d.Metadata[k] = v
		}
	}
	if len(o.Files) > 0 {
		if d.Files == nil {
			d.Files = make(map[string]*FileRef, len(o.Files))
		}
		for k, v := range o.Files {
			d.Files[k] = v
		}
	}
}
