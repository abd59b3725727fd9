package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"goa.design/loom/runtime/agent/message"
)

type (
	// Scripted is a deterministic Client for tests. Each call consumes the
	// next scripted turn in order; running past the script is an error so
	// tests fail loudly on unexpected extra calls.
	Scripted struct {
		mu       sync.Mutex
		turns    []Turn
		next     int
		requests []Request
	}

	// Turn is one scripted provider reply. Exactly one of Response, Deltas
	// or Err should be set.
	Turn struct {
		// Response is returned by Complete.
		Response *Response
		// Deltas are streamed by Stream. A turn without deltas makes Stream
		// return ErrStreamingUnsupported without consuming the turn.
		Deltas []message.Delta
		// Err is returned by both Complete and Stream.
		Err error
	}

	scriptedStream struct {
		mu     sync.Mutex
		deltas []message.Delta
		pos    int
		closed bool
	}
)

// NewScripted builds a scripted client that replays turns in order.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// ReplyText scripts a plain assistant text reply.
func ReplyText(text string) Turn {
	return Reply(message.Assistant(text))
}

// ReplyToolCall scripts an assistant reply that requests a single tool call.
func ReplyToolCall(id, name string, args map[string]any) Turn {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("scripted tool call %s: %v", name, err))
	}
	return Reply(message.Message{
		Role:   message.RoleAssistant,
		Status: message.StatusComplete,
		ToolCalls: []message.ToolCall{{
			ID:            id,
			Type:          "function",
			Name:          name,
			ArgumentsText: string(raw),
			Status:        message.StatusComplete,
		}},
	})
}

// Reply scripts an arbitrary assistant message.
func Reply(msg message.Message) Turn {
	return Turn{Response: &Response{Message: msg}}
}

// ReplyDeltas scripts a streamed reply.
func ReplyDeltas(deltas ...message.Delta) Turn {
	return Turn{Deltas: deltas}
}

// ReplyError scripts a provider failure.
func ReplyError(err error) Turn {
	return Turn{Err: err}
}

// Complete consumes the next turn and returns its response.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn, err := s.take(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	if turn.Response == nil {
		return nil, fmt.Errorf("scripted turn %d has no response, use Stream", s.next)
	}
	resp := *turn.Response
	resp.Message = turn.Response.Message.Clone()
	return &resp, nil
}

// Stream serves the next turn's deltas. Turns scripted with a Response make
// Stream report ErrStreamingUnsupported without consuming the turn, which
// exercises the caller's fallback to Complete.
func (s *Scripted) Stream(ctx context.Context, req Request) (Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.next < len(s.turns) {
		turn := s.turns[s.next]
		if turn.Err == nil && len(turn.Deltas) == 0 {
			s.mu.Unlock()
			return nil, ErrStreamingUnsupported
		}
	}
	s.mu.Unlock()

	turn, err := s.take(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return &scriptedStream{deltas: turn.Deltas}, nil
}

// Requests returns a copy of every request seen so far, in order.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns how many turns were consumed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scripted) take(req Request) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.turns) {
		return Turn{}, fmt.Errorf("scripted client exhausted after %d turns", len(s.turns))
	}
	turn := s.turns[s.next]
	s.next++
	return turn, nil
}

// Recv pops the next scripted delta and io.EOF at the end.
func (s *scriptedStream) Recv() (*message.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.deltas) {
		return nil, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return &d, nil
}

// Close stops the stream early.
func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
