// Package presence tracks which processes are attached to a topic. Agent
// actors register themselves under a presence topic so operators can observe
// liveness, and viewers register to keep an agent alive: an actor whose topic
// reports no viewers may schedule its own shutdown (see runtime/agent).
//
// The package defines the Tracker contract plus an in-memory implementation
// for single-process deployments and tests. Distributed trackers implement
// the same interface.
package presence

import (
	"context"
	"sync"
)

// DefaultTopic is the topic agent actors track themselves under when the
// caller does not supply one.
const DefaultTopic = "agent_server:presence"

// Tracker registers and enumerates presences. Implementations must be safe
// for concurrent use.
type Tracker interface {
	// Track registers id under topic with the given metadata. Tracking an
	// id that is already present replaces its metadata.
	Track(ctx context.Context, topic, id string, meta map[string]any) error
	// Untrack removes id from topic. Removing an absent id is not an error.
	Untrack(ctx context.Context, topic, id string) error
	// List returns the presences registered under topic, keyed by id. Each
	// id maps to the metadata maps recorded for it.
	List(ctx context.Context, topic string) (map[string][]map[string]any, error)
}

// InMemory is a process-local Tracker backed by a map. All operations are
// thread-safe via sync.RWMutex. Metadata is defensively copied on both write
// and read so callers can never mutate stored entries.
type InMemory struct {
	mu     sync.RWMutex
	topics map[string]map[string]map[string]any
}

// NewInMemory returns an empty in-memory tracker.
func NewInMemory() *InMemory {
	return &InMemory{topics: make(map[string]map[string]map[string]any)}
}

// Track implements Tracker.
func (t *InMemory) Track(_ context.Context, topic, id string, meta map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.topics[topic]
	if !ok {
		m = make(map[string]map[string]any)
		t.topics[topic] = m
	}
	m[id] = cloneMeta(meta)
	return nil
}

// Untrack implements Tracker.
func (t *InMemory) Untrack(_ context.Context, topic, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.topics[topic]
	if !ok {
		return nil
	}
	delete(m, id)
	if len(m) == 0 {
		delete(t.topics, topic)
	}
	return nil
}

// List implements Tracker.
func (t *InMemory) List(_ context.Context, topic string) (map[string][]map[string]any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.topics[topic]
	out := make(map[string][]map[string]any, len(entries))
	for id, meta := range entries {
		out[id] = []map[string]any{cloneMeta(meta)}
	}
	return out, nil
}

func cloneMeta(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
