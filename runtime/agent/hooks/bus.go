// Package hooks carries runtime events between agents and observers. Every
// agent owns two buses: a lifecycle bus with the events monitors need (status
// changes, new messages, retry exhaustion) and a debug bus with the firehose
// (middleware activity, streaming merges, sub-agent progress). Events are
// plain values; the codec in this package renders them into envelopes for
// transports that leave the process.
package hooks

import (
	"context"
	"sync"

	"goa.design/loom"
)

type (
	// Bus fans events out to subscribers.
	//
	// Delivery is synchronous in the publisher's goroutine and follows
	// subscription order. Iteration stops at the first subscriber error so
	// critical subscribers can halt a publish they cannot afford to lose.
	Bus interface {
		// Publish delivers the event to every current subscriber.
		Publish(ctx context.Context, event Event) error
		// Subscribe registers a subscriber until its subscription is closed.
		Subscribe(sub Subscriber) (Subscription, error)
		// Close drops all subscribers. Publishing to a closed bus is a no-op.
		Close()
	}

	// Subscriber handles published events. HandleEvent errors stop the
	// publish, so subscribers that merely observe should log and return nil.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu     sync.RWMutex
		subs   []*subscription
		closed bool
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent calls the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an empty in-memory bus.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to a snapshot of the current subscribers, in
// subscription order. Subscriptions added or closed during a publish do not
// affect the in-flight delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers sub and returns its subscription handle.
func (b *bus) Subscribe(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, loom.ValidationError("subscriber is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, loom.ValidationError("bus is closed")
	}
	s := &subscription{bus: b, sub: sub}
	b.subs = append(b.subs, s)
	return s, nil
}

// Close drops every subscriber and rejects new subscriptions.
func (b *bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}

// Close removes the subscriber from its bus. Safe to call repeatedly.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cand := range s.bus.subs {
			if cand == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
