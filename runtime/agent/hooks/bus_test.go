package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []string
	var mu sync.Mutex
	record := func(name string) SubscriberFunc {
		return func(ctx context.Context, evt Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	_, err := b.Subscribe(record("first"))
	require.NoError(t, err)
	_, err = b.Subscribe(record("second"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewStatusChanged("a1", "idle", "running")))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	var reached bool
	_, err := b.Subscribe(SubscriberFunc(func(ctx context.Context, evt Event) error { return boom }))
	require.NoError(t, err)
	_, err = b.Subscribe(SubscriberFunc(func(ctx context.Context, evt Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewStatusChanged("a1", "idle", "running"))
	require.ErrorIs(t, err, boom)
	require.False(t, reached, "delivery must stop at the first subscriber error")
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	var count int
	sub, err := b.Subscribe(SubscriberFunc(func(ctx context.Context, evt Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewStatusChanged("a1", "idle", "running")))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
	require.NoError(t, b.Publish(context.Background(), NewStatusChanged("a1", "running", "idle")))
	require.Equal(t, 1, count)
}

func TestBusCloseDropsSubscribersAndRejectsNew(t *testing.T) {
	b := NewBus()
	var count int
	_, err := b.Subscribe(SubscriberFunc(func(ctx context.Context, evt Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	b.Close()
	require.NoError(t, b.Publish(context.Background(), NewStatusChanged("a1", "idle", "running")))
	require.Zero(t, count)

	_, err = b.Subscribe(SubscriberFunc(func(ctx context.Context, evt Event) error { return nil }))
	require.Error(t, err)
}

func TestBusNilSubscriberRejected(t *testing.T) {
	b := NewBus()
	_, err := b.Subscribe(nil)
	require.Error(t, err)
}
