package ratelimit

import (
	"context"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

type (
	// clusterMap is the subset of rmap.Map the shared budget needs.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapCluster struct {
		m *rmap.Map
	}
)

func (c rmapCluster) Get(key string) (string, bool) {
	return c.m.Get(key)
}

func (c rmapCluster) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}

func (c rmapCluster) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}

func (c rmapCluster) Subscribe() <-chan rmap.EventKind {
	return c.m.Subscribe()
}

// newClusterBudget builds the token budget, coordinated through m when one is
// supplied. The current shared value wins over initialTPM so a process
// joining after a backoff starts throttled; backoffs and probes propagate to
// the map and external changes reconcile the local limiter.
func newClusterBudget(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *budget {
	if m == nil || key == "" {
		return newBudget(initialTPM, maxTPM)
	}
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}

	// Seed the shared entry when this process is first. A concurrent writer
	// may still win; the read below adopts whatever the map holds.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// A map that cannot be seeded is a map that cannot coordinate;
			// fall back to a process-local budget so callers keep moving.
			return newBudget(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	b := newBudget(sharedTPM, maxTPM)

	floor := b.minTPM
	ceiling := b.maxTPM
	step := b.recoveryRate

	b.setClusterCallbacks(
		func(float64) {
			go shareBackoff(context.Background(), m, key, floor)
		},
		func(float64) {
			go shareProbe(context.Background(), m, key, step, ceiling)
		},
	)

	// Reconcile the local limiter whenever another process moves the shared
	// budget. The loop ends when the map closes its event channel.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			b.replaceTPM(v)
		}
	}()

	return b
}

// shareBackoff halves the shared budget with a bounded number of
// compare-and-swap attempts. Losing every race means another process already
// moved the value, which is just as good.
func shareBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

// shareProbe raises the shared budget by one recovery step, same
// compare-and-swap discipline as shareBackoff.
func shareProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
