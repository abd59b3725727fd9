package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/loom/runtime/agent/model"
)

type fakeCluster struct {
	mu      sync.Mutex
	values  map[string]string
	events  chan rmap.EventKind
	seedErr error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		values: make(map[string]string),
		events: make(chan rmap.EventKind, 1),
	}
}

func (f *fakeCluster) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeCluster) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if f.seedErr != nil {
		return false, f.seedErr
	}
	f.mu.Lock()
	if _, ok := f.values[key]; ok {
		f.mu.Unlock()
		return false, nil
	}
	f.values[key] = value
	f.mu.Unlock()
	f.notify()
	return true, nil
}

func (f *fakeCluster) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	f.mu.Lock()
	cur, ok := f.values[key]
	swapped := ok && cur == test
	if swapped {
		f.values[key] = value
	}
	f.mu.Unlock()
	if swapped {
		f.notify()
	}
	return cur, nil
}

func (f *fakeCluster) Subscribe() <-chan rmap.EventKind {
	return f.events
}

func (f *fakeCluster) notify() {
	select {
	case f.events <- rmap.EventChange:
	default:
	}
}

func (f *fakeCluster) set(key, value string) {
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
	f.notify()
}

func (f *fakeCluster) value(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func (f *fakeCluster) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

func TestClusterSeedsSharedBudget(t *testing.T) {
	m := newFakeCluster()
	b := newClusterBudget(context.Background(), m, "acct", 80000, 0)
	require.Equal(t, float64(80000), b.tpm())
	require.Equal(t, "80000", m.value("acct"))
}

func TestClusterAdoptsExistingBudget(t *testing.T) {
	m := newFakeCluster()
	m.set("acct", "30000")

	b := newClusterBudget(context.Background(), m, "acct", 80000, 80000)
	require.Equal(t, float64(30000), b.tpm(), "a process joining after a backoff starts throttled")
}

func TestClusterBackoffPublishes(t *testing.T) {
	m := newFakeCluster()
	m.set("acct", "80000")

	b := newClusterBudget(context.Background(), m, "acct", 80000, 80000)
	b.observe(model.ErrRateLimited)

	require.Equal(t, float64(40000), b.tpm())
	require.Eventually(t, func() bool {
		return m.value("acct") == "40000"
	}, 2*time.Second, 10*time.Millisecond, "the halved budget reaches the shared map")
}

func TestClusterProbePublishes(t *testing.T) {
	m := newFakeCluster()
	m.set("acct", "80000")

	b := newClusterBudget(context.Background(), m, "acct", 80000, 160000)
	b.observe(nil)

	require.Equal(t, float64(84000), b.tpm())
	require.Eventually(t, func() bool {
		return m.value("acct") == "84000"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClusterReconcilesExternalChanges(t *testing.T) {
	m := newFakeCluster()
	m.set("acct", "80000")

	b := newClusterBudget(context.Background(), m, "acct", 80000, 80000)
	require.Equal(t, float64(80000), b.tpm())

	m.set("acct", "20000")
	require.Eventually(t, func() bool {
		return b.tpm() == float64(20000)
	}, 2*time.Second, 10*time.Millisecond, "another process's backoff throttles this one")
}

func TestClusterSeedFailureFallsBackToLocal(t *testing.T) {
	m := newFakeCluster()
	m.seedErr = errors.New("redis down")

	b := newClusterBudget(context.Background(), m, "acct", 80000, 80000)
	require.Equal(t, float64(80000), b.tpm())

	b.observe(model.ErrRateLimited)
	require.Equal(t, float64(40000), b.tpm())
	require.Zero(t, m.size(), "a local fallback never writes to the map")
}
