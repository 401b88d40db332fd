package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/relay/core"
)

// admission bounds concurrent provider calls per provider id. Semaphores are
// created lazily on first use so reconfigured providers start fresh.
type admission struct {
	mu     sync.Mutex
	sems   map[string]*semaphore.Weighted
	limits map[string]int
}

func newAdmission() *admission {
	return &admission{
		sems:   make(map[string]*semaphore.Weighted),
		limits: make(map[string]int),
	}
}

// acquire blocks until a slot for provider is available or ctx is done. The
// returned release func must be called exactly once. A changed limit swaps in
// a fresh semaphore; in-flight holders release against the one they acquired.
func (a *admission) acquire(ctx context.Context, provider string, limit int) (func(), error) {
	if limit <= 0 {
		limit = 1
	}

	a.mu.Lock()
	sem, ok := a.sems[provider]
	if !ok || a.limits[provider] != limit {
		sem = semaphore.NewWeighted(int64(limit))
		a.sems[provider] = sem
		a.limits[provider] = limit
	}
	a.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, core.NewError(core.ErrCancelled, provider, "cancelled waiting for an admission slot")
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
