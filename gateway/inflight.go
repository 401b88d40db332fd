package gateway

import (
	"context"
	"sync"
)

// flightGroup coalesces concurrent identical calls: for each key, one
// factory runs and every concurrent caller shares its result.
//
// Unlike x/sync/singleflight, cancellation is refcounted. The factory runs
// on a context detached from any one caller, so a cancelled joiner leaves
// without disturbing the others; only when the last interested caller leaves
// is the factory cancelled.
type flightGroup[V any] struct {
	mu    sync.Mutex
	calls map[string]*flightCall[V]
}

type flightCall[V any] struct {
	cancel  context.CancelFunc
	joiners int
	done    chan struct{}

	val V
	err error
}

func newFlightGroup[V any]() *flightGroup[V] {
	return &flightGroup[V]{calls: make(map[string]*flightCall[V])}
}

// do returns the result for key, running fn at most once across concurrent
// callers. ran reports whether this caller's fn executed. When ctx is
// cancelled while waiting, the caller detaches with ctx.Err(); the factory
// keeps running as long as at least one caller still waits.
func (g *flightGroup[V]) do(ctx context.Context, key string, fn func(context.Context) (V, error)) (val V, ran bool, err error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.joiners++
		g.mu.Unlock()
		return g.wait(ctx, key, c)
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &flightCall[V]{cancel: cancel, joiners: 1, done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		v, e := fn(callCtx)
		g.mu.Lock()
		c.val, c.err = v, e
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
		cancel()
	}()

	val, _, err = g.wait(ctx, key, c)
	return val, true, err
}

func (g *flightGroup[V]) wait(ctx context.Context, key string, c *flightCall[V]) (V, bool, error) {
	select {
	case <-c.done:
		return c.val, false, c.err
	case <-ctx.Done():
		g.leave(key, c)
		var zero V
		return zero, false, ctx.Err()
	}
}

// leave detaches one waiter. The last one out cancels the factory.
func (g *flightGroup[V]) leave(key string, c *flightCall[V]) {
	g.mu.Lock()
	c.joiners--
	last := c.joiners == 0
	if last {
		// The factory goroutine deletes the entry itself on completion; a
		// racing delete of a newer call for the same key must be avoided.
		if cur, ok := g.calls[key]; ok && cur == c {
			delete(g.calls, key)
		}
	}
	g.mu.Unlock()
	if last {
		c.cancel()
	}
}
