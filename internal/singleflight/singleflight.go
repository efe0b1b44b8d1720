// Package singleflight coalesces concurrent calls that share a key into one
// execution whose result is broadcast to every attached caller.
//
// Unlike golang.org/x/sync/singleflight, waiters can stop waiting when their
// own context ends while the shared call keeps running for the others, and a
// successful result can be retained for a linger window so that calls arriving
// shortly after settlement attach to it instead of dispatching again.
//
// When every waiter has left, the shared call's context is cancelled and the
// key is released, unless the function has called Commit first.
package singleflight

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PanicError is returned to every waiter when the shared function panics.
type PanicError struct {
	Value interface{}
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: shared call panicked: %v", p.Value)
}

// Group manages a set of in-flight calls keyed by string.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int

	// attached counts callers still waiting, owner included.
	attached  int
	committed bool
	cancel    context.CancelFunc
}

type commitKey struct{}

// Commit marks the shared call running under ctx as committed: it then runs
// to completion even if every waiter leaves. It returns ctx.Err() when the
// call was abandoned before committing. Outside a shared call it only
// reports ctx.Err().
func Commit(ctx context.Context) error {
	if commit, ok := ctx.Value(commitKey{}).(func() error); ok {
		return commit()
	}
	return ctx.Err()
}

// New creates an empty Group.
func New[T any]() *Group[T] {
	return &Group[T]{
		m: make(map[string]*call[T]),
	}
}

// Do runs fn once for all concurrent callers of key. The first caller becomes
// the owner and starts fn in its own goroutine with a context detached from
// the caller's cancellation; every caller, owner included, then waits for the
// result or for its own ctx to end. fn's context is cancelled only once all
// callers have left and fn has not called Commit. shared reports whether the
// caller attached to a call started by someone else.
//
// A successful result stays attached to key for linger after settlement.
// Failures are forgotten as soon as they settle.
func (g *Group[T]) Do(ctx context.Context, key string, linger time.Duration, fn func(context.Context) (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		c.attached++
		g.mu.Unlock()
		v, err = g.wait(ctx, key, c)
		return v, err, true
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{done: make(chan struct{}), attached: 1, cancel: cancel}
	rctx := context.WithValue(base, commitKey{}, func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if err := base.Err(); err != nil {
			return err
		}
		c.committed = true
		return nil
	})
	g.m[key] = c
	g.mu.Unlock()

	go g.run(rctx, key, c, linger, fn)

	v, err = g.wait(ctx, key, c)
	return v, err, false
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], linger time.Duration, fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r}
		}
		c.cancel()
		close(c.done)

		if linger <= 0 || c.err != nil {
			g.forget(key, c)
			return
		}
		time.AfterFunc(linger, func() {
			g.forget(key, c)
		})
	}()

	c.val, c.err = fn(ctx)
}

func (g *Group[T]) wait(ctx context.Context, key string, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		g.leave(key, c)
		var zero T
		return zero, ctx.Err()
	}
}

// leave detaches one waiter. The last one out abandons an uncommitted call.
func (g *Group[T]) leave(key string, c *call[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.attached--
	if c.attached > 0 || c.committed {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.cancel()
	if g.m[key] == c {
		delete(g.m, key)
	}
}

func (g *Group[T]) forget(key string, c *call[T]) {
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
}

// Forget drops key so the next call dispatches again, even if a previous
// call is still running.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Waiters returns how many callers attached to the current call for key,
// not counting the owner. It returns -1 when no call is recorded.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.m[key]
	if !ok {
		return -1
	}
	return c.dups
}

// Len returns the number of recorded calls, settled lingering ones included.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
