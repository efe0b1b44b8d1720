package fanout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ambiyansyah-risyal/fanout/internal/singleflight"
)

// DispatchFunc performs the network call of a coalesced dispatch. Its ctx
// is detached from the cancellation of any single caller, and is not
// cancelled once dispatch has been called.
type DispatchFunc func(ctx context.Context) (*Response, error)

// Coalescer merges identical concurrent calls into one dispatch and spaces
// dispatches to the same endpoint by the endpoint's throttle interval.
//
// An In-Flight Call Record is keyed by (endpoint, canonical key). It is
// removed when a failed call settles, or one throttle interval after a
// successful call settles; calls arriving meanwhile receive that result.
// Coalescing is checked before throttling, so an attached caller never waits
// for the interval.
type Coalescer struct {
	calls *singleflight.Group[*Response]

	mu       sync.Mutex
	limiters map[string]*endpointThrottle

	metrics *MetricsCollector
}

// NewCoalescer returns an empty Coalescer.
func NewCoalescer(metrics *MetricsCollector) *Coalescer {
	return &Coalescer{
		calls:    singleflight.New[*Response](),
		limiters: make(map[string]*endpointThrottle),
		metrics:  metrics,
	}
}

// Do returns the result of the dispatch for (ep, key), starting it when no
// record exists. Callers whose ctx ends stop waiting; the dispatch itself
// keeps running for the remaining callers. A call whose callers have all
// left while it waits for the throttle is dropped without dispatching and
// gives its slot back. The returned error is whatever dispatch returned or
// the caller's ctx error.
func (c *Coalescer) Do(ctx context.Context, ep *Endpoint, key string, dispatch DispatchFunc) (*Response, error) {
	resp, err, shared := c.calls.Do(ctx, ep.Name+"|"+key, ep.ThrottleInterval, func(sctx context.Context) (*Response, error) {
		if err := c.throttle(sctx, ep); err != nil {
			return nil, err
		}
		if err := singleflight.Commit(sctx); err != nil {
			return nil, err
		}
		return dispatch(sctx)
	})
	if shared {
		c.metrics.RecordCoalesced(ep.Name)
	}
	return resp, err
}

// endpointThrottle spaces the dispatches of one endpoint. Waiters queue on
// turn so that at most one limiter reservation is outstanding, and a waiter
// that gives up returns its slot in full.
type endpointThrottle struct {
	turn *semaphore.Weighted
	lim  *rate.Limiter
}

// throttle blocks until ep may dispatch again. Endpoints throttle
// independently of each other.
func (c *Coalescer) throttle(ctx context.Context, ep *Endpoint) error {
	th := c.limiter(ep)
	if th == nil {
		return nil
	}

	start := time.Now()
	if err := th.turn.Acquire(ctx, 1); err != nil {
		return err
	}
	err := th.lim.Wait(ctx)
	th.turn.Release(1)
	if err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		c.metrics.RecordThrottleWait(ep.Name, waited)
	}
	return nil
}

func (c *Coalescer) limiter(ep *Endpoint) *endpointThrottle {
	if ep.ThrottleInterval <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := c.limiters[ep.Name]
	if !ok {
		th = &endpointThrottle{
			turn: semaphore.NewWeighted(1),
			lim:  rate.NewLimiter(rate.Every(ep.ThrottleInterval), 1),
		}
		c.limiters[ep.Name] = th
	}
	return th
}

// InFlight returns the number of recorded calls, lingering ones included.
func (c *Coalescer) InFlight() int {
	return c.calls.Len()
}

// Waiters returns how many callers are attached to the record for
// (ep, key) besides its owner, or -1 when there is none.
func (c *Coalescer) Waiters(ep *Endpoint, key string) int {
	return c.calls.Waiters(ep.Name + "|" + key)
}
