package fanout

import "context"

// Future is the eventual result of a loader call started with Async.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

// Async starts l.Load in its own goroutine, so a resolver can start several
// loads before waiting on any of them.
func Async(ctx context.Context, l Loader, id string, params Params) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.resp, f.err = l.Load(ctx, id, params)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx ends, the latter
// yielding Timeout.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, Classify("", 0, nil, ctx.Err())
	}
}

// AwaitAll waits for every future and returns results and errors in order.
func AwaitAll(ctx context.Context, futures ...*Future) ([]*Response, []error) {
	resps := make([]*Response, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		resps[i], errs[i] = f.Await(ctx)
	}
	return resps, errs
}
