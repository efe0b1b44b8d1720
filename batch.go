package fanout

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"
)

// BatchFunc loads many keys with one upstream call. Keys absent from the
// result resolve to NotFound.
type BatchFunc[T any] func(ctx context.Context, keys []string) (map[string]T, error)

// BatchConfig configures a Batcher.
type BatchConfig struct {
	// Disabled runs every Load as a batch of one.
	Disabled bool
	// MaxSize flushes a batch once it holds this many requests.
	MaxSize int
	// Wait is how long the first request of a batch waits for company.
	Wait time.Duration
}

const (
	defaultBatchSize = 100
	defaultBatchWait = 2 * time.Millisecond
)

// Batcher merges single-key loads issued within a short window into one
// BatchFunc call. It works above the loaders: a BatchFunc built with
// LoaderBatchFunc still goes through coalescing, throttling and caching.
type Batcher[T any] struct {
	name    string
	fn      BatchFunc[T]
	cfg     BatchConfig
	ctx     context.Context
	pending chan *batchRequest[T]
}

type batchRequest[T any] struct {
	key  string
	done chan struct{}
	val  T
	err  error
}

// NewBatcher starts the gathering loop. It stops once ctx is done, after
// flushing what it holds; later loads fail with UpstreamError.
func NewBatcher[T any](ctx context.Context, name string, fn BatchFunc[T], cfg BatchConfig) *Batcher[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultBatchSize
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultBatchWait
	}

	b := &Batcher[T]{
		name:    name,
		fn:      fn,
		cfg:     cfg,
		ctx:     ctx,
		pending: make(chan *batchRequest[T]),
	}
	if !cfg.Disabled {
		go b.loop()
	}
	return b
}

func (b *Batcher[T]) loop() {
	var (
		buf   []*batchRequest[T]
		timer *time.Timer
		fire  <-chan time.Time
	)

	flush := func() {
		if len(buf) > 0 {
			go b.run(buf)
			buf = nil
		}
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
	}

	for {
		select {
		case <-b.ctx.Done():
			flush()
			return

		case <-fire:
			timer, fire = nil, nil
			flush()

		case r := <-b.pending:
			buf = append(buf, r)
			if len(buf) == 1 {
				timer = time.NewTimer(b.cfg.Wait)
				fire = timer.C
			}
			if len(buf) >= b.cfg.MaxSize {
				flush()
			}
		}
	}
}

// run calls fn once for the distinct keys of reqs and settles every request.
func (b *Batcher[T]) run(reqs []*batchRequest[T]) {
	keys := lo.Uniq(lo.Map(reqs, func(r *batchRequest[T], _ int) string { return r.key }))
	sort.Strings(keys)

	out, err := b.call(context.WithoutCancel(b.ctx), keys)
	for _, r := range reqs {
		b.settle(r, out, err)
	}
}

func (b *Batcher[T]) call(ctx context.Context, keys []string) (out map[string]T, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &LoaderError{Kind: KindUpstream, Endpoint: b.name, Message: "internal failure"}
		}
	}()
	out, err = b.fn(ctx, keys)
	if err != nil {
		return nil, Classify(b.name, 0, nil, err)
	}
	return out, nil
}

func (b *Batcher[T]) settle(r *batchRequest[T], out map[string]T, err error) {
	defer close(r.done)
	if err != nil {
		r.err = err
		return
	}
	v, ok := out[r.key]
	if !ok {
		r.err = &LoaderError{Kind: KindNotFound, Endpoint: b.name, Message: "not found in batch result"}
		return
	}
	r.val = v
}

// Load returns the value for key once its batch settles. A ctx ending first
// yields Timeout; the batch still completes for the other requests.
func (b *Batcher[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	r := &batchRequest[T]{key: key, done: make(chan struct{})}

	if b.cfg.Disabled {
		if err := b.ctx.Err(); err != nil {
			return zero, Classify(b.name, 0, nil, err)
		}
		out, err := b.call(ctx, []string{key})
		b.settle(r, out, err)
		return r.val, r.err
	}

	select {
	case b.pending <- r:
	case <-b.ctx.Done():
		return zero, Classify(b.name, 0, nil, errBatcherStopped)
	case <-ctx.Done():
		return zero, Classify(b.name, 0, nil, ctx.Err())
	}

	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, Classify(b.name, 0, nil, ctx.Err())
	}
}

var errBatcherStopped = errors.New("batcher stopped")

// LoaderBatchFunc builds a BatchFunc calling l once per batch with the keys
// under param, so ids=[1,2] for GET endpoints. split maps the response onto
// keys.
func LoaderBatchFunc[T any](l Loader, id, param string, split func(*Response) (map[string]T, error)) BatchFunc[T] {
	return func(ctx context.Context, keys []string) (map[string]T, error) {
		resp, err := l.Load(ctx, id, Params{param: keys})
		if err != nil {
			return nil, err
		}
		return split(resp)
	}
}
