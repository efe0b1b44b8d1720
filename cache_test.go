package fanout

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mapBackend keeps everything and never evicts, so expiry is left entirely
// to the store.
type mapBackend struct {
	mu     sync.Mutex
	data   map[string][]byte
	delay  time.Duration
	getErr error
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: map[string][]byte{}}
}

func (b *mapBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	v, ok := b.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (b *mapBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *mapBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *mapBackend) Close() error { return nil }

func (b *mapBackend) raw(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key]
}

func newTestStore(t *testing.T, backend CacheBackend, cfg CacheConfig, opts ...CacheOption) *CacheStore {
	t.Helper()
	s, err := NewCacheStore(backend, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCacheStoreSetGet(t *testing.T) {
	s := newTestStore(t, newMapBackend(), CacheConfig{})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gravity", "GET /artworks/1", []byte(`{"id":"1"}`), time.Minute))

	got, ok := s.Get(ctx, "gravity", "GET /artworks/1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"id":"1"}`), got)

	_, ok = s.Get(ctx, "gravity", "GET /artworks/2")
	assert.False(t, ok)
}

func TestCacheStoreCompressionRoundTrip(t *testing.T) {
	backend := newMapBackend()
	s := newTestStore(t, backend, CacheConfig{CompressionThreshold: 64})
	ctx := context.Background()

	large := bytes.Repeat([]byte(`{"title":"Untitled","artist":"Unknown"},`), 200)
	small := []byte(`{"id":1}`)
	require.NoError(t, s.Set(ctx, "ns", "large", large, time.Minute))
	require.NoError(t, s.Set(ctx, "ns", "small", small, time.Minute))

	raw := backend.raw("ns:large")
	assert.Equal(t, flagCompressed, raw[1]&flagCompressed)
	assert.Less(t, len(raw), len(large))
	assert.Zero(t, backend.raw("ns:small")[1]&flagCompressed)

	got, ok := s.Get(ctx, "ns", "large")
	require.True(t, ok)
	assert.Equal(t, large, got)

	got, ok = s.Get(ctx, "ns", "small")
	require.True(t, ok)
	assert.Equal(t, small, got)
}

func TestCacheStoreReadsCompressedEntriesWithCompressionDisabled(t *testing.T) {
	backend := newMapBackend()
	writer := newTestStore(t, backend, CacheConfig{CompressionThreshold: 8})
	reader := newTestStore(t, backend, CacheConfig{CompressionDisabled: true})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("abc"), 100)
	require.NoError(t, writer.Set(ctx, "ns", "k", payload, time.Minute))

	got, ok := reader.Get(ctx, "ns", "k")
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestCacheStoreNeverReturnsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, newMapBackend(), CacheConfig{}, WithCacheClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), 10*time.Second))

	clock.Advance(9 * time.Second)
	_, ok := s.Get(ctx, "ns", "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get(ctx, "ns", "k")
	assert.False(t, ok, "entry at inserted_at+ttl is expired")
}

func TestCacheStoreDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, newMapBackend(), CacheConfig{DefaultTTL: 30 * time.Second}, WithCacheClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), 0))
	clock.Advance(29 * time.Second)
	_, ok := s.Get(ctx, "ns", "k")
	assert.True(t, ok)
	clock.Advance(2 * time.Second)
	_, ok = s.Get(ctx, "ns", "k")
	assert.False(t, ok)
}

func TestCacheStoreDisabled(t *testing.T) {
	backend := newMapBackend()
	s := newTestStore(t, backend, CacheConfig{Disabled: true})
	ctx := context.Background()

	assert.False(t, s.Enabled())
	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), time.Minute))
	assert.Empty(t, backend.data)

	backend.data["ns:k"] = []byte("anything")
	_, ok := s.Get(ctx, "ns", "k")
	assert.False(t, ok)
	assert.NoError(t, s.Invalidate(ctx, "ns", "k"))
}

func TestCacheStoreDisabledWithoutBackend(t *testing.T) {
	s, err := NewCacheStore(nil, CacheConfig{Disabled: true})
	require.NoError(t, err)
	_, ok := s.Get(context.Background(), "ns", "k")
	assert.False(t, ok)

	_, err = NewCacheStore(nil, CacheConfig{})
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestCacheStoreNamespaces(t *testing.T) {
	backend := newMapBackend()
	s := newTestStore(t, backend, CacheConfig{Namespace: "v2"})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gravity", "k", []byte("g"), time.Minute))
	require.NoError(t, s.Set(ctx, "positron", "k", []byte("p"), time.Minute))

	g, _ := s.Get(ctx, "gravity", "k")
	p, _ := s.Get(ctx, "positron", "k")
	assert.Equal(t, []byte("g"), g)
	assert.Equal(t, []byte("p"), p)
	assert.NotNil(t, backend.raw("v2:gravity:k"))
}

func TestCacheStoreInvalidate(t *testing.T) {
	s := newTestStore(t, newMapBackend(), CacheConfig{})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), time.Minute))
	require.NoError(t, s.Invalidate(ctx, "ns", "k"))
	_, ok := s.Get(ctx, "ns", "k")
	assert.False(t, ok)
}

func TestCacheStoreRetrievalTimeoutIsMiss(t *testing.T) {
	backend := newMapBackend()
	backend.delay = 200 * time.Millisecond
	s := newTestStore(t, backend, CacheConfig{RetrievalTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), time.Minute))

	start := time.Now()
	_, ok := s.Get(ctx, "ns", "k")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestCacheStoreBackendErrorIsMiss(t *testing.T) {
	backend := newMapBackend()
	backend.getErr = errors.New("connection reset")
	s := newTestStore(t, backend, CacheConfig{})

	_, ok := s.Get(context.Background(), "ns", "k")
	assert.False(t, ok)
}

func TestCacheStoreMalformedEntryIsMiss(t *testing.T) {
	backend := newMapBackend()
	backend.data["ns:short"] = []byte{1, 0}
	backend.data["ns:version"] = append([]byte{9}, make([]byte, 20)...)
	s := newTestStore(t, backend, CacheConfig{})

	_, ok := s.Get(context.Background(), "ns", "short")
	assert.False(t, ok)
	_, ok = s.Get(context.Background(), "ns", "version")
	assert.False(t, ok)
}

func TestCacheStoreReportsSlowOperations(t *testing.T) {
	backend := newMapBackend()
	backend.delay = 30 * time.Millisecond

	var mu sync.Mutex
	var kinds, keys []string
	reporter := SlowOperationFunc(func(kind, key string, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, kind)
		keys = append(keys, key)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	})

	s := newTestStore(t, backend, CacheConfig{SlowThreshold: 10 * time.Millisecond}, WithSlowOperationReporter(reporter))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v"), time.Minute))
	_, ok := s.Get(ctx, "ns", "k")
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"cache.get"}, kinds)
	assert.Equal(t, []string{"ns:k"}, keys)
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend(0)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackendCapacity(t *testing.T) {
	b := NewMemoryBackend(2)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, k, []byte(k), time.Minute))
	}
	assert.Equal(t, 2, b.Len())
}
