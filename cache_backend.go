package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// MemoryBackend is an in-process CacheBackend with background expiry.
type MemoryBackend struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryBackend starts the expiry loop; Close stops it.
func NewMemoryBackend(capacity uint64) *MemoryBackend {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}

	b := &MemoryBackend{cache: ttlcache.New(opts...)}
	go b.cache.Start()
	return b
}

// Get implements CacheBackend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	item := b.cache.Get(key)
	if item == nil {
		return nil, ErrCacheMiss
	}
	return item.Value(), nil
}

// Set implements CacheBackend.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.cache.Set(key, value, ttl)
	return nil
}

// Delete implements CacheBackend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.cache.Delete(key)
	return nil
}

// Len returns the number of stored entries.
func (b *MemoryBackend) Len() int {
	return b.cache.Len()
}

// Close stops the expiry loop.
func (b *MemoryBackend) Close() error {
	b.cache.Stop()
	return nil
}

// RedisBackend stores entries in redis, letting redis evict them by TTL.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client. The backend owns it and closes
// it on Close.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisBackendFromURL parses a redis:// or rediss:// URL.
func NewRedisBackendFromURL(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, configError("invalid REDIS_URL: %v", err)
	}
	return NewRedisBackend(redis.NewClient(opts)), nil
}

// Get implements CacheBackend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return v, err
}

// Set implements CacheBackend.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements CacheBackend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
