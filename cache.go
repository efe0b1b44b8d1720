package fanout

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ErrCacheMiss is returned by a CacheBackend when a key is absent.
var ErrCacheMiss = errors.New("fanout: cache miss")

// CacheBackend is the physical key/value store behind a CacheStore.
// Implementations must be safe for concurrent use and should honor ctx.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// CacheConfig configures a CacheStore.
type CacheConfig struct {
	// Disabled turns every Get into a miss and every Set into a no-op.
	Disabled bool
	// Namespace prefixes every key, separating deployments sharing a backend.
	Namespace  string
	DefaultTTL time.Duration
	// CompressionDisabled stores payloads as is.
	CompressionDisabled bool
	// CompressionThreshold is the payload size in bytes above which payloads
	// are compressed.
	CompressionThreshold int
	// RetrievalTimeout bounds a Get; a slower read is a miss.
	RetrievalTimeout time.Duration
	// SlowThreshold reports operations slower than this to the SlowOperationReporter.
	SlowThreshold time.Duration
}

const (
	defaultCacheTTL             = 60 * time.Second
	defaultCompressionThreshold = 1024
	defaultRetrievalTimeout     = 2 * time.Second
	defaultSlowThreshold        = time.Second

	envelopeVersion  byte = 1
	flagCompressed   byte = 1 << 0
	envelopeHeadSize      = 18
)

// CacheStore is the shared, namespaced, TTL-bound cache. Entries carry their
// own insertion time and lifetime, so an entry is never returned after it
// expires even when the backend has not evicted it yet. A CacheStore is a
// latency optimization only: backend failures surface as misses.
type CacheStore struct {
	backend  CacheBackend
	cfg      CacheConfig
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	reporter SlowOperationReporter
	metrics  *MetricsCollector
	log      logrus.FieldLogger
	now      func() time.Time
}

// CacheOption configures a CacheStore.
type CacheOption func(*CacheStore)

// WithCacheClock replaces the clock used for expiry decisions.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(s *CacheStore) {
		s.now = now
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(log logrus.FieldLogger) CacheOption {
	return func(s *CacheStore) {
		s.log = log
	}
}

// WithCacheMetrics sets the metrics collector.
func WithCacheMetrics(mc *MetricsCollector) CacheOption {
	return func(s *CacheStore) {
		s.metrics = mc
	}
}

// WithSlowOperationReporter sets the collaborator notified of slow operations.
func WithSlowOperationReporter(r SlowOperationReporter) CacheOption {
	return func(s *CacheStore) {
		s.reporter = r
	}
}

// NewCacheStore wraps backend. backend may be nil only when cfg.Disabled.
func NewCacheStore(backend CacheBackend, cfg CacheConfig, opts ...CacheOption) (*CacheStore, error) {
	if backend == nil && !cfg.Disabled {
		return nil, configError("cache backend is required unless caching is disabled")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultCacheTTL
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaultRetrievalTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}

	s := &CacheStore{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	if s.reporter == nil {
		s.reporter = NewLogSlowReporter(s.log, s.metrics)
	}

	if cfg.Disabled {
		return s, nil
	}
	if !cfg.CompressionDisabled {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		s.encoder = enc
	}
	// Entries written by a compressing peer must stay readable.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	s.decoder = dec

	return s, nil
}

// Enabled reports whether the store performs any I/O.
func (s *CacheStore) Enabled() bool {
	return s != nil && !s.cfg.Disabled
}

// DefaultTTL returns the lifetime used when Set is given none.
func (s *CacheStore) DefaultTTL() time.Duration {
	return s.cfg.DefaultTTL
}

type backendResult struct {
	value []byte
	err   error
}

// Get returns the payload stored under (namespace, key). Misses, expired
// entries, undecodable entries, backend errors and reads slower than the
// retrieval timeout all return false.
func (s *CacheStore) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	if !s.Enabled() {
		return nil, false
	}

	full := s.fullKey(namespace, key)
	start := time.Now()
	defer s.observe("get", full, start)

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout)
	defer cancel()

	ch := make(chan backendResult, 1)
	go func() {
		v, err := s.backend.Get(rctx, full)
		ch <- backendResult{value: v, err: err}
	}()

	var res backendResult
	select {
	case res = <-ch:
	case <-rctx.Done():
		s.log.WithField("key", full).Debug("cache retrieval timed out")
		s.metrics.RecordCacheMiss(namespace)
		return nil, false
	}

	if res.err != nil {
		if !errors.Is(res.err, ErrCacheMiss) {
			s.log.WithError(res.err).WithField("key", full).Warn("cache get failed")
		}
		s.metrics.RecordCacheMiss(namespace)
		return nil, false
	}

	payload, err := s.decode(res.value)
	if err != nil {
		if !errors.Is(err, errEntryExpired) {
			s.log.WithError(err).WithField("key", full).Warn("discarding undecodable cache entry")
		}
		s.metrics.RecordCacheMiss(namespace)
		return nil, false
	}

	s.metrics.RecordCacheHit(namespace)
	return payload, true
}

// Set stores payload under (namespace, key) for ttl, or the default TTL
// when ttl is not positive.
func (s *CacheStore) Set(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	full := s.fullKey(namespace, key)
	start := time.Now()
	defer s.observe("set", full, start)

	if err := s.backend.Set(ctx, full, s.encode(payload, ttl), ttl); err != nil {
		return fmt.Errorf("cache set %q: %w", full, err)
	}
	return nil
}

// Invalidate removes (namespace, key).
func (s *CacheStore) Invalidate(ctx context.Context, namespace, key string) error {
	if !s.Enabled() {
		return nil
	}

	full := s.fullKey(namespace, key)
	start := time.Now()
	defer s.observe("invalidate", full, start)

	if err := s.backend.Delete(ctx, full); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", full, err)
	}
	return nil
}

// Close releases the backend and the codec.
func (s *CacheStore) Close() error {
	if s == nil {
		return nil
	}
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

func (s *CacheStore) fullKey(namespace, key string) string {
	parts := make([]string, 0, 3)
	if s.cfg.Namespace != "" {
		parts = append(parts, s.cfg.Namespace)
	}
	if namespace != "" {
		parts = append(parts, namespace)
	}
	parts = append(parts, key)
	return strings.Join(parts, ":")
}

func (s *CacheStore) observe(op, key string, start time.Time) {
	d := time.Since(start)
	s.metrics.RecordCacheOperation(op, d)
	if d > s.cfg.SlowThreshold {
		s.reporter.ReportSlow("cache."+op, key, d)
	}
}

var (
	errEntryExpired    = errors.New("cache entry expired")
	errEntryMalformed  = errors.New("cache entry malformed")
	errUnknownEnvelope = errors.New("unknown cache entry version")
)

// encode lays out an entry as
//
//	version(1) | flags(1) | inserted_at unix nanos(8) | ttl nanos(8) | payload
func (s *CacheStore) encode(payload []byte, ttl time.Duration) []byte {
	var flags byte
	body := payload
	if s.encoder != nil && len(payload) > s.cfg.CompressionThreshold {
		body = s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagCompressed
	}

	buf := make([]byte, envelopeHeadSize, envelopeHeadSize+len(body))
	buf[0] = envelopeVersion
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:10], uint64(s.now().UnixNano()))
	binary.BigEndian.PutUint64(buf[10:18], uint64(ttl))
	return append(buf, body...)
}

func (s *CacheStore) decode(raw []byte) ([]byte, error) {
	if len(raw) < envelopeHeadSize {
		return nil, errEntryMalformed
	}
	if raw[0] != envelopeVersion {
		return nil, errUnknownEnvelope
	}

	insertedAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[2:10])))
	ttl := time.Duration(binary.BigEndian.Uint64(raw[10:18]))
	if !s.now().Before(insertedAt.Add(ttl)) {
		return nil, errEntryExpired
	}

	body := raw[envelopeHeadSize:]
	if raw[1]&flagCompressed == 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	out, err := s.decoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing cache entry: %w", err)
	}
	return out, nil
}
