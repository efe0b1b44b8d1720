package fanout

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Gateway owns the process-wide collaborators: the Cache Store, the
// Coalescer, the Credential Manager and the Factory built over them.
// Build it once at startup, Start it, and Shutdown at exit.
type Gateway struct {
	Config      *Config
	Factory     *Factory
	Cache       *CacheStore
	Coalescer   *Coalescer
	Credentials *CredentialManager
	Metrics     *MetricsCollector

	log logrus.FieldLogger
}

type buildSettings struct {
	log        logrus.FieldLogger
	metrics    *MetricsCollector
	backend    CacheBackend
	httpClient *http.Client
	source     CredentialSource
	factory    []Option
}

// BuildOption configures Build.
type BuildOption func(*buildSettings)

// WithBuildLogger replaces the logger derived from LOG_LEVEL.
func WithBuildLogger(log logrus.FieldLogger) BuildOption {
	return func(s *buildSettings) {
		s.log = log
	}
}

// WithBuildMetrics enables metrics.
func WithBuildMetrics(mc *MetricsCollector) BuildOption {
	return func(s *buildSettings) {
		s.metrics = mc
	}
}

// WithCacheBackend replaces the backend selected from REDIS_URL.
func WithCacheBackend(b CacheBackend) BuildOption {
	return func(s *buildSettings) {
		s.backend = b
	}
}

// WithUpstreamClient sets the HTTP client for upstream and token calls.
func WithUpstreamClient(c *http.Client) BuildOption {
	return func(s *buildSettings) {
		s.httpClient = c
	}
}

// WithCredentialSource replaces the token endpoint source.
func WithCredentialSource(src CredentialSource) BuildOption {
	return func(s *buildSettings) {
		s.source = src
	}
}

// WithFactoryOptions passes extra options to NewFactory.
func WithFactoryOptions(opts ...Option) BuildOption {
	return func(s *buildSettings) {
		s.factory = append(s.factory, opts...)
	}
}

// Build wires a Gateway from cfg. It performs no network I/O; any
// ConfigurationError must abort startup.
func Build(cfg *Config, opts ...BuildOption) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &buildSettings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = NewLogger(cfg.LogLevel)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}

	g := &Gateway{Config: cfg, Metrics: s.metrics, log: s.log}

	cacheCfg := cfg.CacheConfig()
	backend := s.backend
	if backend == nil && !cacheCfg.Disabled {
		if cfg.RedisURL != "" {
			rb, err := NewRedisBackendFromURL(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			backend = rb
		} else {
			backend = NewMemoryBackend(cfg.Cache.MemoryCapacity)
		}
	}
	store, err := NewCacheStore(backend, cacheCfg,
		WithCacheLogger(s.log.WithField("component", "cache")),
		WithCacheMetrics(s.metrics),
	)
	if err != nil {
		return nil, err
	}
	g.Cache = store
	g.Coalescer = NewCoalescer(s.metrics)

	fopts := []Option{
		WithHTTPClient(s.httpClient),
		WithCacheStore(g.Cache),
		WithCoalescer(g.Coalescer),
		WithLogger(s.log),
		WithMetrics(s.metrics),
		WithDefaultTimeout(millis(cfg.RequestTimeoutMS)),
	}

	if cfg.HMACSecret != "" {
		signer, err := NewSigner(cfg.HMACSecret)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		fopts = append(fopts, WithSigner(signer))
	}

	src := s.source
	if src == nil && cfg.Credential.TokenURL != "" {
		src = &HTTPCredentialSource{
			URL:          cfg.Credential.TokenURL,
			ClientID:     cfg.Credential.ClientID,
			ClientSecret: cfg.Credential.ClientSecret,
			HTTPClient:   s.httpClient,
		}
	}
	if src != nil {
		copts := []CredentialOption{
			WithCredentialLogger(s.log.WithField("component", "credentials")),
			WithCredentialMetrics(s.metrics),
		}
		if cfg.Credential.RefreshInterval > 0 {
			copts = append(copts, WithRefreshInterval(cfg.Credential.RefreshInterval))
		}
		if cfg.Credential.RetryStrategy != "" {
			copts = append(copts, WithRetryStrategy(RetryStrategy(cfg.Credential.RetryStrategy)))
		}
		g.Credentials = NewCredentialManager(src, copts...)
		fopts = append(fopts, WithCredentials(g.Credentials))
	}

	factory, err := NewFactory(cfg.ServiceList(), cfg.EndpointList(), append(fopts, s.factory...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	g.Factory = factory
	return g, nil
}

// Start begins credential refresh. A failed first fetch is logged and
// retried in the background; it does not fail Start.
func (g *Gateway) Start(ctx context.Context) error {
	if g.Credentials == nil {
		return nil
	}
	return g.Credentials.Start(ctx)
}

// ForRequest returns the loaders of one inbound query.
func (g *Gateway) ForRequest(rc RequestContext) *Loaders {
	return g.Factory.ForRequest(rc)
}

// Shutdown stops credential refresh and closes the cache backend.
func (g *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		if g.Credentials != nil {
			g.Credentials.Stop()
		}
		done <- g.Cache.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			g.log.WithError(err).Warn("closing cache backend")
		}
		return err
	case <-ctx.Done():
		return errors.Join(errors.New("shutdown interrupted"), ctx.Err())
	}
}
