package fanout

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient sets the client used for upstream calls. Deadlines come
// from the endpoint or service timeout, not from client.Timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) {
		f.httpClient = client
	}
}

// WithCacheStore sets the shared Cache Store. Without one caching is disabled.
func WithCacheStore(store *CacheStore) Option {
	return func(f *Factory) {
		f.cache = store
	}
}

// WithCoalescer sets a Coalescer, typically to share one across factories.
func WithCoalescer(c *Coalescer) Option {
	return func(f *Factory) {
		f.coalescer = c
	}
}

// WithCredentials sets the application credential provider required by
// app-authenticated endpoints.
func WithCredentials(creds AppCredentials) Option {
	return func(f *Factory) {
		if m, ok := creds.(*CredentialManager); ok && m == nil {
			return
		}
		f.credentials = creds
	}
}

// WithSigner sets the signer required by signed endpoints.
func WithSigner(s *Signer) Option {
	return func(f *Factory) {
		f.signer = s
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Factory) {
		f.log = log
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc *MetricsCollector) Option {
	return func(f *Factory) {
		f.metrics = mc
	}
}

// WithClock sets the clock used for signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		f.now = now
	}
}

// WithDefaultTimeout sets the deadline for endpoints and services that
// configure none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.defaultTimeout = d
		}
	}
}

// WithMaxBodySize bounds the upstream response body; larger bodies fail
// with UpstreamError.
func WithMaxBodySize(n int64) Option {
	return func(f *Factory) {
		if n > 0 {
			f.maxBodySize = n
		}
	}
}

// withPicker replaces the source of randomness for alternate base URL routing.
func withPicker(pick func(n int) int) Option {
	return func(f *Factory) {
		f.pick = pick
	}
}
