package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ambiyansyah-risyal/fanout/internal/backoff"
)

// Credential is one fetched application token.
type Credential struct {
	Token     string
	FetchedAt time.Time
	// ExpiresAt is zero when the source reports no expiry.
	ExpiresAt time.Time
}

// CredentialSource fetches a fresh application credential.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (Credential, error)
}

// CredentialSourceFunc adapts a function to CredentialSource.
type CredentialSourceFunc func(ctx context.Context) (Credential, error)

// FetchCredential implements CredentialSource.
func (f CredentialSourceFunc) FetchCredential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// CredentialState is the lifecycle state of a CredentialManager.
type CredentialState int32

const (
	CredentialUninitialized CredentialState = iota
	CredentialRefreshing
	CredentialReady
)

func (s CredentialState) String() string {
	switch s {
	case CredentialUninitialized:
		return "UNINITIALIZED"
	case CredentialRefreshing:
		return "REFRESHING"
	case CredentialReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultCredentialRefreshInterval = time.Hour
	defaultCredentialFetchTimeout    = 10 * time.Second
)

// CredentialManager holds the process-wide application credential and
// refreshes it on a schedule independent of any request. Readers see the
// latest successfully fetched value; a failed refresh keeps the previous one.
type CredentialManager struct {
	source       CredentialSource
	interval     time.Duration
	fetchTimeout time.Duration
	log          logrus.FieldLogger
	metrics      *MetricsCollector
	now          func() time.Time

	current atomic.Pointer[Credential]
	state   atomic.Int32
	group   singleflight.Group
	retry   *backoff.Schedule

	retryInitial  time.Duration
	retryMax      time.Duration
	retryStrategy RetryStrategy

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	stopped chan struct{}
}

// CredentialOption configures a CredentialManager.
type CredentialOption func(*CredentialManager)

// RetryStrategy selects how retries of the initial credential fetch are spaced.
type RetryStrategy string

const (
	// RetryExponential doubles the delay per attempt, with up to 10% jitter.
	RetryExponential RetryStrategy = "exponential"
	// RetryDecorrelated picks each delay at random between the initial delay
	// and a bound that triples per attempt, spreading out replicas that
	// failed together.
	RetryDecorrelated RetryStrategy = "decorrelated"
)

func (s RetryStrategy) schedule(initial, max time.Duration) *backoff.Schedule {
	if s == RetryDecorrelated {
		return backoff.NewScheduleWithStrategy(backoff.DecorrelatedJitter{}, initial, max, 0, 0)
	}
	return backoff.NewSchedule(initial, max)
}

// WithRefreshInterval sets the scheduled refresh period.
func WithRefreshInterval(d time.Duration) CredentialOption {
	return func(m *CredentialManager) {
		m.interval = d
	}
}

// WithCredentialLogger sets the logger.
func WithCredentialLogger(log logrus.FieldLogger) CredentialOption {
	return func(m *CredentialManager) {
		m.log = log
	}
}

// WithCredentialMetrics sets the metrics collector.
func WithCredentialMetrics(mc *MetricsCollector) CredentialOption {
	return func(m *CredentialManager) {
		m.metrics = mc
	}
}

// WithInitialRetry sets the backoff bounds used while no credential has
// been fetched yet.
func WithInitialRetry(initial, max time.Duration) CredentialOption {
	return func(m *CredentialManager) {
		m.retryInitial, m.retryMax = initial, max
	}
}

// WithRetryStrategy sets how initial fetch retries are spaced. Unknown
// strategies fall back to RetryExponential.
func WithRetryStrategy(s RetryStrategy) CredentialOption {
	return func(m *CredentialManager) {
		m.retryStrategy = s
	}
}

// NewCredentialManager builds a manager. It performs no I/O until Start or Refresh.
func NewCredentialManager(source CredentialSource, opts ...CredentialOption) *CredentialManager {
	m := &CredentialManager{
		source:       source,
		interval:     defaultCredentialRefreshInterval,
		fetchTimeout: defaultCredentialFetchTimeout,
		now:          time.Now,
		retryInitial: time.Second,
		retryMax:     time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retry = m.retryStrategy.schedule(m.retryInitial, m.retryMax)
	if m.log == nil {
		m.log = discardLogger()
	}
	return m
}

// Start fetches the first credential and schedules refreshes. A failed first
// fetch is not fatal: the manager stays UNINITIALIZED and retries with
// backoff until it succeeds or Stop is called.
func (m *CredentialManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return errors.New("credential manager already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		_ = m.Refresh(runCtx)
	})
	if err != nil {
		cancel()
		m.cron = nil
		m.mu.Unlock()
		return configError("invalid credential refresh interval %s: %v", m.interval, err)
	}
	m.cron.Start()
	stopped := m.stopped
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		go m.retryUntilReady(runCtx, stopped)
		return nil
	}
	close(stopped)
	return nil
}

func (m *CredentialManager) retryUntilReady(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for m.State() != CredentialReady {
		delay := m.retry.Next()
		m.log.WithField("retry_in", delay).Info("application credential unavailable, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		_ = m.Refresh(ctx)
	}
	m.retry.Reset()
}

// Stop halts scheduled refreshes and initial retries. The last credential
// stays readable.
func (m *CredentialManager) Stop() {
	m.mu.Lock()
	c, cancel, stopped := m.cron, m.cancel, m.stopped
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	<-stopped
}

// Refresh fetches a credential now. Concurrent calls share one fetch.
// On failure the previous credential, if any, is kept.
func (m *CredentialManager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *CredentialManager) refresh(ctx context.Context) error {
	ready := m.current.Load() != nil
	if !ready {
		m.state.Store(int32(CredentialRefreshing))
	}

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	cred, err := m.source.FetchCredential(fctx)
	if err == nil && cred.Token == "" {
		err = errors.New("credential source returned an empty token")
	}
	if err != nil {
		m.metrics.RecordCredentialRefresh("error")
		if ready {
			m.log.WithError(err).Warn("application credential refresh failed, keeping previous value")
		} else {
			m.state.Store(int32(CredentialUninitialized))
			m.log.WithError(err).Error("initial application credential fetch failed")
		}
		return err
	}

	if cred.FetchedAt.IsZero() {
		cred.FetchedAt = m.now()
	}
	m.current.Store(&cred)
	m.state.Store(int32(CredentialReady))
	m.metrics.RecordCredentialRefresh("ok")
	return nil
}

// Current returns the latest credential.
func (m *CredentialManager) Current() (Credential, bool) {
	c := m.current.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// Token returns the latest token, or ErrCredentialUnavailable before the
// first successful fetch. Callers should treat that as transient.
func (m *CredentialManager) Token() (string, error) {
	c := m.current.Load()
	if c == nil {
		return "", ErrCredentialUnavailable
	}
	return c.Token, nil
}

// State returns the lifecycle state.
func (m *CredentialManager) State() CredentialState {
	return CredentialState(m.state.Load())
}

// HTTPCredentialSource fetches an application token with client credentials
// from a token endpoint answering {"xapp_token": "...", "expires_in": "RFC3339"}.
type HTTPCredentialSource struct {
	URL          string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type xappTokenResponse struct {
	Token     string `json:"xapp_token"`
	ExpiresIn string `json:"expires_in"`
}

// FetchCredential implements CredentialSource.
func (s *HTTPCredentialSource) FetchCredential(ctx context.Context) (Credential, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return Credential{}, fmt.Errorf("parsing token url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", s.ClientID)
	q.Set("client_secret", s.ClientSecret)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("fetching application token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Credential{}, fmt.Errorf("reading application token: %w", err)
	}
	if cerr := Classify("credential", resp.StatusCode, body, nil); cerr != nil {
		return Credential{}, cerr
	}

	var tr xappTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("decoding application token: %w", err)
	}

	cred := Credential{Token: tr.Token, FetchedAt: time.Now()}
	if tr.ExpiresIn != "" {
		if t, err := time.Parse(time.RFC3339, tr.ExpiresIn); err == nil {
			cred.ExpiresAt = t
		}
	}
	return cred, nil
}
