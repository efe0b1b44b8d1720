package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/fanout/internal/backoff"
)

// scriptedSource answers with the queued results in order, repeating the
// last one.
type scriptedSource struct {
	mu      sync.Mutex
	results []sourceResult
	calls   atomic.Int32
	block   chan struct{}
}

type sourceResult struct {
	token string
	err   error
}

func (s *scriptedSource) FetchCredential(ctx context.Context) (Credential, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	if r.err != nil {
		return Credential{}, r.err
	}
	return Credential{Token: r.token}, nil
}

func TestCredentialManagerUninitialized(t *testing.T) {
	m := NewCredentialManager(&scriptedSource{results: []sourceResult{{token: "t"}}})

	assert.Equal(t, CredentialUninitialized, m.State())
	_, err := m.Token()
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestCredentialManagerRefresh(t *testing.T) {
	m := NewCredentialManager(&scriptedSource{results: []sourceResult{{token: "first"}, {token: "second"}}})
	ctx := context.Background()

	require.NoError(t, m.Refresh(ctx))
	assert.Equal(t, CredentialReady, m.State())
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, m.Refresh(ctx))
	tok, _ = m.Token()
	assert.Equal(t, "second", tok)

	cred, ok := m.Current()
	require.True(t, ok)
	assert.False(t, cred.FetchedAt.IsZero())
}

func TestCredentialManagerKeepsPreviousValueOnFailure(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{token: "good"},
		{err: errors.New("token endpoint down")},
		{token: "better"},
	}}
	m := NewCredentialManager(src)
	ctx := context.Background()

	require.NoError(t, m.Refresh(ctx))

	require.Error(t, m.Refresh(ctx))
	assert.Equal(t, CredentialReady, m.State())
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "good", tok, "readers keep the last good credential during a failure")

	require.NoError(t, m.Refresh(ctx))
	tok, _ = m.Token()
	assert.Equal(t, "better", tok)
}

func TestCredentialManagerFailedInitialFetch(t *testing.T) {
	m := NewCredentialManager(&scriptedSource{results: []sourceResult{{err: errors.New("down")}}})

	require.Error(t, m.Refresh(context.Background()))
	assert.Equal(t, CredentialUninitialized, m.State())
	_, err := m.Token()
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestCredentialManagerRejectsEmptyToken(t *testing.T) {
	m := NewCredentialManager(&scriptedSource{results: []sourceResult{{token: ""}}})

	require.Error(t, m.Refresh(context.Background()))
	assert.Equal(t, CredentialUninitialized, m.State())
}

func TestCredentialManagerConcurrentRefreshShareOneFetch(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{{token: "t"}}, block: make(chan struct{})}
	m := NewCredentialManager(src)

	var started, wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		started.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			assert.NoError(t, m.Refresh(context.Background()))
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CredentialRefreshing, m.State())
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, CredentialReady, m.State())
}

func TestCredentialManagerStartRetriesUntilReady(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{err: errors.New("down")},
		{err: errors.New("still down")},
		{token: "finally"},
	}}
	m := NewCredentialManager(src, WithInitialRetry(5*time.Millisecond, 20*time.Millisecond))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool { return m.State() == CredentialReady }, 2*time.Second, 5*time.Millisecond)
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "finally", tok)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCredentialManagerRetryStrategy(t *testing.T) {
	tests := []struct {
		name     string
		opts     []CredentialOption
		strategy backoff.Strategy
	}{
		{"default", nil, backoff.ExponentialJitter{}},
		{"exponential", []CredentialOption{WithRetryStrategy(RetryExponential)}, backoff.ExponentialJitter{}},
		{"decorrelated", []CredentialOption{WithRetryStrategy(RetryDecorrelated)}, backoff.DecorrelatedJitter{}},
		{"unknown", []CredentialOption{WithRetryStrategy("linear")}, backoff.ExponentialJitter{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCredentialManager(&scriptedSource{}, tt.opts...)
			assert.IsType(t, tt.strategy, m.retry.Strategy())
		})
	}
}

func TestCredentialManagerDecorrelatedRetry(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{err: errors.New("down")},
		{err: errors.New("still down")},
		{token: "finally"},
	}}
	m := NewCredentialManager(src,
		WithRetryStrategy(RetryDecorrelated),
		WithInitialRetry(5*time.Millisecond, 20*time.Millisecond),
	)
	// Retry options apply in any order.
	assert.Equal(t, 5*time.Millisecond, m.retry.Next(), "first decorrelated delay is the initial delay")
	m.retry.Reset()

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool { return m.State() == CredentialReady }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCredentialManagerScheduledRefresh(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{{token: "one"}, {token: "two"}}}
	m := NewCredentialManager(src, WithRefreshInterval(time.Second))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	tok, _ := m.Token()
	assert.Equal(t, "one", tok)

	require.Eventually(t, func() bool {
		tok, _ := m.Token()
		return tok == "two"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCredentialManagerStartTwice(t *testing.T) {
	m := NewCredentialManager(&scriptedSource{results: []sourceResult{{token: "t"}}})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	assert.Error(t, m.Start(context.Background()))
}

func TestCredentialManagerStopHaltsRetries(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{{err: errors.New("down")}}}
	m := NewCredentialManager(src, WithInitialRetry(5*time.Millisecond, 5*time.Millisecond))

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)
	m.Stop()

	calls := src.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.calls.Load())
	assert.Equal(t, CredentialUninitialized, m.State())
}

func TestHTTPCredentialSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/xapp_token", r.URL.Path)
		assert.Equal(t, "id", r.URL.Query().Get("client_id"))
		assert.Equal(t, "secret", r.URL.Query().Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"xapp_token": "xapp-123",
			"expires_in": "2030-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	src := &HTTPCredentialSource{URL: srv.URL + "/api/v1/xapp_token", ClientID: "id", ClientSecret: "secret"}
	cred, err := src.FetchCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "xapp-123", cred.Token)
	assert.Equal(t, 2030, cred.ExpiresAt.Year())
}

func TestHTTPCredentialSourceClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &HTTPCredentialSource{URL: srv.URL, ClientID: "id", ClientSecret: "bad"}
	_, err := src.FetchCredential(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))
}
