package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Loader fetches data for one endpoint under one identity. Load never
// panics; every failure is a *LoaderError.
type Loader interface {
	Load(ctx context.Context, id string, params Params) (*Response, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id string, params Params) (*Response, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, id string, params Params) (*Response, error) {
	return f(ctx, id, params)
}

// Loaders are the two disjoint loader sets of one request. They are owned
// by that request and discarded with it.
type Loaders struct {
	RequestID string
	// Authenticated loaders need an end-user token.
	Authenticated map[string]Loader
	// Unauthenticated loaders run with the application credential or no
	// identity at all.
	Unauthenticated map[string]Loader
}

// Get returns the named loader from either set.
func (ls *Loaders) Get(name string) (Loader, bool) {
	if l, ok := ls.Authenticated[name]; ok {
		return l, true
	}
	l, ok := ls.Unauthenticated[name]
	return l, ok
}

type boundLoader struct {
	f   *Factory
	ep  *Endpoint
	svc *serviceRuntime
	rc  RequestContext
	log logrus.FieldLogger
}

// Load implements Loader. The returned Response may be shared with other
// callers of the same coalesced call and must not be modified.
func (l *boundLoader) Load(ctx context.Context, id string, params Params) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, Message: "internal failure", Cause: fmt.Errorf("panic: %v", r)}
		}
		l.f.metrics.RecordLoaderCall(l.ep.Name, err)
	}()

	if l.ep.Auth == AuthUser && !l.rc.Authenticated() {
		return nil, &LoaderError{Kind: KindUnauthenticated, Endpoint: l.ep.Name, Message: "login required"}
	}

	c, err := resolveCall(l.ep, id, params)
	if err != nil {
		return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, Message: "invalid call", Cause: err}
	}
	key := c.canonicalKey()

	cacheable := l.cacheable()
	if cacheable {
		if body, ok := l.f.cache.Get(ctx, l.svc.Name, key); ok {
			l.log.WithField("key", key).Debug("cache hit")
			return &Response{StatusCode: http.StatusOK, Body: body, Cached: true}, nil
		}
	}

	coalesceKey := key
	if l.ep.Auth == AuthUser {
		// Different users must never share a result.
		coalesceKey += "@" + digest([]byte(l.rc.UserToken))
	}

	resp, err = l.f.coalescer.Do(ctx, l.ep, coalesceKey, func(dctx context.Context) (*Response, error) {
		resp, err := l.dispatch(dctx, c)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := l.f.cache.Set(dctx, l.svc.Name, key, resp.Body, l.ep.CacheTTL); err != nil {
				l.log.WithError(err).Warn("cache write failed")
			}
		}
		return resp, nil
	})
	if err != nil {
		err = Classify(l.ep.Name, 0, nil, err)
		if KindOf(err) != KindNotFound {
			l.log.WithError(err).Debug("loader call failed")
		}
		return nil, err
	}
	return resp, nil
}

// cacheable reports whether successful results go to the shared cache.
// User-scoped, header-carrying and non-GET results never do.
func (l *boundLoader) cacheable() bool {
	return l.f.cache.Enabled() &&
		l.ep.Method == http.MethodGet &&
		l.ep.Auth != AuthUser &&
		!l.ep.NoCache &&
		!l.ep.IncludeHeaders
}

func (l *boundLoader) timeout() time.Duration {
	switch {
	case l.ep.Timeout > 0:
		return l.ep.Timeout
	case l.svc.Timeout > 0:
		return l.svc.Timeout
	default:
		return l.f.defaultTimeout
	}
}

// dispatch performs the one network call of a coalesced call. Every error
// it returns is already classified so all waiters see the same kind.
func (l *boundLoader) dispatch(ctx context.Context, c call) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()

	req, err := l.newRequest(ctx, c)
	if err != nil {
		return nil, err
	}

	if l.svc.breaker != nil && !l.svc.breaker.Allow() {
		return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, StatusCode: http.StatusServiceUnavailable, Message: "circuit open"}
	}

	start := time.Now()
	l.f.metrics.RecordUpstreamStart(l.svc.Name)
	httpResp, err := l.f.httpClient.Do(req)
	if err != nil {
		l.f.metrics.RecordUpstreamEnd(l.svc.Name, l.ep.Name, time.Since(start))
		l.recordOutcome(false)
		return nil, Classify(l.ep.Name, 0, nil, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, l.f.maxBodySize+1))
	l.f.metrics.RecordUpstreamEnd(l.svc.Name, l.ep.Name, time.Since(start))
	if err != nil {
		l.recordOutcome(false)
		return nil, Classify(l.ep.Name, 0, nil, err)
	}
	if int64(len(body)) > l.f.maxBodySize {
		l.recordOutcome(true)
		return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, StatusCode: httpResp.StatusCode, Message: "response too large"}
	}

	l.recordOutcome(httpResp.StatusCode < http.StatusInternalServerError)
	if err := Classify(l.ep.Name, httpResp.StatusCode, body, nil); err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: body}
	if l.ep.IncludeHeaders {
		resp.Header = httpResp.Header.Clone()
	}
	return resp, nil
}

func (l *boundLoader) newRequest(ctx context.Context, c call) (*http.Request, error) {
	var body io.Reader
	if len(c.body) > 0 {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.target(l.svc.baseURL(l.f.pick)), body)
	if err != nil {
		return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, Message: "invalid request", Cause: err}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", l.rc.RequestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch l.ep.Auth {
	case AuthUser:
		req.Header.Set(l.svc.UserTokenHeader, l.rc.UserToken)
		if l.rc.UserID != "" {
			req.Header.Set("X-User-Id", l.rc.UserID)
		}
	case AuthApp:
		token, err := l.f.credentials.Token()
		if err != nil {
			msg := "application credential unavailable"
			if !errors.Is(err, ErrCredentialUnavailable) {
				err = fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
			}
			return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, Message: msg, Cause: err}
		}
		req.Header.Set(l.svc.AppTokenHeader, token)
	}

	if l.ep.Signed {
		if err := l.f.signer.SignRequest(req, c.body, l.f.now()); err != nil {
			return nil, &LoaderError{Kind: KindUpstream, Endpoint: l.ep.Name, Message: "request signing failed", Cause: err}
		}
	}
	return req, nil
}

func (l *boundLoader) recordOutcome(ok bool) {
	b := l.svc.breaker
	if b == nil {
		return
	}
	if ok {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
	l.f.metrics.RecordCircuitBreakerState(l.svc.Name, b.State())
}
