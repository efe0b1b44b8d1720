package fanout

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// AppCredentials supplies the process-wide application token.
// *CredentialManager implements it.
type AppCredentials interface {
	Token() (string, error)
}

const defaultMaxBodySize = 10 << 20

// Factory builds the per-request loader sets. It owns no per-request state
// and is safe for concurrent use; build one at startup and call ForRequest
// for every inbound query.
type Factory struct {
	services  map[string]*serviceRuntime
	endpoints map[string]*Endpoint

	httpClient     *http.Client
	cache          *CacheStore
	coalescer      *Coalescer
	credentials    AppCredentials
	signer         *Signer
	log            logrus.FieldLogger
	metrics        *MetricsCollector
	now            func() time.Time
	pick           func(n int) int
	defaultTimeout time.Duration
	maxBodySize    int64
}

type serviceRuntime struct {
	Service
	breaker *CircuitBreaker
}

// baseURL picks the alternate base URL for AlternatePercent percent of calls.
func (s *serviceRuntime) baseURL(pick func(int) int) string {
	if s.AlternateBaseURL != "" && s.AlternatePercent > 0 && pick(100) < s.AlternatePercent {
		return s.AlternateBaseURL
	}
	return s.BaseURL
}

// NewFactory validates services and endpoints against the configured
// collaborators. Any problem is a ConfigurationError.
func NewFactory(services []Service, endpoints []Endpoint, opts ...Option) (*Factory, error) {
	f := &Factory{
		services:       make(map[string]*serviceRuntime, len(services)),
		endpoints:      make(map[string]*Endpoint, len(endpoints)),
		now:            time.Now,
		pick:           rand.IntN,
		defaultTimeout: defaultRequestTimeout,
		maxBodySize:    defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.log == nil {
		f.log = discardLogger()
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{}
	}
	if f.coalescer == nil {
		f.coalescer = NewCoalescer(f.metrics)
	}
	if f.signer != nil && len(f.signer.secret) == 0 {
		return nil, configError("signer has no signing secret; build it with NewSigner")
	}
	if f.cache == nil {
		store, err := NewCacheStore(nil, CacheConfig{Disabled: true})
		if err != nil {
			return nil, err
		}
		f.cache = store
	}

	if err := f.addServices(services); err != nil {
		return nil, err
	}
	if err := f.addEndpoints(endpoints); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Factory) addServices(services []Service) error {
	if dups := lo.FindDuplicatesBy(services, func(s Service) string { return s.Name }); len(dups) > 0 {
		return configError("duplicate service %q", dups[0].Name)
	}

	for _, s := range services {
		if s.Name == "" {
			return configError("service name is required")
		}
		if err := checkBaseURL(s.BaseURL); err != nil {
			return configError("service %q: base url: %v", s.Name, err)
		}
		if s.AlternateBaseURL != "" {
			if err := checkBaseURL(s.AlternateBaseURL); err != nil {
				return configError("service %q: alternate base url: %v", s.Name, err)
			}
		}
		if s.AlternatePercent < 0 || s.AlternatePercent > 100 {
			return configError("service %q: alternate percent must be within [0, 100]", s.Name)
		}
		if s.UserTokenHeader == "" {
			s.UserTokenHeader = defaultUserTokenHeader
		}
		if s.AppTokenHeader == "" {
			s.AppTokenHeader = defaultAppTokenHeader
		}

		rt := &serviceRuntime{Service: s}
		if s.CircuitBreaker != nil {
			rt.breaker = NewCircuitBreaker(*s.CircuitBreaker)
		}
		f.services[s.Name] = rt
	}
	return nil
}

func (f *Factory) addEndpoints(endpoints []Endpoint) error {
	if dups := lo.FindDuplicatesBy(endpoints, func(e Endpoint) string { return e.Name }); len(dups) > 0 {
		return configError("duplicate endpoint %q", dups[0].Name)
	}

	for i := range endpoints {
		ep := endpoints[i]
		if ep.Name == "" {
			return configError("endpoint name is required")
		}
		if _, ok := f.services[ep.Service]; !ok {
			return configError("endpoint %q: unknown service %q", ep.Name, ep.Service)
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return configError("endpoint %q: path must start with /", ep.Name)
		}
		if countParams(ep.Path) > 1 {
			return configError("endpoint %q: path %q has more than one parameter", ep.Name, ep.Path)
		}
		ep.Method = strings.ToUpper(ep.method())
		if ep.Signed && f.signer == nil {
			return configError("endpoint %q is signed but no signing secret is configured", ep.Name)
		}
		if ep.Auth == AuthApp && f.credentials == nil {
			return configError("endpoint %q uses app auth but no credential source is configured (set XAPP_TOKEN_URL)", ep.Name)
		}
		f.endpoints[ep.Name] = &ep
	}
	return nil
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not absolute", raw)
	}
	return nil
}

// ForRequest returns fresh loader sets bound to rc. It performs no I/O.
// Endpoints requiring an end-user token land in Authenticated, all others in
// Unauthenticated; an empty rc still yields both sets, and authenticated
// loaders then fail on invocation with Unauthenticated.
func (f *Factory) ForRequest(rc RequestContext) *Loaders {
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}

	log := f.log.WithField("request_id", rc.RequestID)
	ls := &Loaders{
		RequestID:       rc.RequestID,
		Authenticated:   make(map[string]Loader),
		Unauthenticated: make(map[string]Loader),
	}
	for name, ep := range f.endpoints {
		l := &boundLoader{
			f:   f,
			ep:  ep,
			svc: f.services[ep.Service],
			rc:  rc,
			log: log.WithField("endpoint", name),
		}
		if ep.Auth == AuthUser {
			ls.Authenticated[name] = l
		} else {
			ls.Unauthenticated[name] = l
		}
	}
	return ls
}

// Endpoint returns the descriptor registered under name.
func (f *Factory) Endpoint(name string) (Endpoint, bool) {
	ep, ok := f.endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// EndpointNames returns the registered endpoint names in sorted order.
func (f *Factory) EndpointNames() []string {
	return sortedNames(f.endpoints)
}

// CircuitState returns the breaker state of service, StateClosed when the
// service has no breaker.
func (f *Factory) CircuitState(service string) CircuitState {
	s, ok := f.services[service]
	if !ok || s.breaker == nil {
		return StateClosed
	}
	return s.breaker.State()
}
