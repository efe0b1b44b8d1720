package fanout

import (
	"encoding/json"
	"net/http"
	"time"
)

// AuthMode declares which identity an endpoint is called with.
type AuthMode int

const (
	// AuthNone sends no token.
	AuthNone AuthMode = iota
	// AuthApp sends the process-wide application credential.
	AuthApp
	// AuthUser sends the end-user token of the current request. Loaders for
	// these endpoints only exist in the authenticated set.
	AuthUser
)

func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthApp:
		return "app"
	case AuthUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParseAuthMode maps a configuration string onto an AuthMode.
func ParseAuthMode(s string) (AuthMode, bool) {
	switch s {
	case "", "none":
		return AuthNone, true
	case "app":
		return AuthApp, true
	case "user":
		return AuthUser, true
	default:
		return AuthNone, false
	}
}

// Endpoint describes one upstream call shape and its policies. Endpoints
// are static configuration and must not be mutated after the Factory is
// built.
type Endpoint struct {
	// Name is the loader name exposed to resolvers.
	Name string
	// Service names the Service providing the base URL and token headers.
	Service string
	// Path is a template such as "/users/:id". At most one ":param" segment
	// is substituted with the loader identifier.
	Path   string
	Method string
	Auth   AuthMode
	// Signed endpoints carry an HMAC signature computed by the Signer.
	Signed bool
	// ThrottleInterval is the minimum gap between dispatches to this endpoint.
	// A successful result is also shared with identical calls for this long.
	ThrottleInterval time.Duration
	// CacheTTL overrides the cache default lifetime when positive.
	CacheTTL time.Duration
	NoCache  bool
	// Timeout overrides the service deadline for one network call.
	Timeout time.Duration
	// IncludeHeaders keeps upstream response headers on the result. Such
	// endpoints bypass the shared cache.
	IncludeHeaders bool
}

func (e *Endpoint) method() string {
	if e.Method == "" {
		return http.MethodGet
	}
	return e.Method
}

// Service groups endpoints sharing a base URL and identity headers.
type Service struct {
	Name    string
	BaseURL string
	// AlternateBaseURL receives AlternatePercent percent of calls when set.
	AlternateBaseURL string
	AlternatePercent int
	// UserTokenHeader carries the end-user token. Defaults to X-Access-Token.
	UserTokenHeader string
	// AppTokenHeader carries the application credential. Defaults to X-Xapp-Token.
	AppTokenHeader string
	Timeout        time.Duration
	CircuitBreaker *CircuitBreakerConfig
}

const (
	defaultUserTokenHeader = "X-Access-Token"
	defaultAppTokenHeader  = "X-Xapp-Token"
	defaultRequestTimeout  = 5 * time.Second
)

// Params is the optional parameter bag of a loader call. Values may be
// strings, numbers, booleans or slices of those.
type Params map[string]interface{}

// Response is the success payload of a loader call.
type Response struct {
	StatusCode int
	// Header is only populated for endpoints with IncludeHeaders.
	Header http.Header
	Body   []byte
	// Cached reports whether the body was served from the Cache Store.
	Cached bool
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// RequestContext carries the identity of one inbound query.
type RequestContext struct {
	// UserToken is the end-user access token, empty for anonymous requests.
	UserToken string
	UserID    string
	RequestID string
}

// Authenticated reports whether an end-user identity is present.
func (rc RequestContext) Authenticated() bool {
	return rc.UserToken != ""
}
