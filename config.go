package fanout

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Config is the startup configuration of a gateway: process settings from
// the environment plus the service and endpoint catalog, usually from YAML.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`

	Cache CacheSettings `mapstructure:"cache"`
	// RedisURL selects the redis backend; empty keeps the cache in process.
	RedisURL string `mapstructure:"redis_url" validate:"omitempty,url"`

	// RequestThrottleMS is the throttle interval of endpoints marked
	// throttled without their own interval.
	RequestThrottleMS int `mapstructure:"request_throttle_ms" validate:"gte=0"`
	RequestTimeoutMS  int `mapstructure:"request_timeout_ms" validate:"gt=0"`

	HMACSecret       string `mapstructure:"hmac_secret"`
	ResolverBatching bool   `mapstructure:"enable_resolver_batching"`

	Credential CredentialSettings `mapstructure:"xapp"`

	Services  []ServiceConfig  `mapstructure:"services" validate:"unique=Name,dive"`
	Endpoints []EndpointConfig `mapstructure:"endpoints" validate:"unique=Name,dive"`
}

// CacheSettings configures the Cache Store.
type CacheSettings struct {
	Disabled            bool   `mapstructure:"disabled"`
	CompressionDisabled bool   `mapstructure:"compression_disabled"`
	LifetimeSeconds     int    `mapstructure:"lifetime_in_seconds" validate:"gt=0"`
	Namespace           string `mapstructure:"namespace"`
	SlowThresholdMS     int    `mapstructure:"query_logging_threshold_ms" validate:"gt=0"`
	RetrievalTimeoutMS  int    `mapstructure:"retrieval_timeout_ms" validate:"gt=0"`
	MemoryCapacity      uint64 `mapstructure:"memory_capacity"`
}

// CredentialSettings configures the application credential source.
type CredentialSettings struct {
	TokenURL        string        `mapstructure:"token_url" validate:"omitempty,url"`
	ClientID        string        `mapstructure:"client_id" validate:"required_with=TokenURL"`
	ClientSecret    string        `mapstructure:"client_secret" validate:"required_with=TokenURL"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gte=0"`
	RetryStrategy   string        `mapstructure:"retry_strategy" validate:"omitempty,oneof=exponential decorrelated"`
}

// ServiceConfig is one upstream service.
type ServiceConfig struct {
	Name             string                  `mapstructure:"name" validate:"required"`
	BaseURL          string                  `mapstructure:"base_url" validate:"required,url"`
	AlternateBaseURL string                  `mapstructure:"alternate_base_url" validate:"omitempty,url"`
	AlternatePercent int                     `mapstructure:"alternate_percent" validate:"gte=0,lte=100"`
	UserTokenHeader  string                  `mapstructure:"user_token_header"`
	AppTokenHeader   string                  `mapstructure:"app_token_header"`
	TimeoutMS        int                     `mapstructure:"timeout_ms" validate:"gte=0"`
	CircuitBreaker   *CircuitBreakerSettings `mapstructure:"circuit_breaker"`
}

// CircuitBreakerSettings enables a service circuit breaker.
type CircuitBreakerSettings struct {
	FailureThreshold  int `mapstructure:"failure_threshold" validate:"gte=0"`
	RecoveryTimeoutMS int `mapstructure:"recovery_timeout_ms" validate:"gte=0"`
	SuccessThreshold  int `mapstructure:"success_threshold" validate:"gte=0"`
}

// EndpointConfig is one endpoint descriptor.
type EndpointConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Service string `mapstructure:"service" validate:"required"`
	Path    string `mapstructure:"path" validate:"required,startswith=/"`
	Method  string `mapstructure:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Auth    string `mapstructure:"auth" validate:"omitempty,oneof=none app user"`
	Signed  bool   `mapstructure:"signed"`
	// Throttled applies RequestThrottleMS unless ThrottleMS is set.
	Throttled       bool `mapstructure:"throttled"`
	ThrottleMS      int  `mapstructure:"throttle_ms" validate:"gte=0"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds" validate:"gte=0"`
	NoCache         bool `mapstructure:"no_cache"`
	TimeoutMS       int  `mapstructure:"timeout_ms" validate:"gte=0"`
	IncludeHeaders  bool `mapstructure:"include_headers"`
}

var validate = validator.New()

// env names are kept flat, as deployments set them.
var envBindings = map[string]string{
	"log_level":                        "LOG_LEVEL",
	"cache.disabled":                   "CACHE_DISABLED",
	"cache.compression_disabled":       "CACHE_COMPRESSION_DISABLED",
	"cache.lifetime_in_seconds":        "CACHE_LIFETIME_IN_SECONDS",
	"cache.namespace":                  "CACHE_NAMESPACE",
	"cache.query_logging_threshold_ms": "CACHE_QUERY_LOGGING_THRESHOLD_MS",
	"cache.retrieval_timeout_ms":       "CACHE_RETRIEVAL_TIMEOUT_MS",
	"redis_url":                        "REDIS_URL",
	"request_throttle_ms":              "REQUEST_THROTTLE_MS",
	"request_timeout_ms":               "REQUEST_TIMEOUT_MS",
	"hmac_secret":                      "HMAC_SECRET",
	"enable_resolver_batching":         "ENABLE_RESOLVER_BATCHING",
	"xapp.token_url":                   "XAPP_TOKEN_URL",
	"xapp.client_id":                   "XAPP_CLIENT_ID",
	"xapp.client_secret":               "XAPP_CLIENT_SECRET",
	"xapp.refresh_interval":            "XAPP_REFRESH_INTERVAL",
	"xapp.retry_strategy":              "XAPP_RETRY_STRATEGY",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("cache.disabled", false)
	v.SetDefault("cache.compression_disabled", false)
	v.SetDefault("cache.lifetime_in_seconds", 60)
	v.SetDefault("cache.namespace", "")
	v.SetDefault("cache.query_logging_threshold_ms", 1000)
	v.SetDefault("cache.retrieval_timeout_ms", 2000)
	v.SetDefault("redis_url", "")
	v.SetDefault("request_throttle_ms", 5000)
	v.SetDefault("request_timeout_ms", 5000)
	v.SetDefault("hmac_secret", "")
	v.SetDefault("enable_resolver_batching", false)
	v.SetDefault("xapp.refresh_interval", time.Hour)

	for _, key := range sortedNames(envBindings) {
		_ = v.BindEnv(key, envBindings[key])
	}
	return v
}

// LoadConfig reads the YAML catalog at path, applies environment overrides
// and validates the result. An empty path loads environment and defaults only.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, configError("reading config file: %v", err)
		}
	}
	return decodeConfig(v)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(r io.Reader) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, configError("decoding config: %v", err)
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, configError("decoding config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross references. Failures are
// ConfigurationErrors. Whether app-auth endpoints have a credential source
// is checked by Build, since the source may be supplied there.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			})
			return configError("invalid config: %s", strings.Join(msgs, "; "))
		}
		return configError("invalid config: %v", err)
	}

	services := lo.SliceToMap(c.Services, func(s ServiceConfig) (string, struct{}) {
		return s.Name, struct{}{}
	})
	for _, ep := range c.Endpoints {
		if _, ok := services[ep.Service]; !ok {
			return configError("endpoint %q: unknown service %q", ep.Name, ep.Service)
		}
		if countParams(ep.Path) > 1 {
			return configError("endpoint %q: path %q has more than one parameter", ep.Name, ep.Path)
		}
		if ep.Signed && c.HMACSecret == "" {
			return configError("endpoint %q is signed: HMAC_SECRET is required", ep.Name)
		}
	}
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// CacheConfig converts the cache settings.
func (c *Config) CacheConfig() CacheConfig {
	return CacheConfig{
		Disabled:            c.Cache.Disabled,
		Namespace:           c.Cache.Namespace,
		DefaultTTL:          time.Duration(c.Cache.LifetimeSeconds) * time.Second,
		CompressionDisabled: c.Cache.CompressionDisabled,
		RetrievalTimeout:    millis(c.Cache.RetrievalTimeoutMS),
		SlowThreshold:       millis(c.Cache.SlowThresholdMS),
	}
}

// ServiceList converts the service catalog.
func (c *Config) ServiceList() []Service {
	return lo.Map(c.Services, func(s ServiceConfig, _ int) Service {
		svc := Service{
			Name:             s.Name,
			BaseURL:          s.BaseURL,
			AlternateBaseURL: s.AlternateBaseURL,
			AlternatePercent: s.AlternatePercent,
			UserTokenHeader:  s.UserTokenHeader,
			AppTokenHeader:   s.AppTokenHeader,
			Timeout:          millis(s.TimeoutMS),
		}
		if cb := s.CircuitBreaker; cb != nil {
			svc.CircuitBreaker = &CircuitBreakerConfig{
				FailureThreshold: cb.FailureThreshold,
				RecoveryTimeout:  millis(cb.RecoveryTimeoutMS),
				SuccessThreshold: cb.SuccessThreshold,
			}
		}
		return svc
	})
}

// EndpointList converts the endpoint catalog.
func (c *Config) EndpointList() []Endpoint {
	return lo.Map(c.Endpoints, func(e EndpointConfig, _ int) Endpoint {
		auth, _ := ParseAuthMode(e.Auth)
		ep := Endpoint{
			Name:           e.Name,
			Service:        e.Service,
			Path:           e.Path,
			Method:         e.Method,
			Auth:           auth,
			Signed:         e.Signed,
			CacheTTL:       time.Duration(e.CacheTTLSeconds) * time.Second,
			NoCache:        e.NoCache,
			Timeout:        millis(e.TimeoutMS),
			IncludeHeaders: e.IncludeHeaders,
		}
		switch {
		case e.ThrottleMS > 0:
			ep.ThrottleInterval = millis(e.ThrottleMS)
		case e.Throttled:
			ep.ThrottleInterval = millis(c.RequestThrottleMS)
		}
		return ep
	})
}

// BatchConfig returns the resolver batching settings.
func (c *Config) BatchConfig() BatchConfig {
	return BatchConfig{Disabled: !c.ResolverBatching}
}
