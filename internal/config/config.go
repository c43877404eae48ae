// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/proxy"
	"github.com/3xpluto/svc-gateway/internal/ratelimit"
	"github.com/3xpluto/svc-gateway/internal/route"
)

type Server struct {
	Listen          string   `yaml:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps inbound request bodies; 0 disables the cap.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Redis struct {
	// Addr empty runs the gateway on in-process stores (single instance).
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Bus struct {
	// URL empty disables event publishing.
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	// QueueSize bounds the in-memory emit queue.
	QueueSize int `yaml:"queue_size"`
}

type Auth struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// JWKSURL overrides the issuer-derived JWKS location.
	JWKSURL string   `yaml:"jwks_url"`
	Leeway  Duration `yaml:"leeway"`
	// PublicPrefixes bypass authentication on any route.
	PublicPrefixes []string `yaml:"public_prefixes"`
	// TestSecret enables HS256 verification; never set in production.
	TestSecret string `yaml:"test_secret"`
}

type RateLimit struct {
	// Backend is "redis" or "memory". Redis requires redis.addr.
	Backend string `yaml:"backend"`
	// Policies override or extend the built-in set.
	Policies map[string]ratelimit.Policy `yaml:"policies"`
}

type Breaker struct {
	WindowSize     int      `yaml:"window_size"`
	MinSamples     int      `yaml:"min_samples"`
	FailureRate    float64  `yaml:"failure_rate"`
	SlowRate       float64  `yaml:"slow_rate"`
	SlowCall       Duration `yaml:"slow_call"`
	OpenFor        Duration `yaml:"open_for"`
	HalfOpenProbes int      `yaml:"half_open_probes"`
}

type CORS struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

type Admin struct {
	// Key guards the admin surface; empty hides it entirely.
	Key string `yaml:"key"`
}

type Proxy struct {
	ConnectTimeout        Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host"`
	RequestTimeout        Duration `yaml:"request_timeout"`
}

type Route struct {
	ID                  string   `yaml:"id"`
	Methods             []string `yaml:"methods"`
	Pattern             string   `yaml:"pattern"`
	Upstream            string   `yaml:"upstream"`
	StripPrefixSegments int      `yaml:"strip_prefix_segments"`
	Public              bool     `yaml:"public"`
	Policy              string   `yaml:"policy"`
	Breaker             bool     `yaml:"breaker"`
	FallbackMessage     string   `yaml:"fallback_message"`
	MaxConcurrent       int      `yaml:"max_concurrent"`
}

type Config struct {
	LogLevel string    `yaml:"log_level"`
	Server   Server    `yaml:"server"`
	Redis    Redis     `yaml:"redis"`
	Bus      Bus       `yaml:"bus"`
	Auth     Auth      `yaml:"auth"`
	RateLmt  RateLimit `yaml:"rate_limit"`
	Breaker  Breaker   `yaml:"breaker"`
	CORS     CORS      `yaml:"cors"`
	Admin    Admin     `yaml:"admin"`
	Proxy    Proxy     `yaml:"proxy"`
	// EnvelopeExclude lists path prefixes never wrapped.
	EnvelopeExclude []string `yaml:"envelope_exclude"`
	// TrustedProxies are CIDRs whose private-range classification is widened.
	TrustedProxies []string `yaml:"trusted_proxies"`
	Routes         []Route  `yaml:"routes"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: Server{
			Listen:          ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			MaxBodyBytes:    10 << 20,
		},
		Bus: Bus{
			Exchange:  "gateway.events",
			QueueSize: 10000,
		},
		Auth: Auth{
			Leeway:         Duration(30 * time.Second),
			PublicPrefixes: []string{"/public/", "/auth/"},
		},
		RateLmt: RateLimit{
			Backend:  "redis",
			Policies: ratelimit.BuiltinPolicies(),
		},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         600,
		},
		EnvelopeExclude: []string{"/auth/", "/public/", "/healthz", "/docs"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// fields are rejected so typos fail at startup, not silently.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	routes, err := c.BuildRoutes()
	if err != nil {
		return err
	}
	if _, err := route.NewTable(routes); err != nil {
		return err
	}

	switch c.RateLmt.Backend {
	case "", "redis", "memory":
	default:
		return fmt.Errorf("rate_limit.backend must be redis or memory, got %q", c.RateLmt.Backend)
	}
	if c.RateLmt.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.backend redis requires redis.addr")
	}
	for name, p := range c.Policies() {
		if p.ReplenishRate <= 0 || p.Burst <= 0 || p.RequestedTokens <= 0 {
			return fmt.Errorf("rate-limit policy %q must have positive values", name)
		}
		if p.RequestedTokens > p.Burst {
			return fmt.Errorf("rate-limit policy %q requests more tokens than its burst", name)
		}
	}

	if c.CORS.AllowCredentials {
		for _, o := range c.CORS.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("cors: allow_credentials cannot be combined with a wildcard origin")
			}
		}
	}

	for _, rt := range c.Routes {
		if !rt.Public && c.Auth.Issuer == "" {
			return fmt.Errorf("route %q is protected but auth.issuer is not configured", rt.ID)
		}
	}
	return nil
}

// Policies merges the built-in policy set with configured overrides.
func (c *Config) Policies() map[string]ratelimit.Policy {
	out := ratelimit.BuiltinPolicies()
	for name, p := range c.RateLmt.Policies {
		out[name] = p
	}
	return out
}

// BuildRoutes materializes the route table entries.
func (c *Config) BuildRoutes() ([]*route.Route, error) {
	out := make([]*route.Route, 0, len(c.Routes))
	for _, rt := range c.Routes {
		u, err := url.Parse(rt.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q has invalid upstream %q", rt.ID, rt.Upstream)
		}
		if rt.Policy != "" {
			if _, ok := c.Policies()[rt.Policy]; !ok {
				return nil, fmt.Errorf("route %q references unknown policy %q", rt.ID, rt.Policy)
			}
		}
		out = append(out, &route.Route{
			ID:                  rt.ID,
			Methods:             rt.Methods,
			Pattern:             rt.Pattern,
			Upstream:            u,
			StripPrefixSegments: rt.StripPrefixSegments,
			Public:              rt.Public,
			Policy:              rt.Policy,
			BreakerEnabled:      rt.Breaker,
			FallbackMessage:     rt.FallbackMessage,
			MaxConcurrent:       rt.MaxConcurrent,
		})
	}
	return out, nil
}

// BreakerSettings maps the config block onto breaker defaults.
func (c *Config) BreakerSettings() breaker.Settings {
	return breaker.Settings{
		WindowSize:       c.Breaker.WindowSize,
		MinSamples:       c.Breaker.MinSamples,
		FailureRate:      c.Breaker.FailureRate,
		SlowRate:         c.Breaker.SlowRate,
		SlowCallDuration: c.Breaker.SlowCall.Std(),
		OpenDuration:     c.Breaker.OpenFor.Std(),
		HalfOpenProbes:   c.Breaker.HalfOpenProbes,
	}
}

// ProxyConfig maps the config block onto the proxy package's settings.
func (c *Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		ConnectTimeout:        c.Proxy.ConnectTimeout.Std(),
		ResponseHeaderTimeout: c.Proxy.ResponseHeaderTimeout.Std(),
		IdleConnTimeout:       c.Proxy.IdleConnTimeout.Std(),
		MaxIdleConnsPerHost:   c.Proxy.MaxIdleConnsPerHost,
		RequestTimeout:        c.Proxy.RequestTimeout.Std(),
	}
}
