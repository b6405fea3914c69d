// Package config defines the gateway configuration model and its loader.
package config

import "time"

// Default configuration values.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 30 * time.Second

	DefaultLocalCacheEntries = 10000
	DefaultLocalTTLCap       = 1 * time.Minute
	DefaultCacheTTL          = 5 * time.Minute
	DefaultMaxScanKeys       = 10000

	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultProbePath        = "/health"
	DefaultFailureThreshold = 3

	DefaultAttemptTimeout  = 5 * time.Second
	DefaultMaxRetries      = 2
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 2 * time.Second
	DefaultBreakerTrip     = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Routes        []RouteRule         `yaml:"routes" json:"routes"`
	Services      []ServiceConfig     `yaml:"services" json:"services"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Health        HealthConfig        `yaml:"health" json:"health"`
	Resilience    ResilienceConfig    `yaml:"resilience" json:"resilience"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" json:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listenAddr" json:"listenAddr"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// AuthConfig holds bearer token verification settings. When disabled,
// requests carry no principal and routes requiring auth are rejected.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Secret   string `yaml:"secret" json:"secret"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

// RouteRule is one entry of the static authorization policy table.
// Rules are evaluated in declaration order; the first match wins.
type RouteRule struct {
	Service       string   `yaml:"service" json:"service"`
	Methods       []string `yaml:"methods" json:"methods"`
	PathPrefix    string   `yaml:"pathPrefix" json:"pathPrefix"`
	RequiresAuth  bool     `yaml:"requiresAuth" json:"requiresAuth"`
	RequiredRoles []string `yaml:"requiredRoles" json:"requiredRoles"`
}

// ServiceConfig declares a logical service and its backend endpoints.
type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name"`
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints"`
}

// EndpointConfig is a single backend endpoint of a service.
type EndpointConfig struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// CacheConfig holds two-tier cache settings.
type CacheConfig struct {
	Enabled         bool        `yaml:"enabled" json:"enabled"`
	DefaultTTL      Duration    `yaml:"defaultTtl" json:"defaultTtl"`
	LocalMaxEntries int         `yaml:"localMaxEntries" json:"localMaxEntries"`
	LocalTTLCap     Duration    `yaml:"localTtlCap" json:"localTtlCap"`
	Redis           RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds the distributed cache tier settings. An empty URL
// disables the tier; the cache then runs local-only.
type RedisConfig struct {
	URL          string   `yaml:"url" json:"url"`
	KeyPrefix    string   `yaml:"keyPrefix" json:"keyPrefix"`
	DialTimeout  Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
	PoolSize     int      `yaml:"poolSize" json:"poolSize"`
	TTLJitter    float64  `yaml:"ttlJitter" json:"ttlJitter"`
	MaxScanKeys  int      `yaml:"maxScanKeys" json:"maxScanKeys"`
}

// HealthConfig holds active probing settings.
type HealthConfig struct {
	ProbeInterval    Duration `yaml:"probeInterval" json:"probeInterval"`
	ProbeTimeout     Duration `yaml:"probeTimeout" json:"probeTimeout"`
	ProbePath        string   `yaml:"probePath" json:"probePath"`
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
}

// ResilienceConfig holds timeout, retry and circuit breaker settings.
type ResilienceConfig struct {
	AttemptTimeout Duration      `yaml:"attemptTimeout" json:"attemptTimeout"`
	MaxRetries     int           `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff Duration      `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration      `yaml:"maxBackoff" json:"maxBackoff"`
	Breaker        BreakerConfig `yaml:"breaker" json:"breaker"`
}

// BreakerConfig holds per-backend circuit breaker settings.
type BreakerConfig struct {
	MaxFailures int      `yaml:"maxFailures" json:"maxFailures"`
	Cooldown    Duration `yaml:"cooldown" json:"cooldown"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ObservabilityConfig holds logging and tracing settings.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log" json:"log"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig holds OTLP tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
		Cache: CacheConfig{
			Enabled:         true,
			DefaultTTL:      Duration(DefaultCacheTTL),
			LocalMaxEntries: DefaultLocalCacheEntries,
			LocalTTLCap:     Duration(DefaultLocalTTLCap),
			Redis: RedisConfig{
				MaxScanKeys: DefaultMaxScanKeys,
			},
		},
		Health: HealthConfig{
			ProbeInterval:    Duration(DefaultProbeInterval),
			ProbeTimeout:     Duration(DefaultProbeTimeout),
			ProbePath:        DefaultProbePath,
			FailureThreshold: DefaultFailureThreshold,
		},
		Resilience: ResilienceConfig{
			AttemptTimeout: Duration(DefaultAttemptTimeout),
			MaxRetries:     DefaultMaxRetries,
			InitialBackoff: Duration(DefaultInitialBackoff),
			MaxBackoff:     Duration(DefaultMaxBackoff),
			Breaker: BreakerConfig{
				MaxFailures: DefaultBreakerTrip,
				Cooldown:    Duration(DefaultBreakerCooldown),
			},
		},
		Observability: ObservabilityConfig{
			Log: LogConfig{Level: "info", Format: "json", Output: "stdout"},
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = Duration(DefaultCacheTTL)
	}
	if c.Cache.LocalMaxEntries == 0 {
		c.Cache.LocalMaxEntries = DefaultLocalCacheEntries
	}
	if c.Cache.LocalTTLCap == 0 {
		c.Cache.LocalTTLCap = Duration(DefaultLocalTTLCap)
	}
	if c.Cache.Redis.MaxScanKeys == 0 {
		c.Cache.Redis.MaxScanKeys = DefaultMaxScanKeys
	}
	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if c.Health.ProbePath == "" {
		c.Health.ProbePath = DefaultProbePath
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = DefaultFailureThreshold
	}
	if c.Resilience.AttemptTimeout == 0 {
		c.Resilience.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}
	if c.Resilience.InitialBackoff == 0 {
		c.Resilience.InitialBackoff = Duration(DefaultInitialBackoff)
	}
	if c.Resilience.MaxBackoff == 0 {
		c.Resilience.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.Resilience.Breaker.MaxFailures == 0 {
		c.Resilience.Breaker.MaxFailures = DefaultBreakerTrip
	}
	if c.Resilience.Breaker.Cooldown == 0 {
		c.Resilience.Breaker.Cooldown = Duration(DefaultBreakerCooldown)
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "json"
	}
}
