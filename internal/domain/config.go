package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Graph      GraphConfig      `json:"graph"`
	Origin     OriginConfig     `json:"origin"`

	// Engine configurations
	Trust      TrustConfig      `json:"trust"`
	Sybil      SybilConfig      `json:"sybil"`
	Resistance ResistanceConfig `json:"resistance"`
	Sweep      SweepConfig      `json:"sweep"`
	RateLimit  RateLimitConfig  `json:"rateLimit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// Per-client request limiter on the HTTP surface
	RateLimitRPS   float64 `json:"rateLimitRps"`
	RateLimitBurst int     `json:"rateLimitBurst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// GraphConfig selects the endorsement graph backend.
type GraphConfig struct {
	// Type is "store" (relational endorsements) or "neo4j"
	Type string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
	Neo4jTimeout  time.Duration
	Neo4jMaxPool  int
}

// OriginConfig selects how network origins are grouped for creation-burst detection.
type OriginConfig struct {
	// Type is "subnet" or "geoip"
	Type string

	GeoIPPath      string
	IPv4PrefixBits int
	IPv6PrefixBits int
}

// SweepConfig controls the background analysis tick.
//
// Enable it on one node per deployment. Risk-state demotion streaks and the
// monitored set live in the memory of the node that runs the analysis; only
// suspension is persisted and seen by every node.
type SweepConfig struct {
	Enabled         bool
	Interval        time.Duration
	MaxUsersPerTick int
	DecayBatch      int
}

// RateLimitConfig controls enforcement of the band rate-limit table.
type RateLimitConfig struct {
	Enabled bool

	// FailOpen admits requests when the counter cache is unreachable
	FailOpen bool
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process caches
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Graph: GraphConfig{
			Type:         "store",
			Neo4jTimeout: 10 * time.Second,
			Neo4jMaxPool: 50,
		},
		Origin: OriginConfig{
			Type:           "subnet",
			IPv4PrefixBits: 24,
			IPv6PrefixBits: 48,
		},
		Trust:      DefaultTrustConfig(),
		Sybil:      DefaultSybilConfig(),
		Resistance: DefaultResistanceConfig(),
		Sweep: SweepConfig{
			Enabled:         true,
			Interval:        5 * time.Minute,
			MaxUsersPerTick: 500,
			DecayBatch:      500,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			FailOpen: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-pipeline",
	}
	cfg.Graph.Type = "neo4j"
	cfg.Graph.Neo4jURI = "neo4j://localhost:7687"
	cfg.Graph.Neo4jUser = "neo4j"
	cfg.Graph.Neo4jDatabase = "neo4j"
	cfg.Tracing.Enabled = true
	return cfg
}
