package config

import (
	"fmt"
	"time"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	OCPP          OCPPConfig          `mapstructure:"ocpp"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	NATS          NATSConfig          `mapstructure:"nats"`
	RabbitMQ      RabbitMQConfig      `mapstructure:"rabbitmq"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Session       SessionConfig       `mapstructure:"session"`
	Node          NodeConfig          `mapstructure:"node"`
	Commands      CommandsConfig      `mapstructure:"commands"`
	ResponseCache ResponseCacheConfig `mapstructure:"response_cache"`
	RateLimiting  RateLimitingConfig  `mapstructure:"rate_limiting"`
	FloodLog      FloodLogConfig      `mapstructure:"flood_log"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	NodeID      string `mapstructure:"node_id"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type OCPPConfig struct {
	Port                int          `mapstructure:"port"`
	MaxPayloadBytes     int64        `mapstructure:"max_payload_bytes"`
	PendingMessageLimit int          `mapstructure:"pending_message_limit"`
	TrustProxy          bool         `mapstructure:"trust_proxy"`
	StateMode           string       `mapstructure:"state_mode"`
	Security            OCPPSecurity `mapstructure:"security"`
}

type OCPPSecurity struct {
	Enabled    bool   `mapstructure:"enabled"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
	ClientAuth bool   `mapstructure:"client_auth"`
	CACert     string `mapstructure:"ca_cert"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BreakerConfig tunes the circuit breakers guarding the Redis and message bus
// adapters.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
	CooldownSeconds     int    `mapstructure:"cooldown_seconds"`
	HalfOpenSuccesses   uint32 `mapstructure:"half_open_successes"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RabbitMQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type AuthConfig struct {
	AllowBasic          bool     `mapstructure:"allow_basic"`
	DefaultAuthTypes    []string `mapstructure:"default_auth_types"`
	RequireProtocolList bool     `mapstructure:"require_protocol_list"`
	AllowedIPs          []string `mapstructure:"allowed_ips"`
	AllowedCIDRs        []string `mapstructure:"allowed_cidrs"`
}

type SessionConfig struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Stale time.Duration `mapstructure:"stale"`
}

type NodeConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type CommandsConfig struct {
	Group          string        `mapstructure:"group"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	AuditTTL       time.Duration `mapstructure:"audit_ttl"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type ResponseCacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	LocalSize int           `mapstructure:"local_size"`
}

type RateLimitingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PerChargePoint int           `mapstructure:"per_charge_point"`
	Global         int           `mapstructure:"global"`
	Window         time.Duration `mapstructure:"window"`
	Actions        []string      `mapstructure:"actions"`
}

type FloodLogConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	ServiceName string       `mapstructure:"service_name"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.App.NodeID == "" {
		return fmt.Errorf("app.node_id is required")
	}
	if c.OCPP.Port <= 0 || c.OCPP.Port > 65535 {
		return fmt.Errorf("ocpp.port %d out of range", c.OCPP.Port)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.OCPP.Port == c.HTTP.Port {
		return fmt.Errorf("ocpp.port and http.port must differ")
	}
	if c.OCPP.MaxPayloadBytes < 1024 {
		return fmt.Errorf("ocpp.max_payload_bytes %d too small", c.OCPP.MaxPayloadBytes)
	}
	if mode := c.OCPP.StateMode; mode != "strict" && mode != "lenient" {
		return fmt.Errorf("ocpp.state_mode must be strict or lenient, got %q", mode)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.Stale <= 0 || c.Session.Stale > c.Session.TTL {
		return fmt.Errorf("session.stale must be positive and at most session.ttl")
	}
	if c.Node.Heartbeat <= 0 || c.Node.Heartbeat >= c.Node.TTL {
		return fmt.Errorf("node.heartbeat must be positive and below node.ttl")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Breaker.ConsecutiveFailures < 1 {
		return fmt.Errorf("breaker.consecutive_failures must be at least 1")
	}
	if c.Breaker.CooldownSeconds < 1 {
		return fmt.Errorf("breaker.cooldown_seconds must be at least 1")
	}
	if c.Breaker.HalfOpenSuccesses < 1 {
		return fmt.Errorf("breaker.half_open_successes must be at least 1")
	}
	if !c.RabbitMQ.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required unless rabbitmq is enabled")
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq.url is required when rabbitmq is enabled")
	}
	return nil
}
