package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/app/configs")

	viper.SetEnvPrefix("OCPPGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Allow common env vars without the OCPPGW_ prefix for Docker/VM deploys
	viper.BindEnv("app.node_id", "NODE_ID", "OCPPGW_APP_NODE_ID")
	viper.BindEnv("app.environment", "APP_ENVIRONMENT")
	viper.BindEnv("http.port", "HTTP_PORT", "OCPPGW_HTTP_PORT")
	viper.BindEnv("ocpp.port", "OCPP_PORT", "OCPPGW_OCPP_PORT")
	viper.BindEnv("ocpp.max_payload_bytes", "OCPP_MAX_PAYLOAD_BYTES")
	viper.BindEnv("ocpp.pending_message_limit", "OCPP_PENDING_MESSAGE_LIMIT")
	viper.BindEnv("ocpp.state_mode", "OCPP_STATE_MODE")
	viper.BindEnv("redis.url", "REDIS_URL", "OCPPGW_REDIS_URL")
	viper.BindEnv("nats.url", "NATS_URL", "OCPPGW_NATS_URL")
	viper.BindEnv("rabbitmq.url", "RABBITMQ_URL", "OCPPGW_RABBITMQ_URL")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	// Duration knobs exposed as integer seconds for the same deploys. They
	// override the config-file durations after unmarshalling.
	viper.BindEnv("session.ttl_seconds", "SESSION_TTL_SECONDS")
	viper.BindEnv("session.stale_seconds", "SESSION_STALE_SECONDS")
	viper.BindEnv("node.ttl_seconds", "NODE_TTL_SECONDS")
	viper.BindEnv("node.heartbeat_seconds", "NODE_HEARTBEAT_SECONDS")
	viper.BindEnv("commands.idempotency_ttl_seconds", "COMMAND_IDEMPOTENCY_TTL_SECONDS")
	viper.BindEnv("flood_log.cooldown_seconds", "FLOOD_LOG_COOLDOWN")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applySecondsOverrides(&cfg)
	if cfg.App.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.App.NodeID = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applySecondsOverrides(cfg *Config) {
	overrides := []struct {
		key  string
		dest *time.Duration
	}{
		{"session.ttl_seconds", &cfg.Session.TTL},
		{"session.stale_seconds", &cfg.Session.Stale},
		{"node.ttl_seconds", &cfg.Node.TTL},
		{"node.heartbeat_seconds", &cfg.Node.Heartbeat},
		{"commands.idempotency_ttl_seconds", &cfg.Commands.IdempotencyTTL},
		{"flood_log.cooldown_seconds", &cfg.FloodLog.Cooldown},
	}
	for _, o := range overrides {
		if secs := viper.GetInt(o.key); secs > 0 {
			*o.dest = time.Duration(secs) * time.Second
		}
	}
}

func setDefaults() {
	viper.SetDefault("app.name", "ocpp-gateway")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.read_timeout", "15s")
	viper.SetDefault("http.write_timeout", "15s")
	viper.SetDefault("http.idle_timeout", "60s")
	viper.SetDefault("ocpp.port", 9000)
	viper.SetDefault("ocpp.max_payload_bytes", 131072)
	viper.SetDefault("ocpp.pending_message_limit", 32)
	viper.SetDefault("ocpp.state_mode", "strict")
	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("breaker.consecutive_failures", 5)
	viper.SetDefault("breaker.cooldown_seconds", 30)
	viper.SetDefault("breaker.half_open_successes", 1)
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", "2s")
	viper.SetDefault("nats.timeout", "5s")
	viper.SetDefault("auth.allow_basic", true)
	viper.SetDefault("auth.default_auth_types", []string{"basic", "token", "mtls"})
	viper.SetDefault("session.ttl", "300s")
	viper.SetDefault("session.stale", "90s")
	viper.SetDefault("node.ttl", "120s")
	viper.SetDefault("node.heartbeat", "30s")
	viper.SetDefault("commands.group", "ocpp-gateway")
	viper.SetDefault("commands.idempotency_ttl", "24h")
	viper.SetDefault("commands.audit_ttl", "24h")
	viper.SetDefault("commands.default_timeout", "15s")
	viper.SetDefault("response_cache.ttl", "300s")
	viper.SetDefault("response_cache.local_size", 4096)
	viper.SetDefault("rate_limiting.enabled", true)
	viper.SetDefault("rate_limiting.per_charge_point", 60)
	viper.SetDefault("rate_limiting.global", 5000)
	viper.SetDefault("rate_limiting.window", "1m")
	viper.SetDefault("rate_limiting.actions", []string{"MeterValues", "StatusNotification"})
	viper.SetDefault("flood_log.cooldown", "60s")
	viper.SetDefault("opentelemetry.service_name", "ocpp-gateway")
	viper.SetDefault("opentelemetry.jaeger.endpoint", "http://jaeger:14268/api/traces")
	viper.SetDefault("prometheus.enabled", true)
	viper.SetDefault("prometheus.path", "/metrics")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
