package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/adapter/bus"
	"github.com/voltgrid/ocpp-gateway/internal/adapter/kv"
	"github.com/voltgrid/ocpp-gateway/internal/auth"
	"github.com/voltgrid/ocpp-gateway/internal/cluster"
	"github.com/voltgrid/ocpp-gateway/internal/command"
	"github.com/voltgrid/ocpp-gateway/internal/domain/events"
	"github.com/voltgrid/ocpp-gateway/internal/gateway"
	"github.com/voltgrid/ocpp-gateway/internal/observability/telemetry"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
	"github.com/voltgrid/ocpp-gateway/internal/ocpp/schema"
	v16 "github.com/voltgrid/ocpp-gateway/internal/ocpp/v16"
	v2 "github.com/voltgrid/ocpp-gateway/internal/ocpp/v2"
	"github.com/voltgrid/ocpp-gateway/internal/ops"
	"github.com/voltgrid/ocpp-gateway/internal/ports"
	"github.com/voltgrid/ocpp-gateway/internal/ratelimit"
	"github.com/voltgrid/ocpp-gateway/internal/respcache"
	"github.com/voltgrid/ocpp-gateway/internal/session"
	"github.com/voltgrid/ocpp-gateway/internal/state"
	"github.com/voltgrid/ocpp-gateway/pkg/config"
)

const serviceName = "ocpp-gateway"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting OCPP gateway",
		zap.String("service", serviceName),
		zap.String("node_id", cfg.App.NodeID),
		zap.String("environment", cfg.App.Environment),
	)

	if cfg.OpenTelemetry.Enabled {
		tracerProvider, err := telemetry.InitTracer(cfg.OpenTelemetry.ServiceName, cfg.OpenTelemetry.Jaeger.Endpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// Shared KV store: session ownership, identities, caches, rate windows.
	store, err := kv.NewRedisStore(cfg.Redis.URL, cfg.Redis.ReadTimeout, kv.BreakerConfig{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		CooldownSeconds:     cfg.Breaker.CooldownSeconds,
		HalfOpenSuccesses:   cfg.Breaker.HalfOpenSuccesses,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer store.Close()

	messageBus, err := newBus(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message bus", zap.Error(err))
	}
	defer messageBus.Close()

	registry, err := schema.NewRegistry(schema.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to load OCPP schemas", zap.Error(err))
	}

	publisher := events.NewPublisher(messageBus, events.NewFactory(cfg.App.NodeID), logger)
	stateStore := state.NewStore(state.Mode(cfg.OCPP.StateMode), logger)
	flood := ratelimit.NewKVFloodLogger(logger, store, cfg.FloodLog.Cooldown)

	limiter := ratelimit.NewLimiter(store, rateLimits(cfg), logger)
	cache := respcache.New(respcache.Config{
		TTL:       cfg.ResponseCache.TTL,
		LocalSize: cfg.ResponseCache.LocalSize,
	}, store, logger)

	authenticator := auth.NewAuthenticator(auth.NewKVIdentityProvider(store), store, auth.Config{
		AllowBasic:          cfg.Auth.AllowBasic,
		DefaultAuthTypes:    cfg.Auth.DefaultAuthTypes,
		RequireProtocolList: cfg.Auth.RequireProtocolList,
		AllowedIPs:          cfg.Auth.AllowedIPs,
		AllowedCIDRs:        cfg.Auth.AllowedCIDRs,
		TrustProxy:          cfg.OCPP.TrustProxy,
	}, logger, flood)

	directory := session.NewDirectory(store, store, cfg.App.NodeID, session.Config{
		TTL:   cfg.Session.TTL,
		Stale: cfg.Session.Stale,
	}, logger)

	v2Adapter := v2.NewAdapter(stateStore, publisher, logger)
	handlers := map[ocpp.Version]gateway.CallHandler{
		ocpp.V16:  v16.NewAdapter(stateStore, publisher, logger),
		ocpp.V201: v2Adapter,
		ocpp.V21:  v2Adapter,
	}
	engine := gateway.NewEngine(registry, cache, limiter, handlers, logger)

	server := gateway.NewServer(engine, authenticator, directory, registry, publisher, flood,
		cfg.App.NodeID, gateway.Config{
			MaxPayloadBytes:     cfg.OCPP.MaxPayloadBytes,
			PendingMessageLimit: cfg.OCPP.PendingMessageLimit,
			TrustProxy:          cfg.OCPP.TrustProxy,
		}, logger)

	control := session.NewControl(messageBus, cfg.App.NodeID, server, logger)
	server.SetControl(control)
	if err := control.Start(); err != nil {
		logger.Fatal("Failed to start session control consumer", zap.Error(err))
	}
	defer control.Stop()

	nodeDir := cluster.NewNodeDirectory(store, cfg.App.NodeID,
		cluster.CommandTopic(cfg.App.NodeID), session.SessionControlTopic(cfg.App.NodeID),
		cluster.Config{TTL: cfg.Node.TTL, Heartbeat: cfg.Node.Heartbeat}, logger)
	if err := nodeDir.Start(context.Background()); err != nil {
		logger.Fatal("Failed to register node", zap.Error(err))
	}

	audit := command.NewAuditStore(store, cfg.Commands.AuditTTL, logger).WithEvents(publisher)
	dispatcher := command.NewDispatcher(registry, audit, cfg.Commands.DefaultTimeout, logger)
	consumer := command.NewConsumer(messageBus, store, directory, nodeDir, dispatcher, audit,
		publisher, localConnections(server), cfg.App.NodeID, command.Config{
			Group:          cfg.Commands.Group,
			IdempotencyTTL: cfg.Commands.IdempotencyTTL,
		}, logger)
	if err := consumer.Start(); err != nil {
		logger.Fatal("Failed to start command consumer", zap.Error(err))
	}

	ocppServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.OCPP.Port),
		Handler:     server,
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info("Starting OCPP WebSocket server", zap.Int("port", cfg.OCPP.Port))
		var err error
		if cfg.OCPP.Security.Enabled {
			ocppServer.TLSConfig, err = tlsConfig(cfg.OCPP.Security)
			if err != nil {
				logger.Fatal("Failed to build TLS config", zap.Error(err))
			}
			err = ocppServer.ListenAndServeTLS(cfg.OCPP.Security.TLSCert, cfg.OCPP.Security.TLSKey)
		} else {
			err = ocppServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("OCPP server failed", zap.Error(err))
		}
	}()

	app := newOpsApp(cfg, store)
	ops.NewHandler(messageBus, audit, directory, control, logger).Register(app)
	go func() {
		logger.Info("Starting ops HTTP server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("Ops HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer.Stop()
	nodeDir.Stop(ctx)
	server.Shutdown()
	if err := ocppServer.Shutdown(ctx); err != nil {
		logger.Warn("OCPP server shutdown failed", zap.Error(err))
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Warn("Ops server shutdown failed", zap.Error(err))
	}
	logger.Info("Gateway exited gracefully")
}

// newBus selects the broker. NATS is the default; RabbitMQ covers deployments
// already running one.
func newBus(cfg *config.Config, logger *zap.Logger) (ports.Bus, error) {
	if cfg.RabbitMQ.Enabled {
		return bus.NewRabbitMQBus(cfg.RabbitMQ.URL, logger)
	}
	return bus.NewNATSBus(cfg.NATS.URL, bus.BreakerConfig{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		CooldownSeconds:     cfg.Breaker.CooldownSeconds,
		HalfOpenSuccesses:   cfg.Breaker.HalfOpenSuccesses,
	}, logger)
}

func rateLimits(cfg *config.Config) ratelimit.Config {
	if !cfg.RateLimiting.Enabled {
		return ratelimit.Config{}
	}
	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimiting.Actions))
	for _, action := range cfg.RateLimiting.Actions {
		limits[action] = ratelimit.Limit{
			PerChargePoint: cfg.RateLimiting.PerChargePoint,
			Global:         cfg.RateLimiting.Global,
			Window:         cfg.RateLimiting.Window,
		}
	}
	return ratelimit.Config{Limits: limits}
}

func localConnections(server *gateway.Server) command.ConnectionLookup {
	return func(chargePointID string) (command.CallSender, bool) {
		conn, ok := server.Connection(chargePointID)
		if !ok {
			return nil, false
		}
		return conn, true
	}
}

func tlsConfig(sec config.OCPPSecurity) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if !sec.ClientAuth {
		return tc, nil
	}
	pem, err := os.ReadFile(sec.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", sec.CACert)
	}
	tc.ClientCAs = pool
	// Identities decide whether a certificate is required; the listener only
	// verifies what is presented.
	tc.ClientAuth = tls.VerifyClientCertIfGiven
	return tc, nil
}

func newOpsApp(cfg *config.Config, store *kv.RedisStore) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
	})
	app.Use(recover.New())

	app.Get("/health/live", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/health/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("KV store not ready")
		}
		return c.SendString("Ready")
	})

	if cfg.Prometheus.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}
	return app
}
