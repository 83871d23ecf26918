package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectedChargePoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocppgw_connected_charge_points",
		Help: "Charge points currently connected, by protocol version",
	}, []string{"version"})

	SessionTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocppgw_session_takeovers_total",
		Help: "Sessions claimed over from another node",
	})

	RejectedUpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocppgw_rejected_upgrades_total",
		Help: "WebSocket upgrades rejected before a session started",
	}, []string{"reason"})

	// Message pipeline metrics
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocppgw_messages_total",
		Help: "OCPP messages processed, by action and direction",
	}, []string{"action", "direction", "version"})

	CallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocppgw_call_errors_total",
		Help: "CALLERROR frames sent to charge points, by error code",
	}, []string{"code"})

	CachedRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocppgw_cached_replies_total",
		Help: "Inbound CALLs answered from the response cache",
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocppgw_rate_limited_total",
		Help: "Inbound CALLs rejected by the rate limiter",
	}, []string{"action", "scope"})

	// Command metrics
	CommandOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocppgw_command_outcomes_total",
		Help: "CPMS command results, by command type and status",
	}, []string{"command_type", "status"})

	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocppgw_command_latency_seconds",
		Help:    "Time from command dispatch to charger reply",
		Buckets: prometheus.DefBuckets,
	})

	PendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocppgw_pending_calls",
		Help: "Outbound CALLs awaiting a reply across all connections",
	})
)
