// Package metrics holds the Prometheus instruments of the signal engine and
// the /metrics + /healthz HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	// Strategy core
	CandlesProcessed          prometheus.Counter
	SignalsEmitted            prometheus.Counter
	SignalsSuppressedDedup    prometheus.Counter
	SignalsRejectedValidation *prometheus.CounterVec // labels: reason
	CacheColdStarts           prometheus.Counter
	CacheDivergence           prometheus.Counter
	InvariantViolations       prometheus.Counter
	TickDuration              prometheus.Histogram

	// Scheduler
	LeaseContention     prometheus.Counter
	TickErrorsTransient prometheus.Counter
	TickErrorsFatal     prometheus.Counter
	TicksSkippedClosed  prometheus.Counter
	ActiveWorkers       prometheus.Gauge
	LeaseHolders        prometheus.Gauge
	KeyState            *prometheus.GaugeVec // labels: key; value = engine.KeyState
	KeyHeartbeat        *prometheus.GaugeVec // labels: key; unix seconds

	// Notification fan-out
	NotificationsSent       *prometheus.CounterVec // labels: channel
	NotificationsFailed     *prometheus.CounterVec // labels: channel
	NotificationsSuppressed *prometheus.CounterVec // labels: channel, reason
	NotificationsDropped    *prometheus.CounterVec // labels: channel
	CircuitOpenings         *prometheus.CounterVec // labels: channel
	CircuitState            *prometheus.GaugeVec   // labels: channel; 0=closed, 1=open, 2=half-open
	QueueDepth              *prometheus.GaugeVec   // labels: channel
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_candles_processed_total",
			Help: "Complete candles folded into indicator state",
		}),
		SignalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_signals_emitted_total",
			Help: "Signals written to the signal repository",
		}),
		SignalsSuppressedDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_signals_suppressed_dedup_total",
			Help: "Crossover events suppressed because the signal already exists",
		}),
		SignalsRejectedValidation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_signals_rejected_validation_total",
			Help: "Crossover candidates rejected by validation",
		}, []string{"reason"}),
		CacheColdStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_cache_cold_starts_total",
			Help: "Ticks that rebuilt indicator state from the candle store",
		}),
		CacheDivergence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_cache_divergence_total",
			Help: "Indicator cache writes that failed after signals were persisted",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_invariant_violations_total",
			Help: "Running sums that disagreed with recomputation from the window",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalengine_tick_duration_seconds",
			Help:    "Wall time of a key tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		LeaseContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_lease_contention_total",
			Help: "Ticks skipped because another holder had the key lease",
		}),
		TickErrorsTransient: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_tick_errors_transient_total",
			Help: "Ticks aborted by a transient error",
		}),
		TickErrorsFatal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_tick_errors_fatal_total",
			Help: "Ticks aborted by a non-transient error or panic",
		}),
		TicksSkippedClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalengine_ticks_skipped_market_closed_total",
			Help: "Scheduled ticks skipped while the forex market is closed",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalengine_active_workers",
			Help: "Ticks currently running",
		}),
		LeaseHolders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalengine_lease_holders",
			Help: "Key leases currently held by this process",
		}),
		KeyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalengine_key_state",
			Help: "Key state (0=uninitialized, 1=warming, 2=ready, 3=processing, 4=degraded)",
		}, []string{"key"}),
		KeyHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalengine_key_heartbeat_seconds",
			Help: "Unix time of the last completed tick per key",
		}, []string{"key"}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_notifications_sent_total",
			Help: "Notifications delivered",
		}, []string{"channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_notifications_failed_total",
			Help: "Notifications that ended FAILED",
		}, []string{"channel"}),
		NotificationsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_notifications_suppressed_total",
			Help: "Notifications suppressed by dedup or an open circuit",
		}, []string{"channel", "reason"}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_notifications_dropped_total",
			Help: "Notifications dropped because the channel queue was full",
		}, []string{"channel"}),
		CircuitOpenings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalengine_circuit_openings_total",
			Help: "Times a channel circuit breaker tripped open",
		}, []string{"channel"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalengine_circuit_state",
			Help: "Channel circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"channel"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalengine_queue_depth",
			Help: "Items waiting in a channel queue",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.CandlesProcessed,
		m.SignalsEmitted,
		m.SignalsSuppressedDedup,
		m.SignalsRejectedValidation,
		m.CacheColdStarts,
		m.CacheDivergence,
		m.InvariantViolations,
		m.TickDuration,
		m.LeaseContention,
		m.TickErrorsTransient,
		m.TickErrorsFatal,
		m.TicksSkippedClosed,
		m.ActiveWorkers,
		m.LeaseHolders,
		m.KeyState,
		m.KeyHeartbeat,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationsSuppressed,
		m.NotificationsDropped,
		m.CircuitOpenings,
		m.CircuitState,
		m.QueueDepth,
	)
	return m
}

// NewNop returns metrics registered with a private registry (tests, tools).
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
