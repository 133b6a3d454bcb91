package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator metrics
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aethelgard_cycles_total",
			Help: "Total number of completed orchestrator cycles",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aethelgard_cycle_duration_seconds",
			Help:    "Distribution of orchestrator cycle durations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// Signal metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aethelgard_signals_total",
			Help: "Signals by lifecycle status",
		},
		[]string{"status"},
	)

	vetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aethelgard_vetoes_total",
			Help: "Governor vetoes by reason",
		},
		[]string{"reason"},
	)

	expirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aethelgard_expirations_total",
			Help: "Pending signals aged out by the expiration manager",
		},
	)

	// Trade metrics
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aethelgard_trades_total",
			Help: "Closed trades by outcome",
		},
		[]string{"outcome"},
	)

	// Risk metrics
	lockdownGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aethelgard_lockdown",
			Help: "1 while the risk governor lockdown is engaged",
		},
	)

	consecutiveLosses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aethelgard_consecutive_losses",
			Help: "Current consecutive-loss counter",
		},
	)

	sizingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aethelgard_sizing_duration_seconds",
			Help:    "Distribution of master position-sizing durations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// Account metrics
	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aethelgard_open_positions",
			Help: "Open broker positions the position manager tracks",
		},
	)

	accountBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aethelgard_account_balance",
			Help: "Last known account balance",
		},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aethelgard_errors_total",
			Help: "Errors the loop survived, by component",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(vetoesTotal)
	prometheus.MustRegister(expirationsTotal)
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(lockdownGauge)
	prometheus.MustRegister(consecutiveLosses)
	prometheus.MustRegister(sizingDuration)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(accountBalance)
	prometheus.MustRegister(errorsTotal)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records one completed orchestrator cycle.
func RecordCycle(d time.Duration) {
	cyclesTotal.Inc()
	cycleDuration.Observe(d.Seconds())
}

// RecordSignal counts a signal reaching a lifecycle status.
func RecordSignal(status string) {
	signalsTotal.WithLabelValues(status).Inc()
}

// RecordVeto counts a governor veto by its machine-readable reason.
func RecordVeto(reason string) {
	vetoesTotal.WithLabelValues(reason).Inc()
}

// RecordExpirations counts signals aged out in one sweep.
func RecordExpirations(n int) {
	expirationsTotal.Add(float64(n))
}

// RecordTradeOutcome counts a closed trade.
func RecordTradeOutcome(isWin bool) {
	outcome := "loss"
	if isWin {
		outcome = "win"
	}
	tradesTotal.WithLabelValues(outcome).Inc()
}

// SetLockdown mirrors the lockdown flag.
func SetLockdown(locked bool) {
	if locked {
		lockdownGauge.Set(1)
	} else {
		lockdownGauge.Set(0)
	}
}

// SetConsecutiveLosses mirrors the loss counter.
func SetConsecutiveLosses(n int) {
	consecutiveLosses.Set(float64(n))
}

// ObserveSizing records one master-sizing run.
func ObserveSizing(d time.Duration) {
	sizingDuration.Observe(d.Seconds())
}

// SetOpenPositions mirrors the tracked open-position count.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// SetAccountBalance mirrors the last known balance.
func SetAccountBalance(balance float64) {
	accountBalance.Set(balance)
}

// RecordError counts a survived error by component.
func RecordError(component string) {
	errorsTotal.WithLabelValues(component).Inc()
}
