package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks engine operations, keeper activity, oracle failures
// and settlement backlog.
type LendingMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	liquidations   *prometheus.CounterVec
	badDebt        *prometheus.CounterVec
	oracleFailures *prometheus.CounterVec
	pendingIntents prometheus.Gauge
	keeperScans    *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process-wide lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_lending_operations_total",
				Help: "Count of lending operations by action and reason code.",
			}, []string{"action", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "senja_lending_operation_duration_seconds",
				Help:    "Latency distribution of lending operations.",
				Buckets: prometheus.DefBuckets,
			}, []string{"action"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_lending_liquidations_total",
				Help: "Liquidations attempted by the keeper, by pool and outcome.",
			}, []string{"pool", "outcome"}),
			badDebt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_lending_bad_debt_events_total",
				Help: "Number of positions whose residual debt was written off.",
			}, []string{"pool"}),
			oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_oracle_failures_total",
				Help: "Oracle feed or aggregation failures by asset and feed.",
			}, []string{"asset", "feed", "reason"}),
			pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "senja_settlement_pending_intents",
				Help: "Outbound settlement intents awaiting resolution.",
			}),
			keeperScans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_keeper_scans_total",
				Help: "Keeper scan passes by outcome.",
			}, []string{"outcome"}),
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "senja_settlement_dispatch_total",
				Help: "Settlement intents handed to the transport by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.liquidations,
			lendingRegistry.badDebt,
			lendingRegistry.oracleFailures,
			lendingRegistry.pendingIntents,
			lendingRegistry.keeperScans,
			lendingRegistry.dispatched,
		)
	})
	return lendingRegistry
}

// ObserveOperation records one engine call. An empty code means success.
func (m *LendingMetrics) ObserveOperation(action, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	action = label(action)
	m.operations.WithLabelValues(action, code).Inc()
	m.latency.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveLiquidation records a keeper liquidation attempt.
func (m *LendingMetrics) ObserveLiquidation(pool, outcome string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(label(pool), label(outcome)).Inc()
}

// ObserveBadDebt counts a write-off.
func (m *LendingMetrics) ObserveBadDebt(pool string) {
	if m == nil {
		return
	}
	m.badDebt.WithLabelValues(label(pool)).Inc()
}

// ObserveOracleFailure matches the oracle failure observer signature.
func (m *LendingMetrics) ObserveOracleFailure(asset, feed, reason string) {
	if m == nil {
		return
	}
	m.oracleFailures.WithLabelValues(strings.ToUpper(label(asset)), label(feed), label(reason)).Inc()
}

// SetPendingIntents publishes the settlement backlog.
func (m *LendingMetrics) SetPendingIntents(n int) {
	if m == nil {
		return
	}
	m.pendingIntents.Set(float64(n))
}

// ObserveKeeperScan records one keeper pass.
func (m *LendingMetrics) ObserveKeeperScan(outcome string) {
	if m == nil {
		return
	}
	m.keeperScans.WithLabelValues(label(outcome)).Inc()
}

// ObserveDispatch records transport outcomes.
func (m *LendingMetrics) ObserveDispatch(sent int, err error) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.dispatched.WithLabelValues("sent").Add(float64(sent))
	}
	if err != nil {
		m.dispatched.WithLabelValues("error").Inc()
	}
}

func label(v string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
