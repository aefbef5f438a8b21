package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"senja/core/events"
)

// EventMetrics counts committed engine events. It satisfies events.Emitter so
// it can sit in a MultiEmitter next to the journal.
type EventMetrics struct {
	emitted  *prometheus.CounterVec
	seized   *prometheus.CounterVec
	badDebt  *prometheus.CounterVec
	interest *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking engine events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senja",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed engine events segmented by type.",
			}, []string{"type"}),
			seized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senja",
				Subsystem: "events",
				Name:      "collateral_seized_total",
				Help:      "Collateral seized by liquidations in base units, by pool.",
			}, []string{"pool"}),
			badDebt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senja",
				Subsystem: "events",
				Name:      "bad_debt_total",
				Help:      "Debt written off in base units, by pool.",
			}, []string{"pool"}),
			interest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senja",
				Subsystem: "events",
				Name:      "interest_accrued_total",
				Help:      "Interest folded into pool totals in base units, by pool.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.seized, eventRegistry.badDebt, eventRegistry.interest)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.LendingLiquidated:
		m.seized.WithLabelValues(labelPool(e.Pool)).Add(bigToFloat(e.SeizedCollateral))
	case events.LendingBadDebt:
		m.badDebt.WithLabelValues(labelPool(e.Pool)).Add(bigToFloat(e.Assets))
	case events.LendingInterestAccrued:
		m.interest.WithLabelValues(labelPool(e.Pool)).Add(bigToFloat(e.Interest))
	}
}

func labelPool(pool string) string {
	if trimmed := strings.TrimSpace(pool); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
