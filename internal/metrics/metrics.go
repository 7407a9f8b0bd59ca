// Package metrics provides Prometheus collectors for the trading agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upbit_bot"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cycle metrics
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	LastCycle        prometheus.Gauge
	AssetErrors      *prometheus.CounterVec
	SnapshotFailures *prometheus.CounterVec

	// Order metrics
	OrdersSubmitted   *prometheus.CounterVec
	OrdersFailed      *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	PendingOrders     *prometheus.GaugeVec
	OracleDecisions   *prometheus.CounterVec
	OracleLatency     *prometheus.HistogramVec
	BrokerageRequests *prometheus.CounterVec

	// Portfolio metrics
	TotalEquity      prometheus.Gauge
	AssetCapital     *prometheus.GaugeVec
	RealizedPnL      *prometheus.CounterVec
	TodayPnL         *prometheus.GaugeVec
	CircuitTripped   *prometheus.CounterVec
	TradingEnabled   *prometheus.GaugeVec
	PositionStatuses *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer registers every collector on reg
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Trading cycles run, by result",
		}, []string{"result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one trading cycle",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		LastCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "last_cycle_timestamp",
			Help:      "Unix time of the last completed cycle",
		}),
		AssetErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "asset_errors_total",
			Help:      "Per-asset processing failures, by stage",
		}, []string{"market", "stage"}),
		SnapshotFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "snapshot_failures_total",
			Help:      "Markets whose data could not be fetched for a cycle",
		}, []string{"market"}),

		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "submitted_total",
			Help:      "Orders accepted by the exchange",
		}, []string{"market", "order_type"}),
		OrdersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "failed_total",
			Help:      "Orders rejected before or by the exchange",
		}, []string{"market", "order_type"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "reconciliations_total",
			Help:      "Pending-order reconciliation outcomes",
		}, []string{"market", "action"}),
		PendingOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "pending",
			Help:      "1 while the market has an order awaiting settlement",
		}, []string{"market"}),
		OracleDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "decisions_total",
			Help:      "Oracle verdicts, by category and decision",
		}, []string{"category", "decision"}),
		OracleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "request_duration_seconds",
			Help:      "Oracle round-trip time",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 90},
		}, []string{"provider"}),
		BrokerageRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upbit",
			Name:      "requests_total",
			Help:      "Brokerage API calls, by endpoint and result",
		}, []string{"endpoint", "result"}),

		TotalEquity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "total_equity_krw",
			Help:      "Realized capital plus unrealized pnl across all markets",
		}),
		AssetCapital: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "capital_krw",
			Help:      "Realized capital per market",
		}, []string{"market"}),
		RealizedPnL: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "realized_pnl_events_total",
			Help:      "Settled exits, by sign",
		}, []string{"market", "sign"}),
		TodayPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "today_pnl_krw",
			Help:      "Realized pnl of the current trading day",
		}, []string{"market"}),
		CircuitTripped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "circuit_breaker_trips_total",
			Help:      "Daily loss limit trips",
		}, []string{"market"}),
		TradingEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "trading_enabled",
			Help:      "1 while the market may trade",
		}, []string{"market"}),
		PositionStatuses: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "position_status",
			Help:      "1 for the current position status of each market",
		}, []string{"market", "status"}),
	}
}

// Handler serves the registry created by New, or the default registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle records one completed cycle
func (m *Metrics) RecordCycle(started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(time.Since(started).Seconds())
	m.LastCycle.SetToCurrentTime()
}

// RecordAssetError counts a failed per-asset stage
func (m *Metrics) RecordAssetError(market, stage string) {
	if m == nil {
		return
	}
	m.AssetErrors.WithLabelValues(market, stage).Inc()
}

// RecordSnapshotFailure counts a market whose data was missing
func (m *Metrics) RecordSnapshotFailure(market string) {
	if m == nil {
		return
	}
	m.SnapshotFailures.WithLabelValues(market).Inc()
}

// RecordOrder counts an order submission attempt
func (m *Metrics) RecordOrder(market, orderType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OrdersFailed.WithLabelValues(market, orderType).Inc()
		return
	}
	m.OrdersSubmitted.WithLabelValues(market, orderType).Inc()
}

// RecordReconcile counts a reconciliation outcome
func (m *Metrics) RecordReconcile(market, action string) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(market, action).Inc()
}

// RecordRealized counts a settled exit by the sign of its pnl
func (m *Metrics) RecordRealized(market string, pnl float64) {
	if m == nil {
		return
	}
	sign := "win"
	if pnl <= 0 {
		sign = "loss"
	}
	m.RealizedPnL.WithLabelValues(market, sign).Inc()
}

// RecordOracle records one oracle verdict and its latency
func (m *Metrics) RecordOracle(provider, category, decision string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OracleDecisions.WithLabelValues(category, decision).Inc()
	m.OracleLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordBrokerage counts one brokerage API call
func (m *Metrics) RecordBrokerage(endpoint string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BrokerageRequests.WithLabelValues(endpoint, result).Inc()
}

// RecordTrip counts a daily loss limit trip
func (m *Metrics) RecordTrip(market string) {
	if m == nil {
		return
	}
	m.CircuitTripped.WithLabelValues(market).Inc()
}

// AssetGauges is the per-market view published after every cycle
type AssetGauges struct {
	Market         string
	Capital        float64
	TodayPnL       float64
	TradingEnabled bool
	Pending        bool
	Status         string
}

// statuses lists every label value of PositionStatuses so stale ones reset
var statuses = []string{"NONE", "VANGUARD_IN", "FULL_POSITION", "PARTIAL_EXIT", "ORDER_PENDING"}

// SetAsset publishes the per-market gauges
func (m *Metrics) SetAsset(g AssetGauges) {
	if m == nil {
		return
	}
	m.AssetCapital.WithLabelValues(g.Market).Set(g.Capital)
	m.TodayPnL.WithLabelValues(g.Market).Set(g.TodayPnL)
	m.TradingEnabled.WithLabelValues(g.Market).Set(boolGauge(g.TradingEnabled))
	m.PendingOrders.WithLabelValues(g.Market).Set(boolGauge(g.Pending))
	for _, s := range statuses {
		m.PositionStatuses.WithLabelValues(g.Market, s).Set(boolGauge(s == g.Status))
	}
}

// SetEquity publishes the total equity
func (m *Metrics) SetEquity(equity float64) {
	if m == nil {
		return
	}
	m.TotalEquity.Set(equity)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
