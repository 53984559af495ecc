package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总交易引擎对外暴露的 Prometheus 指标，使用独立 Registry。
// nil 接收者上的所有方法都是空操作。
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened *prometheus.CounterVec
	legsClosed      *prometheus.CounterVec
	tradeFailures   *prometheus.CounterVec
	breakerTripped  prometheus.Gauge
	openPositions   *prometheus.GaugeVec
	portfolioValue  prometheus.Gauge
	cycleErrors     *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		positionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_opened_total",
				Help:      "Two-leg positions opened.",
			},
			[]string{"asset", "settlement"},
		),
		legsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "legs_closed_total",
				Help:      "Legs closed split by leg kind and reason.",
			},
			[]string{"asset", "kind", "reason"},
		),
		tradeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trade_failures_total",
				Help:      "Rejected or failed executions.",
			},
			[]string{"asset", "side"},
		),
		breakerTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_tripped",
				Help:      "1 while the circuit breaker is tripped.",
			},
		),
		openPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_positions",
				Help:      "Distinct open positions per asset.",
			},
			[]string{"asset"},
		),
		portfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portfolio_value",
				Help:      "Portfolio value in the quote asset.",
			},
		),
		cycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_errors_total",
				Help:      "Asset cycles that ended with an error.",
			},
			[]string{"asset"},
		),
	}
	m.registry.MustRegister(
		m.positionsOpened,
		m.legsClosed,
		m.tradeFailures,
		m.breakerTripped,
		m.openPositions,
		m.portfolioValue,
		m.cycleErrors,
	)
	return m
}

// Registry 返回内部 Registry，测试中用于读取指标。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PositionOpened(asset, settlement string) {
	if m == nil {
		return
	}
	m.positionsOpened.WithLabelValues(asset, settlement).Inc()
}

func (m *Metrics) LegClosed(asset, kind, reason string) {
	if m == nil {
		return
	}
	m.legsClosed.WithLabelValues(asset, kind, reason).Inc()
}

func (m *Metrics) TradeFailed(asset, side string) {
	if m == nil {
		return
	}
	m.tradeFailures.WithLabelValues(asset, side).Inc()
}

func (m *Metrics) SetBreakerTripped(tripped bool) {
	if m == nil {
		return
	}
	if tripped {
		m.breakerTripped.Set(1)
		return
	}
	m.breakerTripped.Set(0)
}

func (m *Metrics) SetOpenPositions(asset string, n int) {
	if m == nil {
		return
	}
	m.openPositions.WithLabelValues(asset).Set(float64(n))
}

func (m *Metrics) SetPortfolioValue(v float64) {
	if m == nil {
		return
	}
	m.portfolioValue.Set(v)
}

func (m *Metrics) CycleError(asset string) {
	if m == nil {
		return
	}
	m.cycleErrors.WithLabelValues(asset).Inc()
}
