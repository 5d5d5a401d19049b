// Package metrics exposes the matcher's prometheus instruments.
//
// Every method is safe on a nil *Metrics so components can be built without
// instrumentation (tests, tools).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zeroday"

type Metrics struct {
	registry *prometheus.Registry

	ordersAccepted   *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	ordersExpired    prometheus.Counter
	openOrders       *prometheus.GaugeVec
	matches          prometheus.Counter
	matchedQty       prometheus.Counter
	feesAccrued      prometheus.Counter
	liquidations     prometheus.Counter
	proposalFailures prometheus.Counter
	tickSeconds      prometheus.Histogram
	markPrice        prometheus.Gauge
	eventsDropped    prometheus.Counter
	wsClients        prometheus.Gauge
}

// New registers all instruments on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders admitted to the book",
		}, []string{"side", "signed"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected at intake, by reason",
		}, []string{"reason"}),
		ordersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_expired_total",
			Help:      "Orders dropped by lazy expiry",
		}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_orders",
			Help:      "Orders resting in the book",
		}, []string{"side"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Trades applied to the ledger",
		}),
		matchedQty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_qty_total",
			Help:      "Quantity traded",
		}),
		feesAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_accrued_total",
			Help:      "Maker plus taker fees charged",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions force-closed by the sweep",
		}),
		proposalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_proposal_failures_total",
			Help:      "On-chain match proposals that failed or timed out",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_seconds",
			Help:      "Wall time of one matching tick",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		markPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mark_price",
			Help:      "Current oracle mark price",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped for slow subscribers",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersAccepted,
		m.ordersRejected,
		m.ordersExpired,
		m.openOrders,
		m.matches,
		m.matchedQty,
		m.feesAccrued,
		m.liquidations,
		m.proposalFailures,
		m.tickSeconds,
		m.markPrice,
		m.eventsDropped,
		m.wsClients,
	)
	return m
}

// Registry returns the registry backing Handler, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderAccepted(side string, signed bool) {
	if m == nil {
		return
	}
	s := "false"
	if signed {
		s = "true"
	}
	m.ordersAccepted.WithLabelValues(side, s).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrdersExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ordersExpired.Add(float64(n))
}

// SetOpenOrders records the resting depth of each side.
func (m *Metrics) SetOpenOrders(buys, sells int) {
	if m == nil {
		return
	}
	m.openOrders.WithLabelValues("buy").Set(float64(buys))
	m.openOrders.WithLabelValues("sell").Set(float64(sells))
}

func (m *Metrics) Matched(qty, fees int64) {
	if m == nil {
		return
	}
	m.matches.Inc()
	m.matchedQty.Add(float64(qty))
	m.feesAccrued.Add(float64(fees))
}

func (m *Metrics) Liquidated() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *Metrics) ProposalFailed() {
	if m == nil {
		return
	}
	m.proposalFailures.Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickSeconds.Observe(d.Seconds())
}

func (m *Metrics) SetMark(price int64) {
	if m == nil {
		return
	}
	m.markPrice.Set(float64(price))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) WSClientAdd(n int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(n))
}
