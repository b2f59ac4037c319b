package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
)

const namespace = "mqttpub"

// Metrics holds the delivery collectors. It implements delivery.Recorder.
type Metrics struct {
	routed          *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	ringFull        prometheus.Counter
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	spilled         *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	modeChanges     *prometheus.CounterVec
	modeCold        prometheus.Gauge

	reg prometheus.Registerer
}

var _ delivery.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routed_total",
				Help:      "Messages accepted, by delivery path",
			},
			[]string{"path"},
		),

		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Messages refused at routing time",
			},
			[]string{"reason"},
		),

		ringFull: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_full_total",
				Help:      "Hot-path pushes that found the ring buffer full",
			},
		),

		published: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "published_total",
				Help:      "Messages confirmed by a broker",
			},
			[]string{"broker"},
		),

		publishFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Failed publish attempts",
			},
			[]string{"broker"},
		),

		spilled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spilled_total",
				Help:      "Hot messages moved to the outbox",
			},
			[]string{"broker"},
		),

		deadLettered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Messages moved to the dead-letter store",
			},
			[]string{"broker", "reason"},
		),

		modeChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mode_changes_total",
				Help:      "Delivery mode transitions, by new mode",
			},
			[]string{"to"},
		),

		modeCold: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mode_cold",
				Help:      "1 while the delivery mode is cold",
			},
		),
	}
}

// ObserveState registers gauges read from state at scrape time.
func (m *Metrics) ObserveState(state *delivery.State) {
	f := promauto.With(m.reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Messages in the ring buffer",
	}, func() float64 { return float64(state.Queue.Len()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_capacity",
		Help:      "Ring buffer capacity in slots",
	}, func() float64 { return float64(state.Queue.Cap()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending",
		Help:      "Approximate number of outbox rows",
	}, func() float64 { return float64(state.OutboxPending()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_running",
		Help:      "1 while the drain worker is running",
	}, func() float64 {
		if state.Running() {
			return 1
		}
		return 0
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "brokers_connected",
		Help:      "Active brokers in the connected state",
	}, func() float64 {
		n := 0
		for _, cfg := range state.Registry.Configs() {
			if state.Registry.Healthy(cfg.Name) {
				n++
			}
		}
		return float64(n)
	})
}

// Routed records an accepted message.
func (m *Metrics) Routed(path delivery.Path) {
	m.routed.WithLabelValues(string(path)).Inc()
}

// Rejected records a refused message.
func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// RingFull records ring buffer pressure.
func (m *Metrics) RingFull() {
	m.ringFull.Inc()
}

// Published records a confirmed publish.
func (m *Metrics) Published(broker string) {
	m.published.WithLabelValues(broker).Inc()
}

// PublishFailed records a failed attempt.
func (m *Metrics) PublishFailed(broker string) {
	m.publishFailures.WithLabelValues(broker).Inc()
}

// Spilled records a hot message moved to the outbox.
func (m *Metrics) Spilled(broker string) {
	m.spilled.WithLabelValues(broker).Inc()
}

// DeadLettered records a dead-lettered message.
func (m *Metrics) DeadLettered(broker, reason string) {
	m.deadLettered.WithLabelValues(broker, reason).Inc()
}

// ModeChanged records a mode transition.
func (m *Metrics) ModeChanged(to delivery.Mode) {
	m.modeChanges.WithLabelValues(to.String()).Inc()
	if to == delivery.ModeCold {
		m.modeCold.Set(1)
	} else {
		m.modeCold.Set(0)
	}
}

// Handler serves the Prometheus exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
