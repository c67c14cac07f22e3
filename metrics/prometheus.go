package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector backed by Prometheus. Metrics are
// registered lazily on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	feedsStarted  *prometheus.CounterVec
	feedsActive   *prometheus.GaugeVec
	feedsDegraded *prometheus.CounterVec

	publicationsActive *prometheus.GaugeVec
	listenersActive    *prometheus.GaugeVec
	flushes            *prometheus.CounterVec
	flushUpdates       *prometheus.HistogramVec
	flushBytes         *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	released           *prometheus.CounterVec

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	dropped        *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector. A nil registerer means
// prometheus.DefaultRegisterer; an empty namespace means "batchpub".
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "batchpub"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.feedsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "feed",
			Name:      "started_total",
			Help:      "Total change feed observations started by mode.",
		}, []string{"collection", "mode"})
		p.feedsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "feed",
			Name:      "active",
			Help:      "Change feed observations currently running.",
		}, []string{"collection", "mode"})
		p.feedsDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "feed",
			Name:      "degraded_total",
			Help:      "Queries that fell back to polling, by reason.",
		}, []string{"collection", "reason"})

		p.publicationsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "active",
			Help:      "Shared publications currently alive by kind (batch, composite).",
		}, []string{"kind"})
		p.listenersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "listeners",
			Help:      "Listeners attached to shared publications.",
		}, []string{"kind"})
		p.flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "flushes_total",
			Help:      "updateBatch messages built.",
		}, []string{"kind"})
		p.flushUpdates = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "flush_updates",
			Help:      "Updates carried per updateBatch message.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 .. 16384
		}, []string{"kind"})
		p.flushBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "flush_bytes_total",
			Help:      "Serialized bytes of updateBatch messages.",
		}, []string{"kind"})
		p.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "publication",
			Name:      "deliveries_total",
			Help:      "updateBatch messages handed to listeners.",
		}, []string{"kind"})
		p.released = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "composite",
			Name:      "documents_released_total",
			Help:      "Documents whose last claim was released.",
		}, []string{"collection"})

		p.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Open WebSocket sessions.",
		})
		p.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "WebSocket sessions opened.",
		})
		p.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "server",
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped by reason.",
		}, []string{"reason"})

		p.reg.MustRegister(
			p.feedsStarted, p.feedsActive, p.feedsDegraded,
			p.publicationsActive, p.listenersActive, p.flushes, p.flushUpdates,
			p.flushBytes, p.deliveries, p.released,
			p.sessionsActive, p.sessionsTotal, p.dropped,
		)
	})
}

// FeedStarted increments started feeds and the active gauge.
func (p *Prometheus) FeedStarted(collection, mode string) {
	p.ensureRegistered()
	p.feedsStarted.WithLabelValues(collection, mode).Inc()
	p.feedsActive.WithLabelValues(collection, mode).Inc()
}

// FeedStopped decrements the active gauge.
func (p *Prometheus) FeedStopped(collection, mode string) {
	p.ensureRegistered()
	p.feedsActive.WithLabelValues(collection, mode).Dec()
}

// FeedDegraded counts a fallback to polling.
func (p *Prometheus) FeedDegraded(collection, reason string) {
	p.ensureRegistered()
	p.feedsDegraded.WithLabelValues(collection, reason).Inc()
}

func (p *Prometheus) PublicationOpened(kind string) {
	p.ensureRegistered()
	p.publicationsActive.WithLabelValues(kind).Inc()
}

func (p *Prometheus) PublicationClosed(kind string) {
	p.ensureRegistered()
	p.publicationsActive.WithLabelValues(kind).Dec()
}

func (p *Prometheus) ListenerAttached(kind string) {
	p.ensureRegistered()
	p.listenersActive.WithLabelValues(kind).Inc()
}

func (p *Prometheus) ListenerDetached(kind string) {
	p.ensureRegistered()
	p.listenersActive.WithLabelValues(kind).Dec()
}

// BatchFlushed records one broadcast message and its fan-out.
func (p *Prometheus) BatchFlushed(kind string, updates, bytes, listeners int) {
	p.ensureRegistered()
	p.flushes.WithLabelValues(kind).Inc()
	p.flushUpdates.WithLabelValues(kind).Observe(float64(updates))
	p.flushBytes.WithLabelValues(kind).Add(float64(bytes))
	p.deliveries.WithLabelValues(kind).Add(float64(listeners))
}

func (p *Prometheus) DocumentReleased(collection string) {
	p.ensureRegistered()
	p.released.WithLabelValues(collection).Inc()
}

func (p *Prometheus) SessionOpened() {
	p.ensureRegistered()
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *Prometheus) SessionClosed() {
	p.ensureRegistered()
	p.sessionsActive.Dec()
}

func (p *Prometheus) MessageDropped(reason string) {
	p.ensureRegistered()
	p.dropped.WithLabelValues(reason).Inc()
}
