package connectlink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts sync activity. A nil *Metrics records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	reconciles    prometheus.Counter
	sends         *prometheus.CounterVec
	feedStates    *prometheus.CounterVec
	reconnects    prometheus.Counter
	openViews     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectlink",
			Name:      "sync_fetches_total",
			Help:      "Authoritative message reads by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "connectlink",
			Name:      "sync_fetch_duration_seconds",
			Help:      "Latency of authoritative message reads.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connectlink",
			Name:      "reconcile_runs_total",
			Help:      "Reads merged into a local view.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectlink",
			Name:      "sends_total",
			Help:      "Message appends by result.",
		}, []string{"result"}),
		feedStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectlink",
			Name:      "feed_state_transitions_total",
			Help:      "Change feed subscription state transitions.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connectlink",
			Name:      "feed_reconnects_total",
			Help:      "Subscriptions that became active again after a drop.",
		}),
		openViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connectlink",
			Name:      "open_views",
			Help:      "Conversations currently open.",
		}),
	}
	reg.MustRegister(m.fetches, m.fetchDuration, m.reconciles, m.sends, m.feedStates, m.reconnects, m.openViews)
	return m
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case IsRetryable(err):
		return "transient"
	case isAuth(err):
		return "auth"
	case isValidation(err):
		return "validation"
	}
	return "error"
}

func (m *Metrics) fetch(start time.Time, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(resultLabel(err)).Inc()
	m.fetchDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) reconcile() {
	if m == nil {
		return
	}
	m.reconciles.Inc()
}

func (m *Metrics) send(err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) feedState(st FeedState) {
	if m == nil {
		return
	}
	m.feedStates.WithLabelValues(string(st)).Inc()
}

func (m *Metrics) feedReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) viewOpened(delta float64) {
	if m == nil {
		return
	}
	m.openViews.Add(delta)
}
