package callmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates call outcomes across sessions in this process.
// A nil *Collector is valid and records nothing.
type Collector struct {
	activeSessions    prometheus.Gauge
	sessionsEnded     *prometheus.CounterVec
	callDuration      prometheus.Histogram
	reconnectAttempts prometheus.Counter
	preflightFailures *prometheus.CounterVec
	qualitySamples    *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carecall",
			Subsystem: "session",
			Name:      "active",
			Help:      "Call sessions that have started and not yet ended.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Call sessions ended, by end reason.",
		}, []string{"reason"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "carecall",
			Subsystem: "session",
			Name:      "connected_seconds",
			Help:      "Connected time per call, excluding reconnect intervals.",
			Buckets:   []float64{30, 60, 300, 600, 900, 1800, 3600, 7200},
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "ICE restart attempts made while reconnecting.",
		}),
		preflightFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "preflight",
			Name:      "failures_total",
			Help:      "Device preflight failures, by reason.",
		}, []string{"reason"}),
		qualitySamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "connection",
			Name:      "quality_samples_total",
			Help:      "Connection quality samples, by class.",
		}, []string{"class"}),
	}
	if reg != nil {
		reg.MustRegister(c.activeSessions, c.sessionsEnded, c.callDuration,
			c.reconnectAttempts, c.preflightFailures, c.qualitySamples)
	}
	return c
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionEnded(reason string, connectedSeconds int64) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.callDuration.Observe(float64(connectedSeconds))
}

func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

func (c *Collector) PreflightFailed(reason string) {
	if c == nil {
		return
	}
	c.preflightFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) QualityObserved(class string) {
	if c == nil {
		return
	}
	c.qualitySamples.WithLabelValues(class).Inc()
}
