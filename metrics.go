package chatsync

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sessionMetrics holds the collectors for one session. A session built
// without WithMetrics still records into unregistered collectors.
type sessionMetrics struct {
	dispatched prometheus.Counter
	acked      prometheus.Counter
	failed     prometheus.Counter
	retried    prometheus.Counter
	reconnects prometheus.Counter
	connected  prometheus.Gauge
	ackLatency prometheus.Histogram
}

func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	m := &sessionMetrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_dispatched_total",
			Help:      "Messages handed to the transport for the first time.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged by the server.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_failed_total",
			Help:      "Messages marked failed after an ack timeout or teardown.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_retried_total",
			Help:      "Explicit retries of failed messages.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the realtime connection is established.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "ack_latency_seconds",
			Help:      "Time from transmit to message_ack.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.acked, m.failed, m.retried, m.reconnects, m.connected, m.ackLatency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register session metrics: %w", err)
		}
	}
	return m, nil
}

func (m *sessionMetrics) observeAck(sentAt, now time.Time) {
	m.acked.Inc()
	m.ackLatency.Observe(now.Sub(sentAt).Seconds())
}

func (m *sessionMetrics) setConnected(up bool) {
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
