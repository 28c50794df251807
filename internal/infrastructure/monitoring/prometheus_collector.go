package monitoring

import (
	"time"

	"presencenet/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports presence and relay metrics. It satisfies
// both ports.PresenceMetrics and relay.Metrics.
type PrometheusCollector struct {
	activeUsers      prometheus.Gauge
	usersJoinedTotal prometheus.Counter
	usersEvicted     prometheus.Counter

	updatesApplied *prometheus.CounterVec
	updatesDropped *prometheus.CounterVec

	relayConnections prometheus.Gauge
	envelopesRelayed *prometheus.CounterVec
	fanoutDuration   prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presencenet_active_users",
			Help: "Number of users currently present in the store",
		}),

		usersJoinedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presencenet_users_joined_total",
			Help: "Total number of first-seen users",
		}),

		usersEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presencenet_users_evicted_total",
			Help: "Total number of users evicted by timeout or departure",
		}),

		updatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "presencenet_updates_applied_total",
			Help: "Total number of accepted presence envelopes",
		}, []string{"kind"}),

		updatesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "presencenet_updates_dropped_total",
			Help: "Total number of silently dropped envelopes",
		}, []string{"reason"}),

		relayConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presencenet_relay_connections",
			Help: "Number of open relay websocket connections",
		}),

		envelopesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "presencenet_relay_envelopes_total",
			Help: "Total number of envelopes relayed between participants",
		}, []string{"kind"}),

		fanoutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "presencenet_relay_fanout_duration_seconds",
			Help:    "Time to fan one envelope out to a session",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (c *PrometheusCollector) UpdateApplied(kind domain.MessageKind) {
	c.updatesApplied.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) UpdateDropped(reason string) {
	c.updatesDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) UserJoined() {
	c.usersJoinedTotal.Inc()
}

func (c *PrometheusCollector) UserEvicted() {
	c.usersEvicted.Inc()
}

func (c *PrometheusCollector) SetActiveUsers(n int) {
	c.activeUsers.Set(float64(n))
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.relayConnections.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.relayConnections.Dec()
}

func (c *PrometheusCollector) EnvelopeRelayed(kind domain.MessageKind) {
	c.envelopesRelayed.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) ObserveFanout(d time.Duration) {
	c.fanoutDuration.Observe(d.Seconds())
}
