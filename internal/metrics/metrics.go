package metrics

import (
	"net/http"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus view of the pipeline. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions         *prometheus.CounterVec
	attacks           *prometheus.CounterVec
	processSeconds    prometheus.Histogram
	activeConnections prometheus.Gauge
	activeAttacks     prometheus.Gauge
	blockedIPs        prometheus.Gauge
	whitelistedIPs    prometheus.Gauge
	threatLevel       prometheus.Gauge
	anomalyScore      prometheus.Gauge
	rulesEvaluated    prometheus.Gauge
	eventsDropped     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_guard_packets_total",
				Help: "Packets processed, by decision",
			},
			[]string{"decision"},
		),
		attacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_guard_attacks_detected_total",
				Help: "Attack patterns detected, by type",
			},
			[]string{"type"},
		),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traffic_guard_process_seconds",
			Help:    "Time spent deciding a single packet",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_active_connections",
			Help: "Flows currently tracked",
		}),
		activeAttacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_active_attacks",
			Help: "Attack patterns currently active",
		}),
		blockedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_blocked_ips",
			Help: "Addresses currently blocked",
		}),
		whitelistedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_whitelisted_entries",
			Help: "Operator whitelist entries",
		}),
		threatLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_threat_level",
			Help: "Current threat level, 0 (NORMAL) to 4 (EMERGENCY)",
		}),
		anomalyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_anomaly_score",
			Help: "Latest traffic anomaly score",
		}),
		rulesEvaluated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_rules_evaluated",
			Help: "Rule match attempts since the last statistics reset",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_guard_events_dropped",
			Help: "Events not delivered to a slow subscriber",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.attacks, m.processSeconds,
		m.activeConnections, m.activeAttacks, m.blockedIPs, m.whitelistedIPs,
		m.threatLevel, m.anomalyScore, m.rulesEvaluated, m.eventsDropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(d types.Decision, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d)).Inc()
	m.processSeconds.Observe(took.Seconds())
}

func (m *Metrics) AttackDetected(t types.AttackType) {
	if m == nil {
		return
	}
	m.attacks.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) AnomalyScore(score float64) {
	if m == nil {
		return
	}
	m.anomalyScore.Set(score)
}

// SetStatistics refreshes the gauges from a statistics snapshot.
func (m *Metrics) SetStatistics(st types.Statistics, eventsDropped uint64) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(st.ActiveConnections))
	m.activeAttacks.Set(float64(st.ActiveAttacks))
	m.blockedIPs.Set(float64(st.BlockedIps))
	m.whitelistedIPs.Set(float64(st.WhitelistedIps))
	m.threatLevel.Set(float64(st.ThreatLevel.Severity()))
	m.rulesEvaluated.Set(float64(st.RulesEvaluated))
	m.eventsDropped.Set(float64(eventsDropped))
}
