// Package monitoring exports engine progress as Prometheus metrics and serves
// HTTP and gRPC health endpoints.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VanDung-dev/genbft-engine/consensus"
)

// Metrics implements consensus.Recorder on top of Prometheus collectors.
// Every series is labelled by entity id.
type Metrics struct {
	// Execution
	SequencesExecuted *prometheus.CounterVec
	Requests          *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	Transitions       *prometheus.CounterVec

	// Recovery
	TimeoutsFired *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	Dropped       *prometheus.CounterVec

	// Progress
	View         *prometheus.GaugeVec
	LastExecuted *prometheus.GaugeVec
	Stable       *prometheus.GaugeVec

	// Messaging
	DeliveryLatency *prometheus.HistogramVec

	// Episodes
	Switches          *prometheus.CounterVec
	EpisodeThroughput *prometheus.GaugeVec
	EpisodeDuration   *prometheus.HistogramVec
}

var _ consensus.Recorder = (*Metrics)(nil)

// NewMetrics registers the engine metrics under namespace in reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	entity := []string{"entity"}
	return &Metrics{
		SequencesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_executed_total",
			Help:      "Sequence numbers executed in order",
		}, entity),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_executed_total",
			Help:      "Client requests executed",
		}, entity),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits by path",
		}, []string{"entity", "path"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied transitions by target state",
		}, []string{"entity", "state"}),

		TimeoutsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_fired_total",
			Help:      "Timeout transitions taken by mode",
		}, []string{"entity", "mode"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "State transfer requests by outcome",
		}, []string{"entity", "outcome"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped by reason",
		}, []string{"entity", "reason"}),

		View: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view",
			Help:      "Current view",
		}, entity),
		LastExecuted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_executed",
			Help:      "Highest sequence executed in order",
		}, entity),
		Stable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stable_checkpoint",
			Help:      "Highest checkpoint certified by a CHECKPOINT quorum",
		}, entity),

		DeliveryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delivery_seconds",
			Help:      "Time from send to handler entry",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, entity),

		Switches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_switches_total",
			Help:      "Protocol switches at episode boundaries",
		}, []string{"entity", "from", "to"}),
		EpisodeThroughput: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "episode_throughput",
			Help:      "Requests per second of the last finished episode",
		}, []string{"entity", "protocol"}),
		EpisodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_duration_seconds",
			Help:      "Wall time of finished episodes",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"entity", "protocol"}),
	}
}

func label(entity int) string { return strconv.Itoa(entity) }

func (m *Metrics) SequenceExecuted(entity int, seq int64) {
	m.SequencesExecuted.WithLabelValues(label(entity)).Inc()
}

func (m *Metrics) RequestsExecuted(entity int, n int) {
	m.Requests.WithLabelValues(label(entity)).Add(float64(n))
}

func (m *Metrics) Commit(entity int, slow bool) {
	path := "fast"
	if slow {
		path = "slow"
	}
	m.Commits.WithLabelValues(label(entity), path).Inc()
}

func (m *Metrics) TimeoutFired(entity int, mode string) {
	m.TimeoutsFired.WithLabelValues(label(entity), mode).Inc()
}

func (m *Metrics) Fetch(entity int, outcome string) {
	m.Fetches.WithLabelValues(label(entity), outcome).Inc()
}

func (m *Metrics) ProtocolSwitch(entity int, from, to string) {
	m.Switches.WithLabelValues(label(entity), from, to).Inc()
}

// Progress updates the progress gauges of an entity.
func (m *Metrics) Progress(entity int, view, lastExecuted, stable int64) {
	id := label(entity)
	m.View.WithLabelValues(id).Set(float64(view))
	m.LastExecuted.WithLabelValues(id).Set(float64(lastExecuted))
	m.Stable.WithLabelValues(id).Set(float64(stable))
}

func (m *Metrics) MessageDelivered(entity int, latency time.Duration) {
	m.DeliveryLatency.WithLabelValues(label(entity)).Observe(latency.Seconds())
}

func (m *Metrics) MessageDropped(entity int, reason string) {
	m.Dropped.WithLabelValues(label(entity), reason).Inc()
}

func (m *Metrics) Transition(entity int, state string) {
	m.Transitions.WithLabelValues(label(entity), state).Inc()
}

func (m *Metrics) Episode(report consensus.EpisodeReport) {
	id := label(report.Entity)
	m.EpisodeThroughput.WithLabelValues(id, report.Protocol).Set(report.Throughput)
	m.EpisodeDuration.WithLabelValues(id, report.Protocol).Observe(report.Duration.Seconds())
}
