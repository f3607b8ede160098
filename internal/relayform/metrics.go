package relayform

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	ingestOutcomes *prometheus.CounterVec
	mirrorSyncs    *prometheus.CounterVec
	syncQueueDrops prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayform",
			Name:      "ingest_outcomes_total",
			Help:      "Submission ingestions by terminal outcome.",
		}, []string{"outcome"}),
		mirrorSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayform",
			Name:      "mirror_syncs_total",
			Help:      "Mirror synchronizations by result.",
		}, []string{"result"}),
		syncQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayform",
			Name:      "mirror_sync_queue_drops_total",
			Help:      "Submission ids that could not be queued for mirror synchronization.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.ingestOutcomes, m.mirrorSyncs, m.syncQueueDrops)
	}
	return m
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.ingestOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeSync(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorSyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeQueueDrop() {
	if m == nil {
		return
	}
	m.syncQueueDrops.Inc()
}
