// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Polls          *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	EventsApplied  *prometheus.CounterVec
	FullResets     *prometheus.CounterVec
	Mutations      *prometheus.CounterVec
	OutboxRetries  prometheus.Counter
	UndoOutcomes   *prometheus.CounterVec
	PendingActions prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_polls_total",
			Help: "Event polls by outcome.",
		}, []string{"outcome"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_poll_duration_seconds",
			Help:    "Duration of one event poll including continuation pages.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_events_applied_total",
			Help: "Event sub-items applied or skipped.",
		}, []string{"result"}),
		FullResets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_full_resets_total",
			Help: "Full cache resets by reason.",
		}, []string{"reason"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_mutations_total",
			Help: "Mutation requests by action and outcome.",
		}, []string{"action", "outcome"}),
		OutboxRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_outbox_retries_total",
			Help: "Mutation requests rescheduled after a transient failure.",
		}),
		UndoOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_undo_total",
			Help: "Undo registry outcomes.",
		}, []string{"outcome"}),
		PendingActions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailsync_pending_actions",
			Help: "Undo eligible actions waiting for their token.",
		}),
	}
}

func (m *Metrics) Poll(outcome string) {
	if m != nil {
		m.Polls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObservePoll(seconds float64) {
	if m != nil {
		m.PollDuration.Observe(seconds)
	}
}

func (m *Metrics) Applied(result string, n int) {
	if m != nil && n > 0 {
		m.EventsApplied.WithLabelValues(result).Add(float64(n))
	}
}

func (m *Metrics) Reset(reason string) {
	if m != nil {
		m.FullResets.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Mutation(action, outcome string) {
	if m != nil {
		m.Mutations.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.OutboxRetries.Inc()
	}
}

func (m *Metrics) Undo(outcome string) {
	if m != nil {
		m.UndoOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingActions.Set(float64(n))
	}
}
