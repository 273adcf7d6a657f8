package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on the registerer passed to NewMetrics. A nil
// *Metrics records nothing.
type Metrics struct {
	webhooks      *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	ledgerResets  *prometheus.CounterVec
	sweepRowsVec  *prometheus.CounterVec
	intentsIssued *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook notifications handled, by kind and response code.",
		}, []string{"kind", "code"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_duplicates_total",
			Help:      "Redelivered notifications acknowledged without re-applying.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook notification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ledgerResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "ledger_resets_total",
			Help:      "Balance resets after renewals, by result.",
		}, []string{"result"}),
		sweepRowsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweep_rows_total",
			Help:      "Rows touched by reconciliation sweeps, by job and result.",
		}, []string{"job", "result"}),
		intentsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "intents_created_total",
			Help:      "Checkout intents created, by flow.",
		}, []string{"flow"}),
	}
	if reg != nil {
		reg.MustRegister(m.webhooks, m.duplicates, m.duration, m.ledgerResets, m.sweepRowsVec, m.intentsIssued)
	}
	return m
}

func (m *Metrics) observeWebhook(kind, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(kind, code).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) duplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *Metrics) ledgerReset(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ledgerResets.WithLabelValues(result).Inc()
}

func (m *Metrics) sweepRows(job, result string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRowsVec.WithLabelValues(job, result).Add(float64(n))
}

func (m *Metrics) intentCreated(trial bool) {
	if m == nil {
		return
	}
	flow := "checkout"
	if trial {
		flow = "trial"
	}
	m.intentsIssued.WithLabelValues(flow).Inc()
}
