// Package metrics exposes marketplace counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsPosted    prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	bidsSubmitted *prometheus.CounterVec
	bidsRejected  *prometheus.CounterVec
	escrowOps     *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	deciderCalls  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "jobs_posted_total",
			Help:      "Jobs created.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		bidsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "bids_submitted_total",
			Help:      "Bids accepted into a bidding window, by job type.",
		}, []string{"job_type"}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "bids_rejected_total",
			Help:      "Bids refused at submission, by reason.",
		}, []string{"reason"}),
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by type and result.",
		}, []string{"op", "result"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "poll_errors_total",
			Help:      "Per-job errors raised inside polling loops.",
		}, []string{"loop"}),
		deciderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aex",
			Name:      "decider_calls_total",
			Help:      "Decider invocations by operation and result.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(
		m.jobsPosted,
		m.jobsFinished,
		m.bidsSubmitted,
		m.bidsRejected,
		m.escrowOps,
		m.pollErrors,
		m.deciderCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobPosted() {
	if m == nil {
		return
	}
	m.jobsPosted.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) BidSubmitted(jobType string) {
	if m == nil {
		return
	}
	m.bidsSubmitted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) BidRejected(reason string) {
	if m == nil {
		return
	}
	m.bidsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) EscrowOp(op string, err error) {
	if m == nil {
		return
	}
	m.escrowOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) PollError(loop string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(loop).Inc()
}

func (m *Metrics) DeciderCall(op string, err error) {
	if m == nil {
		return
	}
	m.deciderCalls.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
