package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log *zap.Logger

	passesTotal       *prometheus.CounterVec
	passDuration      prometheus.Histogram
	persistenceFaults prometheus.Counter

	providerCallsTotal *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec

	refreshesTotal *prometheus.CounterVec

	reconcileActionsTotal *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, log *zap.Logger) *PrometheusSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PrometheusSink{log: log.Named("metrics")}
	s.initSchedulerMetrics(reg)
	s.initProviderMetrics(reg)
	s.initCredentialMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slackq_scheduler_passes_total",
		Help: "Scheduler passes by outcome (idle, sent, retry, claim_error, persistence_error).",
	}, []string{"outcome"})
	s.passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "slackq_scheduler_pass_duration_seconds",
		Help:    "Duration of each scheduler pass in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})
	s.persistenceFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slackq_scheduler_persistence_faults_total",
		Help: "Outcomes that could not be persisted, leaving a job in sending.",
	})

	s.register(reg, s.passesTotal, "slackq_scheduler_passes_total")
	s.register(reg, s.passDuration, "slackq_scheduler_pass_duration_seconds")
	s.register(reg, s.persistenceFaults, "slackq_scheduler_persistence_faults_total")
}

func (s *PrometheusSink) initProviderMetrics(reg prometheus.Registerer) {
	s.providerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slackq_provider_calls_total",
		Help: "Slack API calls by method and result code.",
	}, []string{"method", "code"})
	s.providerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slackq_provider_call_duration_seconds",
		Help:    "Slack API call latency in seconds, including rate limiter wait.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	s.register(reg, s.providerCallsTotal, "slackq_provider_calls_total")
	s.register(reg, s.providerDuration, "slackq_provider_call_duration_seconds")
}

func (s *PrometheusSink) initCredentialMetrics(reg prometheus.Registerer) {
	s.refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slackq_credential_refreshes_total",
		Help: "Credential refreshes by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.refreshesTotal, "slackq_credential_refreshes_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slackq_reconciler_actions_total",
		Help: "Stuck jobs handled by the reconciler, by action.",
	}, []string{"action"})

	s.register(reg, s.reconcileActionsTotal, "slackq_reconciler_actions_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

func (s *PrometheusSink) PassCompleted(outcome string, d time.Duration) {
	s.passesTotal.WithLabelValues(outcome).Inc()
	s.passDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) PersistenceFault() {
	s.persistenceFaults.Inc()
}

func (s *PrometheusSink) ProviderCall(method, code string, d time.Duration) {
	s.providerCallsTotal.WithLabelValues(method, code).Inc()
	s.providerDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (s *PrometheusSink) CredentialRefresh(outcome string) {
	s.refreshesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) ReconcileAction(action string) {
	s.reconcileActionsTotal.WithLabelValues(action).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
