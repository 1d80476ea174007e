package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	customerCreationsTotal     *prometheus.CounterVec
	lockWaitDuration           *prometheus.HistogramVec
	subscriptionWritesTotal    *prometheus.CounterVec
	validationsTotal           *prometheus.CounterVec
	validationDuration         prometheus.Histogram
	pollRunsTotal              *prometheus.CounterVec
	pollUsersTotal             *prometheus.CounterVec
	pollDuration               prometheus.Histogram
	accessDecisionsTotal       *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		customerCreationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_resolutions_total",
			Help:      "Total number of customer resolutions that reached the creation path.",
		}, []string{"outcome"}),

		lockWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "customer_lock_wait_seconds",
			Help:      "Time spent waiting for a concurrent customer creation.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 50},
		}, []string{"success"}),

		subscriptionWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_writes_total",
			Help:      "Total number of subscription writes by source and outcome.",
		}, []string{"source", "outcome"}),

		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of on-demand validations.",
		}, []string{"outcome"}),

		validationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Latency of on-demand validations.",
			Buckets:   prometheus.DefBuckets,
		}),

		pollRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Total number of poll runs by status.",
		}, []string{"status", "provider_down"}),

		pollUsersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_users_total",
			Help:      "Users processed by poll runs by result.",
		}, []string{"result"}),

		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		accessDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Total number of access guard decisions.",
		}, []string{"reason", "allowed"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of billing issue notifications.",
		}, []string{"issue", "success"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCustomerCreation(outcome string) {
	m.customerCreationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLockWait(duration time.Duration, success bool) {
	m.lockWaitDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

func (m *Metrics) RecordSubscriptionWrite(source billsync.Source, outcome string) {
	m.subscriptionWritesTotal.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) RecordValidation(outcome string, duration time.Duration) {
	m.validationsTotal.WithLabelValues(outcome).Inc()
	m.validationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordPollRun(summary billsync.PollSummary) {
	m.pollRunsTotal.WithLabelValues(string(summary.Status), strconv.FormatBool(summary.ProviderDown)).Inc()
	if summary.Status != billsync.PollCompleted {
		return
	}
	m.pollUsersTotal.WithLabelValues("changed").Add(float64(summary.Changed))
	m.pollUsersTotal.WithLabelValues("error").Add(float64(summary.Errors))
	m.pollUsersTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))
	m.pollUsersTotal.WithLabelValues("dropped").Add(float64(summary.Dropped))
	m.pollDuration.Observe(summary.Duration.Seconds())
}

func (m *Metrics) RecordAccessDecision(reason billsync.Reason, allowed bool) {
	m.accessDecisionsTotal.WithLabelValues(string(reason), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordNotification(issue billsync.IssueType, err error) {
	m.notificationsTotal.WithLabelValues(string(issue), strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
