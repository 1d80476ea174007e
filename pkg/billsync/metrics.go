package billsync

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordCustomerCreation records a provider customer creation.
	// outcome: "created", "existing", "waited", "orphan_deleted", "error"
	RecordCustomerCreation(outcome string)

	// RecordLockWait records how long a resolver waited for a concurrent creation.
	RecordLockWait(duration time.Duration, success bool)

	// RecordSubscriptionWrite records a write attempt per source.
	// outcome: "applied", "dropped"
	RecordSubscriptionWrite(source Source, outcome string)

	// RecordValidation records a ValidateNow outcome and its duration.
	RecordValidation(outcome string, duration time.Duration)

	// RecordPollRun records a finished poll run.
	RecordPollRun(summary PollSummary)

	// RecordAccessDecision records a guard decision.
	RecordAccessDecision(reason Reason, allowed bool)

	// RecordNotification records a notification by issue type.
	RecordNotification(issue IssueType, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCustomerCreation(outcome string)                   {}
func (n *NoopMetrics) RecordLockWait(duration time.Duration, success bool)     {}
func (n *NoopMetrics) RecordSubscriptionWrite(source Source, outcome string)   {}
func (n *NoopMetrics) RecordValidation(outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordPollRun(summary PollSummary)                       {}
func (n *NoopMetrics) RecordAccessDecision(reason Reason, allowed bool)        {}
func (n *NoopMetrics) RecordNotification(issue IssueType, err error)           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)            {}
