package billsync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PollRunStatus is the overall status of a poll invocation.
type PollRunStatus string

const (
	PollCompleted      PollRunStatus = "completed"
	PollAlreadyRunning PollRunStatus = "already_running"
	PollFailed         PollRunStatus = "failed"
)

// PollSummary reports one PollBatch run. Per-user failures are counted, not returned.
type PollSummary struct {
	Status   PollRunStatus `json:"status"`
	Total    int           `json:"total"`
	Changed  int           `json:"changed"`
	Notified int           `json:"notified"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`

	// Dropped counts results discarded because a newer confirmation was already stored.
	Dropped int `json:"dropped"`

	// ProviderDown is set when at least one user could not be checked because
	// the provider was unreachable.
	ProviderDown bool `json:"provider_down"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// PollStatus reports the poller state.
type PollStatus struct {
	Running     bool         `json:"running"`
	LastRunAt   time.Time    `json:"last_run_at,omitempty"`
	LastSummary *PollSummary `json:"last_summary,omitempty"`
}

// PollBatch validates up to PollPageSize users with a subscription id,
// oldest-checked first. A second call while one is running returns
// immediately with status already_running. The error is non-nil only when
// the candidate list could not be read.
func (m *Manager) PollBatch(ctx context.Context) (*PollSummary, error) {
	if !m.pollRunning.CompareAndSwap(false, true) {
		m.logger.Info("poll already running, skipping")
		return &PollSummary{Status: PollAlreadyRunning, StartedAt: m.now()}, nil
	}
	defer m.pollRunning.Store(false)

	start := time.Now()
	summary := &PollSummary{StartedAt: m.now()}
	defer func() {
		summary.Duration = time.Since(start)
		m.metrics.RecordPollRun(*summary)
		m.pollMu.Lock()
		last := *summary
		m.lastPoll = &last
		m.pollMu.Unlock()
	}()

	candidates, err := m.storage.ListPollCandidates(ctx, m.config.PollPageSize)
	if err != nil {
		summary.Status = PollFailed
		m.logger.Error("poll failed to list users", Field{"error", err.Error()})
		return summary, storageError("PollBatch", "", err)
	}
	summary.Total = len(candidates)

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(m.config.PollConcurrency)

	for _, c := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil || c.SubscriptionID == "" {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}

			record := SubscriptionRecord{ExternalSubscriptionID: c.SubscriptionID, LastStatusCheckAt: c.LastStatusCheckAt}
			res, err := m.validate(ctx, c.UserID, record, SourcePoll)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors++
				if res != nil && res.ProviderDown {
					summary.ProviderDown = true
				}
				m.logger.Warn("poll user failed", Field{"user_id", c.UserID}, Field{"error", err.Error()})
				return nil
			}
			switch res.Outcome {
			case OutcomeChanged:
				summary.Changed++
			case OutcomeDropped:
				summary.Dropped++
			}
			if res.Notified {
				summary.Notified++
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Status = PollCompleted

	if summary.ProviderDown {
		// One operator notice per run, not per user.
		m.notify(ctx, Notification{
			Issue:  IssueSubscriptionCheckFailed,
			Status: StatusError,
			Source: SourcePoll,
			Details: map[string]string{
				"errors": strconv.Itoa(summary.Errors),
				"total":  strconv.Itoa(summary.Total),
			},
		})
	}

	m.logger.Info("poll completed",
		Field{"total", summary.Total},
		Field{"changed", summary.Changed},
		Field{"notified", summary.Notified},
		Field{"errors", summary.Errors},
		Field{"skipped", summary.Skipped},
		Field{"dropped", summary.Dropped},
	)
	return summary, nil
}

// PollStatus returns the poller state and the last run's summary.
func (m *Manager) PollStatus() PollStatus {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	st := PollStatus{Running: m.pollRunning.Load()}
	if m.lastPoll != nil {
		last := *m.lastPoll
		st.LastSummary = &last
		st.LastRunAt = last.StartedAt
	}
	return st
}
