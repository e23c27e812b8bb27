package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

// RetryDelayStrategy names one of the pluggable backoff formulas from
// spec.md §4.7, grounded on original_source's RetryService.calculate_delay.
type RetryDelayStrategy string

const (
	RetryFixed       RetryDelayStrategy = "fixed"
	RetryLinear      RetryDelayStrategy = "linear"
	RetryExponential RetryDelayStrategy = "exponential"
)

// RetryPolicy computes the delay before the (retryCount+1)'th attempt.
type RetryPolicy struct {
	Strategy   RetryDelayStrategy
	Multiplier float64 // exponential base; ignored otherwise
	Jitter     bool    // ±10%, matching the original's jitter_range
}

// DefaultRetryPolicy is exponential backoff with jitter, the original's
// default (and spec.md §4.7's stated default).
var DefaultRetryPolicy = RetryPolicy{Strategy: RetryExponential, Multiplier: 2.0, Jitter: true}

// Delay computes the backoff for retryCount (0-indexed: the count of
// attempts already made), given the task's base delay and the scheduler's
// configured max delay bound.
func (p RetryPolicy) Delay(base, max time.Duration, retryCount int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case RetryFixed:
		d = base
	case RetryLinear:
		d = base * time.Duration(retryCount+1)
	default: // RetryExponential
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		d = time.Duration(float64(base) * math.Pow(mult, float64(retryCount)))
	}
	if max > 0 && d > max {
		d = max
	}
	if p.Jitter && d > 0 {
		jitterRange := float64(d) * 0.1
		d += time.Duration((rand.Float64()*2 - 1) * jitterRange)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// pendingRetry is one armed retry timer, kept for PendingRetries
// introspection (spec.md §7's "pending-retries endpoint").
type pendingRetry struct {
	id          string
	taskID      int64
	executionID string
	retryCount  int
	fireAt      time.Time
	timer       *time.Timer
}

// scheduleRetry arms a one-shot timer for the next attempt. The timer's id
// is derived from (task_id, execution_id, attempt) so it cannot collide
// with the task's main schedule or any other retry attempt in flight.
func (s *Scheduler) scheduleRetry(task *types.ScheduledTask, exec *types.TaskExecution) {
	nextAttempt := exec.RetryCount + 1
	delay := s.retryPolicy.Delay(task.RetryDelay, s.maxRetryDelay, exec.RetryCount)
	id := fmt.Sprintf("%d-%s-%d", task.ID, exec.ExecutionID, nextAttempt)

	s.retryMu.Lock()
	if _, exists := s.pendingRetries[id]; exists {
		s.retryMu.Unlock()
		return
	}
	s.nextRetryCount[task.ID] = nextAttempt
	pr := &pendingRetry{
		id:          id,
		taskID:      task.ID,
		executionID: exec.ExecutionID,
		retryCount:  nextAttempt,
		fireAt:      time.Now().Add(delay),
	}
	pr.timer = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.pendingRetries, id)
		s.retryMu.Unlock()
		s.fire(task.ID)
	})
	s.pendingRetries[id] = pr
	s.retryMu.Unlock()

	metrics.RetriesScheduledTotal.Inc()
	s.logger.Info().Str("task", task.PublicID).Int("attempt", nextAttempt).
		Dur("delay", delay).Msg("scheduled retry")
}

// PendingRetry is one snapshot row for PendingRetries.
type PendingRetry struct {
	TaskID      int64
	ExecutionID string
	RetryCount  int
	FireAt      time.Time
}

// PendingRetries lists every armed retry timer, for observability.
func (s *Scheduler) PendingRetries() []PendingRetry {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	out := make([]PendingRetry, 0, len(s.pendingRetries))
	for _, pr := range s.pendingRetries {
		out = append(out, PendingRetry{
			TaskID:      pr.taskID,
			ExecutionID: pr.executionID,
			RetryCount:  pr.retryCount,
			FireAt:      pr.fireAt,
		})
	}
	return out
}

// ManualRetry re-triggers a task on an operator's behalf for a specific
// execution that already reached a terminal state. Retrying an execution
// still running is rejected.
func (s *Scheduler) ManualRetry(executionID string, userID int64) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.State == types.ExecRunning || exec.State == types.ExecDispatching || exec.State == types.ExecQueued {
		return apperr.New(apperr.KindConflict, "execution is still in flight")
	}

	task, err := s.store.GetTaskByID(exec.TaskID)
	if err != nil {
		return err
	}

	exec.RetryCount++
	exec.ErrorMessage = fmt.Sprintf("manual retry by user %d", userID)
	if err := s.store.UpdateExecution(exec); err != nil {
		return err
	}

	s.logger.Info().Str("task", task.PublicID).Str("execution_id", executionID).
		Int64("user_id", userID).Msg("manual retry triggered")
	return s.TriggerNow(task.ID)
}

// RetryStats summarizes a task's retry history across all its executions.
type RetryStats struct {
	TaskID                int64
	TotalExecutions        int
	RetriedExecutions      int
	TotalRetries           int
	RetrySuccessCount      int
	RetrySuccessRate       float64 // percent, 0-100
	AvgRetriesPerExecution float64
}

// GetRetryStats computes RetryStats from a task's execution history.
func (s *Scheduler) GetRetryStats(taskID int64) (*RetryStats, error) {
	execs, err := s.store.ListExecutionsByTask(taskID)
	if err != nil {
		return nil, err
	}

	stats := &RetryStats{TaskID: taskID, TotalExecutions: len(execs)}
	for _, e := range execs {
		if e.RetryCount <= 0 {
			continue
		}
		stats.RetriedExecutions++
		stats.TotalRetries += e.RetryCount
		if e.State == types.ExecSuccess {
			stats.RetrySuccessCount++
		}
	}
	if stats.RetriedExecutions > 0 {
		stats.RetrySuccessRate = float64(stats.RetrySuccessCount) / float64(stats.RetriedExecutions) * 100
		stats.AvgRetriesPerExecution = float64(stats.TotalRetries) / float64(stats.RetriedExecutions)
	}
	return stats, nil
}

// runCompensation looks up a handler for the execution's project type and
// invokes it; a missing handler is not an error, just a no-op path.
func (s *Scheduler) runCompensation(task *types.ScheduledTask, exec *types.TaskExecution, cause string) {
	project, err := s.store.GetProjectByID(task.ProjectID)
	if err != nil {
		s.logger.Warn().Str("task", task.PublicID).Err(err).Msg("compensation: could not load project, skipping handler lookup")
		return
	}

	s.compMu.Lock()
	handler := s.compensations[project.Type]
	s.compMu.Unlock()
	if handler == nil {
		return
	}

	if err := handler(context.Background(), task, exec, cause); err != nil {
		s.logger.Error().Str("task", task.PublicID).Str("execution_id", exec.ExecutionID).
			Err(err).Msg("compensation handler failed")
		return
	}
	s.logger.Info().Str("task", task.PublicID).Str("execution_id", exec.ExecutionID).
		Msg("compensation handler completed")
}
