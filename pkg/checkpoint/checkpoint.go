// Package checkpoint implements C8: per-execution progress snapshots and
// startup recovery of tasks interrupted by a crash or restart.
//
// A running execution periodically reports a Checkpoint (progress, an
// opaque data blob, a log-tail offset). It is persisted twice: once into
// the owning TaskExecution's result data (the durable copy) and once into
// the cache with a bounded TTL (the fast read path a still-running worker
// polls). On startup, RecoverOnStartup scans for executions stuck in
// ExecRunning whose heartbeat has gone stale, reschedules the ones still
// worth retrying with their last checkpoint folded back into the task's
// execution params, and fails the rest outright.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/cache"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

const (
	cacheKeyPrefix       = "checkpoint:"
	cacheTTL             = 24 * time.Hour
	maxRetryOnRecovery   = 3
	interruptedThreshold = 2 * time.Minute
)

// TriggerFunc re-fires a task through the scheduler; injected rather than
// imported directly so this package doesn't depend on pkg/scheduler.
type TriggerFunc func(ctx context.Context, taskPublicID string) error

// Service is the checkpoint store and recovery coordinator.
type Service struct {
	store       storage.Store
	cache       cache.Cache
	triggerTask TriggerFunc

	recovering atomic.Bool
}

// New builds a Service. triggerTask may be nil if the caller never intends
// to call RecoverOnStartup or RecoverSingleTask.
func New(store storage.Store, c cache.Cache, triggerTask TriggerFunc) *Service {
	return &Service{store: store, cache: c, triggerTask: triggerTask}
}

func cacheKey(executionID string) string { return cacheKeyPrefix + executionID }

// SaveCheckpoint persists cp to both the execution's durable result data and
// the cache fast path, stamping LastCheckpointAt.
func (s *Service) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	cp.ClampProgress()
	cp.LastCheckpointAt = time.Now()

	exec, err := s.store.GetExecution(cp.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution for checkpoint: %w", err)
	}
	if exec.ResultData == nil {
		exec.ResultData = make(map[string]any)
	}
	blob, err := toMap(cp)
	if err != nil {
		return err
	}
	exec.ResultData["checkpoint"] = blob
	if err := s.store.UpdateExecution(exec); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, cacheKey(cp.ExecutionID), string(raw), cacheTTL); err != nil {
		log.WithComponent("checkpoint").Warn().Err(err).Str("execution_id", cp.ExecutionID).
			Msg("checkpoint cache write failed, durable copy still saved")
	}
	metrics.CheckpointsSavedTotal.Inc()
	return nil
}

// GetCheckpoint reads the cache fast path first, falling back to the
// durable copy embedded in the execution's result data.
func (s *Service) GetCheckpoint(ctx context.Context, executionID string) (*types.Checkpoint, error) {
	if raw, ok, err := s.cache.Get(ctx, cacheKey(executionID)); err == nil && ok {
		var cp types.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err == nil {
			return &cp, nil
		}
	}

	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	blob, ok := exec.CheckpointFromResultData()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "checkpoint")
	}
	var cp types.Checkpoint
	if err := fromMap(blob, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint removes the cache copy; the durable copy lives inside
// the execution record and is cleaned up when the execution itself is.
func (s *Service) DeleteCheckpoint(ctx context.Context, executionID string) error {
	return s.cache.Delete(ctx, cacheKey(executionID))
}

// UpdateHeartbeat stamps the execution's liveness marker so FindInterrupted
// doesn't treat it as stale.
func (s *Service) UpdateHeartbeat(executionID string) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	now := time.Now()
	exec.LastHeartbeat = &now
	return s.store.UpdateExecution(exec)
}

// UpdateProgress loads the current checkpoint, merges in the given progress
// and data, and re-saves it.
func (s *Service) UpdateProgress(ctx context.Context, executionID string, progress float64, data map[string]any) error {
	cp, err := s.GetCheckpoint(ctx, executionID)
	if err != nil {
		return err
	}
	cp.Progress = progress
	if cp.CheckpointData == nil {
		cp.CheckpointData = make(map[string]any, len(data))
	}
	for k, v := range data {
		cp.CheckpointData[k] = v
	}
	return s.SaveCheckpoint(ctx, cp)
}

// FindInterrupted returns a Checkpoint for every execution that is marked
// ExecRunning but whose heartbeat has gone stale past interruptedThreshold
// (or was never set). Executions whose parent task was deleted are failed
// in place rather than returned for recovery.
func (s *Service) FindInterrupted(ctx context.Context) ([]*types.Checkpoint, error) {
	running, err := s.store.ListExecutionsByState(types.ExecRunning)
	if err != nil {
		return nil, err
	}

	var out []*types.Checkpoint
	cutoff := time.Now().Add(-interruptedThreshold)
	for _, exec := range running {
		var stale bool
		if exec.LastHeartbeat != nil {
			stale = exec.LastHeartbeat.Before(cutoff)
		} else {
			stale = exec.StartTime.Before(cutoff)
		}
		if !stale {
			continue
		}

		if _, err := s.store.GetTaskByID(exec.TaskID); err != nil {
			if err := s.markExecutionFailed(exec, "task already deleted"); err != nil {
				log.WithComponent("checkpoint").Error().Err(err).Str("execution_id", exec.ExecutionID).
					Msg("failed to fail orphaned execution")
			}
			continue
		}

		cp, err := s.checkpointFromExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Service) checkpointFromExecution(exec *types.TaskExecution) (*types.Checkpoint, error) {
	if blob, ok := exec.CheckpointFromResultData(); ok {
		var cp types.Checkpoint
		if err := fromMap(blob, &cp); err != nil {
			return nil, err
		}
		cp.State = types.CheckpointCheckpointed
		return &cp, nil
	}
	return &types.Checkpoint{
		ExecutionID: exec.ExecutionID,
		TaskID:      exec.TaskID,
		NodeID:      exec.NodeID,
		State:       types.CheckpointRunning,
		Progress:    0,
		StartedAt:   exec.StartTime,
		RetryCount:  exec.RetryCount,
	}, nil
}

// RecoveryStats summarizes one RecoverOnStartup pass.
type RecoveryStats struct {
	Recovered int
	Failed    int
	Skipped   int
}

// RecoverOnStartup finds interrupted executions and either reschedules them
// (folding their last checkpoint back into the task) or fails them outright
// once they've exhausted maxRetryOnRecovery attempts. Re-entrant calls while
// a recovery pass is already running are skipped.
func (s *Service) RecoverOnStartup(ctx context.Context) (RecoveryStats, error) {
	if !s.recovering.CompareAndSwap(false, true) {
		return RecoveryStats{Skipped: 1}, nil
	}
	defer s.recovering.Store(false)

	interrupted, err := s.FindInterrupted(ctx)
	if err != nil {
		return RecoveryStats{}, err
	}

	var stats RecoveryStats
	for _, cp := range interrupted {
		if cp.RetryCount >= maxRetryOnRecovery {
			if err := s.markTaskFailed(cp, "exhausted recovery retries"); err != nil {
				return stats, err
			}
			stats.Failed++
			metrics.RecoveredExecutionsTotal.WithLabelValues("failed").Inc()
			continue
		}

		recovered, err := s.recoverTask(ctx, cp)
		if err != nil {
			return stats, err
		}
		if recovered {
			stats.Recovered++
			metrics.RecoveredExecutionsTotal.WithLabelValues("recovered").Inc()
		} else {
			stats.Failed++
			metrics.RecoveredExecutionsTotal.WithLabelValues("failed").Inc()
		}
	}
	return stats, nil
}

// RecoverSingleTask re-runs the recovery decision for one execution, for an
// operator-triggered manual retry outside the startup sweep.
func (s *Service) RecoverSingleTask(ctx context.Context, executionID string) (bool, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return false, err
	}
	cp, err := s.checkpointFromExecution(exec)
	if err != nil {
		return false, err
	}
	if cp.RetryCount >= maxRetryOnRecovery {
		return false, s.markTaskFailed(cp, "exhausted recovery retries")
	}
	return s.recoverTask(ctx, cp)
}

func (s *Service) recoverTask(ctx context.Context, cp *types.Checkpoint) (bool, error) {
	task, err := s.store.GetTaskByID(cp.TaskID)
	if err != nil {
		return false, s.markTaskFailed(cp, "task no longer exists")
	}

	cp.State = types.CheckpointRecovered
	cp.RetryCount++
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		return false, err
	}

	if err := s.markExecutionFailedByID(cp.ExecutionID, "task interrupted, rescheduled"); err != nil {
		return false, err
	}

	if cp.Progress > 0 || len(cp.CheckpointData) > 0 {
		if task.ExecutionParams == nil {
			task.ExecutionParams = make(map[string]any)
		}
		task.ExecutionParams["_resume"] = true
		task.ExecutionParams["_checkpoint"] = cp.CheckpointData
		task.ExecutionParams["_progress"] = cp.Progress
		task.ExecutionParams["_last_log_offset"] = cp.LastLogOffset
		task.ExecutionParams["_previous_execution_id"] = cp.ExecutionID
		if err := s.store.UpdateTask(task); err != nil {
			return false, fmt.Errorf("persist resume params: %w", err)
		}
	}

	if s.triggerTask == nil {
		return false, apperr.New(apperr.KindValidation, "no trigger function configured for recovery")
	}
	if err := s.triggerTask(ctx, task.PublicID); err != nil {
		log.WithComponent("checkpoint").Error().Err(err).Str("task_id", task.PublicID).
			Msg("failed to re-trigger recovered task")
		return false, nil
	}
	return true, nil
}

func (s *Service) markTaskFailed(cp *types.Checkpoint, msg string) error {
	if err := s.markExecutionFailedByID(cp.ExecutionID, msg); err != nil {
		return err
	}
	return s.cache.Delete(context.Background(), cacheKey(cp.ExecutionID))
}

func (s *Service) markExecutionFailedByID(executionID, msg string) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	return s.markExecutionFailed(exec, msg)
}

func (s *Service) markExecutionFailed(exec *types.TaskExecution, msg string) error {
	now := time.Now()
	exec.State = types.ExecFailed
	exec.EndTime = &now
	exec.ErrorMessage = msg
	return s.store.UpdateExecution(exec)
}

func toMap(cp *types.Checkpoint) (map[string]any, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, cp *types.Checkpoint) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, cp)
}
