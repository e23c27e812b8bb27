// Package scheduler implements the trigger wheel and firing state machine
// described in spec.md §4.7 (C7): it installs a cron/interval/date trigger
// per ScheduledTask, fires them through a bounded-concurrency pipeline that
// creates TaskExecution rows, asks the resolver (pkg/resolver) for a
// target, and hands off to either a local executor or the dispatcher
// (pkg/dispatcher) for distributed runs. Retries, compensation and
// maintenance housekeeping live alongside it in this package.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/dispatcher"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/resolver"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// LocalExecutor runs a task's project directly (sandboxed workspace,
// virtualenv, etc.) on the master itself. Its implementation is an
// external collaborator; the scheduler only needs the synchronous
// success/failure contract it returns.
type LocalExecutor interface {
	Execute(ctx context.Context, task *types.ScheduledTask, project *types.Project, exec *types.TaskExecution) (*LocalResult, error)
}

// LocalResult is what a LocalExecutor reports back.
type LocalResult struct {
	Success      bool
	ExitCode     int
	ErrorMessage string
	ResultData   map[string]any
}

// RuleGateway submits a rule project to the scrape-execution side channel
// (a Redis queue or a spawned local subprocess); like LocalExecutor this is
// an external collaborator, but unlike it the outcome arrives later via
// the C9 report-task callback rather than synchronously.
type RuleGateway interface {
	Submit(ctx context.Context, task *types.ScheduledTask, project *types.Project, exec *types.TaskExecution) error
}

// CompensationHandler runs once a task has exhausted its retry budget,
// keyed by project type (the closest analogue this domain has to the
// original's task_type). Absence of a handler is not an error.
type CompensationHandler func(ctx context.Context, task *types.ScheduledTask, exec *types.TaskExecution, cause string) error

type taskEntry struct {
	spec    string // cron spec, "" for date/one-shot entries
	cronID  cron.EntryID
	hasCron bool
	paused  bool
	timer   *time.Timer
}

// Scheduler owns the trigger wheel and the firing pipeline.
type Scheduler struct {
	store      storage.Store
	resolver   *resolver.Resolver
	dispatcher *dispatcher.Dispatcher

	localExecutor LocalExecutor
	ruleGateway   RuleGateway

	cron *cron.Cron
	sem  chan struct{}

	mu      sync.Mutex
	entries map[int64]*taskEntry

	retryMu        sync.Mutex
	pendingRetries map[string]*pendingRetry
	nextRetryCount map[int64]int

	compMu        sync.Mutex
	compensations map[types.ProjectType]CompensationHandler

	retryPolicy   RetryPolicy
	maxRetryDelay time.Duration
	workspaceDir  string

	logger zerolog.Logger
	ctx    context.Context
}

// New builds a Scheduler. maxConcurrent bounds the number of executions
// that may be in their firing pipeline at once (MAX_CONCURRENT_TASKS).
func New(store storage.Store, r *resolver.Resolver, d *dispatcher.Dispatcher, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Scheduler{
		store:          store,
		resolver:       r,
		dispatcher:     d,
		cron:           cron.New(),
		sem:            make(chan struct{}, maxConcurrent),
		entries:        make(map[int64]*taskEntry),
		pendingRetries: make(map[string]*pendingRetry),
		nextRetryCount: make(map[int64]int),
		compensations:  make(map[types.ProjectType]CompensationHandler),
		retryPolicy:    DefaultRetryPolicy,
		maxRetryDelay:  time.Hour,
		workspaceDir:   "data/logs",
		logger:         log.WithComponent("scheduler"),
	}
}

// SetLocalExecutor wires the local-execution collaborator.
func (s *Scheduler) SetLocalExecutor(e LocalExecutor) { s.localExecutor = e }

// SetRuleGateway wires the rule-execution side channel.
func (s *Scheduler) SetRuleGateway(g RuleGateway) { s.ruleGateway = g }

// SetWorkspaceDir overrides where generated execution log files are rooted.
func (s *Scheduler) SetWorkspaceDir(dir string) { s.workspaceDir = dir }

// SetRetryPolicy overrides the default exponential-with-jitter backoff.
func (s *Scheduler) SetRetryPolicy(p RetryPolicy) { s.retryPolicy = p }

// SetMaxRetryDelay overrides the bound retry delays are clamped to.
func (s *Scheduler) SetMaxRetryDelay(d time.Duration) { s.maxRetryDelay = d }

// RegisterCompensationHandler installs a compensation handler for a project
// type, invoked once when a task of that type exhausts its retry budget.
func (s *Scheduler) RegisterCompensationHandler(pt types.ProjectType, h CompensationHandler) {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	s.compensations[pt] = h
}

// Start loads every active task from storage, installs its trigger, and
// starts the cron wheel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	tasks, err := s.store.ListActiveTasks()
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			s.logger.Error().Str("task", t.PublicID).Err(err).Msg("failed to register task trigger on startup")
		}
	}

	s.cron.Start()
	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")
	return nil
}

// Stop halts the cron wheel. Executions already in flight are not
// cancelled; they run to completion against the context passed to Start.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) fireFunc(taskID int64) func() {
	return func() { go s.fire(taskID) }
}

// AddTask installs a trigger for task, keyed by its internal id.
func (s *Scheduler) AddTask(task *types.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.ID]; exists {
		return apperr.New(apperr.KindConflict, "task already registered with scheduler")
	}

	entry := &taskEntry{}
	switch task.ScheduleKind {
	case types.ScheduleCron:
		id, err := s.cron.AddFunc(task.ScheduleParam, s.fireFunc(task.ID))
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid cron schedule", err)
		}
		entry.spec, entry.cronID, entry.hasCron = task.ScheduleParam, id, true

	case types.ScheduleIntervalSecond:
		secs, err := strconv.Atoi(task.ScheduleParam)
		if err != nil || secs <= 0 {
			return apperr.New(apperr.KindValidation, "invalid interval schedule_param")
		}
		spec := fmt.Sprintf("@every %ds", secs)
		id, err := s.cron.AddFunc(spec, s.fireFunc(task.ID))
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid interval schedule", err)
		}
		entry.spec, entry.cronID, entry.hasCron = spec, id, true

	case types.ScheduleDate, types.ScheduleOneShot:
		at := time.Now()
		if task.ScheduleParam != "" {
			parsed, err := time.Parse(time.RFC3339, task.ScheduleParam)
			if err != nil {
				return apperr.New(apperr.KindValidation, "invalid date schedule_param")
			}
			at = parsed
		}
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		entry.timer = time.AfterFunc(delay, s.fireFunc(task.ID))

	default:
		return apperr.New(apperr.KindValidation, "unknown schedule kind")
	}

	s.entries[task.ID] = entry
	return nil
}

// PauseTask suspends a task's trigger without forgetting it; ResumeTask
// reinstalls it. Cron-backed triggers are removed from the wheel and
// re-added on resume since robfig/cron has no per-entry pause primitive;
// one-shot timers simply have nothing further to pause.
func (s *Scheduler) PauseTask(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "task not registered with scheduler")
	}
	if entry.paused {
		return nil
	}
	if entry.hasCron {
		s.cron.Remove(entry.cronID)
	}
	entry.paused = true
	return nil
}

// ResumeTask reinstalls a paused task's trigger.
func (s *Scheduler) ResumeTask(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "task not registered with scheduler")
	}
	if !entry.paused {
		return nil
	}
	if entry.hasCron {
		id, err := s.cron.AddFunc(entry.spec, s.fireFunc(taskID))
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "failed to reinstall trigger", err)
		}
		entry.cronID = id
	}
	entry.paused = false
	return nil
}

// RemoveTask drops a task's trigger; a task not currently registered is a
// silent no-op.
func (s *Scheduler) RemoveTask(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return nil
	}
	if entry.hasCron && !entry.paused {
		s.cron.Remove(entry.cronID)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.entries, taskID)
	return nil
}

// TriggerNow fires a task immediately, outside its normal schedule. The
// de-duplication guard in fire() still applies, so triggering a task that
// already has an execution in flight is a no-op.
func (s *Scheduler) TriggerNow(taskID int64) error {
	if _, err := s.store.GetTaskByID(taskID); err != nil {
		return err
	}
	go s.fire(taskID)
	return nil
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomePending
)

type fireOutcome struct {
	kind       outcomeKind
	resultData map[string]any
	err        error
}

// fire runs the nine-step firing sequence (spec §4.7) for one task.
func (s *Scheduler) fire(taskID int64) {
	timer := metrics.NewTimer()
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// Step 1: load task, project; abort if inactive.
	task, err := s.store.GetTaskByID(taskID)
	if err != nil {
		s.logger.Debug().Int64("task_id", taskID).Msg("fire: task no longer exists")
		return
	}
	if !task.IsActive {
		return
	}

	// Step 2: de-duplicate against an in-flight execution.
	if task.State.InFlight() {
		s.logger.Debug().Str("task", task.PublicID).Str("state", string(task.State)).
			Msg("skipping firing: task already has an execution in flight")
		return
	}

	project, err := s.store.GetProjectByID(task.ProjectID)
	if err != nil {
		s.logger.Error().Str("task", task.PublicID).Err(err).Msg("fire: project not found, skipping")
		return
	}

	retryCount := s.popNextRetryCount(taskID)

	// Step 3: create the execution row.
	exec := &types.TaskExecution{
		ExecutionID:   uuid.New().String(),
		TaskID:        task.ID,
		State:         types.ExecRunning,
		StartTime:     time.Now(),
		RetryCount:    retryCount,
		OutputLogPath: s.logPath(task, "output"),
		ErrorLogPath:  s.logPath(task, "error"),
	}
	if err := s.store.CreateExecution(exec); err != nil {
		s.logger.Error().Str("task", task.PublicID).Err(err).Msg("fire: failed to create execution record")
		return
	}
	timer.ObserveDuration(metrics.SchedulingLatency)

	// Step 4: mark the task running.
	now := time.Now()
	task.State = types.TaskRunning
	task.LastRunTime = &now
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Str("task", task.PublicID).Err(err).Msg("fire: failed to persist task run state")
	}

	// Step 5: resolve a target node.
	exec.State = types.ExecDispatching
	_ = s.store.UpdateExecution(exec)

	node, strategy, err := s.resolver.Resolve(task, project)
	if err != nil {
		s.finishFailure(task, exec, err)
		return
	}
	if node != nil {
		exec.NodeID = node.ID
	}

	// Step 6: branch local / rule / distributed.
	var outcome fireOutcome
	switch {
	case node == nil && strategy == types.StrategyLocal:
		outcome = s.runLocal(ctx, task, project, exec)
	case project.Type == types.ProjectTypeRule && node == nil:
		outcome = s.runRule(ctx, task, project, exec)
	case node == nil:
		outcome = s.runLocal(ctx, task, project, exec)
	default:
		outcome = s.runDistributed(ctx, task, project, exec, node)
	}

	switch outcome.kind {
	case outcomePending:
		exec.State = types.ExecQueued
		_ = s.store.UpdateExecution(exec)
		task.State = types.TaskQueued
		_ = s.store.UpdateTask(task)
		// Step 9 (partial): the task stays queued rather than idle —
		// HandleDistributedTerminal resets it once the real outcome arrives.
	case outcomeSuccess:
		s.completeExecution(exec, types.ExecSuccess, "", outcome.resultData)
		s.finishSuccess(task)
	case outcomeFailure:
		s.completeExecution(exec, types.ExecFailed, errMessage(outcome.err), nil)
		s.finishFailure(task, exec, outcome.err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Scheduler) logPath(task *types.ScheduledTask, kind string) string {
	return filepath.Join(s.workspaceDir, fmt.Sprintf("%s-%s.log", task.PublicID, kind))
}

func (s *Scheduler) popNextRetryCount(taskID int64) int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	n := s.nextRetryCount[taskID]
	delete(s.nextRetryCount, taskID)
	return n
}

func (s *Scheduler) runLocal(ctx context.Context, task *types.ScheduledTask, project *types.Project, exec *types.TaskExecution) fireOutcome {
	if s.localExecutor == nil {
		return fireOutcome{kind: outcomeFailure, err: apperr.New(apperr.KindValidation, "no local executor configured")}
	}
	result, err := s.localExecutor.Execute(ctx, task, project, exec)
	if err != nil {
		return fireOutcome{kind: outcomeFailure, err: err}
	}
	if !result.Success {
		return fireOutcome{kind: outcomeFailure, err: apperr.New(apperr.KindWorkerRejected, result.ErrorMessage)}
	}
	return fireOutcome{kind: outcomeSuccess, resultData: result.ResultData}
}

// runRule submits to the rule-execution gateway; like a distributed
// dispatch, its real outcome arrives later via the C9 report-task
// callback, so a successful submit is reported as pending. A project
// requiring the rule gateway with none configured falls back to local
// execution, matching the precedence a strategy of "local" already has.
func (s *Scheduler) runRule(ctx context.Context, task *types.ScheduledTask, project *types.Project, exec *types.TaskExecution) fireOutcome {
	if s.ruleGateway == nil {
		s.logger.Warn().Str("task", task.PublicID).Msg("no rule gateway configured, falling back to local executor")
		return s.runLocal(ctx, task, project, exec)
	}
	if err := s.ruleGateway.Submit(ctx, task, project, exec); err != nil {
		return fireOutcome{kind: outcomeFailure, err: err}
	}
	return fireOutcome{kind: outcomePending}
}

func (s *Scheduler) runDistributed(ctx context.Context, task *types.ScheduledTask, project *types.Project, exec *types.TaskExecution, node *types.Node) fireOutcome {
	if node == nil {
		return fireOutcome{kind: outcomeFailure, err: apperr.New(apperr.KindNodeUnavailable, "resolver returned no node for a non-local strategy")}
	}

	input := dispatcher.TaskInput{
		TaskID:        exec.ExecutionID,
		ProjectID:     task.ProjectID,
		Priority:      task.Priority,
		Params:        task.ExecutionParams,
		Environment:   task.EnvironmentVars,
		Timeout:       int(task.Timeout.Seconds()),
		RequireRender: project.UsesBrowserEngine(),
	}
	result := s.dispatcher.DispatchTask(ctx, input, node.ID, "", nil)
	if !result.Success {
		return fireOutcome{kind: outcomeFailure, err: apperr.New(apperr.KindTransport, result.Error)}
	}
	return fireOutcome{kind: outcomePending}
}

// completeExecution stamps an execution's terminal fields and persists it.
// Not used on the distributed path, since C9's ingestion service already
// finalizes the execution row before invoking HandleDistributedTerminal.
func (s *Scheduler) completeExecution(exec *types.TaskExecution, state types.ExecutionState, errMsg string, resultData map[string]any) {
	now := time.Now()
	exec.State = state
	exec.EndTime = &now
	exec.Duration = now.Sub(exec.StartTime)
	exec.ErrorMessage = errMsg
	if resultData != nil {
		exec.ResultData = resultData
	}
	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error().Str("execution_id", exec.ExecutionID).Err(err).Msg("failed to persist execution outcome")
	}
}

// finishSuccess is step 9's task-level bookkeeping for a successful run.
func (s *Scheduler) finishSuccess(task *types.ScheduledTask) {
	task.State = types.TaskIdle
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Str("task", task.PublicID).Err(err).Msg("failed to reset task state after success")
	}
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()
}

// finishFailure is step 8/9's task-level bookkeeping for a failed run: it
// updates counters, resets the task to idle, and either schedules a retry
// or runs compensation once the budget is exhausted.
func (s *Scheduler) finishFailure(task *types.ScheduledTask, exec *types.TaskExecution, cause error) {
	task.FailureCount++
	task.State = types.TaskIdle
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Str("task", task.PublicID).Err(err).Msg("failed to update task after failure")
	}
	metrics.ExecutionsTotal.WithLabelValues("failed").Inc()

	retryable := true
	if kind, ok := apperr.KindOf(cause); ok {
		retryable = kind.Retryable()
	}

	if retryable && exec.RetryCount < task.MaxRetries {
		s.scheduleRetry(task, exec)
		return
	}

	metrics.RetriesExhaustedTotal.Inc()
	s.runCompensation(task, exec, errMessage(cause))
}

// HandleDistributedTerminal resolves a task's "pending distributed
// outcome" once the worker's real terminal status arrives (spec §4.9); it
// is meant to be wired as an ingestion.TerminalFunc. The execution row
// itself is already finalized by the ingestion service by the time this
// runs, so only task-level bookkeeping happens here.
func (s *Scheduler) HandleDistributedTerminal(_ context.Context, executionID string, state types.ExecutionState) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.Warn().Str("execution_id", executionID).Err(err).Msg("distributed terminal report for unknown execution")
		return
	}
	task, err := s.store.GetTaskByID(exec.TaskID)
	if err != nil {
		s.logger.Warn().Str("execution_id", executionID).Err(err).Msg("distributed terminal report for execution with no owning task")
		return
	}

	if state == types.ExecSuccess {
		s.finishSuccess(task)
		return
	}
	s.finishFailure(task, exec, apperr.New(apperr.KindWorkerRejected, exec.ErrorMessage))
}
