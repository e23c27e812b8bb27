// Package ingestion implements C9: the master-side fan-in for worker log
// reports. Workers push single fragments or batches of up to several
// hundred lines; the service groups each batch by (execution_id, log_type),
// writes each group through a Sink with bounded parallelism, and offers
// every accepted line to whatever live subscribers are watching that
// execution. A separate terminal-status report closes out the execution row
// and, for success/failed outcomes, lets the scheduler's pending-distributed
// wait resolve.
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

// maxGroupWriters bounds how many (execution_id, log_type) groups a single
// ReportBatch writes concurrently (spec §4.9: "semaphore of 16 writers").
const maxGroupWriters = 16

// LogType mirrors the worker-reported log stream a fragment belongs to.
type LogType string

const (
	LogOutput LogType = "output"
	LogError  LogType = "error"
)

// Fragment is one reported line (or chunk) of worker output.
type Fragment struct {
	ExecutionID string
	LogType     LogType
	Content     string
}

// TerminalReport is a worker's final word on one execution.
type TerminalReport struct {
	ExecutionID  string
	Status       types.ExecutionState
	ExitCode     *int
	ErrorMessage string
}

// Sink persists a group of lines belonging to one (execution, log_type) to
// durable storage. The exact on-disk format is an external collaborator;
// FileSink is the default append-only implementation.
type Sink interface {
	Write(ctx context.Context, executionID string, logType LogType, lines []string) error
}

// TerminalFunc is invoked once an execution reaches a terminal state.
type TerminalFunc func(ctx context.Context, executionID string, state types.ExecutionState)

// Service is the log ingestion and live fan-out coordinator.
type Service struct {
	store storage.Store
	sink  Sink
	bus   *broker

	mu         sync.RWMutex
	onTerminal TerminalFunc
}

// New builds a Service backed by store (for terminal-status updates) and
// sink (for durable log writes).
func New(store storage.Store, sink Sink) *Service {
	return &Service{store: store, sink: sink, bus: newBroker()}
}

// OnTerminal registers the callback fired after ReportTerminal records a
// success or failed outcome.
func (s *Service) OnTerminal(fn TerminalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = fn
}

// ReportFragment ingests a single log fragment.
func (s *Service) ReportFragment(ctx context.Context, f Fragment) error {
	return s.writeGroup(ctx, f.ExecutionID, f.LogType, []string{f.Content})
}

type groupKey struct {
	executionID string
	logType     LogType
}

// ReportBatch groups fragments by (execution_id, log_type) and writes each
// group with bounded parallelism. A failing group is reported in the
// returned slice but does not stop the other groups from being written.
func (s *Service) ReportBatch(ctx context.Context, fragments []Fragment) []error {
	order := make([]groupKey, 0, len(fragments))
	groups := make(map[groupKey][]string, len(fragments))
	for _, f := range fragments {
		k := groupKey{f.ExecutionID, f.LogType}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], f.Content)
	}

	errs := make([]error, len(order))
	sem := make(chan struct{}, maxGroupWriters)
	var wg sync.WaitGroup
	for i, k := range order {
		i, k := i, k
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.writeGroup(ctx, k.executionID, k.logType, groups[k]); err != nil {
				errs[i] = err
				log.WithComponent("ingestion").Error().Err(err).
					Str("execution_id", k.executionID).Str("log_type", string(k.logType)).
					Msg("log group write failed")
			}
		}()
	}
	wg.Wait()
	return errs
}

func (s *Service) writeGroup(ctx context.Context, executionID string, logType LogType, lines []string) error {
	if err := s.sink.Write(ctx, executionID, logType, lines); err != nil {
		return err
	}
	metrics.LogFragmentsTotal.WithLabelValues(string(logType)).Add(float64(len(lines)))
	for _, line := range lines {
		s.bus.publish(executionID, line)
	}
	return nil
}

// ReportTerminal applies a worker's terminal status to the execution row.
// On success or failed it also fires the OnTerminal hook so the scheduler
// can resolve its pending wait for this execution.
func (s *Service) ReportTerminal(ctx context.Context, r TerminalReport) error {
	exec, err := s.store.GetExecution(r.ExecutionID)
	if err != nil {
		return err
	}

	now := time.Now()
	exec.State = r.Status
	exec.EndTime = &now
	exec.ExitCode = r.ExitCode
	exec.ErrorMessage = r.ErrorMessage
	if !exec.StartTime.IsZero() {
		exec.Duration = now.Sub(exec.StartTime)
	}
	if err := s.store.UpdateExecution(exec); err != nil {
		return err
	}

	if r.Status != types.ExecSuccess && r.Status != types.ExecFailed {
		return nil
	}
	s.mu.RLock()
	fn := s.onTerminal
	s.mu.RUnlock()
	if fn != nil {
		fn(ctx, r.ExecutionID, r.Status)
	}
	return nil
}

// Subscribe opens a live feed of log lines for one execution. Callers must
// Unsubscribe when done to release the channel and stop fan-out.
func (s *Service) Subscribe(executionID string) *Subscription {
	return s.bus.subscribe(executionID)
}

// Unsubscribe releases a Subscription obtained from Subscribe.
func (s *Service) Unsubscribe(sub *Subscription) {
	s.bus.unsubscribe(sub)
}
