package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedExecution(t *testing.T, store storage.Store, dir string) *types.TaskExecution {
	t.Helper()
	exec := &types.TaskExecution{
		ExecutionID:   "exec-1",
		TaskID:        1,
		State:         types.ExecRunning,
		OutputLogPath: filepath.Join(dir, "out.log"),
		ErrorLogPath:  filepath.Join(dir, "err.log"),
	}
	require.NoError(t, store.CreateExecution(exec))
	return exec
}

type fakeSink struct {
	mu    sync.Mutex
	calls []Fragment
	err   error
}

func (f *fakeSink) Write(_ context.Context, executionID string, logType LogType, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, l := range lines {
		f.calls = append(f.calls, Fragment{ExecutionID: executionID, LogType: logType, Content: l})
	}
	return nil
}

func TestReportFragmentWritesAndPublishes(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	sink := &fakeSink{}
	svc := New(store, sink)

	sub := svc.Subscribe("exec-1")
	defer svc.Unsubscribe(sub)

	require.NoError(t, svc.ReportFragment(context.Background(), Fragment{
		ExecutionID: "exec-1", LogType: LogOutput, Content: "hello",
	}))

	assert.Len(t, sink.calls, 1)
	assert.Equal(t, "hello", <-sub.C())
}

func TestReportBatchGroupsByExecutionAndLogType(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	sink := &fakeSink{}
	svc := New(store, sink)

	errs := svc.ReportBatch(context.Background(), []Fragment{
		{ExecutionID: "exec-1", LogType: LogOutput, Content: "a"},
		{ExecutionID: "exec-1", LogType: LogOutput, Content: "b"},
		{ExecutionID: "exec-1", LogType: LogError, Content: "oops"},
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, sink.calls, 3)
}

func TestReportBatchGroupFailureDoesNotAbortOthers(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	svc := New(store, &fakeSink{})
	svc.sink = &selectiveFailSink{failLogType: LogError}

	errs := svc.ReportBatch(context.Background(), []Fragment{
		{ExecutionID: "exec-1", LogType: LogOutput, Content: "a"},
		{ExecutionID: "exec-1", LogType: LogError, Content: "boom"},
	})
	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

type selectiveFailSink struct {
	failLogType LogType
}

func (s *selectiveFailSink) Write(_ context.Context, _ string, logType LogType, _ []string) error {
	if logType == s.failLogType {
		return assertError{}
	}
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "sink failure" }

func TestReportTerminalUpdatesExecutionAndFiresHook(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	svc := New(store, &fakeSink{})

	var gotState types.ExecutionState
	svc.OnTerminal(func(_ context.Context, executionID string, state types.ExecutionState) {
		gotState = state
		assert.Equal(t, "exec-1", executionID)
	})

	code := 0
	require.NoError(t, svc.ReportTerminal(context.Background(), TerminalReport{
		ExecutionID: "exec-1", Status: types.ExecSuccess, ExitCode: &code,
	}))

	assert.Equal(t, types.ExecSuccess, gotState)
	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecSuccess, exec.State)
	assert.NotNil(t, exec.EndTime)
}

func TestReportTerminalNonFinalStateSkipsHook(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	svc := New(store, &fakeSink{})

	called := false
	svc.OnTerminal(func(context.Context, string, types.ExecutionState) { called = true })

	require.NoError(t, svc.ReportTerminal(context.Background(), TerminalReport{
		ExecutionID: "exec-1", Status: types.ExecQueued,
	}))
	assert.False(t, called)
}

func TestFileSinkAppendsToExecutionLogPath(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	exec := seedExecution(t, store, dir)
	sink := NewFileSink(store)

	require.NoError(t, sink.Write(context.Background(), exec.ExecutionID, LogOutput, []string{"line one", "line two"}))
	require.NoError(t, sink.Write(context.Background(), exec.ExecutionID, LogOutput, []string{"line three"}))

	data, err := os.ReadFile(exec.OutputLogPath)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\nline three\n", string(data))
}

func TestFileSinkRejectsMissingLogPath(t *testing.T) {
	store := newTestStore(t)
	exec := &types.TaskExecution{ExecutionID: "exec-2", TaskID: 1, State: types.ExecRunning}
	require.NoError(t, store.CreateExecution(exec))
	sink := NewFileSink(store)

	err := sink.Write(context.Background(), "exec-2", LogOutput, []string{"x"})
	require.Error(t, err)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	store := newTestStore(t)
	seedExecution(t, store, t.TempDir())
	svc := New(store, &fakeSink{})

	sub := svc.Subscribe("exec-1")
	svc.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
}
