package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/ingestion"
	"github.com/antcode/antcode/pkg/installkey"
	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/resolver"
	"github.com/antcode/antcode/pkg/scheduler"
	"github.com/antcode/antcode/pkg/security"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

type noopProber struct{}

func (noopProber) Probe(_ context.Context, _ *types.Node) (*registry.ProbeResult, error) {
	return &registry.ProbeResult{}, nil
}

type memSink struct{}

func (memSink) Write(_ context.Context, _ string, _ ingestion.LogType, _ []string) error { return nil }

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := resolver.New(
		func(id string) (*types.Node, error) { return store.GetNode(id) },
		func() ([]*types.Node, error) { return store.ListNodes() },
	)
	sched := scheduler.New(store, r, nil, 4)
	reg := registry.New(store, noopProber{})
	ik := installkey.New(store, reg, mustSecretsManager(t))
	ing := ingestion.New(store, memSink{})
	verifier := security.NewVerifier()

	srv := NewServer(store, sched, nil, reg, ik, ing, verifier)
	return srv, store
}

func mustSecretsManager(t *testing.T) *security.SecretsManager {
	t.Helper()
	sm, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)
	return sm
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = strings.NewReader(string(b))
	} else {
		reqBody = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reqBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetTask(t *testing.T) {
	srv, store := newTestServer(t)
	project := &types.Project{PublicID: "p1", Name: "demo", Type: types.ProjectTypeCode}
	require.NoError(t, store.CreateProject(project))

	w := doJSON(t, srv, http.MethodPost, "/scheduler/tasks", types.ScheduledTask{
		PublicID:     "task-1",
		ProjectID:    project.ID,
		ScheduleKind: types.ScheduleOneShot,
		IsActive:     false,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/scheduler/tasks/task-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got types.ScheduledTask
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "task-1", got.PublicID)
}

func TestGetTaskNotFoundMapsTo404(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/scheduler/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseResumeTriggerTask(t *testing.T) {
	srv, store := newTestServer(t)
	project := &types.Project{PublicID: "p1", Name: "demo", Type: types.ProjectTypeCode}
	require.NoError(t, store.CreateProject(project))
	task := &types.ScheduledTask{ID: 1, PublicID: "task-1", ProjectID: project.ID,
		ScheduleKind: types.ScheduleCron, ScheduleParam: "*/5 * * * *", IsActive: true}
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, srv.scheduler.AddTask(task))

	w := doJSON(t, srv, http.MethodPost, "/scheduler/tasks/task-1/pause", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/scheduler/tasks/task-1/resume", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/scheduler/tasks/task-1/trigger", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestDeleteTask(t *testing.T) {
	srv, store := newTestServer(t)
	project := &types.Project{PublicID: "p1", Name: "demo", Type: types.ProjectTypeCode}
	require.NoError(t, store.CreateProject(project))
	task := &types.ScheduledTask{ID: 1, PublicID: "task-1", ProjectID: project.ID}
	require.NoError(t, store.CreateTask(task))

	w := doJSON(t, srv, http.MethodDelete, "/scheduler/tasks/task-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := store.GetTask("task-1")
	assert.Error(t, err)
}

func TestListExecutions(t *testing.T) {
	srv, store := newTestServer(t)
	project := &types.Project{PublicID: "p1", Name: "demo", Type: types.ProjectTypeCode}
	require.NoError(t, store.CreateProject(project))
	task := &types.ScheduledTask{ID: 1, PublicID: "task-1", ProjectID: project.ID}
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, store.CreateExecution(&types.TaskExecution{ExecutionID: "e1", TaskID: task.ID, State: types.ExecSuccess}))

	w := doJSON(t, srv, http.MethodGet, "/scheduler/tasks/task-1/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var execs []*types.TaskExecution
	require.NoError(t, json.NewDecoder(w.Body).Decode(&execs))
	require.Len(t, execs, 1)
	assert.Equal(t, "e1", execs[0].ExecutionID)
}

func TestCancelExecution(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateExecution(&types.TaskExecution{ExecutionID: "e1", State: types.ExecRunning}))

	w := doJSON(t, srv, http.MethodPost, "/scheduler/executions/e1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	exec, err := store.GetExecution("e1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecCancelled, exec.State)
}

func TestCreateNodeAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/nodes", types.Node{Host: "10.0.0.1", Port: 9000})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(1), resp["total"])
}

func TestNodeStats(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/nodes", types.Node{Host: "10.0.0.1", Port: 9000, Status: types.NodeOnline})

	w := doJSON(t, srv, http.MethodGet, "/nodes/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats["total"])
}

func TestDispatchTaskRejectsEmptyBatch(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/nodes/dispatch/task", dispatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateAndRegisterByKey(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/workers/generate-install-key", map[string]any{"created_by": 1})
	require.Equal(t, http.StatusCreated, w.Code)

	var genResp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&genResp))
	key, _ := genResp["key"].(string)
	require.NotEmpty(t, key)

	w = doJSON(t, srv, http.MethodPost, "/workers/register-by-key", map[string]string{"key": key})
	require.Equal(t, http.StatusOK, w.Code)

	var credsResp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&credsResp))
	assert.NotEmpty(t, credsResp["worker_id"])
	assert.NotEmpty(t, credsResp["api_key"])
	assert.NotEmpty(t, credsResp["secret_key"])
}

func TestRegisterByKeyRejectsUnknownKey(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/workers/register-by-key", map[string]string{"key": "does-not-exist"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerReportRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/workers/report-heartbeat", map[string]any{"node_id": "n1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkerReportHeartbeatWithValidSignature(t *testing.T) {
	srv, store := newTestServer(t)
	node := &types.Node{ID: "n1", Host: "10.0.0.2", Port: 9001, Status: types.NodeOnline}
	require.NoError(t, store.CreateNode(node))
	srv.verifier.RegisterNodeSecret("n1", "shh-secret")

	body := map[string]any{
		"node_id": "n1",
		"metrics": map[string]any{"cpu_percent": 12.5, "running_tasks": 1.0},
	}
	ts := time.Now().Unix()
	nonce := "nonce1234"
	sig, err := security.Sign("shh-secret", ts, nonce, body)
	require.NoError(t, err)

	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/workers/report-heartbeat", strings.NewReader(string(b)))
	req.Header.Set("X-Node-ID", "n1")
	req.Header.Set("X-Machine-Code", "mc-1")
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", sig)

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	reloaded, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Metrics.RunningTasks)
}
