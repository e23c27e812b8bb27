// Package api is the master's HTTP surface (spec.md §6.1): scheduler CRUD
// and control, node administration and dispatch, worker→master reporting
// authenticated per §6.3, and the install-key self-registration handshake.
// It is a thin routing and marshalling layer — every operation delegates
// to a collaborator package (pkg/scheduler, pkg/dispatcher, pkg/registry,
// pkg/installkey, pkg/ingestion) that owns the actual behaviour.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/antcode/antcode/pkg/balancer"
	"github.com/antcode/antcode/pkg/dispatcher"
	"github.com/antcode/antcode/pkg/ingestion"
	"github.com/antcode/antcode/pkg/installkey"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/scheduler"
	"github.com/antcode/antcode/pkg/security"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
	"github.com/rs/zerolog"
)

// Server wires the collaborators behind this package's routes.
type Server struct {
	store      storage.Store
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	installKey *installkey.Service
	ingestion  *ingestion.Service
	verifier   *security.Verifier

	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer builds a Server and registers every route.
func NewServer(store storage.Store, sched *scheduler.Scheduler, disp *dispatcher.Dispatcher, reg *registry.Registry, ik *installkey.Service, ing *ingestion.Service, verifier *security.Verifier) *Server {
	s := &Server{
		store:      store,
		scheduler:  sched,
		dispatcher: disp,
		registry:   reg,
		installKey: ik,
		ingestion:  ing,
		verifier:   verifier,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}
	s.routes()
	return s
}

// routes registers the full §6.1 HTTP surface onto the server's mux.
func (s *Server) routes() {
	// Scheduler CRUD and control.
	s.mux.HandleFunc("POST /scheduler/tasks", s.createTask)
	s.mux.HandleFunc("GET /scheduler/tasks", s.listTasks)
	s.mux.HandleFunc("GET /scheduler/tasks/{id}", s.getTask)
	s.mux.HandleFunc("PUT /scheduler/tasks/{id}", s.updateTask)
	s.mux.HandleFunc("DELETE /scheduler/tasks/{id}", s.deleteTask)
	s.mux.HandleFunc("POST /scheduler/tasks/{id}/pause", s.pauseTask)
	s.mux.HandleFunc("POST /scheduler/tasks/{id}/resume", s.resumeTask)
	s.mux.HandleFunc("POST /scheduler/tasks/{id}/trigger", s.triggerTask)
	s.mux.HandleFunc("GET /scheduler/tasks/{id}/executions", s.listExecutions)
	s.mux.HandleFunc("POST /scheduler/executions/{id}/cancel", s.cancelExecution)
	s.mux.HandleFunc("GET /scheduler/executions/{id}/logs/file", s.executionLogFile)

	// Node administration.
	s.mux.HandleFunc("POST /nodes", s.createNode)
	s.mux.HandleFunc("POST /nodes/connect", s.connectNode)
	s.mux.HandleFunc("POST /nodes/{id}/rebind", s.rebindNode)
	s.mux.HandleFunc("POST /nodes/{id}/test", s.testNode)
	s.mux.HandleFunc("POST /nodes/{id}/disconnect", s.disconnectNode)
	s.mux.HandleFunc("GET /nodes", s.listNodes)
	s.mux.HandleFunc("GET /nodes/stats", s.nodeStats)
	s.mux.HandleFunc("GET /nodes/rank", s.rankNodes)

	// Dispatch and queue control.
	s.mux.HandleFunc("POST /nodes/dispatch/task", s.dispatchTask)
	s.mux.HandleFunc("POST /nodes/dispatch/batch", s.dispatchBatch)
	s.mux.HandleFunc("GET /nodes/dispatch/queue/{node}/status", s.queueStatus)
	s.mux.HandleFunc("PUT /nodes/dispatch/queue/{node}/tasks/{tid}/priority", s.updateQueuedPriority)
	s.mux.HandleFunc("DELETE /nodes/dispatch/queue/{node}/tasks/{tid}", s.cancelQueuedTask)

	// Worker->master reporting, HMAC-authenticated per §6.3.
	s.mux.HandleFunc("POST /workers/report-log", requireWorkerAuth(s.verifier, s.reportLog))
	s.mux.HandleFunc("POST /workers/report-logs-batch", requireWorkerAuth(s.verifier, s.reportLogsBatch))
	s.mux.HandleFunc("POST /workers/report-heartbeat", requireWorkerAuth(s.verifier, s.reportHeartbeat))
	s.mux.HandleFunc("POST /workers/report-task", requireWorkerAuth(s.verifier, s.reportTask))

	// Installation handshake.
	s.mux.HandleFunc("POST /workers/generate-install-key", s.generateInstallKey)
	s.mux.HandleFunc("POST /workers/register-by-key", s.registerByKey)
}

// Handler returns the fully wrapped HTTP handler, suitable for
// http.Server.Handler or embedding under another mux.
func (s *Server) Handler() http.Handler {
	return withLogging(s.logger, s.mux)
}

// Start runs the HTTP server on addr until it errors or is shut down.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// --- scheduler CRUD ---------------------------------------------------

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var task types.ScheduledTask
	if err := decodeJSON(r, &task); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.store.CreateTask(&task); err != nil {
		writeError(w, err)
		return
	}
	if task.IsActive {
		if err := s.scheduler.AddTask(&task); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var patch types.ScheduledTask
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	patch.ID = existing.ID
	patch.PublicID = existing.PublicID
	if err := s.store.UpdateTask(&patch); err != nil {
		writeError(w, err)
		return
	}
	_ = s.scheduler.RemoveTask(existing.ID)
	if patch.IsActive {
		if err := s.scheduler.AddTask(&patch); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, patch)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteTask(task.PublicID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.scheduler.RemoveTask(task.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.PauseTask(task.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.ResumeTask(task.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.TriggerNow(task.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	execs, err := s.store.ListExecutionsByTask(task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.NodeID != "" {
		if err := s.dispatcher.CancelQueuedTask(r.Context(), exec.NodeID, executionID); err != nil {
			s.logger.Warn().Str("execution_id", executionID).Err(err).Msg("remote cancel failed, marking cancelled locally anyway")
		}
	}
	now := time.Now()
	exec.State = types.ExecCancelled
	exec.EndTime = &now
	if err := s.store.UpdateExecution(exec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executionLogFile(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	logType := r.URL.Query().Get("log_type")
	if logType == "" {
		logType = "output"
	}
	path := exec.OutputLogPath
	if logType == "error" {
		path = exec.ErrorLogPath
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// --- node administration -----------------------------------------------

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var node types.Node
	if err := decodeJSON(r, &node); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	registered, err := s.registry.RegisterNode(&node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// connectRequest is the body of POST /nodes/connect.
type connectRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	MachineCode string `json:"machine_code"`
}

func (s *Server) connectNode(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	node := &types.Node{Host: req.Host, Port: req.Port, MachineCode: req.MachineCode, Status: types.NodeOnline}
	registered, err := s.registry.RegisterNode(node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) rebindNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		MachineCode string `json:"machine_code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	node.MachineCode = req.MachineCode
	if err := s.store.UpdateNode(node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) testNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": node.ID, "status": node.Status})
}

func (s *Server) disconnectNode(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}

	status := types.NodeStatus(r.URL.Query().Get("status"))
	region := r.URL.Query().Get("region")
	search := r.URL.Query().Get("search")
	filtered := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if status != "" && n.Status != status {
			continue
		}
		if region != "" && n.Region != region {
			continue
		}
		if search != "" && !containsFold(n.ID, search) && !containsFold(n.Host, search) {
			continue
		}
		filtered = append(filtered, n)
	}

	page, size := 1, len(filtered)
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = v
	}
	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": filtered[start:end],
		"total": len(filtered),
		"page":  page,
		"size":  size,
	})
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// nodeStats is a fleet-wide summary of node health, the data §6.1's
// GET /nodes/stats surfaces to the UI.
func (s *Server) nodeStats(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	stats := map[string]int{"total": len(nodes)}
	for _, n := range nodes {
		stats[string(n.Status)]++
	}
	writeJSON(w, http.StatusOK, stats)
}

// rankNodes surfaces the load balancer's scored node ranking for the UI
// (spec §4.3 rank(region?, top_n)).
func (s *Server) rankNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	region := r.URL.Query().Get("region")
	topN := 0
	if v := r.URL.Query().Get("top_n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			topN = n
		}
	}
	writeJSON(w, http.StatusOK, balancer.Rank(nodes, region, topN))
}

// --- dispatch and queue control ------------------------------------------

// dispatchRequest is the body of POST /nodes/dispatch/task and
// /nodes/dispatch/batch.
type dispatchRequest struct {
	Tasks  []dispatcher.TaskInput `json:"tasks"`
	NodeID string                 `json:"node_id"`
	Region string                 `json:"region"`
	Tags   []string               `json:"tags"`
}

func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "exactly one task required"})
		return
	}
	result := s.dispatcher.DispatchTask(r.Context(), req.Tasks[0], req.NodeID, req.Region, req.Tags)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) dispatchBatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	result := s.dispatcher.DispatchBatch(r.Context(), dispatcher.BatchRequest{
		Tasks:  req.Tasks,
		NodeID: req.NodeID,
		Region: req.Region,
		Tags:   req.Tags,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.QueueStatus(r.Context(), r.PathValue("node"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) updateQueuedPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority int `json:"priority"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	newPosition, err := s.dispatcher.UpdateTaskPriority(r.Context(), r.PathValue("node"), r.PathValue("tid"), req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"new_position": newPosition})
}

func (s *Server) cancelQueuedTask(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CancelQueuedTask(r.Context(), r.PathValue("node"), r.PathValue("tid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- worker -> master reporting (behind requireWorkerAuth) --------------

func bodyString(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func (s *Server) reportLog(w http.ResponseWriter, r *http.Request) {
	body := authBody(r)
	frag := ingestion.Fragment{
		ExecutionID: bodyString(body, "execution_id"),
		LogType:     ingestion.LogType(bodyString(body, "log_type")),
		Content:     bodyString(body, "content"),
	}
	if err := s.ingestion.ReportFragment(r.Context(), frag); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportLogsBatch(w http.ResponseWriter, r *http.Request) {
	body := authBody(r)
	rawLines, _ := body["lines"].([]any)
	frags := make([]ingestion.Fragment, 0, len(rawLines))
	for _, rl := range rawLines {
		line, ok := rl.(map[string]any)
		if !ok {
			continue
		}
		frags = append(frags, ingestion.Fragment{
			ExecutionID: bodyString(line, "execution_id"),
			LogType:     ingestion.LogType(bodyString(line, "log_type")),
			Content:     bodyString(line, "content"),
		})
	}
	errs := s.ingestion.ReportBatch(r.Context(), frags)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(frags) - failed, "failed": failed})
}

func (s *Server) reportHeartbeat(w http.ResponseWriter, r *http.Request) {
	body := authBody(r)
	nodeID := bodyString(body, "node_id")
	m := types.NodeMetrics{}
	if raw, ok := body["metrics"].(map[string]any); ok {
		m.CPUPercent, _ = raw["cpu_percent"].(float64)
		m.MemoryPercent, _ = raw["memory_percent"].(float64)
		if v, ok := raw["running_tasks"].(float64); ok {
			m.RunningTasks = int(v)
		}
		if v, ok := raw["max_concurrent_tasks"].(float64); ok {
			m.MaxConcurrentTasks = int(v)
		}
		m.LatencyMS, _ = raw["latency_ms"].(float64)
		m.SuccessRate, _ = raw["success_rate"].(float64)
	}
	if err := s.registry.UpdateMetrics(nodeID, m); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportTask(w http.ResponseWriter, r *http.Request) {
	body := authBody(r)
	report := ingestion.TerminalReport{
		ExecutionID:  bodyString(body, "execution_id"),
		Status:       types.ExecutionState(bodyString(body, "status")),
		ErrorMessage: bodyString(body, "error_message"),
	}
	if v, ok := body["exit_code"].(float64); ok {
		code := int(v)
		report.ExitCode = &code
	}
	if err := s.ingestion.ReportTerminal(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- installation handshake --------------------------------------------

func (s *Server) generateInstallKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreatedBy int64 `json:"created_by"`
		TTLHours  int   `json:"ttl_hours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	key, err := s.installKey.GenerateKey(req.CreatedBy, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key.Key, "expires_at": key.ExpiresAt})
}

func (s *Server) registerByKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	source := r.RemoteAddr
	creds, err := s.installKey.Claim(req.Key, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"worker_id":  creds.NodeID,
		"api_key":    creds.APIKey,
		"secret_key": creds.SecretKey,
	})
}
