// Package dispatcher implements node-task dispatch (spec.md §C5): given a
// batch of tasks, pick (or accept an explicit) target node, make sure the
// node has an active master-link, sync whatever projects the batch
// references, and hand the enriched batch to the node's priority queue
// over HTTP. It also proxies the queue-control operations (priority
// update, cancel, status, logs) that act on a task already sitting in a
// node's queue.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/balancer"
	"github.com/antcode/antcode/pkg/client"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/projectsync"
	"github.com/antcode/antcode/pkg/types"
)

// defaultPriority is the DEFAULT_PRIORITY_MAP equivalent: the priority a
// task gets if its schedule doesn't specify one, keyed by project type.
var defaultPriority = map[types.ProjectType]int{
	types.ProjectTypeRule: 1, // high
	types.ProjectTypeCode: 2, // normal
	types.ProjectTypeFile: 2, // normal
}

// DefaultPriority returns the project-type default priority, used when a
// task carries no explicit priority of its own.
func DefaultPriority(pt types.ProjectType) int {
	if p, ok := defaultPriority[pt]; ok {
		return p
	}
	return 2
}

// TaskInput is one task within a dispatch batch, in the shape the scheduler
// builds it before handing off to the dispatcher.
type TaskInput struct {
	TaskID        string
	ProjectID     int64
	Priority      int
	Params        map[string]any
	Environment   map[string]string
	Timeout       int
	RequireRender bool
}

// BatchRequest is DispatchBatch's input.
type BatchRequest struct {
	Tasks         []TaskInput
	NodeID        string
	Region        string
	Tags          []string
	BatchID       string
	RequireRender bool
}

// Result is the outcome of a batch (or single-task) dispatch attempt.
type Result struct {
	Success       bool
	Error         string
	NodeID        string
	BatchID       string
	AcceptedCount int
	RejectedCount int
	AcceptedTasks []string
	RejectedTasks []string
	SyncResults   map[string][]string // "synced"/"skipped"/"failed" -> project ids
}

// Dispatcher wires node selection, project sync and the worker HTTP client
// together into the spec §4.5 five-step dispatch sequence.
type Dispatcher struct {
	NodeByID       func(id string) (*types.Node, error)
	OnlineNodes    func() ([]*types.Node, error)
	ProjectByID    func(id int64) (*types.Project, error)
	Sync           *projectsync.Service
	Client         *client.Client
	MasterURL      string
	DownloadURLFor func(*types.Project) string
}

// New creates a Dispatcher.
func New(nodeByID func(string) (*types.Node, error), onlineNodes func() ([]*types.Node, error), projectByID func(int64) (*types.Project, error), sync *projectsync.Service, c *client.Client, masterURL string, downloadURLFor func(*types.Project) string) *Dispatcher {
	return &Dispatcher{
		NodeByID:       nodeByID,
		OnlineNodes:    onlineNodes,
		ProjectByID:    projectByID,
		Sync:           sync,
		Client:         c,
		MasterURL:      masterURL,
		DownloadURLFor: downloadURLFor,
	}
}

// DispatchTask dispatches a single task using the batch interface, matching
// the original's dispatch_task-delegates-to-dispatch_batch shape.
func (d *Dispatcher) DispatchTask(ctx context.Context, task TaskInput, nodeID, region string, tags []string) *Result {
	return d.DispatchBatch(ctx, BatchRequest{
		Tasks:         []TaskInput{task},
		NodeID:        nodeID,
		Region:        region,
		Tags:          tags,
		RequireRender: task.RequireRender,
	})
}

// DispatchBatch runs the five-step dispatch sequence (spec §4.5): resolve
// the target node, ensure its master-link, sync every distinct project the
// batch touches, enrich each task with download metadata, and POST the
// batch to the node's priority queue.
func (d *Dispatcher) DispatchBatch(ctx context.Context, req BatchRequest) *Result {
	timer := metrics.NewTimer()
	outcome := "success"
	defer func() { timer.ObserveDurationVec(metrics.DispatchDuration, outcome) }()

	if len(req.Tasks) == 0 {
		outcome = "rejected"
		return &Result{Error: "task batch is empty"}
	}

	requireRender := req.RequireRender
	for _, t := range req.Tasks {
		if t.RequireRender {
			requireRender = true
			break
		}
	}

	node, err := d.selectNode(req.NodeID, req.Region, req.Tags, requireRender)
	if err != nil || node == nil {
		outcome = "rejected"
		metrics.DispatchedTasksTotal.WithLabelValues("no_node").Add(float64(len(req.Tasks)))
		msg := "no available node"
		if err != nil {
			msg = err.Error()
		}
		return &Result{Error: msg}
	}

	if !d.ensureNodeConnected(ctx, node) {
		outcome = "rejected"
		metrics.DispatchedTasksTotal.WithLabelValues("node_unreachable").Add(float64(len(req.Tasks)))
		return &Result{Error: fmt.Sprintf("node unreachable: %s", node.ID), NodeID: node.ID}
	}

	projectIDs := distinctProjectIDs(req.Tasks)
	syncResults, downloadInfo := d.syncProjectsWithInfo(ctx, node, projectIDs)

	enriched := make([]map[string]any, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		env := map[string]any{
			"task_id":        t.TaskID,
			"project_id":     t.ProjectID,
			"priority":       t.Priority,
			"params":         t.Params,
			"environment":    t.Environment,
			"timeout":        t.Timeout,
			"require_render": t.RequireRender,
		}
		if info, ok := downloadInfo[t.ProjectID]; ok {
			env["download_url"] = info.DownloadURL
			env["api_key"] = node.APIKey
			env["file_hash"] = info.FileHash
			env["entry_point"] = info.EntryPoint
		}
		enriched = append(enriched, env)
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = fmt.Sprintf("%s-%d", node.ID, len(enriched))
	}

	sendResult, err := d.Client.SendBatch(ctx, node, client.BatchRequest{Tasks: enriched, NodeID: node.ID, BatchID: batchID})
	if err != nil {
		outcome = "rejected"
		metrics.DispatchedTasksTotal.WithLabelValues("transport_error").Add(float64(len(req.Tasks)))
		log.WithNodeID(node.ID).Error().Err(err).Msg("batch dispatch failed")
		return &Result{Error: err.Error(), NodeID: node.ID, SyncResults: syncResults}
	}

	metrics.DispatchedTasksTotal.WithLabelValues("accepted").Add(float64(sendResult.AcceptedCount))
	if sendResult.RejectedCount > 0 {
		metrics.DispatchedTasksTotal.WithLabelValues("rejected").Add(float64(sendResult.RejectedCount))
	}

	return &Result{
		Success:       true,
		NodeID:        node.ID,
		BatchID:       sendResult.BatchID,
		AcceptedCount: sendResult.AcceptedCount,
		RejectedCount: sendResult.RejectedCount,
		AcceptedTasks: sendResult.AcceptedTasks,
		RejectedTasks: sendResult.RejectedTasks,
		SyncResults:   syncResults,
	}
}

// selectNode resolves the dispatch target: an explicit node ID (validated
// online and, if required, render-capable) or the load balancer's best
// pick for region/tags/render requirements.
func (d *Dispatcher) selectNode(nodeID, region string, tags []string, requireRender bool) (*types.Node, error) {
	if nodeID != "" {
		node, err := d.NodeByID(nodeID)
		if err != nil {
			return nil, apperr.NodeUnavailable(nodeID, "node not found")
		}
		if node.Status != types.NodeOnline {
			return nil, apperr.NodeUnavailable(nodeID, "node is offline")
		}
		if requireRender && !node.Capabilities.BrowserRender {
			return nil, apperr.NodeUnavailable(nodeID, "node lacks render capability")
		}
		return node, nil
	}

	nodes, err := d.OnlineNodes()
	if err != nil {
		return nil, err
	}
	best := balancer.SelectBest(nodes, balancer.SelectOptions{Region: region, Tags: tags, RequireRender: requireRender})
	if best == nil {
		return nil, nil
	}
	return best, nil
}

// ensureNodeConnected establishes the master-link: reconciles the node's
// machine_code if missing, then posts the connect request. A failure here
// means the task can't reach the node at all, so the caller treats false
// as a hard dispatch failure.
func (d *Dispatcher) ensureNodeConnected(ctx context.Context, node *types.Node) bool {
	if node.MachineCode == "" {
		info, err := d.Client.NodeInfo(ctx, node)
		if err != nil || info.MachineCode == "" {
			log.WithNodeID(node.ID).Warn().Msg("node has no machine code and none could be fetched")
			return false
		}
		node.MachineCode = info.MachineCode
	}

	if err := d.Client.Connect(ctx, node, d.MasterURL); err != nil {
		log.WithNodeID(node.ID).Warn().Err(err).Msg("failed to establish master link")
		return false
	}
	return true
}

type downloadInfo struct {
	DownloadURL string
	FileHash    string
	EntryPoint  string
}

// syncProjectsWithInfo syncs every distinct project a batch references onto
// the node and returns both a synced/skipped/failed breakdown and the
// per-project download metadata used to enrich each task envelope.
func (d *Dispatcher) syncProjectsWithInfo(ctx context.Context, node *types.Node, projectIDs []int64) (map[string][]string, map[int64]downloadInfo) {
	results := map[string][]string{"synced": {}, "skipped": {}, "failed": {}}
	info := make(map[int64]downloadInfo, len(projectIDs))

	for _, pid := range projectIDs {
		project, err := d.ProjectByID(pid)
		if err != nil {
			results["failed"] = append(results["failed"], fmt.Sprintf("%d", pid))
			continue
		}

		info[pid] = downloadInfo{
			DownloadURL: d.DownloadURLFor(project),
			FileHash:    project.ContentHash,
			EntryPoint:  project.EntryPoint,
		}

		plan, err := d.Sync.Plan(node, project, d.DownloadURLFor)
		if err != nil {
			results["failed"] = append(results["failed"], project.PublicID)
			continue
		}
		if plan.Skip {
			results["skipped"] = append(results["skipped"], project.PublicID)
			continue
		}

		if !d.pushProject(ctx, node, project, plan) {
			results["failed"] = append(results["failed"], project.PublicID)
			continue
		}

		if err := d.Sync.RecordTransfer(node, project, plan.Method, plan.FileSize, nil); err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Str("project", project.PublicID).Msg("failed to record project sync")
		}
		results["synced"] = append(results["synced"], project.PublicID)
	}

	return results, info
}

// pushProject performs the actual transfer call for a single project
// according to its plan's method.
func (d *Dispatcher) pushProject(ctx context.Context, node *types.Node, project *types.Project, plan *projectsync.Plan) bool {
	switch plan.Method {
	case types.TransferCode:
		err := d.Client.SyncCode(ctx, node, client.CodeSyncRequest{
			Name:            project.Name,
			CodeContent:     plan.CodeContent,
			Language:        "python",
			EntryPoint:      project.EntryPoint,
			MasterProjectID: project.PublicID,
		})
		return err == nil

	default:
		err := d.Client.SyncFromMaster(ctx, node, client.FileSyncRequest{
			ProjectID:      project.PublicID,
			Name:           project.Name,
			DownloadURL:    plan.DownloadURL,
			EntryPoint:     project.EntryPoint,
			TransferMethod: string(plan.Method),
			FileHash:       plan.FileHash,
			FileSize:       plan.FileSize,
			APIKey:         node.APIKey,
		})
		return err == nil
	}
}

func distinctProjectIDs(tasks []TaskInput) []int64 {
	seen := make(map[int64]struct{}, len(tasks))
	var out []int64
	for _, t := range tasks {
		if t.ProjectID == 0 {
			continue
		}
		if _, ok := seen[t.ProjectID]; ok {
			continue
		}
		seen[t.ProjectID] = struct{}{}
		out = append(out, t.ProjectID)
	}
	return out
}

// UpdateTaskPriority proxies a priority change for a task already sitting
// in a node's queue.
func (d *Dispatcher) UpdateTaskPriority(ctx context.Context, nodeID, taskID string, priority int) (int, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return 0, apperr.NodeUnavailable(nodeID, "node not found")
	}
	return d.Client.UpdateTaskPriority(ctx, node, taskID, priority)
}

// QueueStatus proxies a node's priority-queue status.
func (d *Dispatcher) QueueStatus(ctx context.Context, nodeID string) (map[string]any, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return nil, apperr.NodeUnavailable(nodeID, "node not found")
	}
	return d.Client.QueueStatus(ctx, node)
}

// CancelQueuedTask proxies a queued-task cancellation on a node.
func (d *Dispatcher) CancelQueuedTask(ctx context.Context, nodeID, taskID string) error {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return apperr.NodeUnavailable(nodeID, "node not found")
	}
	return d.Client.CancelQueuedTask(ctx, node, taskID)
}

// TaskStatus proxies a live task status read from a node.
func (d *Dispatcher) TaskStatus(ctx context.Context, nodeID, taskID string) (map[string]any, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return nil, apperr.NodeUnavailable(nodeID, "node not found")
	}
	return d.Client.TaskStatus(ctx, node, taskID)
}

// TaskLogs proxies a task log tail read from a node.
func (d *Dispatcher) TaskLogs(ctx context.Context, nodeID, taskID, logType string, tail int) ([]string, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return nil, apperr.NodeUnavailable(nodeID, "node not found")
	}
	return d.Client.TaskLogs(ctx, node, taskID, logType, tail)
}
