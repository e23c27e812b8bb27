// Package client is the master's outbound HTTP client for reaching worker
// nodes: establishing the master-link, pushing project syncs, and
// submitting batches to a node's priority queue. Every per-node call is
// wrapped in a circuit breaker so a single wedged worker can't pile up
// goroutines on the dispatcher.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/types"
)

const (
	defaultTimeout  = 15 * time.Second
	batchTimeout    = 60 * time.Second
	syncTimeout     = 300 * time.Second
	breakerTimeout  = 30 * time.Second
	breakerMaxTrips = 5
)

// Client reaches worker nodes over plain HTTP, authenticating with the
// node's own API key (spec §6.4 — master→worker calls carry
// Authorization: Bearer {api_key}, distinct from the HMAC scheme workers
// use to call back into the master).
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Client using the given base HTTP timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(nodeID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[nodeID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "worker-client:" + nodeID,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxTrips
		},
	})
	c.breakers[nodeID] = b
	return b
}

// ConnectRequest is the body of POST /node/connect/v2.
type ConnectRequest struct {
	MachineCode  string `json:"machine_code"`
	APIKey       string `json:"api_key"`
	MasterURL    string `json:"master_url"`
	NodeID       string `json:"node_id"`
	SecretKey    string `json:"secret_key"`
	UseWebSocket bool   `json:"use_websocket"`
}

// Connect tells a node where to push logs, establishing the master-link.
func (c *Client) Connect(ctx context.Context, node *types.Node, masterURL string) error {
	req := ConnectRequest{
		MachineCode:  node.MachineCode,
		APIKey:       node.APIKey,
		MasterURL:    masterURL,
		NodeID:       node.ID,
		SecretKey:    string(node.EncryptedHMACSecret),
		UseWebSocket: true,
	}
	_, err := c.call(ctx, node, http.MethodPost, "/node/connect/v2", req, nil, defaultTimeout)
	return err
}

// NodeInfoResponse is the body of GET /node/info.
type NodeInfoResponse struct {
	MachineCode string `json:"machine_code"`
	Version     string `json:"version"`
}

// NodeInfo fetches the node's reported machine code and version, used to
// reconcile the stored record before trusting the link.
func (c *Client) NodeInfo(ctx context.Context, node *types.Node) (*NodeInfoResponse, error) {
	var resp NodeInfoResponse
	_, err := c.call(ctx, node, http.MethodGet, "/node/info", nil, &resp, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CodeSyncRequest is the body of POST /projects/code.
type CodeSyncRequest struct {
	Name             string `json:"name"`
	CodeContent      string `json:"code_content"`
	Language         string `json:"language"`
	EntryPoint       string `json:"entry_point,omitempty"`
	MasterProjectID  string `json:"master_project_id"`
	Description      string `json:"description,omitempty"`
}

// SyncCode pushes inline source to a node (ProjectTypeCode transfer).
func (c *Client) SyncCode(ctx context.Context, node *types.Node, req CodeSyncRequest) error {
	_, err := c.call(ctx, node, http.MethodPost, "/projects/code", req, nil, syncTimeout)
	return err
}

// FileSyncRequest is the body of POST /projects/sync-from-master.
type FileSyncRequest struct {
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	DownloadURL    string `json:"download_url"`
	Description    string `json:"description,omitempty"`
	EntryPoint     string `json:"entry_point,omitempty"`
	TransferMethod string `json:"transfer_method"`
	FileHash       string `json:"file_hash,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	APIKey         string `json:"api_key"`
}

// SyncFromMaster tells a node to pull a project archive itself
// (ProjectTypeFile/ProjectTypeRule transfer).
func (c *Client) SyncFromMaster(ctx context.Context, node *types.Node, req FileSyncRequest) error {
	_, err := c.call(ctx, node, http.MethodPost, "/projects/sync-from-master", req, nil, syncTimeout)
	return err
}

// BatchRequest is the body of POST /queue/batch.
type BatchRequest struct {
	Tasks   []map[string]any `json:"tasks"`
	NodeID  string            `json:"node_id"`
	BatchID string            `json:"batch_id"`
}

// BatchResult is the decoded response of a /queue/batch call, tolerant of
// both a synchronous (200, full counts) and an async-accepted (202, counts
// may be absent) response shape.
type BatchResult struct {
	BatchID        string   `json:"batch_id"`
	AcceptedCount  int      `json:"accepted_count"`
	RejectedCount  int      `json:"rejected_count"`
	AcceptedTasks  []string `json:"accepted_tasks"`
	RejectedTasks  []string `json:"rejected_tasks"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SendBatch posts a batch of enriched task envelopes to a node's priority
// queue, treating both HTTP 200 (processed synchronously) and 202
// (accepted for async processing) as success. A 202 with no accepted_count
// in the body is treated as every task accepted, matching the original's
// "assume async acceptance" fallback.
func (c *Client) SendBatch(ctx context.Context, node *types.Node, req BatchRequest) (*BatchResult, error) {
	var resp struct {
		BatchID       *string  `json:"batch_id"`
		AcceptedCount *int     `json:"accepted_count"`
		RejectedCount int      `json:"rejected_count"`
		AcceptedTasks []string `json:"accepted_tasks"`
		RejectedTasks []string `json:"rejected_tasks"`
	}
	status, err := c.call(ctx, node, http.MethodPost, "/queue/batch", req, &resp, batchTimeout)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		BatchID:       req.BatchID,
		RejectedCount: resp.RejectedCount,
		AcceptedTasks: resp.AcceptedTasks,
		RejectedTasks: resp.RejectedTasks,
	}
	if resp.BatchID != nil && *resp.BatchID != "" {
		result.BatchID = *resp.BatchID
	}
	switch {
	case resp.AcceptedCount != nil:
		result.AcceptedCount = *resp.AcceptedCount
	case status == http.StatusAccepted:
		result.AcceptedCount = len(req.Tasks)
	default:
		result.AcceptedCount = len(req.Tasks)
	}
	return result, nil
}

// UpdateTaskPriority changes a queued task's priority on the node.
func (c *Client) UpdateTaskPriority(ctx context.Context, node *types.Node, taskID string, priority int) (newPosition int, err error) {
	var resp struct {
		NewPriority int `json:"new_priority"`
		NewPosition int `json:"new_position"`
	}
	status, err := c.call(ctx, node, http.MethodPut, "/queue/tasks/"+taskID+"/priority", map[string]int{"priority": priority}, &resp, defaultTimeout)
	if err != nil {
		if status == http.StatusNotFound {
			return 0, apperr.New(apperr.KindNotFound, "task not found on node")
		}
		return 0, err
	}
	return resp.NewPosition, nil
}

// QueueStatus fetches a node's current priority-queue depth/stats.
func (c *Client) QueueStatus(ctx context.Context, node *types.Node) (map[string]any, error) {
	var resp map[string]any
	if _, err := c.call(ctx, node, http.MethodGet, "/queue/status", nil, &resp, defaultTimeout); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelQueuedTask cancels a still-queued task on the node.
func (c *Client) CancelQueuedTask(ctx context.Context, node *types.Node, taskID string) error {
	_, err := c.call(ctx, node, http.MethodDelete, "/queue/tasks/"+taskID, nil, nil, defaultTimeout)
	return err
}

// TaskStatus fetches a single task's live status from the node.
func (c *Client) TaskStatus(ctx context.Context, node *types.Node, taskID string) (map[string]any, error) {
	var resp map[string]any
	if _, err := c.call(ctx, node, http.MethodGet, "/tasks/"+taskID, nil, &resp, defaultTimeout); err != nil {
		return nil, err
	}
	return resp, nil
}

// TaskLogs fetches a tail of a task's logs from the node.
func (c *Client) TaskLogs(ctx context.Context, node *types.Node, taskID, logType string, tail int) ([]string, error) {
	var resp struct {
		Logs []string `json:"logs"`
	}
	path := "/tasks/" + taskID + "/logs?log_type=" + logType + "&tail=" + strconv.Itoa(tail)
	if _, err := c.call(ctx, node, http.MethodGet, path, nil, &resp, defaultTimeout); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// call performs a single HTTP round-trip to node's base URL through that
// node's circuit breaker, decoding a "data" envelope (or a flat body) into
// dst when non-nil. It returns the HTTP status code observed (0 if the
// request never reached the wire) alongside any error.
func (c *Client) call(ctx context.Context, node *types.Node, method, path string, body any, dst any, timeout time.Duration) (int, error) {
	breaker := c.breakerFor(node.ID)

	type result struct {
		status int
		data   json.RawMessage
	}

	out, err := breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			b, marshalErr := json.Marshal(body)
			if marshalErr != nil {
				return nil, apperr.Wrap(apperr.KindValidation, "encode request body", marshalErr)
			}
			reader = bytes.NewReader(b)
		}

		httpReq, reqErr := http.NewRequestWithContext(reqCtx, method, node.BaseURL()+path, reader)
		if reqErr != nil {
			return nil, apperr.Wrap(apperr.KindTransport, "build request", reqErr)
		}
		httpReq.Header.Set("Authorization", "Bearer "+node.APIKey)
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.http.Do(httpReq)
		if doErr != nil {
			return nil, apperr.Wrap(apperr.KindTransport, fmt.Sprintf("%s %s", method, path), doErr)
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, apperr.Wrap(apperr.KindTransport, "read response body", readErr)
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return &result{status: resp.StatusCode}, apperr.New(apperr.KindWorkerRejected,
				fmt.Sprintf("%s %s: HTTP %d %s", method, path, resp.StatusCode, truncate(raw, 200)))
		}

		data := raw
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Data != nil {
			data = env.Data
		}
		return &result{status: resp.StatusCode, data: data}, nil
	})

	if out != nil {
		res := out.(*result)
		if dst != nil && len(res.data) > 0 {
			_ = json.Unmarshal(res.data, dst)
		}
		return res.status, err
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is open: req() never ran, so err is gobreaker's own
			// ErrOpenState/ErrTooManyRequests rather than an *apperr.Error.
			return 0, apperr.Wrap(apperr.KindNodeUnavailable, "node circuit breaker open", err)
		}
		return 0, err
	}
	return 0, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
