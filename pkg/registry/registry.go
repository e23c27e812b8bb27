// Package registry implements the node registry (spec.md §C2): worker
// bookkeeping plus an adaptive heartbeat monitor that probes each online
// node on a fast tick and backs a misbehaving node off exponentially
// before suspending it from automatic checks altogether.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

// HeartbeatTimeout is how long a node can go without a successful probe
// before it is considered stale even if the monitor hasn't caught up yet.
const HeartbeatTimeout = 60 * time.Second

// Registry owns node CRUD and wraps it with registration bookkeeping. The
// adaptive probe loop itself lives in heartbeat.go.
type Registry struct {
	store storage.Store
	hb    *HeartbeatMonitor
}

// New creates a Registry backed by store, with its heartbeat monitor
// probing nodes via prober.
func New(store storage.Store, prober Prober) *Registry {
	r := &Registry{store: store}
	r.hb = NewHeartbeatMonitor(store, prober)
	return r
}

// Start begins the background heartbeat monitor.
func (r *Registry) Start() {
	r.hb.Start()
}

// Stop halts the heartbeat monitor.
func (r *Registry) Stop() {
	r.hb.Stop()
}

// RegisterNode creates a new node record, generating its ID if absent.
func (r *Registry) RegisterNode(n *types.Node) (*types.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = types.NodeOnline
	}
	n.LastHeartbeat = &now

	if err := r.store.CreateNode(n); err != nil {
		return nil, err
	}
	r.hb.trackNode(n.ID)
	r.refreshGauges()
	return n, nil
}

// Deregister removes a node and stops monitoring it.
func (r *Registry) Deregister(nodeID string) error {
	if err := r.store.DeleteNode(nodeID); err != nil {
		return err
	}
	r.hb.untrackNode(nodeID)
	r.refreshGauges()
	return nil
}

// Get returns a node by ID.
func (r *Registry) Get(nodeID string) (*types.Node, error) {
	return r.store.GetNode(nodeID)
}

// List returns all registered nodes.
func (r *Registry) List() ([]*types.Node, error) {
	return r.store.ListNodes()
}

// UpdateMetrics records a self-reported metrics snapshot from a node's
// heartbeat payload (spec.md §4.1's heartbeat endpoint), independent of
// the adaptive monitor's own liveness probing.
func (r *Registry) UpdateMetrics(nodeID string, m types.NodeMetrics) error {
	n, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	n.Metrics = m
	now := time.Now()
	n.LastHeartbeat = &now
	n.Status = types.NodeOnline
	n.UpdatedAt = now
	return r.store.UpdateNode(n)
}

// Suspend pulls a node out of automatic probing without deleting it, e.g.
// for planned maintenance.
func (r *Registry) Suspend(nodeID string) error {
	n, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	n.Status = types.NodeMaintenance
	n.UpdatedAt = time.Now()
	if err := r.store.UpdateNode(n); err != nil {
		return err
	}
	r.hb.suspend(nodeID)
	return nil
}

// Resume re-enables automatic probing for a node, resetting its backoff
// state, mirroring the original's manual_test_node recovery path.
func (r *Registry) Resume(nodeID string) error {
	n, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	n.UpdatedAt = time.Now()
	if err := r.store.UpdateNode(n); err != nil {
		return err
	}
	r.hb.resume(nodeID)
	return nil
}

// IsStale reports whether a node's last heartbeat exceeds HeartbeatTimeout,
// the authoritative liveness check independent of the monitor's own
// per-node adaptive schedule.
func IsStale(n *types.Node, now time.Time) bool {
	if n.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*n.LastHeartbeat) > HeartbeatTimeout
}

func (r *Registry) refreshGauges() {
	nodes, err := r.store.ListNodes()
	if err != nil {
		log.WithComponent("registry").Warn().Err(err).Msg("failed to refresh node gauges")
		return
	}
	counts := map[types.NodeStatus]int{}
	for _, n := range nodes {
		counts[n.Status]++
	}
	for _, status := range []types.NodeStatus{types.NodeOnline, types.NodeOffline, types.NodeMaintenance} {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// ErrNodeBusy is a shared KindNodeUnavailable error for a node suspended
// from automatic probing. No code in this module returns it; it is exported
// for callers that share the apperr taxonomy.
var ErrNodeBusy = apperr.New(apperr.KindNodeUnavailable, "node is suspended from automatic probing")
