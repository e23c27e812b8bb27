package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

// Adaptive heartbeat constants, carried over from the original's
// NodeService (HEARTBEAT_INTERVAL_ONLINE/OFFLINE/MAX_FAILURES/TIMEOUT)
// per spec.md §4.2.
const (
	intervalOnline  = 3 * time.Second
	intervalOffline = 60 * time.Second
	maxFailures     = 5
	probeTimeout    = 2 * time.Second
	tick            = 1 * time.Second
)

// ProbeResult is what a successful probe learns about a node.
type ProbeResult struct {
	Metrics types.NodeMetrics
	Version string
}

// Prober performs the actual liveness check against a worker, normally an
// HTTP GET to /node/info. Kept as a narrow interface so the heartbeat
// monitor doesn't need to depend on the full HTTP client package.
type Prober interface {
	Probe(ctx context.Context, node *types.Node) (*ProbeResult, error)
}

type nodeState struct {
	failures  int
	nextCheck time.Time
	suspended bool
	breaker   *gobreaker.CircuitBreaker
}

// HeartbeatMonitor runs the per-node adaptive probe loop: online nodes are
// probed every intervalOnline, failing nodes back off exponentially up to
// intervalOffline, and a node suspends itself after maxFailures consecutive
// failures until a manual Resume.
type HeartbeatMonitor struct {
	store  storage.Store
	prober Prober

	mu     sync.Mutex
	states map[string]*nodeState

	stopCh chan struct{}
	once   sync.Once
}

// NewHeartbeatMonitor creates a monitor for every node currently in store;
// RegisterNode/Deregister keep the tracked set in sync afterward.
func NewHeartbeatMonitor(store storage.Store, prober Prober) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:  store,
		prober: prober,
		states: make(map[string]*nodeState),
		stopCh: make(chan struct{}),
	}
}

// Start loads the current node set and begins the tick loop.
func (hm *HeartbeatMonitor) Start() {
	nodes, err := hm.store.ListNodes()
	if err != nil {
		log.WithComponent("registry.heartbeat").Warn().Err(err).Msg("failed to load nodes at startup")
	} else {
		hm.mu.Lock()
		for _, n := range nodes {
			hm.states[n.ID] = newNodeState()
		}
		hm.mu.Unlock()
	}
	go hm.run()
}

// Stop halts the tick loop. Safe to call multiple times.
func (hm *HeartbeatMonitor) Stop() {
	hm.once.Do(func() { close(hm.stopCh) })
}

func newNodeState() *nodeState {
	return &nodeState{
		nextCheck: time.Now(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "node-probe",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     intervalOffline,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
	}
}

func (hm *HeartbeatMonitor) trackNode(nodeID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if _, exists := hm.states[nodeID]; !exists {
		hm.states[nodeID] = newNodeState()
	}
}

func (hm *HeartbeatMonitor) untrackNode(nodeID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.states, nodeID)
}

func (hm *HeartbeatMonitor) suspend(nodeID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if st, ok := hm.states[nodeID]; ok {
		st.suspended = true
	}
}

func (hm *HeartbeatMonitor) resume(nodeID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if st, ok := hm.states[nodeID]; ok {
		st.failures = 0
		st.suspended = false
		st.nextCheck = time.Now()
	}
}

func (hm *HeartbeatMonitor) run() {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.sweep()
		case <-hm.stopCh:
			return
		}
	}
}

// sweep probes every node whose nextCheck has elapsed, concurrently, and
// updates per-node backoff state from the result.
func (hm *HeartbeatMonitor) sweep() {
	now := time.Now()

	hm.mu.Lock()
	due := make([]string, 0, len(hm.states))
	for nodeID, st := range hm.states {
		if st.suspended {
			continue
		}
		if now.After(st.nextCheck) || now.Equal(st.nextCheck) {
			due = append(due, nodeID)
		}
	}
	hm.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, nodeID := range due {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			hm.checkOne(nodeID)
		}(nodeID)
	}
	wg.Wait()
}

func (hm *HeartbeatMonitor) checkOne(nodeID string) {
	node, err := hm.store.GetNode(nodeID)
	if err != nil {
		hm.untrackNode(nodeID)
		return
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	result, err := hm.probeWithBreaker(ctx, node)
	cancel()
	timer.ObserveDuration(metrics.HeartbeatProbeDuration)

	oldStatus := node.Status
	if err == nil {
		hm.onSuccess(node, result)
	} else {
		metrics.HeartbeatFailuresTotal.WithLabelValues(nodeID).Inc()
		hm.onFailure(node)
	}

	if node.Status != oldStatus {
		log.WithNodeID(nodeID).Info().Str("from", string(oldStatus)).Str("to", string(node.Status)).Msg("node status changed")
	}
}

func (hm *HeartbeatMonitor) probeWithBreaker(ctx context.Context, node *types.Node) (*ProbeResult, error) {
	hm.mu.Lock()
	st, ok := hm.states[node.ID]
	hm.mu.Unlock()
	if !ok {
		return hm.prober.Probe(ctx, node)
	}

	out, err := st.breaker.Execute(func() (interface{}, error) {
		return hm.prober.Probe(ctx, node)
	})
	if err != nil {
		return nil, err
	}
	return out.(*ProbeResult), nil
}

func (hm *HeartbeatMonitor) onSuccess(node *types.Node, result *ProbeResult) {
	now := time.Now()
	node.Status = types.NodeOnline
	node.LastHeartbeat = &now
	if result != nil {
		node.Metrics = result.Metrics
	}
	node.UpdatedAt = now
	_ = hm.store.UpdateNode(node)

	hm.mu.Lock()
	if st, ok := hm.states[node.ID]; ok {
		st.failures = 0
		st.nextCheck = now.Add(intervalOnline)
	}
	hm.mu.Unlock()
}

func (hm *HeartbeatMonitor) onFailure(node *types.Node) {
	now := time.Now()
	node.Status = types.NodeOffline
	node.UpdatedAt = now
	_ = hm.store.UpdateNode(node)

	hm.mu.Lock()
	defer hm.mu.Unlock()
	st, ok := hm.states[node.ID]
	if !ok {
		return
	}
	st.failures++

	if st.failures >= maxFailures {
		st.suspended = true
		log.WithNodeID(node.ID).Info().Int("failures", st.failures).Msg("node suspended from automatic heartbeat checks")
		return
	}

	backoff := intervalOnline * time.Duration(1<<uint(st.failures))
	if backoff > intervalOffline {
		backoff = intervalOffline
	}
	st.nextCheck = now.Add(backoff)
}
