// Package balancer implements node load scoring and selection (spec.md
// §C3): a weighted score over CPU/memory/task-ratio/latency/success-rate,
// a hard-guard availability check, and ranked candidate selection.
package balancer

import (
	"math"
	"sort"

	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

// Hard-guard thresholds a node must stay under to be considered available
// at all, regardless of its load score (original's MAX_CPU_THRESHOLD /
// MAX_MEMORY_THRESHOLD / MAX_TASKS_RATIO).
const (
	maxCPUThreshold    = 90.0
	maxMemoryThreshold = 90.0
	maxTasksRatio      = 0.8
)

// Score weights. spec.md §4.3 is authoritative here: the original
// declares WEIGHT_CPU=0.3/WEIGHT_MEMORY=0.3/WEIGHT_TASKS=0.25/
// WEIGHT_LATENCY=0.15 as class constants but its own calculate_load_score
// body actually applies 0.30/0.25/0.20/0.15/0.10 (with a success-rate
// term the constants don't even account for) — the body's weights are
// what spec.md distilled, so that's what's implemented.
const (
	weightCPU     = 0.30
	weightMemory  = 0.25
	weightTasks   = 0.20
	weightLatency = 0.15
	weightSuccess = 0.10
)

// Score computes a node's load score: lower is better. A node with no
// metrics yet (never successfully probed) scores the worst possible,
// matching the original's `if not node.metrics: return 100`.
func Score(n *types.Node) float64 {
	m := n.Metrics
	if m == (types.NodeMetrics{}) {
		return 100
	}

	cpuScore := m.CPUPercent
	memoryScore := m.MemoryPercent

	maxTasks := m.MaxConcurrentTasks
	taskScore := 100.0
	if maxTasks > 0 {
		taskScore = (float64(m.RunningTasks) / float64(maxTasks)) * 100
	}

	latencyScore := latencyCurve(m.LatencyMS)

	successRate := m.SuccessRate
	if successRate == 0 {
		successRate = 100
	}
	successScore := 100 - successRate

	total := cpuScore*weightCPU +
		memoryScore*weightMemory +
		taskScore*weightTasks +
		latencyScore*weightLatency +
		successScore*weightSuccess

	metrics.LoadScore.WithLabelValues(n.ID).Set(total)
	return math.Round(total*100) / 100
}

// latencyCurve maps raw latency (ms) onto a 0-100 score via a log curve:
// anything at or under 10ms scores 0, at or over 1000ms scores 100, and
// values between follow 25*log10(latency/10).
func latencyCurve(latencyMS float64) float64 {
	switch {
	case latencyMS <= 10:
		return 0
	case latencyMS >= 1000:
		return 100
	default:
		score := 25 * math.Log10(latencyMS/10)
		if score < 0 {
			return 0
		}
		if score > 100 {
			return 100
		}
		return score
	}
}

// Available reports whether a node clears every hard guard: online
// status, a metrics snapshot present, and CPU/memory/task-ratio under
// their respective thresholds.
func Available(n *types.Node) bool {
	if n.Status != types.NodeOnline {
		return false
	}
	if n.Metrics == (types.NodeMetrics{}) {
		return false
	}

	m := n.Metrics
	if m.CPUPercent >= maxCPUThreshold {
		return false
	}
	if m.MemoryPercent >= maxMemoryThreshold {
		return false
	}
	if m.MaxConcurrentTasks > 0 && float64(m.RunningTasks) >= float64(m.MaxConcurrentTasks)*maxTasksRatio {
		return false
	}
	return true
}

// Candidate pairs a node with its computed load score.
type Candidate struct {
	Node      *types.Node
	Score     float64
	Available bool
}

// SelectOptions narrows the candidate pool before scoring.
type SelectOptions struct {
	Region         string
	Tags           []string
	RequireRender  bool
	ExcludeNodeIDs []string
}

func matchesOptions(n *types.Node, opts SelectOptions) bool {
	for _, id := range opts.ExcludeNodeIDs {
		if n.ID == id {
			return false
		}
	}
	if opts.Region != "" && n.Region != opts.Region {
		return false
	}
	if len(opts.Tags) > 0 && !n.HasTags(opts.Tags) {
		return false
	}
	if opts.RequireRender && !n.Capabilities.BrowserRender {
		return false
	}
	return true
}

// SelectBest returns the lowest-scoring available node among nodes that
// matches opts, or nil if none qualify.
func SelectBest(nodes []*types.Node, opts SelectOptions) *types.Node {
	var best *types.Node
	bestScore := math.Inf(1)

	for _, n := range nodes {
		if !matchesOptions(n, opts) {
			continue
		}
		if !Available(n) {
			continue
		}
		score := Score(n)
		if score < bestScore {
			bestScore = score
			best = n
		}
	}
	return best
}

// Rank scores every online node (optionally filtered by region) and
// returns the top N candidates sorted by ascending score (best first).
func Rank(nodes []*types.Node, region string, topN int) []Candidate {
	candidates := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeOnline {
			continue
		}
		if region != "" && n.Region != region {
			continue
		}
		candidates = append(candidates, Candidate{
			Node:      n,
			Score:     Score(n),
			Available: Available(n),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score < candidates[j].Score
	})

	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates
}
