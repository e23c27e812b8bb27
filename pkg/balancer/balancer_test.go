package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antcode/antcode/pkg/types"
)

func TestScoreNoMetricsIsWorstCase(t *testing.T) {
	n := &types.Node{ID: "n1"}
	assert.Equal(t, 100.0, Score(n))
}

func TestScorePrefersLowerResourceUsage(t *testing.T) {
	light := &types.Node{ID: "light", Metrics: types.NodeMetrics{
		CPUPercent: 10, MemoryPercent: 10, RunningTasks: 1, MaxConcurrentTasks: 10,
		LatencyMS: 5, SuccessRate: 100,
	}}
	heavy := &types.Node{ID: "heavy", Metrics: types.NodeMetrics{
		CPUPercent: 90, MemoryPercent: 90, RunningTasks: 9, MaxConcurrentTasks: 10,
		LatencyMS: 900, SuccessRate: 50,
	}}
	assert.Less(t, Score(light), Score(heavy))
}

func TestAvailableRejectsOverThreshold(t *testing.T) {
	n := &types.Node{
		Status:  types.NodeOnline,
		Metrics: types.NodeMetrics{CPUPercent: 95, MaxConcurrentTasks: 5},
	}
	assert.False(t, Available(n))
}

func TestAvailableRejectsOffline(t *testing.T) {
	n := &types.Node{
		Status:  types.NodeOffline,
		Metrics: types.NodeMetrics{CPUPercent: 10, MemoryPercent: 10, MaxConcurrentTasks: 5},
	}
	assert.False(t, Available(n))
}

func TestAvailableRejectsAtTaskCapacity(t *testing.T) {
	n := &types.Node{
		Status: types.NodeOnline,
		Metrics: types.NodeMetrics{
			CPUPercent: 10, MemoryPercent: 10, RunningTasks: 9, MaxConcurrentTasks: 10,
		},
	}
	assert.False(t, Available(n))
}

func TestAvailableAcceptsHealthyNode(t *testing.T) {
	n := &types.Node{
		Status: types.NodeOnline,
		Metrics: types.NodeMetrics{
			CPUPercent: 10, MemoryPercent: 10, RunningTasks: 1, MaxConcurrentTasks: 10, SuccessRate: 100,
		},
	}
	assert.True(t, Available(n))
}

func healthyNode(id string) *types.Node {
	return &types.Node{
		ID:     id,
		Status: types.NodeOnline,
		Metrics: types.NodeMetrics{
			CPUPercent: 20, MemoryPercent: 20, RunningTasks: 1, MaxConcurrentTasks: 10,
			LatencyMS: 20, SuccessRate: 100,
		},
	}
}

func TestSelectBestSkipsUnavailableAndExcluded(t *testing.T) {
	good := healthyNode("good")
	busy := healthyNode("busy")
	busy.Metrics.RunningTasks = 9

	best := SelectBest([]*types.Node{good, busy}, SelectOptions{})
	assert.Equal(t, "good", best.ID)

	excluded := SelectBest([]*types.Node{good}, SelectOptions{ExcludeNodeIDs: []string{"good"}})
	assert.Nil(t, excluded)
}

func TestSelectBestRequiresRenderCapability(t *testing.T) {
	plain := healthyNode("plain")
	renderer := healthyNode("renderer")
	renderer.Capabilities.BrowserRender = true

	best := SelectBest([]*types.Node{plain, renderer}, SelectOptions{RequireRender: true})
	assert.Equal(t, "renderer", best.ID)
}

func TestRankOrdersByScoreAndCapsTopN(t *testing.T) {
	a := healthyNode("a")
	b := healthyNode("b")
	b.Metrics.CPUPercent = 80

	ranked := Rank([]*types.Node{a, b}, "", 1)
	assert.Len(t, ranked, 1)
	assert.Equal(t, "a", ranked[0].Node.ID)
}
