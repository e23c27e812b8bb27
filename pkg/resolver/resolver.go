// Package resolver implements the execution-strategy resolver (spec.md
// §C6): given a task and its project, decide which node (if any) should
// run it, honoring task-level overrides, legacy-field inference, and
// bound-node failover.
package resolver

import (
	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/balancer"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/types"
)

// Resolver picks an execution node for a task, falling back to the
// load balancer for auto-select and failover decisions.
type Resolver struct {
	// NodeByID looks up a node by ID, returning apperr.KindNotFound when
	// absent. Supplied as a function so this package doesn't need a
	// storage dependency beyond a single-node lookup.
	NodeByID func(id string) (*types.Node, error)
	// OnlineNodes lists every currently online node, used by the
	// auto-select and prefer-bound-failover paths.
	OnlineNodes func() ([]*types.Node, error)
}

// New creates a Resolver.
func New(nodeByID func(string) (*types.Node, error), onlineNodes func() ([]*types.Node, error)) *Resolver {
	return &Resolver{NodeByID: nodeByID, OnlineNodes: onlineNodes}
}

// Resolve returns the node a task should run on (nil means local
// execution on the master itself) and the strategy actually applied.
func (r *Resolver) Resolve(task *types.ScheduledTask, project *types.Project) (*types.Node, types.ExecutionStrategy, error) {
	strategy := r.effectiveStrategy(task, project)

	switch strategy {
	case types.StrategyLocal:
		return nil, strategy, nil

	case types.StrategyFixedNode:
		node, err := r.resolveFixedNode(project)
		return node, strategy, err

	case types.StrategySpecified:
		node, err := r.resolveSpecifiedNode(task)
		return node, strategy, err

	case types.StrategyAutoSelect:
		node, err := r.resolveAutoSelect(project, nil)
		return node, strategy, err

	case types.StrategyPreferBound:
		node, err := r.resolvePreferBound(project)
		return node, strategy, err

	default:
		log.WithComponent("resolver").Warn().Str("strategy", string(strategy)).Msg("unknown execution strategy, falling back to local")
		return nil, types.StrategyLocal, nil
	}
}

// effectiveStrategy applies the precedence task > project > legacy-field
// inference > local, matching the original's _get_effective_strategy.
func (r *Resolver) effectiveStrategy(task *types.ScheduledTask, project *types.Project) types.ExecutionStrategy {
	if task.ExecutionStrategy != "" {
		return task.ExecutionStrategy
	}
	if project.ExecutionStrategy != "" {
		return project.ExecutionStrategy
	}
	if task.EffectiveNodeID() != "" {
		return types.StrategySpecified
	}
	if project.BoundNodeID != "" {
		return types.StrategyPreferBound
	}
	return types.StrategyLocal
}

func (r *Resolver) resolveFixedNode(project *types.Project) (*types.Node, error) {
	if project.BoundNodeID == "" {
		return nil, apperr.NodeUnavailable("", "project has no bound execution node")
	}
	node, err := r.NodeByID(project.BoundNodeID)
	if err != nil {
		return nil, apperr.NodeUnavailable(project.BoundNodeID, "bound node not found")
	}
	if node.Status != types.NodeOnline {
		return nil, apperr.NodeUnavailable(node.ID, "bound node is not online")
	}
	return node, nil
}

func (r *Resolver) resolveSpecifiedNode(task *types.ScheduledTask) (*types.Node, error) {
	nodeID := task.EffectiveNodeID()
	if nodeID == "" {
		return nil, apperr.NodeUnavailable("", "task does not specify an execution node")
	}
	node, err := r.NodeByID(nodeID)
	if err != nil {
		return nil, apperr.NodeUnavailable(nodeID, "specified node not found")
	}
	if node.Status != types.NodeOnline {
		return nil, apperr.NodeUnavailable(node.ID, "specified node is not online")
	}
	return node, nil
}

func (r *Resolver) resolveAutoSelect(project *types.Project, excludeNodeIDs []string) (*types.Node, error) {
	nodes, err := r.OnlineNodes()
	if err != nil {
		return nil, err
	}
	best := balancer.SelectBest(nodes, balancer.SelectOptions{
		RequireRender:  checkRenderRequirement(project),
		ExcludeNodeIDs: excludeNodeIDs,
	})
	if best == nil {
		log.WithComponent("resolver").Warn().Msg("auto-select strategy: no available node, falling back to local")
		return nil, nil
	}
	return best, nil
}

func (r *Resolver) resolvePreferBound(project *types.Project) (*types.Node, error) {
	if project.BoundNodeID != "" {
		node, err := r.NodeByID(project.BoundNodeID)
		if err == nil && node.Status == types.NodeOnline {
			return node, nil
		}
	}

	if !project.FallbackEnabled {
		if project.BoundNodeID != "" {
			return nil, apperr.NodeUnavailable(project.BoundNodeID, "bound node unavailable and fallback disabled")
		}
		return nil, nil
	}

	var exclude []string
	if project.BoundNodeID != "" {
		exclude = []string{project.BoundNodeID}
	}
	return r.resolveAutoSelect(project, exclude)
}

// checkRenderRequirement reports whether a rule project declares the
// browser engine, requiring a node with render capability.
func checkRenderRequirement(project *types.Project) bool {
	return project.UsesBrowserEngine()
}
