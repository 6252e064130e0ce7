package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
)

// DefaultBaseNodeDuration is the estimated duration of a node with multiplier 1
const DefaultBaseNodeDuration = time.Second

// durationMultipliers weights node types for duration estimation. Types are
// matched exactly, then by the prefix before the first underscore.
var durationMultipliers = map[string]float64{
	"blockchain": 4,
	"ai":         2,
	"llm":        2,
	"http":       1.5,
	"api":        1.5,
	"webhook":    1.5,
	"condition":  0.5,
	"transform":  0.5,
	"filter":     0.5,
}

// Planner turns a node/edge graph into depth-ordered execution groups
type Planner struct {
	baseDuration time.Duration
	metrics      *MetricsCollector
}

// NewPlanner creates a new planner. A non-positive base duration uses the default.
func NewPlanner(baseDuration time.Duration, metrics *MetricsCollector) *Planner {
	if baseDuration <= 0 {
		baseDuration = DefaultBaseNodeDuration
	}
	return &Planner{
		baseDuration: baseDuration,
		metrics:      metrics,
	}
}

// CreateExecutionPlan groups nodes by dependency depth. A cycle is reported
// as a *CycleError; edges to unknown nodes are ignored.
func (p *Planner) CreateExecutionPlan(nodes []Node, edges []Edge) (*ExecutionPlan, error) {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidGraph, n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	deps := BuildDependencyMap(nodes, edges)
	depths, err := computeDepths(nodes, deps)
	if err != nil {
		p.metrics.RecordPlan(0, false)
		return nil, err
	}

	maxDepth := -1
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
	}

	buckets := make([][]Node, maxDepth+1)
	for _, n := range nodes {
		d := depths[n.ID]
		buckets[d] = append(buckets[d], n)
	}

	plan := &ExecutionPlan{
		Groups:       make([]ExecutionGroup, 0, len(buckets)),
		Dependencies: deps,
	}
	assigned := make(map[string]struct{}, len(nodes))
	for depth, members := range buckets {
		if len(members) == 0 {
			continue
		}

		var groupDeps []string
		for _, n := range members {
			for _, dep := range deps[n.ID] {
				if _, ok := assigned[dep]; ok && !containsString(groupDeps, dep) {
					groupDeps = append(groupDeps, dep)
				}
			}
		}
		if groupDeps == nil {
			groupDeps = []string{}
		}

		group := ExecutionGroup{
			ID:                fmt.Sprintf("group_%d", depth),
			Nodes:             members,
			Dependencies:      groupDeps,
			CanRunInParallel:  len(members) > 1,
			EstimatedDuration: p.estimateGroupDuration(members),
			Depth:             depth,
		}
		plan.Groups = append(plan.Groups, group)
		if group.CanRunInParallel {
			plan.CanUseParallelExecution = true
		}
		for _, n := range members {
			assigned[n.ID] = struct{}{}
		}
	}

	plan.EstimatedSpeedup = estimateSpeedup(plan.Groups)
	p.metrics.RecordPlan(len(plan.Groups), true)

	logging.Debug("planner", "Execution plan created", map[string]interface{}{
		"nodes":             len(nodes),
		"groups":            len(plan.Groups),
		"parallel":          plan.CanUseParallelExecution,
		"estimated_speedup": plan.EstimatedSpeedup,
	})
	return plan, nil
}

const (
	unvisited = iota
	visiting
	done
)

// computeDepths assigns depth 0 to roots and 1+max(dependency depth) to
// everything else, walking the graph depth-first in node order.
func computeDepths(nodes []Node, deps DependencyMap) (map[string]int, error) {
	depths := make(map[string]int, len(nodes))
	state := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), id)
			return &CycleError{Path: path}
		}

		state[id] = visiting
		stack = append(stack, id)
		depth := 0
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
			if depths[dep]+1 > depth {
				depth = depths[dep] + 1
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		depths[id] = depth
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}
	return depths, nil
}

// DurationMultiplier returns the weight applied to the base duration for a node type
func DurationMultiplier(nodeType string) float64 {
	t := strings.ToLower(nodeType)
	if m, ok := durationMultipliers[t]; ok {
		return m
	}
	if i := strings.Index(t, "_"); i > 0 {
		if m, ok := durationMultipliers[t[:i]]; ok {
			return m
		}
	}
	return 1
}

// estimateGroupDuration averages member estimates since members run concurrently
func (p *Planner) estimateGroupDuration(members []Node) time.Duration {
	if len(members) == 0 {
		return 0
	}
	var total float64
	for _, n := range members {
		total += float64(p.baseDuration) * DurationMultiplier(n.Type)
	}
	return time.Duration(total / float64(len(members)))
}

// estimateSpeedup compares serial execution (every member one after another)
// against group-by-group execution.
func estimateSpeedup(groups []ExecutionGroup) float64 {
	var serial, parallel float64
	for _, g := range groups {
		d := float64(g.EstimatedDuration)
		serial += float64(len(g.Nodes)) * d
		parallel += d
	}
	if parallel == 0 {
		return 1
	}
	return serial / parallel
}
