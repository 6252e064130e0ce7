package workflow

import (
	"time"
)

// Node is one unit of work in a workflow graph
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   string                 `json:"type" yaml:"type"`
	Name   string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge declares that Target depends on Source
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// DependencyMap maps a node id to its distinct predecessor ids
type DependencyMap map[string][]string

// ExecutionGroup is a set of nodes at the same dependency depth
type ExecutionGroup struct {
	ID                string        `json:"id"`
	Nodes             []Node        `json:"nodes"`
	Dependencies      []string      `json:"dependencies"`
	CanRunInParallel  bool          `json:"can_run_in_parallel"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Depth             int           `json:"depth"`
}

// NodeIDs returns the ids of the group's members in order
func (g ExecutionGroup) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// ExecutionPlan is the planner's output. Groups must be executed in order:
// no member of group N may start before every member of groups 0..N-1 has
// completed or failed.
type ExecutionPlan struct {
	Groups                  []ExecutionGroup `json:"groups"`
	CanUseParallelExecution bool             `json:"can_use_parallel_execution"`
	EstimatedSpeedup        float64          `json:"estimated_speedup"`
	Dependencies            DependencyMap    `json:"dependencies"`
}

// ExecutionProgress summarizes a live execution context
type ExecutionProgress struct {
	ExecutionID     string    `json:"execution_id"`
	TotalNodes      int       `json:"total_nodes"`
	CompletedNodes  int       `json:"completed_nodes"`
	FailedNodes     int       `json:"failed_nodes"`
	ActiveNodes     int       `json:"active_nodes"`
	CompletedGroups int       `json:"completed_groups"`
	TotalGroups     int       `json:"total_groups"`
	FailedNodeIDs   []string  `json:"failed_node_ids,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivity    time.Time `json:"last_activity"`
}
