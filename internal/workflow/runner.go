package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/transform"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// NodeExecutor performs the work of a single node. inputs maps each
// dependency id to its result.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, inputs map[string]interface{}) (interface{}, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor
type NodeExecutorFunc func(ctx context.Context, node Node, inputs map[string]interface{}) (interface{}, error)

// Execute calls f
func (f NodeExecutorFunc) Execute(ctx context.Context, node Node, inputs map[string]interface{}) (interface{}, error) {
	return f(ctx, node, inputs)
}

// RunResult is the outcome of Runner.Run
type RunResult struct {
	ExecutionID string                 `json:"execution_id"`
	Plan        *ExecutionPlan         `json:"plan"`
	Results     map[string]interface{} `json:"results"`
	Failed      map[string]string      `json:"failed"`
	Progress    ExecutionProgress      `json:"progress"`
	Duration    time.Duration          `json:"duration"`
}

// Runner executes a plan group by group against a Coordinator
type Runner struct {
	planner     *Planner
	coordinator *Coordinator
	transformer *transform.Transformer
	pipelines   map[string]transform.DataPipeline
	maxParallel int
	waitTimeout time.Duration
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithMaxParallel bounds concurrent nodes within a group (0 = unbounded)
func WithMaxParallel(n int) RunnerOption {
	return func(r *Runner) {
		r.maxParallel = n
	}
}

// WithWaitTimeout sets the per-node dependency wait timeout
func WithWaitTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.waitTimeout = d
	}
}

// WithPipelines applies pipelines[nodeID] to that node's executor result
func WithPipelines(t *transform.Transformer, pipelines map[string]transform.DataPipeline) RunnerOption {
	return func(r *Runner) {
		r.transformer = t
		r.pipelines = pipelines
	}
}

// NewRunner creates a new runner
func NewRunner(planner *Planner, coordinator *Coordinator, opts ...RunnerOption) *Runner {
	r := &Runner{
		planner:     planner,
		coordinator: coordinator,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.transformer == nil {
		r.transformer = transform.NewTransformer(transform.WithObserver(coordinator.Metrics()))
	}
	return r
}

// Run plans the graph and executes it. Node failures are reported in
// RunResult.Failed; the returned error is reserved for planning errors and
// cancellation. The execution context is always cleaned up.
func (r *Runner) Run(ctx context.Context, executionID string, nodes []Node, edges []Edge, executor NodeExecutor) (*RunResult, error) {
	plan, err := r.planner.CreateExecutionPlan(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("failed to plan workflow: %w", err)
	}
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if err := r.coordinator.InitializeParallelContext(ctx, executionID, plan.Groups); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.coordinator.CleanupContext(context.Background(), executionID); err != nil {
			logging.Warn("runner", "Cleanup failed", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}()

	start := time.Now()
	result := &RunResult{
		ExecutionID: executionID,
		Plan:        plan,
		Results:     make(map[string]interface{}),
		Failed:      make(map[string]string),
	}
	var mu sync.Mutex
	record := func(nodeID string, value interface{}, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed[nodeID] = err.Error()
			return
		}
		result.Results[nodeID] = value
	}

	logging.Info("runner", "Execution started", map[string]interface{}{
		"execution_id": executionID,
		"groups":       len(plan.Groups),
		"nodes":        len(nodes),
	})

	var runErr error
	for _, group := range plan.Groups {
		g, gctx := errgroup.WithContext(ctx)
		if r.maxParallel > 0 {
			g.SetLimit(r.maxParallel)
		}
		for _, node := range group.Nodes {
			node := node
			groupID := group.ID
			g.Go(func() error {
				return r.runNode(gctx, executionID, groupID, node, plan.Dependencies[node.ID], executor, record)
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}
		logging.Debug("runner", "Group finished", map[string]interface{}{
			"execution_id": executionID,
			"group_id":     group.ID,
		})
	}

	result.Progress, _ = r.coordinator.GetExecutionProgress(executionID)
	result.Duration = time.Since(start)
	if runErr != nil {
		return result, runErr
	}

	logging.Info("runner", "Execution finished", map[string]interface{}{
		"execution_id": executionID,
		"completed":    len(result.Results),
		"failed":       len(result.Failed),
		"duration_ms":  result.Duration.Milliseconds(),
	})
	return result, nil
}

// runNode executes one node. Only coordinator errors and cancellation are
// returned; node failures are recorded and swallowed so siblings keep going.
func (r *Runner) runNode(ctx context.Context, executionID, groupID string, node Node, deps []string, executor NodeExecutor, record func(string, interface{}, error)) error {
	if err := r.coordinator.MarkNodeStarted(executionID, node.ID); err != nil {
		return err
	}

	fail := func(cause error) error {
		record(node.ID, nil, cause)
		return r.coordinator.MarkNodeFailed(executionID, node.ID, cause, groupID)
	}

	inputs, err := r.coordinator.WaitForDependencies(ctx, executionID, node.ID, deps, r.waitTimeout)
	if err != nil {
		if errors.Is(err, ErrContextNotFound) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = fail(ctxErr)
			return ctxErr
		}
		return fail(err)
	}

	output, err := executor.Execute(ctx, node, inputs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = fail(ctxErr)
			return ctxErr
		}
		return fail(fmt.Errorf("node %s: %w", node.ID, err))
	}

	if pipeline, ok := r.pipelines[node.ID]; ok {
		res := r.transformer.ApplyPipeline(ctx, output, pipeline)
		if !res.Success {
			return fail(fmt.Errorf("node %s pipeline %s: %s", node.ID, pipeline.ID, strings.Join(res.Errors, "; ")))
		}
		output = res.Data
	}

	record(node.ID, output, nil)
	return r.coordinator.MarkNodeCompleted(ctx, executionID, node.ID, output, groupID)
}
