package workflow

import (
	"context"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
)

// Wait outcomes reported to metrics
const (
	WaitSatisfied = "satisfied"
	WaitFailed    = "dependency_failed"
	WaitTimeout   = "timeout"
	WaitCancelled = "cancelled"
)

// WaitForDependencies blocks until every dependency has a result, returning
// dependency id -> result. A failed dependency ends the wait immediately with
// a *DependencyFailedError; an elapsed timeout returns a
// *DependencyTimeoutError. The wait re-checks on every write to the context
// and at least once per poll interval.
func (c *Coordinator) WaitForDependencies(ctx context.Context, executionID, nodeID string, dependencies []string, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = c.defaultWaitTimeout
	}
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	results := make(map[string]interface{}, len(dependencies))
	for {
		ec, err := c.lookup(executionID)
		if err != nil {
			return nil, err
		}

		var pending []string
		ec.mu.RLock()
		for _, dep := range dependencies {
			if reason, failed := ec.failed[dep]; failed {
				ec.mu.RUnlock()
				c.metrics.RecordWait(executionID, WaitFailed, time.Since(start))
				return nil, &DependencyFailedError{NodeID: nodeID, Dependency: dep, Reason: reason}
			}
			if v, ok := ec.nodeResults[dep]; ok {
				results[dep] = v
			} else {
				pending = append(pending, dep)
			}
		}
		notify := ec.notify
		ec.mu.RUnlock()

		pending = c.fillFromStore(ctx, ec, executionID, pending, results)
		if len(pending) == 0 {
			c.metrics.RecordWait(executionID, WaitSatisfied, time.Since(start))
			return results, nil
		}

		select {
		case <-ctx.Done():
			c.metrics.RecordWait(executionID, WaitCancelled, time.Since(start))
			return nil, ctx.Err()
		case <-deadline.C:
			c.metrics.RecordWait(executionID, WaitTimeout, time.Since(start))
			logging.Warn("coordinator", "Dependency wait timed out", map[string]interface{}{
				"execution_id": executionID,
				"node_id":      nodeID,
				"pending":      pending,
			})
			return nil, &DependencyTimeoutError{NodeID: nodeID, Pending: pending, Timeout: timeout}
		case <-notify:
		case <-ticker.C:
		}
	}
}

// fillFromStore resolves pending dependencies from the durable store, caching
// hits back into the context. It returns the ids still unresolved.
func (c *Coordinator) fillFromStore(ctx context.Context, ec *executionContext, executionID string, pending []string, results map[string]interface{}) []string {
	var still []string
	for _, dep := range pending {
		state, err := c.store.GetDataState(ctx, executionID, dep)
		if err != nil || state == nil {
			still = append(still, dep)
			continue
		}
		results[dep] = state.Data
		ec.mu.Lock()
		if _, ok := ec.nodeResults[dep]; !ok {
			ec.nodeResults[dep] = state.Data
		}
		ec.mu.Unlock()
	}
	return still
}
