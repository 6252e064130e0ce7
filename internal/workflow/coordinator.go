package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentainer/flowplan/internal/datastate"
	"github.com/agentainer/flowplan/internal/logging"
)

// DefaultPollInterval is how often WaitForDependencies re-checks the durable store
const DefaultPollInterval = 100 * time.Millisecond

// DefaultWaitTimeout applies when WaitForDependencies is given no timeout
const DefaultWaitTimeout = 30 * time.Second

// executionContext is the in-memory state of one run
type executionContext struct {
	mu sync.RWMutex

	id              string
	groups          []ExecutionGroup
	groupMembers    map[string][]string
	totalNodes      int
	shared          map[string]interface{}
	nodeResults     map[string]interface{}
	completed       map[string]struct{}
	failed          map[string]string
	active          map[string]struct{}
	completedGroups map[string]struct{}
	createdAt       time.Time
	lastActivity    time.Time

	// notify is closed and replaced on every write so waiters wake up
	notify chan struct{}
}

func newExecutionContext(id string, groups []ExecutionGroup, now time.Time) *executionContext {
	ec := &executionContext{
		id:              id,
		groups:          groups,
		groupMembers:    make(map[string][]string, len(groups)),
		shared:          make(map[string]interface{}),
		nodeResults:     make(map[string]interface{}),
		completed:       make(map[string]struct{}),
		failed:          make(map[string]string),
		active:          make(map[string]struct{}),
		completedGroups: make(map[string]struct{}),
		createdAt:       now,
		lastActivity:    now,
		notify:          make(chan struct{}),
	}
	for _, g := range groups {
		ec.groupMembers[g.ID] = g.NodeIDs()
		ec.totalNodes += len(g.Nodes)
	}
	return ec
}

// touch records activity and wakes waiters. Caller holds ec.mu.
func (ec *executionContext) touch(now time.Time) {
	ec.lastActivity = now
	close(ec.notify)
	ec.notify = make(chan struct{})
}

// checkGroupCompletion marks groupID done once every member has completed
// or failed. Caller holds ec.mu. Reports whether the group just closed.
func (ec *executionContext) checkGroupCompletion(groupID string) bool {
	if groupID == "" {
		return false
	}
	if _, already := ec.completedGroups[groupID]; already {
		return false
	}
	members, ok := ec.groupMembers[groupID]
	if !ok {
		return false
	}
	for _, id := range members {
		_, done := ec.completed[id]
		_, failed := ec.failed[id]
		if !done && !failed {
			return false
		}
	}
	ec.completedGroups[groupID] = struct{}{}
	return true
}

// Coordinator owns the execution contexts of all live runs. Each context has
// its own lock, so runs never contend with each other.
type Coordinator struct {
	mu       sync.RWMutex
	contexts map[string]*executionContext

	store              datastate.Store
	clearStoreOnClean  bool
	publisher          EventPublisher
	metrics            *MetricsCollector
	pollInterval       time.Duration
	defaultWaitTimeout time.Duration
	now                func() time.Time
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithDataStore sets the durable store used for persistence and cache fill
func WithDataStore(store datastate.Store) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithStoreCleanup makes CleanupContext also clear the durable store
func WithStoreCleanup() CoordinatorOption {
	return func(c *Coordinator) {
		c.clearStoreOnClean = true
	}
}

// WithEventPublisher sets the sink for coordinator events
func WithEventPublisher(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithMetrics attaches a metrics collector
func WithMetrics(m *MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithPollInterval overrides the dependency wait poll interval
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithDefaultWaitTimeout sets the timeout used when a wait passes zero
func WithDefaultWaitTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultWaitTimeout = d
		}
	}
}

// NewCoordinator creates a new coordinator. Without WithDataStore an
// in-memory store is used.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		contexts:           make(map[string]*executionContext),
		pollInterval:       DefaultPollInterval,
		defaultWaitTimeout: DefaultWaitTimeout,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = datastate.NewMemoryStore()
	}
	return c
}

// Metrics returns the attached collector, which may be nil
func (c *Coordinator) Metrics() *MetricsCollector {
	return c.metrics
}

func (c *Coordinator) lookup(executionID string) (*executionContext, error) {
	c.mu.RLock()
	ec, ok := c.contexts[executionID]
	c.mu.RUnlock()
	if !ok {
		return nil, &ContextNotFoundError{ExecutionID: executionID}
	}
	return ec, nil
}

func (c *Coordinator) publish(event Event) {
	if c.publisher == nil {
		return
	}
	event.Timestamp = c.now()
	c.publisher.Publish(event)
}

// InitializeParallelContext creates the context for a run. Calling it again
// for the same id replaces the previous context. Durable state left behind by
// an earlier run with the same id is cleared first so it cannot satisfy waits
// in the new run.
func (c *Coordinator) InitializeParallelContext(ctx context.Context, executionID string, groups []ExecutionGroup) error {
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if err := c.store.ClearExecution(ctx, executionID); err != nil {
		return fmt.Errorf("failed to clear previous state for execution %s: %w", executionID, err)
	}
	ec := newExecutionContext(executionID, groups, c.now())

	c.mu.Lock()
	prev, replaced := c.contexts[executionID]
	c.contexts[executionID] = ec
	total := len(c.contexts)
	c.mu.Unlock()

	if replaced {
		prev.mu.Lock()
		prev.touch(c.now())
		prev.mu.Unlock()
	}

	c.metrics.SetActiveContexts(total)
	c.metrics.RecordExecutionStart(executionID)
	c.publish(Event{
		Type:        EventContextInitialized,
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"groups": len(groups),
			"nodes":  ec.totalNodes,
		},
	})
	logging.Info("coordinator", "Execution context initialized", map[string]interface{}{
		"execution_id": executionID,
		"groups":       len(groups),
		"nodes":        ec.totalNodes,
		"replaced":     replaced,
	})
	return nil
}

// ShareData stores data under key (or nodeID) in the shared and node-result
// stores, then persists it. Persistence failures are logged, not returned.
func (c *Coordinator) ShareData(ctx context.Context, executionID, nodeID string, data interface{}, key string) error {
	ec, err := c.lookup(executionID)
	if err != nil {
		return err
	}
	if key == "" {
		key = nodeID
	}

	ec.mu.Lock()
	ec.share(key, data, c.now())
	ec.mu.Unlock()

	c.announceShared(ctx, executionID, nodeID, key, data)
	return nil
}

// share records data under key. Caller holds ec.mu.
func (ec *executionContext) share(key string, data interface{}, now time.Time) {
	ec.shared[key] = data
	ec.nodeResults[key] = data
	ec.touch(now)
}

// announceShared persists a value written by share and announces it
func (c *Coordinator) announceShared(ctx context.Context, executionID, nodeID, key string, data interface{}) {
	c.persist(ctx, executionID, nodeID, key, data)
	c.publish(Event{Type: EventDataShared, ExecutionID: executionID, NodeID: nodeID, Data: map[string]interface{}{"key": key}})
}

func (c *Coordinator) persist(ctx context.Context, executionID, nodeID, key string, data interface{}) {
	if err := c.store.SaveDataState(ctx, executionID, nodeID, data, datastate.SaveOptions{Key: key}); err != nil {
		logging.Warn("coordinator", "Failed to persist shared data", map[string]interface{}{
			"execution_id": executionID,
			"node_id":      nodeID,
			"key":          key,
			"error":        err.Error(),
		})
		return
	}
	if err := c.store.TrackDataDependency(ctx, executionID, nodeID, nil, []string{key}); err != nil {
		logging.Warn("coordinator", "Failed to track data dependency", map[string]interface{}{
			"execution_id": executionID,
			"node_id":      nodeID,
			"error":        err.Error(),
		})
	}
}

// GetSharedData returns the values present for keys. Keys missing from memory
// are read from the durable store and cached; keys found nowhere are absent
// from the result.
func (c *Coordinator) GetSharedData(ctx context.Context, executionID, requestingNodeID string, keys []string) (map[string]interface{}, error) {
	ec, err := c.lookup(executionID)
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{}, len(keys))
	var missing []string
	ec.mu.RLock()
	for _, key := range keys {
		if v, ok := ec.shared[key]; ok {
			result[key] = v
		} else {
			missing = append(missing, key)
		}
	}
	ec.mu.RUnlock()

	for _, key := range missing {
		state, err := c.store.GetDataState(ctx, executionID, key)
		if err != nil {
			logging.Warn("coordinator", "Durable store lookup failed", map[string]interface{}{
				"execution_id": executionID,
				"key":          key,
				"error":        err.Error(),
			})
			continue
		}
		if state == nil {
			continue
		}
		result[key] = state.Data
		ec.mu.Lock()
		if _, ok := ec.shared[key]; !ok {
			ec.shared[key] = state.Data
		}
		ec.mu.Unlock()
	}

	if requestingNodeID != "" && len(keys) > 0 {
		c.checkFreshness(ctx, executionID, requestingNodeID, keys)
	}
	return result, nil
}

func (c *Coordinator) checkFreshness(ctx context.Context, executionID, nodeID string, inputs []string) {
	if err := c.store.TrackDataDependency(ctx, executionID, nodeID, inputs, nil); err != nil {
		logging.Warn("coordinator", "Failed to track data dependency", map[string]interface{}{
			"execution_id": executionID,
			"node_id":      nodeID,
			"error":        err.Error(),
		})
		return
	}
	freshness, err := c.store.CheckDataFreshness(ctx, executionID, nodeID)
	if err != nil {
		logging.Warn("coordinator", "Freshness check failed", map[string]interface{}{
			"execution_id": executionID,
			"node_id":      nodeID,
			"error":        err.Error(),
		})
		return
	}
	if !freshness.IsFresh {
		logging.Warn("coordinator", "Node is reading stale data", map[string]interface{}{
			"execution_id": executionID,
			"node_id":      nodeID,
			"stale":        freshness.StaleDependencies,
		})
	}
}

// BroadcastData writes one entry per target (all active nodes when targets is
// empty) plus one timestamped entry, and returns the keys written.
func (c *Coordinator) BroadcastData(ctx context.Context, executionID, sourceNodeID string, data interface{}, targets []string) ([]string, error) {
	ec, err := c.lookup(executionID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	ec.mu.Lock()
	if len(targets) == 0 {
		for id := range ec.active {
			targets = append(targets, id)
		}
		sort.Strings(targets)
	}
	keys := make([]string, 0, len(targets)+1)
	for _, target := range targets {
		key := fmt.Sprintf("broadcast:%s:%s", sourceNodeID, target)
		ec.shared[key] = data
		keys = append(keys, key)
	}
	generic := fmt.Sprintf("broadcast:%s:%d", sourceNodeID, now.UnixMilli())
	ec.shared[generic] = data
	keys = append(keys, generic)
	ec.touch(now)
	ec.mu.Unlock()

	c.publish(Event{
		Type:        EventDataBroadcast,
		ExecutionID: executionID,
		NodeID:      sourceNodeID,
		Data:        map[string]interface{}{"targets": targets},
	})
	return keys, nil
}

// MarkNodeStarted adds the node to the active set
func (c *Coordinator) MarkNodeStarted(executionID, nodeID string) error {
	ec, err := c.lookup(executionID)
	if err != nil {
		return err
	}

	ec.mu.Lock()
	ec.active[nodeID] = struct{}{}
	ec.touch(c.now())
	ec.mu.Unlock()

	c.metrics.RecordNodeStart(executionID, nodeID)
	c.publish(Event{Type: EventNodeStarted, ExecutionID: executionID, NodeID: nodeID})
	return nil
}

// MarkNodeCompleted shares the node's result, moves it to the completed set
// and closes groupID if this was its last unfinished member.
func (c *Coordinator) MarkNodeCompleted(ctx context.Context, executionID, nodeID string, result interface{}, groupID string) error {
	ec, err := c.lookup(executionID)
	if err != nil {
		return err
	}

	// result and completion land in the same context even if the id is
	// reinitialized concurrently
	ec.mu.Lock()
	ec.share(nodeID, result, c.now())
	delete(ec.active, nodeID)
	ec.completed[nodeID] = struct{}{}
	groupDone := ec.checkGroupCompletion(groupID)
	ec.mu.Unlock()

	c.announceShared(ctx, executionID, nodeID, nodeID, result)
	c.metrics.RecordNodeFinish(executionID, nodeID, true)
	c.publish(Event{Type: EventNodeCompleted, ExecutionID: executionID, NodeID: nodeID, GroupID: groupID})
	if groupDone {
		c.groupCompleted(executionID, groupID)
	}
	return nil
}

// MarkNodeFailed moves the node to the failed set. A failed member still
// counts toward closing its group.
func (c *Coordinator) MarkNodeFailed(executionID, nodeID string, cause error, groupID string) error {
	ec, err := c.lookup(executionID)
	if err != nil {
		return err
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	ec.mu.Lock()
	delete(ec.active, nodeID)
	ec.failed[nodeID] = reason
	groupDone := ec.checkGroupCompletion(groupID)
	ec.touch(c.now())
	ec.mu.Unlock()

	c.metrics.RecordNodeFinish(executionID, nodeID, false)
	c.publish(Event{
		Type:        EventNodeFailed,
		ExecutionID: executionID,
		NodeID:      nodeID,
		GroupID:     groupID,
		Data:        map[string]interface{}{"error": reason},
	})
	logging.Warn("coordinator", "Node failed", map[string]interface{}{
		"execution_id": executionID,
		"node_id":      nodeID,
		"error":        reason,
	})
	if groupDone {
		c.groupCompleted(executionID, groupID)
	}
	return nil
}

func (c *Coordinator) groupCompleted(executionID, groupID string) {
	c.publish(Event{Type: EventGroupCompleted, ExecutionID: executionID, GroupID: groupID})
	logging.Debug("coordinator", "Group completed", map[string]interface{}{
		"execution_id": executionID,
		"group_id":     groupID,
	})
}

// IsGroupCompleted reports whether every member of groupID has finished
func (c *Coordinator) IsGroupCompleted(executionID, groupID string) (bool, error) {
	ec, err := c.lookup(executionID)
	if err != nil {
		return false, err
	}
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	_, ok := ec.completedGroups[groupID]
	return ok, nil
}

// GetExecutionProgress returns counters for the run; ok is false when no
// context exists for executionID.
func (c *Coordinator) GetExecutionProgress(executionID string) (ExecutionProgress, bool) {
	ec, err := c.lookup(executionID)
	if err != nil {
		return ExecutionProgress{}, false
	}

	ec.mu.RLock()
	defer ec.mu.RUnlock()

	failedIDs := make([]string, 0, len(ec.failed))
	for id := range ec.failed {
		failedIDs = append(failedIDs, id)
	}
	sort.Strings(failedIDs)

	return ExecutionProgress{
		ExecutionID:     executionID,
		TotalNodes:      ec.totalNodes,
		CompletedNodes:  len(ec.completed),
		FailedNodes:     len(ec.failed),
		ActiveNodes:     len(ec.active),
		CompletedGroups: len(ec.completedGroups),
		TotalGroups:     len(ec.groups),
		FailedNodeIDs:   failedIDs,
		StartedAt:       ec.createdAt,
		LastActivity:    ec.lastActivity,
	}, true
}

// FailureReason returns the recorded error text for a failed node
func (c *Coordinator) FailureReason(executionID, nodeID string) (string, bool) {
	ec, err := c.lookup(executionID)
	if err != nil {
		return "", false
	}
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	reason, ok := ec.failed[nodeID]
	return reason, ok
}

// ListExecutions returns the ids of all live contexts
func (c *Coordinator) ListExecutions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.contexts))
	for id := range c.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupContext drops the context. Every later operation on executionID
// fails with a *ContextNotFoundError.
func (c *Coordinator) CleanupContext(ctx context.Context, executionID string) error {
	c.mu.Lock()
	ec, ok := c.contexts[executionID]
	if ok {
		delete(c.contexts, executionID)
	}
	total := len(c.contexts)
	c.mu.Unlock()
	if !ok {
		return &ContextNotFoundError{ExecutionID: executionID}
	}

	ec.mu.Lock()
	ec.shared = map[string]interface{}{}
	ec.nodeResults = map[string]interface{}{}
	ec.completed = map[string]struct{}{}
	ec.failed = map[string]string{}
	ec.active = map[string]struct{}{}
	ec.completedGroups = map[string]struct{}{}
	ec.touch(c.now())
	ec.mu.Unlock()

	if c.clearStoreOnClean {
		if err := c.store.ClearExecution(ctx, executionID); err != nil {
			logging.Warn("coordinator", "Failed to clear durable state", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}

	c.metrics.SetActiveContexts(total)
	c.metrics.RecordExecutionEnd(executionID)
	c.publish(Event{Type: EventContextCleaned, ExecutionID: executionID})
	logging.Info("coordinator", "Execution context cleaned up", map[string]interface{}{
		"execution_id": executionID,
	})
	return nil
}

// ReapIdle cleans up every context with no activity for longer than maxIdle
// and returns the ids removed.
func (c *Coordinator) ReapIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := c.now().Add(-maxIdle)

	c.mu.RLock()
	var idle []string
	for id, ec := range c.contexts {
		ec.mu.RLock()
		if ec.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
		ec.mu.RUnlock()
	}
	c.mu.RUnlock()

	sort.Strings(idle)
	reaped := idle[:0]
	for _, id := range idle {
		if err := c.CleanupContext(ctx, id); err == nil {
			reaped = append(reaped, id)
		}
	}
	return reaped
}
