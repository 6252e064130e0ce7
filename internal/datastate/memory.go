package datastate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type nodeDeps struct {
	inputs  map[string]struct{}
	outputs map[string]struct{}
}

type execution struct {
	values map[string]*DataState
	deps   map[string]*nodeDeps
}

// MemoryStore keeps data state in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*execution
	seq        int64
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*execution),
		now:        time.Now,
	}
}

func (m *MemoryStore) getOrCreate(executionID string) *execution {
	exec, ok := m.executions[executionID]
	if !ok {
		exec = &execution{
			values: make(map[string]*DataState),
			deps:   make(map[string]*nodeDeps),
		}
		m.executions[executionID] = exec
	}
	return exec
}

func (e *execution) node(nodeID string) *nodeDeps {
	d, ok := e.deps[nodeID]
	if !ok {
		d = &nodeDeps{inputs: map[string]struct{}{}, outputs: map[string]struct{}{}}
		e.deps[nodeID] = d
	}
	return d
}

// SaveDataState stores a JSON copy of data
func (m *MemoryStore) SaveDataState(ctx context.Context, executionID, nodeID string, data interface{}, opts SaveOptions) error {
	// Round-trip through JSON so stored values never alias caller memory
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data state: %w", err)
	}
	var stored interface{}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal data state: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = nodeID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exec := m.getOrCreate(executionID)
	m.seq++
	version := int64(1)
	if prev, ok := exec.values[key]; ok {
		version = prev.Version + 1
	}
	exec.values[key] = &DataState{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Key:         key,
		Data:        stored,
		Tags:        append([]string(nil), opts.Tags...),
		Version:     version,
		Sequence:    m.seq,
		UpdatedAt:   m.now(),
	}
	return nil
}

// GetDataState returns a copy of the stored state, or nil if absent
func (m *MemoryStore) GetDataState(ctx context.Context, executionID, key string) (*DataState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, nil
	}
	state, ok := exec.values[key]
	if !ok {
		return nil, nil
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to copy data state: %w", err)
	}
	var out DataState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to copy data state: %w", err)
	}
	return &out, nil
}

// TrackDataDependency records the node's inputs and outputs
func (m *MemoryStore) TrackDataDependency(ctx context.Context, executionID, nodeID string, inputs, outputs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deps := m.getOrCreate(executionID).node(nodeID)
	for _, in := range inputs {
		deps.inputs[in] = struct{}{}
	}
	for _, out := range outputs {
		deps.outputs[out] = struct{}{}
	}
	return nil
}

// CheckDataFreshness compares the node's inputs against its last output
func (m *MemoryStore) CheckDataFreshness(ctx context.Context, executionID, nodeID string) (Freshness, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return Freshness{IsFresh: true}, nil
	}
	deps, ok := exec.deps[nodeID]
	if !ok {
		return Freshness{IsFresh: true}, nil
	}

	var lastOutput int64
	for out := range deps.outputs {
		if state, ok := exec.values[out]; ok && state.Sequence > lastOutput {
			lastOutput = state.Sequence
		}
	}

	inputs := make([]string, 0, len(deps.inputs))
	for in := range deps.inputs {
		inputs = append(inputs, in)
	}
	sort.Strings(inputs)

	return staleInputs(inputs, lastOutput, func(key string) (int64, bool) {
		state, ok := exec.values[key]
		if !ok {
			return 0, false
		}
		return state.Sequence, true
	}), nil
}

// ClearExecution removes all data for the execution
func (m *MemoryStore) ClearExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, executionID)
	return nil
}
