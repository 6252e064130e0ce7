package datastate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DataState is one durable value written by a node during an execution
type DataState struct {
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id"`
	Key         string      `json:"key"`
	Data        interface{} `json:"data"`
	Tags        []string    `json:"tags,omitempty"`
	Version     int64       `json:"version"`
	Sequence    int64       `json:"sequence"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SaveOptions controls how a value is stored. Key defaults to the node id.
type SaveOptions struct {
	Key  string
	Tags []string
}

// Freshness is the result of a staleness check for one node
type Freshness struct {
	IsFresh           bool     `json:"is_fresh"`
	StaleDependencies []string `json:"stale_dependencies,omitempty"`
}

// Store persists per-execution node data so it survives the in-memory
// coordinator context. Implementations must be safe for concurrent use.
type Store interface {
	// SaveDataState writes data under opts.Key (or nodeID)
	SaveDataState(ctx context.Context, executionID, nodeID string, data interface{}, opts SaveOptions) error
	// GetDataState returns nil, nil when nothing is stored under key
	GetDataState(ctx context.Context, executionID, key string) (*DataState, error)
	// TrackDataDependency records which keys a node reads and writes
	TrackDataDependency(ctx context.Context, executionID, nodeID string, inputs, outputs []string) error
	// CheckDataFreshness reports inputs of nodeID that are missing or were
	// written after the node's own most recent output
	CheckDataFreshness(ctx context.Context, executionID, nodeID string) (Freshness, error)
	// ClearExecution drops everything stored for an execution
	ClearExecution(ctx context.Context, executionID string) error
}

// staleInputs applies the freshness rule shared by all stores. lastOutput is
// the highest sequence among the node's outputs (0 if none).
func staleInputs(inputs []string, lastOutput int64, lookup func(key string) (int64, bool)) Freshness {
	var stale []string
	for _, input := range inputs {
		seq, ok := lookup(input)
		if !ok || (lastOutput > 0 && seq > lastOutput) {
			stale = append(stale, input)
		}
	}
	return Freshness{IsFresh: len(stale) == 0, StaleDependencies: stale}
}

// Open returns the store for the configured backend ("memory" or "redis")
func Open(backend string, redisClient *redis.Client, prefix string, ttl time.Duration) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(redisClient, prefix, ttl), nil
	default:
		return nil, fmt.Errorf("unknown data state backend: %s", backend)
	}
}
