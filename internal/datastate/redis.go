package datastate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces every key written by RedisStore
const DefaultKeyPrefix = "flowplan"

// RedisStore persists data state in Redis. Each execution owns one hash of
// values, a sequence counter, and a pair of sets per tracked node.
type RedisStore struct {
	redisClient *redis.Client
	prefix      string
	ttl         time.Duration
	now         func() time.Time
}

// NewRedisStore creates a new Redis-backed store. A zero ttl keeps keys forever.
func NewRedisStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		redisClient: redisClient,
		prefix:      prefix,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (s *RedisStore) execKey(executionID, suffix string) string {
	return fmt.Sprintf("%s:exec:%s:%s", s.prefix, executionID, suffix)
}

func (s *RedisStore) stateKey(executionID string) string {
	return s.execKey(executionID, "state")
}

func (s *RedisStore) depsKey(executionID, nodeID, direction string) string {
	return s.execKey(executionID, fmt.Sprintf("deps:%s:%s", nodeID, direction))
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// SaveDataState writes the value and bumps its version
func (s *RedisStore) SaveDataState(ctx context.Context, executionID, nodeID string, data interface{}, opts SaveOptions) error {
	key := opts.Key
	if key == "" {
		key = nodeID
	}

	seqKey := s.execKey(executionID, "seq")
	seq, err := s.redisClient.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	version := int64(1)
	prev, err := s.GetDataState(ctx, executionID, key)
	if err != nil {
		return err
	}
	if prev != nil {
		version = prev.Version + 1
	}

	state := DataState{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Key:         key,
		Data:        data,
		Tags:        opts.Tags,
		Version:     version,
		Sequence:    seq,
		UpdatedAt:   s.now().UTC(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal data state: %w", err)
	}

	hashKey := s.stateKey(executionID)
	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, key, payload)
		s.expire(ctx, pipe, hashKey, seqKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save data state: %w", err)
	}
	return nil
}

// GetDataState returns nil, nil when the key is absent
func (s *RedisStore) GetDataState(ctx context.Context, executionID, key string) (*DataState, error) {
	data, err := s.redisClient.HGet(ctx, s.stateKey(executionID), key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get data state: %w", err)
	}

	var state DataState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data state: %w", err)
	}
	return &state, nil
}

// TrackDataDependency adds inputs and outputs to the node's dependency sets
func (s *RedisStore) TrackDataDependency(ctx context.Context, executionID, nodeID string, inputs, outputs []string) error {
	inKey := s.depsKey(executionID, nodeID, "inputs")
	outKey := s.depsKey(executionID, nodeID, "outputs")

	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(inputs) > 0 {
			pipe.SAdd(ctx, inKey, toMembers(inputs)...)
			s.expire(ctx, pipe, inKey)
		}
		if len(outputs) > 0 {
			pipe.SAdd(ctx, outKey, toMembers(outputs)...)
			s.expire(ctx, pipe, outKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track data dependency: %w", err)
	}
	return nil
}

func toMembers(keys []string) []interface{} {
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return members
}

// CheckDataFreshness compares stored sequences of the node's inputs and outputs
func (s *RedisStore) CheckDataFreshness(ctx context.Context, executionID, nodeID string) (Freshness, error) {
	inputs, err := s.redisClient.SMembers(ctx, s.depsKey(executionID, nodeID, "inputs")).Result()
	if err != nil {
		return Freshness{}, fmt.Errorf("failed to read node inputs: %w", err)
	}
	if len(inputs) == 0 {
		return Freshness{IsFresh: true}, nil
	}
	outputs, err := s.redisClient.SMembers(ctx, s.depsKey(executionID, nodeID, "outputs")).Result()
	if err != nil {
		return Freshness{}, fmt.Errorf("failed to read node outputs: %w", err)
	}
	sort.Strings(inputs)

	fields := append(append([]string{}, inputs...), outputs...)
	values, err := s.redisClient.HMGet(ctx, s.stateKey(executionID), fields...).Result()
	if err != nil {
		return Freshness{}, fmt.Errorf("failed to read data state: %w", err)
	}

	sequences := make(map[string]int64, len(fields))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state DataState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return Freshness{}, fmt.Errorf("failed to unmarshal data state: %w", err)
		}
		sequences[fields[i]] = state.Sequence
	}

	var lastOutput int64
	for _, out := range outputs {
		if seq := sequences[out]; seq > lastOutput {
			lastOutput = seq
		}
	}
	return staleInputs(inputs, lastOutput, func(key string) (int64, bool) {
		seq, ok := sequences[key]
		return seq, ok
	}), nil
}

// ClearExecution deletes every key belonging to the execution
func (s *RedisStore) ClearExecution(ctx context.Context, executionID string) error {
	pattern := s.execKey(executionID, "*")
	var keys []string
	iter := s.redisClient.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan execution keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear execution: %w", err)
	}
	return nil
}
