package datastate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test", ttl), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t, 0)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestSaveAndGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			state, err := store.GetDataState(ctx, "exec-1", "a")
			require.NoError(t, err)
			assert.Nil(t, state)

			require.NoError(t, store.SaveDataState(ctx, "exec-1", "a", map[string]interface{}{"n": 1}, SaveOptions{Tags: []string{"x"}}))
			require.NoError(t, store.SaveDataState(ctx, "exec-1", "a", map[string]interface{}{"n": 2}, SaveOptions{}))
			require.NoError(t, store.SaveDataState(ctx, "exec-1", "b", "out", SaveOptions{Key: "custom"}))

			state, err = store.GetDataState(ctx, "exec-1", "a")
			require.NoError(t, err)
			require.NotNil(t, state)
			assert.Equal(t, map[string]interface{}{"n": 2.0}, state.Data)
			assert.Equal(t, int64(2), state.Version)
			assert.Equal(t, "a", state.NodeID)

			state, err = store.GetDataState(ctx, "exec-1", "custom")
			require.NoError(t, err)
			require.NotNil(t, state)
			assert.Equal(t, "out", state.Data)
			assert.Equal(t, "b", state.NodeID)

			state, err = store.GetDataState(ctx, "exec-2", "a")
			require.NoError(t, err)
			assert.Nil(t, state)
		})
	}
}

func TestFreshness(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			f, err := store.CheckDataFreshness(ctx, "e", "c")
			require.NoError(t, err)
			assert.True(t, f.IsFresh)

			require.NoError(t, store.TrackDataDependency(ctx, "e", "c", []string{"a", "b"}, nil))
			require.NoError(t, store.SaveDataState(ctx, "e", "a", 1, SaveOptions{}))

			// b has never been produced
			f, err = store.CheckDataFreshness(ctx, "e", "c")
			require.NoError(t, err)
			assert.False(t, f.IsFresh)
			assert.Equal(t, []string{"b"}, f.StaleDependencies)

			require.NoError(t, store.SaveDataState(ctx, "e", "b", 2, SaveOptions{}))
			require.NoError(t, store.SaveDataState(ctx, "e", "c", 3, SaveOptions{}))
			require.NoError(t, store.TrackDataDependency(ctx, "e", "c", nil, []string{"c"}))

			f, err = store.CheckDataFreshness(ctx, "e", "c")
			require.NoError(t, err)
			assert.True(t, f.IsFresh)

			// a rewritten after c produced its output
			require.NoError(t, store.SaveDataState(ctx, "e", "a", 4, SaveOptions{}))
			f, err = store.CheckDataFreshness(ctx, "e", "c")
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, f.StaleDependencies)
		})
	}
}

func TestClearExecution(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveDataState(ctx, "gone", "a", 1, SaveOptions{}))
			require.NoError(t, store.SaveDataState(ctx, "kept", "a", 1, SaveOptions{}))
			require.NoError(t, store.TrackDataDependency(ctx, "gone", "a", []string{"x"}, []string{"a"}))

			require.NoError(t, store.ClearExecution(ctx, "gone"))
			require.NoError(t, store.ClearExecution(ctx, "never-existed"))

			state, err := store.GetDataState(ctx, "gone", "a")
			require.NoError(t, err)
			assert.Nil(t, state)

			state, err = store.GetDataState(ctx, "kept", "a")
			require.NoError(t, err)
			assert.NotNil(t, state)
		})
	}
}

func TestRedisStoreKeysAndTTL(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveDataState(ctx, "e1", "n1", "v", SaveOptions{}))
	require.NoError(t, store.TrackDataDependency(ctx, "e1", "n1", []string{"n0"}, []string{"n1"}))

	assert.True(t, mr.Exists("test:exec:e1:state"))
	assert.True(t, mr.Exists("test:exec:e1:deps:n1:inputs"))
	assert.Equal(t, time.Minute, mr.TTL("test:exec:e1:state"))
	assert.Equal(t, time.Minute, mr.TTL("test:exec:e1:deps:n1:outputs"))

	mr.FastForward(2 * time.Minute)
	state, err := store.GetDataState(ctx, "e1", "n1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t, 0)
	mr.Close()

	err := store.SaveDataState(context.Background(), "e", "n", 1, SaveOptions{})
	assert.Error(t, err)
}

func TestMemoryStoreIsolatesCallerData(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	data := map[string]interface{}{"k": "v"}

	require.NoError(t, store.SaveDataState(ctx, "e", "n", data, SaveOptions{}))
	data["k"] = "changed"

	state, err := store.GetDataState(ctx, "e", "n")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, state.Data)
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", nil, "", 0)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("redis", nil, "", 0)
	assert.Error(t, err)

	_, err = Open("etcd", nil, "", 0)
	assert.Error(t, err)
}
