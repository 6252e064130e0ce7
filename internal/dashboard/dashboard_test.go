package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	r := mux.NewRouter()
	s.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) workflow.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var event workflow.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func TestHubStreamsCoordinatorEvents(t *testing.T) {
	c := workflow.NewCoordinator()
	s := NewServer(c, nil)
	s.SetProgressInterval(0)
	ts := startServer(t, s)

	conn := dial(t, ts, "")
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// the server is the coordinator's publisher
	c2 := workflow.NewCoordinator(workflow.WithEventPublisher(s))
	require.NoError(t, c2.InitializeParallelContext(context.Background(), "exec-1", nil))

	event := readEvent(t, conn)
	assert.Equal(t, workflow.EventContextInitialized, event.Type)
	assert.Equal(t, "exec-1", event.ExecutionID)
}

func TestHubFiltersByExecution(t *testing.T) {
	s := NewServer(workflow.NewCoordinator(), nil)
	s.SetProgressInterval(0)
	ts := startServer(t, s)

	conn := dial(t, ts, "?execution=wanted")
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.Publish(workflow.Event{Type: workflow.EventNodeStarted, ExecutionID: "other", NodeID: "x"})
	s.Publish(workflow.Event{Type: workflow.EventNodeStarted, ExecutionID: "wanted", NodeID: "y"})

	event := readEvent(t, conn)
	assert.Equal(t, "wanted", event.ExecutionID)
	assert.Equal(t, "y", event.NodeID)
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	// Run is not started: the buffer fills and further events are dropped
	for i := 0; i < sendBufferSize+10; i++ {
		h.Publish(workflow.Event{Type: workflow.EventDataShared, ExecutionID: "e"})
	}
	assert.Equal(t, int64(10), h.Dropped())
}

func TestRedisRelayBetweenServers(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return client
	}

	producer := NewServer(workflow.NewCoordinator(), newClient())
	producer.SetProgressInterval(0)
	startServer(t, producer)

	consumer := NewServer(workflow.NewCoordinator(), newClient())
	consumer.SetProgressInterval(0)
	ts := startServer(t, consumer)

	conn := dial(t, ts, "")
	require.Eventually(t, func() bool {
		return consumer.Hub().ClientCount() == 1 && mr.PubSubNumSub(EventChannel)[EventChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	producer.Publish(workflow.Event{Type: workflow.EventNodeCompleted, ExecutionID: "remote", NodeID: "n1"})

	event := readEvent(t, conn)
	assert.Equal(t, workflow.EventNodeCompleted, event.Type)
	assert.Equal(t, "remote", event.ExecutionID)
}

func TestExecutionEndpoints(t *testing.T) {
	mc := workflow.NewMetricsCollector(nil)
	c := workflow.NewCoordinator(workflow.WithMetrics(mc))
	s := NewServer(c, nil)
	s.SetProgressInterval(0)
	ts := startServer(t, s)

	groups := []workflow.ExecutionGroup{{ID: "group_0", Nodes: []workflow.Node{{ID: "A"}}}}
	require.NoError(t, c.InitializeParallelContext(context.Background(), "exec-9", groups))
	mc.RecordExecutionStart("exec-9")

	resp, err := http.Get(ts.URL + "/dashboard/executions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []ExecutionSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "exec-9", list[0].Progress.ExecutionID)
	assert.Equal(t, 1, list[0].Progress.TotalNodes)
	require.NotNil(t, list[0].Metrics)

	resp2, err := http.Get(ts.URL + "/dashboard/executions/missing")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestProgressSnapshotsReachClients(t *testing.T) {
	c := workflow.NewCoordinator()
	require.NoError(t, c.InitializeParallelContext(context.Background(), "exec-p", nil))
	s := NewServer(c, nil)
	s.SetProgressInterval(10 * time.Millisecond)
	ts := startServer(t, s)

	conn := dial(t, ts, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string              `json:"type"`
		Data []ExecutionSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "progress_update", msg.Type)
	require.Len(t, msg.Data, 1)
	assert.Equal(t, "exec-p", msg.Data[0].Progress.ExecutionID)
}
