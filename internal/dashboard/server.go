package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// EventChannel is the Redis pub/sub channel used to share events between processes
const EventChannel = "flowplan:events"

// DefaultProgressInterval is how often progress snapshots are pushed to clients
const DefaultProgressInterval = 2 * time.Second

// relayEnvelope wraps an event with the id of the process that produced it
type relayEnvelope struct {
	Origin string         `json:"origin"`
	Event  workflow.Event `json:"event"`
}

// ExecutionSnapshot is the dashboard view of one execution
type ExecutionSnapshot struct {
	Progress workflow.ExecutionProgress `json:"progress"`
	Metrics  *workflow.ExecutionMetrics `json:"metrics,omitempty"`
}

// Server streams coordinator state to dashboard clients
type Server struct {
	hub              *Hub
	coordinator      *workflow.Coordinator
	redisClient      *redis.Client
	origin           string
	outbound         chan relayEnvelope
	progressInterval time.Duration
}

// NewServer creates a dashboard server. redisClient may be nil, in which case
// events are only delivered to clients of this process.
func NewServer(coordinator *workflow.Coordinator, redisClient *redis.Client) *Server {
	return &Server{
		hub:              NewHub(),
		coordinator:      coordinator,
		redisClient:      redisClient,
		origin:           uuid.New().String(),
		outbound:         make(chan relayEnvelope, sendBufferSize),
		progressInterval: DefaultProgressInterval,
	}
}

// SetProgressInterval changes the snapshot period; zero or less disables snapshots
func (s *Server) SetProgressInterval(d time.Duration) {
	s.progressInterval = d
}

// Hub returns the underlying WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Publish implements workflow.EventPublisher
func (s *Server) Publish(event workflow.Event) {
	s.hub.Publish(event)
	if s.redisClient == nil {
		return
	}
	select {
	case s.outbound <- relayEnvelope{Origin: s.origin, Event: event}:
	default:
		logging.Debug("dashboard", "Relay queue full, dropping event", map[string]interface{}{
			"execution_id": event.ExecutionID,
			"type":         string(event.Type),
		})
	}
}

// RegisterRoutes mounts the dashboard endpoints on r
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.HandleFunc("/dashboard/executions", s.handleListExecutions).Methods("GET")
	r.HandleFunc("/dashboard/executions/{id}", s.handleGetExecution).Methods("GET")
}

// Start runs the hub, the progress broadcaster and, when Redis is configured,
// the event relay. Everything stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)

	if s.progressInterval > 0 {
		go s.broadcastProgress(ctx)
	}

	if s.redisClient != nil {
		pubsub := s.redisClient.Subscribe(ctx, EventChannel)
		go s.publishLoop(ctx)
		go s.listenForEvents(ctx, pubsub)
	}
}

// Snapshot returns the state of every live execution, ordered by id
func (s *Server) Snapshot() []ExecutionSnapshot {
	ids := s.coordinator.ListExecutions()
	sort.Strings(ids)

	snapshots := make([]ExecutionSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.snapshot(id); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

func (s *Server) snapshot(executionID string) (ExecutionSnapshot, bool) {
	progress, ok := s.coordinator.GetExecutionProgress(executionID)
	if !ok {
		return ExecutionSnapshot{}, false
	}
	snap := ExecutionSnapshot{Progress: progress}
	if em, ok := s.coordinator.Metrics().GetExecutionMetrics(executionID); ok {
		snap.Metrics = &em
	}
	return snap, true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Snapshot())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// broadcastProgress sends periodic progress snapshots to all connected clients
func (s *Server) broadcastProgress(ctx context.Context) {
	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			data, err := json.Marshal(map[string]interface{}{
				"type":      "progress_update",
				"timestamp": time.Now(),
				"data":      s.Snapshot(),
			})
			if err != nil {
				continue
			}
			s.hub.send("", data)
		}
	}
}

func (s *Server) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.outbound:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := s.redisClient.Publish(ctx, EventChannel, payload).Err(); err != nil && ctx.Err() == nil {
				logging.Warn("dashboard", "Failed to relay event", map[string]interface{}{
					"execution_id": env.Event.ExecutionID,
					"error":        err.Error(),
				})
			}
		}
	}
}

// listenForEvents forwards events published by other processes to local clients
func (s *Server) listenForEvents(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logging.Warn("dashboard", "Ignoring malformed relay message", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if env.Origin == s.origin {
				continue
			}
			s.hub.Publish(env.Event)
		}
	}
}
