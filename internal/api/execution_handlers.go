package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// PlanRequest carries a workflow graph
type PlanRequest struct {
	Nodes []workflow.Node `json:"nodes"`
	Edges []workflow.Edge `json:"edges,omitempty"`
}

// CreateExecutionRequest plans a graph and opens an execution context for it
type CreateExecutionRequest struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	Nodes       []workflow.Node `json:"nodes"`
	Edges       []workflow.Edge `json:"edges,omitempty"`
}

// CompleteNodeRequest reports a node's result
type CompleteNodeRequest struct {
	Result  interface{} `json:"result"`
	GroupID string      `json:"group_id,omitempty"`
}

// FailNodeRequest reports a node failure
type FailNodeRequest struct {
	Error   string `json:"error"`
	GroupID string `json:"group_id,omitempty"`
}

// WaitRequest blocks until the listed dependencies have results
type WaitRequest struct {
	Dependencies []string `json:"dependencies"`
	Timeout      string   `json:"timeout,omitempty"` // e.g. "30s"
}

// ShareDataRequest publishes data to the execution's shared store
type ShareDataRequest struct {
	NodeID string      `json:"node_id"`
	Data   interface{} `json:"data"`
	Key    string      `json:"key,omitempty"`
}

// BroadcastRequest sends data to specific nodes, or every active node
type BroadcastRequest struct {
	SourceNodeID string      `json:"source_node_id"`
	Data         interface{} `json:"data"`
	Targets      []string    `json:"targets,omitempty"`
}

func (s *Server) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		s.sendError(w, http.StatusBadRequest, "At least one node is required")
		return
	}

	plan, err := s.planner.CreateExecutionPlan(req.Nodes, req.Edges)
	if err != nil {
		s.sendWorkflowError(w, err)
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Plan created with %d groups", len(plan.Groups)),
		Data:    plan,
	})
}

func (s *Server) createExecutionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		s.sendError(w, http.StatusBadRequest, "At least one node is required")
		return
	}

	plan, err := s.planner.CreateExecutionPlan(req.Nodes, req.Edges)
	if err != nil {
		s.sendWorkflowError(w, err)
		return
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	if err := s.coordinator.InitializeParallelContext(r.Context(), executionID, plan.Groups); err != nil {
		s.sendWorkflowError(w, err)
		return
	}

	logging.Info("api", "Execution created", map[string]interface{}{
		"execution_id": executionID,
		"groups":       len(plan.Groups),
		"nodes":        len(req.Nodes),
	})

	s.sendResponse(w, http.StatusCreated, Response{
		Success: true,
		Message: "Execution context initialized",
		Data: map[string]interface{}{
			"execution_id": executionID,
			"plan":         plan,
		},
	})
}

func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.coordinator.ListExecutions()
	sort.Strings(ids)
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d active executions", len(ids)),
		Data:    ids,
	})
}

func (s *Server) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	progress, ok := s.coordinator.GetExecutionProgress(executionID)
	if !ok {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("Execution not found: %s", executionID))
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Progress retrieved successfully",
		Data:    progress,
	})
}

func (s *Server) startNodeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.coordinator.MarkNodeStarted(vars["id"], vars["node"]); err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Node %s started", vars["node"]),
	})
}

func (s *Server) completeNodeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req CompleteNodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.coordinator.MarkNodeCompleted(r.Context(), vars["id"], vars["node"], req.Result, req.GroupID); err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Node %s completed", vars["node"]),
	})
}

func (s *Server) failNodeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req FailNodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Error == "" {
		req.Error = "node failed"
	}

	if err := s.coordinator.MarkNodeFailed(vars["id"], vars["node"], errors.New(req.Error), req.GroupID); err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Node %s marked failed", vars["node"]),
	})
}

func (s *Server) waitNodeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req WaitRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := parseDuration(req.Timeout, 0)
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	results, err := s.coordinator.WaitForDependencies(r.Context(), vars["id"], vars["node"], req.Dependencies, timeout)
	if err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Dependencies satisfied",
		Data:    results,
	})
}

func (s *Server) shareDataHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	var req ShareDataRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NodeID == "" && req.Key == "" {
		s.sendError(w, http.StatusBadRequest, "node_id or key is required")
		return
	}

	if err := s.coordinator.ShareData(r.Context(), executionID, req.NodeID, req.Data, req.Key); err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	key := req.Key
	if key == "" {
		key = req.NodeID
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Data shared",
		Data:    map[string]string{"key": key},
	})
}

func (s *Server) getSharedDataHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	q := r.URL.Query()

	var keys []string
	for _, k := range strings.Split(q.Get("keys"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		s.sendError(w, http.StatusBadRequest, "keys query parameter is required")
		return
	}

	data, err := s.coordinator.GetSharedData(r.Context(), executionID, q.Get("requester"), keys)
	if err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d of %d keys found", len(data), len(keys)),
		Data:    data,
	})
}

func (s *Server) broadcastHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	var req BroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceNodeID == "" {
		s.sendError(w, http.StatusBadRequest, "source_node_id is required")
		return
	}

	keys, err := s.coordinator.BroadcastData(r.Context(), executionID, req.SourceNodeID, req.Data, req.Targets)
	if err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Broadcast to %d keys", len(keys)),
		Data:    map[string]interface{}{"keys": keys},
	})
}

func (s *Server) cleanupExecutionHandler(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	if err := s.coordinator.CleanupContext(r.Context(), executionID); err != nil {
		s.sendWorkflowError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Execution %s cleaned up", executionID),
	})
}
