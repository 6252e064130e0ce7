package api

import (
	"net/http"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/transform"
)

// ApplyPipelineRequest runs a pipeline definition over the supplied data
type ApplyPipelineRequest struct {
	Pipeline transform.PipelineDef `json:"pipeline"`
	Data     interface{}           `json:"data"`
}

func (s *Server) applyPipelineHandler(w http.ResponseWriter, r *http.Request) {
	var req ApplyPipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipeline, err := req.Pipeline.Build()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.transformer.ApplyPipeline(r.Context(), req.Data, pipeline)
	if !result.Success {
		logging.Info("api", "Pipeline finished with errors", map[string]interface{}{
			"pipeline_id": pipeline.ID,
			"errors":      len(result.Errors),
		})
	}

	// Step failures are reported in the result, not as an HTTP error
	message := "Pipeline applied"
	if !result.Success {
		message = "Pipeline applied with errors"
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: result.Success,
		Message: message,
		Data:    result,
	})
}
