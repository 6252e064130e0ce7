package transform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
)

// ApplyPipeline runs every transformation in priority order (lower first,
// ties keep declaration order). A failing step is recorded and skipped; the
// pipeline continues with the data produced by the previous step.
func (t *Transformer) ApplyPipeline(ctx context.Context, data interface{}, pipeline DataPipeline) Result {
	start := time.Now()
	result := Result{
		Errors:   []string{},
		Warnings: []string{},
		Metadata: ResultMetadata{InputSize: sizeOf(data)},
	}

	reject := func(msg string, err error) Result {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", msg, err))
		result.Data = data
		result.Metadata.OutputSize = result.Metadata.InputSize
		result.Metadata.ExecutionTime = time.Since(start)
		logging.Warn("transform", "Pipeline input rejected", map[string]interface{}{
			"pipeline_id": pipeline.ID,
			"error":       err.Error(),
		})
		return result
	}

	// steps only understand JSON kinds
	current, err := Normalize(data)
	if err != nil {
		return reject("input normalization failed", err)
	}
	if pipeline.InputSchema != nil {
		if _, err := pipeline.InputSchema.Parse(current); err != nil {
			return reject("input validation failed", err)
		}
	}

	steps := make([]Transformation, len(pipeline.Transformations))
	copy(steps, pipeline.Transformations)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Priority < steps[j].Priority
	})

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("pipeline cancelled: %v", err))
			break
		}

		stepStart := time.Now()
		next, err := t.Transform(ctx, current, step)
		if t.observer != nil {
			t.observer.ObserveTransformation(pipeline.ID, step.Type, time.Since(stepStart), err)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("transformation %s (%s) failed: %v", step.ID, step.Type, err))
			logging.Debug("transform", "Transformation failed", map[string]interface{}{
				"pipeline_id":       pipeline.ID,
				"transformation_id": step.ID,
				"type":              string(step.Type),
				"error":             err.Error(),
			})
			continue
		}
		current = next
		result.Metadata.TransformationsApplied++
	}

	if pipeline.OutputSchema != nil {
		if _, err := pipeline.OutputSchema.Parse(current); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("output validation failed: %v", err))
		}
	}

	result.Data = current
	result.Success = len(result.Errors) == 0
	result.Metadata.OutputSize = sizeOf(current)
	result.Metadata.ExecutionTime = time.Since(start)
	return result
}
