package transform

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	steps []TransformationType
	fails int
}

func (o *recordingObserver) ObserveTransformation(pipelineID string, kind TransformationType, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, kind)
	if err != nil {
		o.fails++
	}
}

func TestApplyPipelineEmpty(t *testing.T) {
	tr := NewTransformer()
	input := map[string]interface{}{"a": 1.0}

	result := tr.ApplyPipeline(context.Background(), input, DataPipeline{ID: "empty"})
	assert.True(t, result.Success)
	assert.Equal(t, input, result.Data)
	assert.Equal(t, 0, result.Metadata.TransformationsApplied)
	assert.Empty(t, result.Errors)
	assert.Equal(t, result.Metadata.InputSize, result.Metadata.OutputSize)
}

func TestApplyPipelineContinuesAfterFailure(t *testing.T) {
	obs := &recordingObserver{}
	tr := NewTransformer(WithObserver(obs))
	input := map[string]interface{}{"price": 10.0}

	result := tr.ApplyPipeline(context.Background(), input, DataPipeline{
		ID: "p1",
		Transformations: []Transformation{
			{ID: "double", Type: TypeFormat, SourceField: "price", Operation: "multiply", Value: 2},
			{ID: "broken", Type: TypeFormat, SourceField: "price", Operation: "divide", Value: 0},
			{ID: "copy", Type: TypeMap, SourceField: "price", TargetField: "total"},
		},
	})

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "transformation broken (format) failed:"))
	assert.Equal(t, 2, result.Metadata.TransformationsApplied)
	assert.Equal(t, map[string]interface{}{"price": 20.0, "total": 20.0}, result.Data)

	assert.Len(t, obs.steps, 3)
	assert.Equal(t, 1, obs.fails)
}

func TestApplyPipelinePriorityOrder(t *testing.T) {
	tr := NewTransformer()
	result := tr.ApplyPipeline(context.Background(), map[string]interface{}{"v": 1.0}, DataPipeline{
		Transformations: []Transformation{
			{ID: "add", Type: TypeFormat, SourceField: "v", Operation: "add", Value: 1, Priority: 2},
			{ID: "mul", Type: TypeFormat, SourceField: "v", Operation: "multiply", Value: 10, Priority: 1},
			{ID: "sub", Type: TypeFormat, SourceField: "v", Operation: "subtract", Value: 3, Priority: 2},
		},
	})
	require.True(t, result.Success)
	// (1*10)+1-3
	assert.Equal(t, map[string]interface{}{"v": 8.0}, result.Data)
}

func TestApplyPipelineInputSchemaShortCircuits(t *testing.T) {
	tr := NewTransformer()
	input := map[string]interface{}{"name": 5.0}

	result := tr.ApplyPipeline(context.Background(), input, DataPipeline{
		InputSchema: MustCompileSchema(`{"type":"object","properties":{"name":{"type":"string"}}}`),
		Transformations: []Transformation{
			{ID: "stamp", Type: TypeEnrich, Operation: "value", TargetField: "x", Value: true},
		},
	})
	assert.False(t, result.Success)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.Metadata.TransformationsApplied)
	assert.Equal(t, input, result.Data)
}

func TestApplyPipelineOutputSchemaWarns(t *testing.T) {
	tr := NewTransformer()
	result := tr.ApplyPipeline(context.Background(), map[string]interface{}{"n": 1.0}, DataPipeline{
		OutputSchema: SchemaFunc(func(data interface{}) (interface{}, error) {
			if !HasPath(data, "id") {
				return nil, ErrSchemaValidation
			}
			return data, nil
		}),
		Transformations: []Transformation{
			{ID: "noop", Type: TypeMap, SourceField: "n", TargetField: "m"},
		},
	})
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Warnings, 1)
	assert.Equal(t, 1, result.Metadata.TransformationsApplied)
}

func TestApplyPipelineCancelled(t *testing.T) {
	tr := NewTransformer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := tr.ApplyPipeline(ctx, []interface{}{}, DataPipeline{
		Transformations: []Transformation{{ID: "s", Type: TypeSort}},
	})
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.Metadata.TransformationsApplied)
}

func TestApplyPipelineAcceptsGoValues(t *testing.T) {
	tr := NewTransformer()
	sortDesc := DataPipeline{
		ID:              "p",
		Transformations: []Transformation{{ID: "s", Type: TypeSort, SourceField: "v", Operation: "desc"}},
	}

	result := tr.ApplyPipeline(context.Background(), []map[string]interface{}{{"v": 1}, {"v": 3}}, sortDesc)
	require.True(t, result.Success, result.Errors)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"v": 3.0},
		map[string]interface{}{"v": 1.0},
	}, result.Data)

	type order struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}
	result = tr.ApplyPipeline(context.Background(), []order{{"a", 5}, {"b", 7}}, DataPipeline{
		Transformations: []Transformation{{ID: "total", Type: TypeAggregate, SourceField: "amount", Operation: "sum"}},
	})
	require.True(t, result.Success, result.Errors)
	assert.Equal(t, 12.0, result.Data)

	result = tr.ApplyPipeline(context.Background(), map[string]int{"price": 4}, DataPipeline{
		Transformations: []Transformation{{ID: "copy", Type: TypeMap, SourceField: "price", TargetField: "total"}},
	})
	require.True(t, result.Success, result.Errors)
	assert.Equal(t, map[string]interface{}{"price": 4.0, "total": 4.0}, result.Data)
}

func TestApplyPipelineRejectsUnencodableInput(t *testing.T) {
	tr := NewTransformer()
	input := map[string]interface{}{"ch": make(chan int)}

	result := tr.ApplyPipeline(context.Background(), input, DataPipeline{
		Transformations: []Transformation{{ID: "s", Type: TypeSort}},
	})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "input normalization failed:"))
	assert.Equal(t, input, result.Data)
	assert.Equal(t, 0, result.Metadata.TransformationsApplied)
}
