package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderPipeline = `
id: orders
metadata:
  name: order cleanup
  version: "1"
input_schema:
  type: array
transformations:
  - id: paid
    type: filter
    where:
      field: status
      operator: equals
      value: paid
  - id: items
    type: loop
    parallel: false
    batch_size: 2
    item_transformations:
      - id: cents
        type: format
        source_field: amount
        target_field: cents
        operation: multiply
        value: 100
  - id: by-amount
    type: sort
    source_field: amount
    operation: desc
    priority: 5
`

func TestParsePipeline(t *testing.T) {
	pipeline, err := ParsePipeline([]byte(orderPipeline))
	require.NoError(t, err)
	assert.Equal(t, "orders", pipeline.ID)
	assert.Equal(t, "order cleanup", pipeline.Metadata.Name)
	require.Len(t, pipeline.Transformations, 3)
	assert.NotNil(t, pipeline.InputSchema)
	assert.Equal(t, 100.0, pipeline.Transformations[1].ItemTransformations[0].Value)
	require.NotNil(t, pipeline.Transformations[1].Parallel)
	assert.False(t, *pipeline.Transformations[1].Parallel)

	data := []interface{}{
		map[string]interface{}{"status": "paid", "amount": 2.5},
		map[string]interface{}{"status": "open", "amount": 9.0},
		map[string]interface{}{"status": "paid", "amount": 4.0},
	}
	result := NewTransformer().ApplyPipeline(context.Background(), data, pipeline)
	require.True(t, result.Success, result.Errors)
	assert.Equal(t, 3, result.Metadata.TransformationsApplied)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"status": "paid", "amount": 4.0, "cents": 400.0},
		map[string]interface{}{"status": "paid", "amount": 2.5, "cents": 250.0},
	}, result.Data)
}

func TestParsePipelineJSON(t *testing.T) {
	pipeline, err := ParsePipeline([]byte(`{"id":"j","transformations":[{"id":"v","type":"validate","schema":{"type":"object","required":["id"]}}]}`))
	require.NoError(t, err)
	require.Len(t, pipeline.Transformations, 1)
	assert.NotNil(t, pipeline.Transformations[0].Schema)
}

func TestParsePipelineErrors(t *testing.T) {
	_, err := ParsePipeline([]byte(""))
	assert.Error(t, err)

	_, err = ParsePipeline([]byte("id: x\ninput_schema:\n  type: 12\ntransformations: []\n"))
	assert.Error(t, err)

	_, err = ParsePipeline([]byte("id: [unclosed"))
	assert.Error(t, err)
}

func TestLoadPipelineAndData(t *testing.T) {
	dir := t.TempDir()
	pPath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(pPath, []byte(`
id: env
transformations:
  - id: tag
    type: enrich
    operation: value
    target_field: env
    value: ${FLOWPLAN_TEST_ENV}
`), 0644))
	t.Setenv("FLOWPLAN_TEST_ENV", "staging")

	pipeline, err := LoadPipeline(pPath)
	require.NoError(t, err)
	assert.Equal(t, "staging", pipeline.Transformations[0].Value)

	dPath := filepath.Join(dir, "data.yaml")
	require.NoError(t, os.WriteFile(dPath, []byte("count: 3\nname: x\n"), 0644))
	data, err := LoadData(dPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"count": 3.0, "name": "x"}, data)

	jPath := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(jPath, []byte(`[1,2]`), 0644))
	data, err = LoadData(jPath)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0}, data)

	_, err = LoadData(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
