package transform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestMapCopiesAndRenames(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := map[string]interface{}{"user": map[string]interface{}{"first": "Ada"}}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeMap, SourceField: "user.first", TargetField: "name"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.(map[string]interface{})["name"])
	assert.True(t, HasPath(out, "user.first"))

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeMap, SourceField: "user.first", TargetField: "name", Operation: "rename"})
	require.NoError(t, err)
	assert.False(t, HasPath(out, "user.first"))
	assert.Equal(t, "Ada", out.(map[string]interface{})["name"])

	// input untouched
	assert.True(t, HasPath(input, "user.first"))
	assert.False(t, HasPath(input, "name"))
}

func TestMapValidation(t *testing.T) {
	tr := NewTransformer()
	_, err := tr.Transform(context.Background(), map[string]interface{}{}, Transformation{Type: TypeMap, SourceField: "a"})
	assert.Error(t, err)

	out, err := tr.Transform(context.Background(), map[string]interface{}{"b": 1.0}, Transformation{Type: TypeMap, SourceField: "a", TargetField: "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"b": 1.0}, out)
}

func TestFilterGreaterThan(t *testing.T) {
	tr := NewTransformer()
	input := []interface{}{
		map[string]interface{}{"score": 40.0},
		map[string]interface{}{"score": 60.0},
	}

	out, err := tr.Transform(context.Background(), input, Transformation{
		Type: TypeFilter, Operation: "greater_than", SourceField: "score", Value: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"score": 60.0}}, out)
}

func TestFilterSingleRecord(t *testing.T) {
	tr := NewTransformer()
	record := map[string]interface{}{"status": "active"}

	out, err := tr.Transform(context.Background(), record, Transformation{Type: TypeFilter, Condition: "status == 'active'"})
	require.NoError(t, err)
	assert.Equal(t, record, out)

	out, err = tr.Transform(context.Background(), record, Transformation{Type: TypeFilter, Condition: "status == 'closed'"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFilterWhere(t *testing.T) {
	tr := NewTransformer()
	input := []interface{}{
		map[string]interface{}{"tier": "gold", "spend": 120.0},
		map[string]interface{}{"tier": "gold", "spend": 20.0},
		map[string]interface{}{"tier": "silver", "spend": 500.0},
	}
	out, err := tr.Transform(context.Background(), input, Transformation{
		Type: TypeFilter,
		Where: &Condition{And: []Condition{
			{Field: "tier", Operator: OpEquals, Value: "gold"},
			{Field: "spend", Operator: OpGreaterOrEqual, Value: 100.0},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestAggregate(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := []interface{}{
		map[string]interface{}{"v": 4.0},
		map[string]interface{}{"v": "n/a"},
		map[string]interface{}{"v": 10.0},
	}

	tests := []struct {
		op   string
		want interface{}
	}{
		{"sum", 14.0},
		{"avg", 14.0 / 3},
		{"count", 3.0},
		{"max", 10.0},
		{"min", 4.0},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			out, err := tr.Transform(ctx, input, Transformation{Type: TypeAggregate, Operation: tt.op, SourceField: "v"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeAggregate, Operation: "sum", SourceField: "v", TargetField: "totals.v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"totals": map[string]interface{}{"v": 14.0}}, out)

	_, err = tr.Transform(ctx, map[string]interface{}{}, Transformation{Type: TypeAggregate, Operation: "sum"})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeAggregate, Operation: "median"})
	assert.Error(t, err)
}

func TestAggregateEmpty(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()

	for _, op := range []string{"sum", "avg", "count"} {
		out, err := tr.Transform(ctx, []interface{}{}, Transformation{Type: TypeAggregate, Operation: op})
		require.NoError(t, err)
		assert.Equal(t, 0.0, out, op)
	}
	for _, op := range []string{"max", "min"} {
		out, err := tr.Transform(ctx, []interface{}{}, Transformation{Type: TypeAggregate, Operation: op})
		require.NoError(t, err)
		assert.Nil(t, out, op)
	}
}

func TestFormat(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := map[string]interface{}{
		"price":   10.0,
		"qty":     "3",
		"name":    "  Widget ",
		"created": "2024-01-02",
		"payload": `{"ok":true}`,
		"flag":    "false",
	}

	tests := []struct {
		name string
		tr   Transformation
		path string
		want interface{}
	}{
		{"multiply in place", Transformation{SourceField: "price", Operation: "multiply", Value: 2}, "price", 20.0},
		{"subtract to target", Transformation{SourceField: "price", TargetField: "discounted", Operation: "subtract", Value: 1.5}, "discounted", 8.5},
		{"number", Transformation{SourceField: "qty", Operation: "number"}, "qty", 3.0},
		{"string", Transformation{SourceField: "price", Operation: "string"}, "price", "10"},
		{"trim", Transformation{SourceField: "name", Operation: "trim"}, "name", "Widget"},
		{"uppercase", Transformation{SourceField: "name", TargetField: "upper", Operation: "uppercase"}, "upper", "  WIDGET "},
		{"date", Transformation{SourceField: "created", Operation: "date"}, "created", "2024-01-02T00:00:00Z"},
		{"date layout", Transformation{SourceField: "created", Operation: "date", Value: "02/01/2006"}, "created", "02/01/2024"},
		{"boolean", Transformation{SourceField: "flag", Operation: "boolean"}, "flag", false},
		{"json parse", Transformation{SourceField: "payload", Operation: "json_parse"}, "payload.ok", true},
		{"json stringify", Transformation{SourceField: "price", TargetField: "s", Operation: "json_stringify"}, "s", "10"},
		{"divide", Transformation{SourceField: "price", Operation: "divide", Value: 3}, "price", 10.0 / 3},
		{"round", Transformation{SourceField: "price", TargetField: "r", Operation: "round", Value: 0}, "r", 10.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tr.Type = TypeFormat
			out, err := tr.Transform(ctx, input, tt.tr)
			require.NoError(t, err)
			got, ok := GetPath(out, tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 10.0, input["price"])
}

func TestFormatErrors(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := map[string]interface{}{"price": 10.0, "name": "x"}

	_, err := tr.Transform(ctx, input, Transformation{Type: TypeFormat, SourceField: "price", Operation: "divide", Value: 0})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeFormat, SourceField: "name", Operation: "number"})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeFormat, SourceField: "missing", Operation: "string"})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeFormat, SourceField: "name", Operation: "reverse"})
	assert.Error(t, err)
}

func TestFormatBareValue(t *testing.T) {
	tr := NewTransformer()
	out, err := tr.Transform(context.Background(), "hello", Transformation{Type: TypeFormat, Operation: "uppercase"})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)
}

func TestExtract(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := map[string]interface{}{"order": map[string]interface{}{"id": "o-1"}}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeExtract, SourceField: "order.id"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", out)

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeExtract, SourceField: "order.id", TargetField: "orderId"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", out.(map[string]interface{})["orderId"])
	assert.True(t, HasPath(out, "order.id"))
}

func TestCombine(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	input := map[string]interface{}{"first": "Ada", "last": "Lovelace", "born": 1815.0}
	fields := []interface{}{"first", "last"}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeCombine, Operation: "concat", Value: fields, TargetField: "full"})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out.(map[string]interface{})["full"])

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeCombine, Operation: "array", Value: []string{"first", "born"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Ada", 1815.0}, out)

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeCombine, Operation: "object", Value: fields})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"first": "Ada", "last": "Lovelace"}, out)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeCombine, Operation: "concat", Value: "first"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	schema := MustCompileSchema(map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"id"},
	})

	input := map[string]interface{}{"id": "x"}
	out, err := tr.Transform(ctx, input, Transformation{Type: TypeValidate, Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, input, out)

	_, err = tr.Transform(ctx, map[string]interface{}{}, Transformation{Type: TypeValidate, Schema: schema})
	assert.True(t, errors.Is(err, ErrSchemaValidation))

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeValidate})
	assert.Error(t, err)
}

func TestEnrich(t *testing.T) {
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tr := NewTransformer(WithClock(func() time.Time { return fixed }), WithIDGenerator(func() string { return "id-1" }))
	ctx := context.Background()
	input := map[string]interface{}{"price": 2.0}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeEnrich, Operation: "timestamp", TargetField: "meta.at"})
	require.NoError(t, err)
	v, _ := GetPath(out, "meta.at")
	assert.Equal(t, "2024-05-06T07:08:09Z", v)

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeEnrich, Operation: "id", TargetField: "id"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", out.(map[string]interface{})["id"])

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeEnrich, Operation: "ulid", TargetField: "ulid"})
	require.NoError(t, err)
	assert.Len(t, out.(map[string]interface{})["ulid"], 26)

	out, err = tr.Transform(ctx, input, Transformation{
		Type: TypeEnrich, Operation: "computed", TargetField: "total",
		Compute: func(data interface{}) (interface{}, error) {
			p, _ := GetPath(data, "price")
			return p.(float64) * 3, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 6.0, out.(map[string]interface{})["total"])

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeEnrich, Operation: "computed", TargetField: "total"})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, input, Transformation{Type: TypeEnrich, Operation: "timestamp"})
	assert.Error(t, err)
}

func TestConditional(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()
	cond := Transformation{
		Type:               TypeConditional,
		Operation:          "equals",
		SourceField:        "kind",
		Value:              "vip",
		TrueTransformation: &Transformation{Type: TypeEnrich, Operation: "value", TargetField: "discount", Value: 0.2},
	}

	out, err := tr.Transform(ctx, map[string]interface{}{"kind": "vip"}, cond)
	require.NoError(t, err)
	assert.Equal(t, 0.2, out.(map[string]interface{})["discount"])

	regular := map[string]interface{}{"kind": "regular"}
	out, err = tr.Transform(ctx, regular, cond)
	require.NoError(t, err)
	assert.Equal(t, regular, out)

	cond.FalseTransformation = &Transformation{Type: TypeEnrich, Operation: "value", TargetField: "discount", Value: 0.0}
	out, err = tr.Transform(ctx, regular, cond)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.(map[string]interface{})["discount"])
}

func TestLoopParallelAndSequential(t *testing.T) {
	tr := NewTransformer(WithMaxLoopConcurrency(2))
	ctx := context.Background()
	input := []interface{}{
		map[string]interface{}{"name": "a"},
		map[string]interface{}{"name": "b"},
		map[string]interface{}{"name": "c"},
	}
	steps := []Transformation{{Type: TypeFormat, SourceField: "name", Operation: "uppercase"}}
	want := []interface{}{
		map[string]interface{}{"name": "A"},
		map[string]interface{}{"name": "B"},
		map[string]interface{}{"name": "C"},
	}

	out, err := tr.Transform(ctx, input, Transformation{Type: TypeLoop, ItemTransformations: steps})
	require.NoError(t, err)
	assert.Equal(t, want, out)

	out, err = tr.Transform(ctx, input, Transformation{Type: TypeLoop, ItemTransformations: steps, Parallel: boolPtr(false), BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestLoopComputeRunsOncePerItem(t *testing.T) {
	tr := NewTransformer()
	var calls int32
	items := make([]interface{}, 25)
	for i := range items {
		items[i] = map[string]interface{}{"i": float64(i)}
	}
	out, err := tr.Transform(context.Background(), items, Transformation{
		Type:      TypeLoop,
		Parallel:  boolPtr(false),
		BatchSize: 10,
		ItemTransformations: []Transformation{{
			Type: TypeEnrich, Operation: "computed", TargetField: "seen",
			Compute: func(interface{}) (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return true, nil
			},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, out, 25)
	assert.Equal(t, int32(25), atomic.LoadInt32(&calls))
}

func TestLoopErrors(t *testing.T) {
	tr := NewTransformer()
	ctx := context.Background()

	_, err := tr.Transform(ctx, map[string]interface{}{}, Transformation{Type: TypeLoop, ItemTransformations: []Transformation{{Type: TypeSort}}})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, []interface{}{}, Transformation{Type: TypeLoop})
	assert.Error(t, err)

	_, err = tr.Transform(ctx, []interface{}{"scalar"}, Transformation{
		Type:                TypeLoop,
		ItemTransformations: []Transformation{{Type: TypeEnrich, Operation: "id", TargetField: "id"}},
	})
	assert.Error(t, err)
}

func TestSortDescending(t *testing.T) {
	tr := NewTransformer()
	input := []interface{}{
		map[string]interface{}{"v": 3.0},
		map[string]interface{}{"v": 1.0},
		map[string]interface{}{"v": 2.0},
	}
	out, err := tr.Transform(context.Background(), input, Transformation{Type: TypeSort, SourceField: "v", Operation: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"v": 3.0},
		map[string]interface{}{"v": 2.0},
		map[string]interface{}{"v": 1.0},
	}, out)

	// original order preserved
	assert.Equal(t, 3.0, input[0].(map[string]interface{})["v"])

	// missing keys still go last
	withMissing := []interface{}{
		map[string]interface{}{"id": "a"},
		map[string]interface{}{"v": 1.0},
		map[string]interface{}{"v": 2.0},
	}
	out, err = tr.Transform(context.Background(), withMissing, Transformation{Type: TypeSort, SourceField: "v", Operation: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"v": 2.0},
		map[string]interface{}{"v": 1.0},
		map[string]interface{}{"id": "a"},
	}, out)
}

func TestSortStableCaseInsensitive(t *testing.T) {
	tr := NewTransformer()
	input := []interface{}{
		map[string]interface{}{"n": "beta", "i": 0.0},
		map[string]interface{}{"n": "Alpha", "i": 1.0},
		map[string]interface{}{"n": "BETA", "i": 2.0},
		map[string]interface{}{"i": 3.0},
	}
	out, err := tr.Transform(context.Background(), input, Transformation{Type: TypeSort, SourceField: "n"})
	require.NoError(t, err)

	var order []interface{}
	for _, item := range out.([]interface{}) {
		order = append(order, item.(map[string]interface{})["i"])
	}
	assert.Equal(t, []interface{}{1.0, 0.0, 2.0, 3.0}, order)

	out, err = tr.Transform(context.Background(), []interface{}{"b", "a", "C"}, Transformation{Type: TypeSort})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "C"}, out)
}

func TestUnknownTypeAndCancelledContext(t *testing.T) {
	tr := NewTransformer()
	_, err := tr.Transform(context.Background(), nil, Transformation{Type: "pivot"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transform(ctx, []interface{}{}, Transformation{Type: TypeSort})
	assert.ErrorIs(t, err, context.Canceled)
}
