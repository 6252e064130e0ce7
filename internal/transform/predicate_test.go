package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluate(t *testing.T) {
	item := map[string]interface{}{
		"name":  "alice",
		"age":   30.0,
		"roles": []interface{}{"admin", "dev"},
		"meta":  map[string]interface{}{"region": "eu-west"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{Field: "name", Operator: OpEquals, Value: "alice"}, true},
		{"equals int literal", Condition{Field: "age", Operator: OpEquals, Value: 30}, true},
		{"not equals", Condition{Field: "name", Operator: OpNotEquals, Value: "bob"}, true},
		{"greater than", Condition{Field: "age", Operator: OpGreaterThan, Value: 18.0}, true},
		{"less or equal", Condition{Field: "age", Operator: OpLessOrEqual, Value: 30.0}, true},
		{"greater than non numeric", Condition{Field: "name", Operator: OpGreaterThan, Value: 1.0}, false},
		{"exists", Condition{Field: "meta.region", Operator: OpExists}, true},
		{"not exists", Condition{Field: "meta.zone", Operator: OpNotExists}, true},
		{"contains array", Condition{Field: "roles", Operator: OpContains, Value: "dev"}, true},
		{"contains string", Condition{Field: "meta.region", Operator: OpContains, Value: "west"}, true},
		{"starts with", Condition{Field: "name", Operator: OpStartsWith, Value: "al"}, true},
		{"ends with", Condition{Field: "name", Operator: OpEndsWith, Value: "ce"}, true},
		{"in", Condition{Field: "name", Operator: OpIn, Value: []interface{}{"bob", "alice"}}, true},
		{"not in", Condition{Field: "name", Operator: OpNotIn, Value: []interface{}{"bob"}}, true},
		{"matches", Condition{Field: "meta.region", Operator: OpMatches, Value: "^eu-"}, true},
		{"and", Condition{And: []Condition{
			{Field: "age", Operator: OpGreaterThan, Value: 18.0},
			{Field: "name", Operator: OpEquals, Value: "bob"},
		}}, false},
		{"or", Condition{Or: []Condition{
			{Field: "age", Operator: OpLessThan, Value: 18.0},
			{Field: "name", Operator: OpEquals, Value: "alice"},
		}}, true},
		{"not", Condition{Not: &Condition{Field: "name", Operator: OpEquals, Value: "alice"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(item)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionErrors(t *testing.T) {
	_, err := Condition{}.Evaluate(map[string]interface{}{})
	assert.Error(t, err)

	_, err = Condition{Field: "x", Operator: "bogus"}.Evaluate(map[string]interface{}{})
	assert.Error(t, err)

	_, err = Condition{Field: "x", Operator: OpMatches, Value: "("}.Evaluate(map[string]interface{}{"x": "y"})
	assert.Error(t, err)
}

func TestExpressionPredicate(t *testing.T) {
	tr := NewTransformer()
	item := map[string]interface{}{
		"score": 72.0,
		"role":  "Admin",
		"user":  map[string]interface{}{"age": 21.0},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"score > 50", true},
		{"score > 50 && lower(role) == 'admin'", true},
		{"[user.age] >= 21", true},
		{"len(role) == 3", false},
		{"startsWith(role, 'Ad')", true},
		{"isNull(missing)", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			match, err := tr.buildPredicate(Transformation{Condition: tt.expr})
			require.NoError(t, err)
			got, err := match(item)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpressionPredicateRejectsUnknownFunctions(t *testing.T) {
	tr := NewTransformer()
	_, err := tr.buildPredicate(Transformation{Condition: "exec('rm -rf /')"})
	assert.Error(t, err)
}

func TestExpressionOnScalarItems(t *testing.T) {
	tr := NewTransformer()
	match, err := tr.buildPredicate(Transformation{Condition: "item > 2"})
	require.NoError(t, err)

	got, err := match(3.0)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = match(1.0)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestBuildPredicateRequiresSource(t *testing.T) {
	tr := NewTransformer()
	_, err := tr.buildPredicate(Transformation{})
	assert.Error(t, err)

	_, err = tr.buildPredicate(Transformation{Operation: "sum"})
	assert.Error(t, err)
}
