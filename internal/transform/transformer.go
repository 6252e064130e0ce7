package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"
)

// StepObserver receives the outcome of each pipeline step
type StepObserver interface {
	ObserveTransformation(pipelineID string, kind TransformationType, elapsed time.Duration, err error)
}

// Transformer applies transformations and pipelines
type Transformer struct {
	expressions        *expressionCache
	now                func() time.Time
	newID              func() string
	maxLoopConcurrency int
	observer           StepObserver
}

// Option configures a Transformer
type Option func(*Transformer)

// WithClock overrides the time source used by enrich timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) {
		t.now = now
	}
}

// WithIDGenerator overrides the generator used by enrich "id"
func WithIDGenerator(gen func() string) Option {
	return func(t *Transformer) {
		t.newID = gen
	}
}

// WithMaxLoopConcurrency bounds goroutines used by a parallel loop (0 = unbounded)
func WithMaxLoopConcurrency(n int) Option {
	return func(t *Transformer) {
		t.maxLoopConcurrency = n
	}
}

// WithObserver reports every pipeline step to o
func WithObserver(o StepObserver) Option {
	return func(t *Transformer) {
		t.observer = o
	}
}

// NewTransformer creates a transformer with default settings
func NewTransformer(opts ...Option) *Transformer {
	t := &Transformer{
		expressions: newExpressionCache(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform applies a single transformation. The input is never modified.
func (t *Transformer) Transform(ctx context.Context, data interface{}, tr Transformation) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch tr.Type {
	case TypeMap:
		return t.mapField(data, tr)
	case TypeFilter:
		return t.filter(data, tr)
	case TypeAggregate:
		return t.aggregate(data, tr)
	case TypeFormat:
		return t.format(data, tr)
	case TypeExtract:
		return t.extract(data, tr)
	case TypeCombine:
		return t.combine(data, tr)
	case TypeValidate:
		return t.validate(data, tr)
	case TypeEnrich:
		return t.enrich(data, tr)
	case TypeConditional:
		return t.conditional(ctx, data, tr)
	case TypeLoop:
		return t.loop(ctx, data, tr)
	case TypeSort:
		return t.sort(data, tr)
	default:
		return nil, fmt.Errorf("unknown transformation type: %s", tr.Type)
	}
}

func (t *Transformer) mapField(data interface{}, tr Transformation) (interface{}, error) {
	if tr.SourceField == "" || tr.TargetField == "" {
		return nil, fmt.Errorf("map requires source_field and target_field")
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("map requires an object, got %T", data)
	}

	out := Clone(data)
	value, ok := GetPath(out, tr.SourceField)
	if !ok {
		return out, nil
	}
	if err := SetPath(out, tr.TargetField, Clone(value)); err != nil {
		return nil, err
	}
	if tr.Operation == "rename" && tr.SourceField != tr.TargetField {
		DeletePath(out, tr.SourceField)
	}
	return out, nil
}

func (t *Transformer) filter(data interface{}, tr Transformation) (interface{}, error) {
	match, err := t.buildPredicate(tr)
	if err != nil {
		return nil, err
	}

	items, isArray := data.([]interface{})
	if !isArray {
		ok, err := match(data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return Clone(data), nil
	}

	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		ok, err := match(item)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Clone(item))
		}
	}
	return out, nil
}

func (t *Transformer) aggregate(data interface{}, tr Transformation) (interface{}, error) {
	items, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("aggregate requires an array, got %T", data)
	}

	values := make([]interface{}, len(items))
	for i, item := range items {
		if tr.SourceField == "" {
			values[i] = item
		} else {
			values[i], _ = GetPath(item, tr.SourceField)
		}
	}

	var result interface{}
	switch tr.Operation {
	case "sum", "avg":
		sum := 0.0
		for _, v := range values {
			if f, ok := toFloat64(v); ok {
				sum += f
			}
		}
		if tr.Operation == "sum" {
			result = sum
		} else if len(values) == 0 {
			result = 0.0
		} else {
			result = sum / float64(len(values))
		}
	case "count":
		result = float64(len(values))
	case "max", "min":
		best := math.Inf(-1)
		if tr.Operation == "min" {
			best = math.Inf(1)
		}
		for _, v := range values {
			f, ok := toFloat64(v)
			if !ok {
				continue
			}
			if (tr.Operation == "max" && f > best) || (tr.Operation == "min" && f < best) {
				best = f
			}
		}
		if !math.IsInf(best, 0) {
			result = best
		}
	default:
		return nil, fmt.Errorf("unsupported aggregate operation: %s", tr.Operation)
	}

	if tr.TargetField == "" {
		return result, nil
	}
	out := map[string]interface{}{}
	if err := SetPath(out, tr.TargetField, result); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) format(data interface{}, tr Transformation) (interface{}, error) {
	source := data
	if tr.SourceField != "" {
		v, ok := GetPath(data, tr.SourceField)
		if !ok {
			return nil, fmt.Errorf("source field %q not found", tr.SourceField)
		}
		source = v
	}

	formatted, err := t.formatValue(source, tr)
	if err != nil {
		return nil, err
	}

	target := tr.TargetField
	if target == "" {
		target = tr.SourceField
	}
	if target == "" {
		return formatted, nil
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("format with a target field requires an object, got %T", data)
	}
	out := Clone(data)
	if err := SetPath(out, target, formatted); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) formatValue(v interface{}, tr Transformation) (interface{}, error) {
	switch tr.Operation {
	case "number", "to_number":
		return parseNumber(v)
	case "string", "to_string":
		return toString(v), nil
	case "boolean", "to_boolean":
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "", "false", "0", "no", "off":
				return false, nil
			}
			return true, nil
		}
		return truthy(v), nil
	case "date", "to_date":
		ts, err := parseDate(v)
		if err != nil {
			return nil, err
		}
		layout := time.RFC3339
		if l, ok := tr.Value.(string); ok && l != "" {
			layout = l
		}
		return ts.UTC().Format(layout), nil
	case "uppercase":
		return strings.ToUpper(toString(v)), nil
	case "lowercase":
		return strings.ToLower(toString(v)), nil
	case "trim":
		return strings.TrimSpace(toString(v)), nil
	case "json_stringify":
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json_stringify: %w", err)
		}
		return string(data), nil
	case "json_parse":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("json_parse requires a string, got %T", v)
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("json_parse: %w", err)
		}
		return out, nil
	case "multiply", "divide", "add", "subtract":
		a, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		b, err := parseNumber(tr.Value)
		if err != nil {
			return nil, fmt.Errorf("%s operand: %w", tr.Operation, err)
		}
		switch tr.Operation {
		case "multiply":
			return a * b, nil
		case "divide":
			if b == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return a / b, nil
		case "add":
			return a + b, nil
		default:
			return a - b, nil
		}
	case "round":
		a, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		places := 0.0
		if tr.Value != nil {
			if places, err = parseNumber(tr.Value); err != nil {
				return nil, err
			}
		}
		factor := math.Pow(10, places)
		return math.Round(a*factor) / factor, nil
	default:
		return nil, fmt.Errorf("unsupported format operation: %s", tr.Operation)
	}
}

func parseNumber(v interface{}) (float64, error) {
	if f, ok := toFloat64(v); ok {
		return f, nil
	}
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", val)
		}
		return f, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(v interface{}) (time.Time, error) {
	if ms, ok := toFloat64(v); ok {
		return time.UnixMilli(int64(ms)), nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date", s)
}

func (t *Transformer) extract(data interface{}, tr Transformation) (interface{}, error) {
	if tr.SourceField == "" {
		return nil, fmt.Errorf("extract requires source_field")
	}
	value, _ := GetPath(data, tr.SourceField)
	if tr.TargetField == "" {
		return Clone(value), nil
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("extract with a target field requires an object, got %T", data)
	}
	out := Clone(data)
	if err := SetPath(out, tr.TargetField, Clone(value)); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) combine(data interface{}, tr Transformation) (interface{}, error) {
	var fields []string
	switch v := tr.Value.(type) {
	case []string:
		fields = v
	case []interface{}:
		for _, f := range v {
			s, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("combine field names must be strings, got %T", f)
			}
			fields = append(fields, s)
		}
	default:
		return nil, fmt.Errorf("combine requires value to be a list of field names")
	}

	var combined interface{}
	switch tr.Operation {
	case "concat", "":
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if v, ok := GetPath(data, f); ok && v != nil {
				parts = append(parts, toString(v))
			}
		}
		combined = strings.Join(parts, " ")
	case "array":
		arr := make([]interface{}, 0, len(fields))
		for _, f := range fields {
			v, _ := GetPath(data, f)
			arr = append(arr, Clone(v))
		}
		combined = arr
	case "object":
		obj := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			v, _ := GetPath(data, f)
			obj[f] = Clone(v)
		}
		combined = obj
	default:
		return nil, fmt.Errorf("unsupported combine operation: %s", tr.Operation)
	}

	if tr.TargetField == "" {
		return combined, nil
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("combine with a target field requires an object, got %T", data)
	}
	out := Clone(data)
	if err := SetPath(out, tr.TargetField, combined); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) validate(data interface{}, tr Transformation) (interface{}, error) {
	if tr.Schema == nil {
		return nil, fmt.Errorf("validate requires a schema")
	}
	if _, err := tr.Schema.Parse(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *Transformer) enrich(data interface{}, tr Transformation) (interface{}, error) {
	if tr.TargetField == "" {
		return nil, fmt.Errorf("enrich requires target_field")
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("enrich requires an object, got %T", data)
	}

	var value interface{}
	switch tr.Operation {
	case "timestamp":
		value = t.now().UTC().Format(time.RFC3339Nano)
	case "id", "uuid":
		value = t.newID()
	case "ulid":
		value = ulid.Make().String()
	case "computed":
		if tr.Compute == nil {
			return nil, fmt.Errorf("computed enrichment requires a compute function")
		}
		v, err := tr.Compute(Clone(data))
		if err != nil {
			return nil, fmt.Errorf("compute: %w", err)
		}
		value = v
	case "value", "static":
		value = Clone(tr.Value)
	default:
		return nil, fmt.Errorf("unsupported enrich operation: %s", tr.Operation)
	}

	out := Clone(data)
	if err := SetPath(out, tr.TargetField, value); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) conditional(ctx context.Context, data interface{}, tr Transformation) (interface{}, error) {
	match, err := t.buildPredicate(tr)
	if err != nil {
		return nil, err
	}
	ok, err := match(data)
	if err != nil {
		return nil, err
	}

	branch := tr.FalseTransformation
	if ok {
		branch = tr.TrueTransformation
	}
	if branch == nil {
		return data, nil
	}
	return t.Transform(ctx, data, *branch)
}

func (t *Transformer) loop(ctx context.Context, data interface{}, tr Transformation) (interface{}, error) {
	items, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("loop requires an array, got %T", data)
	}
	if len(tr.ItemTransformations) == 0 {
		return nil, fmt.Errorf("loop requires item_transformations")
	}

	out := make([]interface{}, len(items))
	apply := func(ctx context.Context, i int) error {
		v := items[i]
		for _, sub := range tr.ItemTransformations {
			next, err := t.Transform(ctx, v, sub)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			v = next
		}
		out[i] = v
		return nil
	}

	run := func(start, end, limit int) error {
		p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
		if limit > 0 {
			p = p.WithMaxGoroutines(limit)
		}
		for i := start; i < end; i++ {
			i := i
			p.Go(func(ctx context.Context) error {
				return apply(ctx, i)
			})
		}
		return p.Wait()
	}

	if tr.Parallel == nil || *tr.Parallel {
		if err := run(0, len(items), t.maxLoopConcurrency); err != nil {
			return nil, err
		}
		return out, nil
	}

	// Sequential mode: one batch at a time
	batchSize := tr.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := run(start, end, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Transformer) sort(data interface{}, tr Transformation) (interface{}, error) {
	items, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("sort requires an array, got %T", data)
	}

	desc := false
	switch tr.Operation {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return nil, fmt.Errorf("unsupported sort operation: %s", tr.Operation)
	}

	out := Clone(items).([]interface{})
	key := func(item interface{}) interface{} {
		if tr.SourceField == "" {
			return item
		}
		v, _ := GetPath(item, tr.SourceField)
		return v
	}
	// missing keys go last in both directions
	sort.SliceStable(out, func(i, j int) bool {
		a, b := key(out[i]), key(out[j])
		if (a == nil) != (b == nil) {
			return b == nil
		}
		c := compareSortKeys(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

// compareSortKeys orders numbers numerically and strings case-insensitively.
// nil is greater than any value; mixed kinds compare by their string form.
func compareSortKeys(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	af, aNum := toFloat64(a)
	bf, bNum := toFloat64(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(toString(a)), strings.ToLower(toString(b)))
}
