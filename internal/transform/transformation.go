package transform

import (
	"time"
)

// TransformationType selects the transformation behavior
type TransformationType string

const (
	TypeMap         TransformationType = "map"
	TypeFilter      TransformationType = "filter"
	TypeAggregate   TransformationType = "aggregate"
	TypeFormat      TransformationType = "format"
	TypeExtract     TransformationType = "extract"
	TypeCombine     TransformationType = "combine"
	TypeValidate    TransformationType = "validate"
	TypeEnrich      TransformationType = "enrich"
	TypeConditional TransformationType = "conditional"
	TypeLoop        TransformationType = "loop"
	TypeSort        TransformationType = "sort"
)

// DefaultBatchSize is used by sequential loops when BatchSize is unset
const DefaultBatchSize = 100

// ComputeFunc produces an enrichment value from the record being enriched
type ComputeFunc func(data interface{}) (interface{}, error)

// Transformation is one step of a pipeline
type Transformation struct {
	ID          string             `json:"id"`
	Type        TransformationType `json:"type"`
	SourceField string             `json:"source_field,omitempty"`
	TargetField string             `json:"target_field,omitempty"`
	Operation   string             `json:"operation,omitempty"`
	Value       interface{}        `json:"value,omitempty"`
	Condition   string             `json:"condition,omitempty"`
	Where       *Condition         `json:"where,omitempty"`
	Schema      Schema             `json:"-"`
	Priority    int                `json:"priority,omitempty"`

	// conditional
	TrueTransformation  *Transformation `json:"true_transformation,omitempty"`
	FalseTransformation *Transformation `json:"false_transformation,omitempty"`

	// loop
	ItemTransformations []Transformation `json:"item_transformations,omitempty"`
	BatchSize           int              `json:"batch_size,omitempty"`
	Parallel            *bool            `json:"parallel,omitempty"` // nil means parallel

	// enrich with operation "computed"
	Compute ComputeFunc `json:"-"`
}

// PipelineMetadata describes a pipeline
type PipelineMetadata struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// DataPipeline is an ordered, prioritized list of transformations
type DataPipeline struct {
	ID              string           `json:"id"`
	Transformations []Transformation `json:"transformations"`
	InputSchema     Schema           `json:"-"`
	OutputSchema    Schema           `json:"-"`
	Metadata        PipelineMetadata `json:"metadata"`
}

// ResultMetadata carries timing and size information for a pipeline run
type ResultMetadata struct {
	ExecutionTime          time.Duration `json:"execution_time"`
	TransformationsApplied int           `json:"transformations_applied"`
	InputSize              int           `json:"input_size"`
	OutputSize             int           `json:"output_size"`
}

// Result is the outcome of ApplyPipeline
type Result struct {
	Success  bool           `json:"success"`
	Data     interface{}    `json:"data"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Metadata ResultMetadata `json:"metadata"`
}
