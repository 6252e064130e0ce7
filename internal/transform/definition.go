package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransformationDef is the file form of a Transformation. Schemas are JSON
// Schema documents embedded inline.
type TransformationDef struct {
	ID                  string                 `yaml:"id" json:"id"`
	Type                TransformationType     `yaml:"type" json:"type"`
	SourceField         string                 `yaml:"source_field,omitempty" json:"source_field,omitempty"`
	TargetField         string                 `yaml:"target_field,omitempty" json:"target_field,omitempty"`
	Operation           string                 `yaml:"operation,omitempty" json:"operation,omitempty"`
	Value               interface{}            `yaml:"value,omitempty" json:"value,omitempty"`
	Condition           string                 `yaml:"condition,omitempty" json:"condition,omitempty"`
	Where               *Condition             `yaml:"where,omitempty" json:"where,omitempty"`
	Schema              map[string]interface{} `yaml:"schema,omitempty" json:"schema,omitempty"`
	Priority            int                    `yaml:"priority,omitempty" json:"priority,omitempty"`
	TrueTransformation  *TransformationDef     `yaml:"true_transformation,omitempty" json:"true_transformation,omitempty"`
	FalseTransformation *TransformationDef     `yaml:"false_transformation,omitempty" json:"false_transformation,omitempty"`
	ItemTransformations []TransformationDef    `yaml:"item_transformations,omitempty" json:"item_transformations,omitempty"`
	BatchSize           int                    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Parallel            *bool                  `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// PipelineDef is the file form of a DataPipeline
type PipelineDef struct {
	ID              string                 `yaml:"id" json:"id"`
	Metadata        PipelineMetadata       `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	InputSchema     map[string]interface{} `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema    map[string]interface{} `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Transformations []TransformationDef    `yaml:"transformations" json:"transformations"`
}

// Build compiles the definition into a Transformation
func (d TransformationDef) Build() (Transformation, error) {
	value, err := Normalize(d.Value)
	if err != nil {
		return Transformation{}, fmt.Errorf("transformation %s: %w", d.ID, err)
	}
	tr := Transformation{
		ID:          d.ID,
		Type:        d.Type,
		SourceField: d.SourceField,
		TargetField: d.TargetField,
		Operation:   d.Operation,
		Value:       value,
		Condition:   d.Condition,
		Where:       d.Where,
		Priority:    d.Priority,
		BatchSize:   d.BatchSize,
		Parallel:    d.Parallel,
	}
	if tr.Where != nil {
		where, err := normalizeCondition(*tr.Where)
		if err != nil {
			return Transformation{}, fmt.Errorf("transformation %s: %w", d.ID, err)
		}
		tr.Where = &where
	}

	if d.Schema != nil {
		schema, err := CompileSchema(d.Schema)
		if err != nil {
			return Transformation{}, fmt.Errorf("transformation %s: %w", d.ID, err)
		}
		tr.Schema = schema
	}

	if d.TrueTransformation != nil {
		branch, err := d.TrueTransformation.Build()
		if err != nil {
			return Transformation{}, err
		}
		tr.TrueTransformation = &branch
	}
	if d.FalseTransformation != nil {
		branch, err := d.FalseTransformation.Build()
		if err != nil {
			return Transformation{}, err
		}
		tr.FalseTransformation = &branch
	}
	for _, item := range d.ItemTransformations {
		sub, err := item.Build()
		if err != nil {
			return Transformation{}, err
		}
		tr.ItemTransformations = append(tr.ItemTransformations, sub)
	}
	return tr, nil
}

// normalizeCondition converts literal values decoded from YAML (ints etc.)
// into JSON kinds so comparisons behave the same as for JSON input.
func normalizeCondition(c Condition) (Condition, error) {
	value, err := Normalize(c.Value)
	if err != nil {
		return c, err
	}
	c.Value = value
	for i := range c.And {
		if c.And[i], err = normalizeCondition(c.And[i]); err != nil {
			return c, err
		}
	}
	for i := range c.Or {
		if c.Or[i], err = normalizeCondition(c.Or[i]); err != nil {
			return c, err
		}
	}
	if c.Not != nil {
		not, err := normalizeCondition(*c.Not)
		if err != nil {
			return c, err
		}
		c.Not = &not
	}
	return c, nil
}

// Build compiles the definition into a DataPipeline
func (d PipelineDef) Build() (DataPipeline, error) {
	pipeline := DataPipeline{
		ID:       d.ID,
		Metadata: d.Metadata,
	}
	if d.InputSchema != nil {
		schema, err := CompileSchema(d.InputSchema)
		if err != nil {
			return DataPipeline{}, fmt.Errorf("pipeline %s input schema: %w", d.ID, err)
		}
		pipeline.InputSchema = schema
	}
	if d.OutputSchema != nil {
		schema, err := CompileSchema(d.OutputSchema)
		if err != nil {
			return DataPipeline{}, fmt.Errorf("pipeline %s output schema: %w", d.ID, err)
		}
		pipeline.OutputSchema = schema
	}
	for _, td := range d.Transformations {
		tr, err := td.Build()
		if err != nil {
			return DataPipeline{}, fmt.Errorf("pipeline %s: %w", d.ID, err)
		}
		pipeline.Transformations = append(pipeline.Transformations, tr)
	}
	return pipeline, nil
}

// ParsePipeline decodes a pipeline definition. JSON is a subset of YAML, so
// both formats are accepted.
func ParsePipeline(data []byte) (DataPipeline, error) {
	var def PipelineDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return DataPipeline{}, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if len(def.Transformations) == 0 && def.ID == "" {
		return DataPipeline{}, fmt.Errorf("pipeline definition is empty")
	}
	return def.Build()
}

// LoadPipeline reads a pipeline definition file
func LoadPipeline(path string) (DataPipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DataPipeline{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline([]byte(os.ExpandEnv(string(data))))
}

// LoadData reads a JSON or YAML data file into JSON kinds
func LoadData(path string) (interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var data interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse data file: %w", err)
		}
		return Normalize(data)
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse data file: %w", err)
		}
		return data, nil
	}
}
