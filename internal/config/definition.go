package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/transform"
	"github.com/agentainer/flowplan/internal/workflow"
	"gopkg.in/yaml.v3"
)

// WorkflowKind is the only kind accepted in workflow definition files
const WorkflowKind = "Workflow"

// WorkflowDefinition represents a YAML workflow file
type WorkflowDefinition struct {
	APIVersion string             `yaml:"apiVersion" json:"apiVersion"`
	Kind       string             `yaml:"kind" json:"kind"`
	Metadata   DefinitionMetadata `yaml:"metadata" json:"metadata"`
	Spec       WorkflowSpec       `yaml:"spec" json:"spec"`
}

// DefinitionMetadata contains workflow metadata
type DefinitionMetadata struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// WorkflowSpec contains the graph and its per-node pipelines
type WorkflowSpec struct {
	Nodes     []workflow.Node                  `yaml:"nodes" json:"nodes"`
	Edges     []workflow.Edge                  `yaml:"edges,omitempty" json:"edges,omitempty"`
	Pipelines map[string]transform.PipelineDef `yaml:"pipelines,omitempty" json:"pipelines,omitempty"`
	Settings  RunSettings                      `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// RunSettings overrides planner configuration for one workflow
type RunSettings struct {
	MaxParallel int    `yaml:"maxParallel,omitempty" json:"maxParallel,omitempty"`
	WaitTimeout string `yaml:"waitTimeout,omitempty" json:"waitTimeout,omitempty"` // e.g. "30s"
}

// LoadWorkflowDefinition loads and parses a YAML workflow file
func LoadWorkflowDefinition(filename string) (*WorkflowDefinition, error) {
	filename = os.ExpandEnv(filename)

	if !filepath.IsAbs(filename) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		filename = filepath.Join(cwd, filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseWorkflowDefinition(data)
}

// ParseWorkflowDefinition parses workflow YAML (or JSON) after expanding
// environment variables
func ParseWorkflowDefinition(data []byte) (*WorkflowDefinition, error) {
	content := os.ExpandEnv(string(data))

	var def WorkflowDefinition
	if err := yaml.Unmarshal([]byte(content), &def); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	for i := range def.Spec.Nodes {
		if def.Spec.Nodes[i].Config == nil {
			continue
		}
		normalized, err := transform.Normalize(def.Spec.Nodes[i].Config)
		if err != nil {
			return nil, fmt.Errorf("node %s: invalid config: %w", def.Spec.Nodes[i].ID, err)
		}
		def.Spec.Nodes[i].Config = normalized.(map[string]interface{})
	}
	return &def, nil
}

// Validate checks if the workflow definition is valid
func (d *WorkflowDefinition) Validate() error {
	if d.APIVersion == "" {
		return fmt.Errorf("apiVersion is required")
	}
	if d.Kind != WorkflowKind {
		return fmt.Errorf("kind must be '%s', got '%s'", WorkflowKind, d.Kind)
	}
	if d.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if len(d.Spec.Nodes) == 0 {
		return fmt.Errorf("at least one node must be specified")
	}

	ids := make(map[string]bool)
	for i, node := range d.Spec.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node[%d]: id is required", i)
		}
		if ids[node.ID] {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}
		ids[node.ID] = true
	}

	// Edges to unknown nodes are ignored by the planner; flag them here
	for _, edge := range d.Spec.Edges {
		if !ids[edge.Source] || !ids[edge.Target] {
			logging.Warn("config", "Edge references unknown node", map[string]interface{}{
				"workflow": d.Metadata.Name,
				"source":   edge.Source,
				"target":   edge.Target,
			})
		}
	}

	for nodeID := range d.Spec.Pipelines {
		if !ids[nodeID] {
			return fmt.Errorf("pipeline defined for unknown node: %s", nodeID)
		}
	}

	if d.Spec.Settings.MaxParallel < 0 {
		return fmt.Errorf("settings.maxParallel cannot be negative")
	}
	if d.Spec.Settings.WaitTimeout != "" {
		if _, err := time.ParseDuration(d.Spec.Settings.WaitTimeout); err != nil {
			return fmt.Errorf("invalid settings.waitTimeout: %w", err)
		}
	}
	return nil
}

// WaitTimeout returns the parsed wait timeout, or fallback when unset
func (d *WorkflowDefinition) WaitTimeout(fallback time.Duration) time.Duration {
	if d.Spec.Settings.WaitTimeout == "" {
		return fallback
	}
	timeout, err := time.ParseDuration(d.Spec.Settings.WaitTimeout)
	if err != nil {
		return fallback
	}
	return timeout
}

// BuildPipelines compiles the per-node pipelines
func (d *WorkflowDefinition) BuildPipelines() (map[string]transform.DataPipeline, error) {
	pipelines := make(map[string]transform.DataPipeline, len(d.Spec.Pipelines))
	for nodeID, def := range d.Spec.Pipelines {
		if def.ID == "" {
			def.ID = nodeID
		}
		pipeline, err := def.Build()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		pipelines[nodeID] = pipeline
	}
	return pipelines, nil
}
