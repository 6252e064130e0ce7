package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/agentainer/flowplan/internal/config"
	"github.com/agentainer/flowplan/internal/transform"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow locally",
	Long: `Plan the workflow and execute it group by group in this process.

Root nodes start from their config.input value. Every other node receives
the merged results of its dependencies. A node's pipeline, when defined,
is applied to that value and its output becomes the node result.

Examples:
  flowplan run -f workflow.yaml
  flowplan run -f workflow.yaml --execution-id nightly-2024-01-01 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		executionID, _ := cmd.Flags().GetString("execution-id")
		output, _ := cmd.Flags().GetString("output")

		def, err := config.LoadWorkflowDefinition(file)
		if err != nil {
			return err
		}
		pipelines, err := def.BuildPipelines()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := setupServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		maxParallel := cfg.Planner.MaxParallel
		if def.Spec.Settings.MaxParallel > 0 {
			maxParallel = def.Spec.Settings.MaxParallel
		}

		runner := workflow.NewRunner(
			workflow.NewPlanner(cfg.Planner.BaseNodeDuration, svc.metrics),
			svc.newCoordinator(workflow.WithStoreCleanup()),
			workflow.WithMaxParallel(maxParallel),
			workflow.WithWaitTimeout(def.WaitTimeout(cfg.Planner.DefaultWaitTimeout)),
			workflow.WithPipelines(transform.NewTransformer(transform.WithObserver(svc.metrics)), pipelines),
		)

		result, err := runner.Run(ctx, executionID, def.Spec.Nodes, def.Spec.Edges, workflow.NodeExecutorFunc(passThrough))
		if err != nil {
			return err
		}

		if output == "json" {
			if err := writeJSON(os.Stdout, result); err != nil {
				return err
			}
		} else {
			printRunResult(os.Stdout, def.Spec.Nodes, result)
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d nodes failed", len(result.Failed), len(def.Spec.Nodes))
		}
		return nil
	},
}

// passThrough hands a node its starting value; the node's pipeline does the work
func passThrough(ctx context.Context, node workflow.Node, inputs map[string]interface{}) (interface{}, error) {
	if len(inputs) == 0 {
		return transform.Clone(node.Config["input"]), nil
	}
	return mergeInputs(inputs), nil
}

// mergeInputs combines dependency results in dependency-id order. A single
// input is passed through, arrays are concatenated, objects are merged with
// later ids winning; anything else is keyed by dependency id.
func mergeInputs(inputs map[string]interface{}) interface{} {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 1 {
		return transform.Clone(inputs[ids[0]])
	}

	allArrays, allObjects := true, true
	for _, id := range ids {
		switch inputs[id].(type) {
		case []interface{}:
			allObjects = false
		case map[string]interface{}:
			allArrays = false
		default:
			allArrays, allObjects = false, false
		}
	}

	switch {
	case allArrays:
		var merged []interface{}
		for _, id := range ids {
			merged = append(merged, transform.Clone(inputs[id]).([]interface{})...)
		}
		return merged
	case allObjects:
		merged := make(map[string]interface{})
		for _, id := range ids {
			for k, v := range inputs[id].(map[string]interface{}) {
				merged[k] = transform.Clone(v)
			}
		}
		return merged
	default:
		keyed := make(map[string]interface{}, len(ids))
		for _, id := range ids {
			keyed[id] = transform.Clone(inputs[id])
		}
		return keyed
	}
}

func printRunResult(out io.Writer, nodes []workflow.Node, result *workflow.RunResult) {
	fmt.Fprintf(out, "Execution: %s (%s)\n\n", result.ExecutionID, result.Duration)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tRESULT")
	for _, node := range nodes {
		status, detail := "completed", summarize(result.Results[node.ID])
		if reason, failed := result.Failed[node.ID]; failed {
			status, detail = "failed", reason
		} else if _, ok := result.Results[node.ID]; !ok {
			status, detail = "skipped", ""
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", node.ID, status, detail)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d completed, %d failed, %d/%d groups finished\n",
		result.Progress.CompletedNodes,
		result.Progress.FailedNodes,
		result.Progress.CompletedGroups,
		result.Progress.TotalGroups,
	)
}

// summarize renders a result as compact JSON cut to one table cell
func summarize(v interface{}) string {
	const max = 60
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if len(data) > max {
		return string(data[:max-3]) + "..."
	}
	return string(data)
}
