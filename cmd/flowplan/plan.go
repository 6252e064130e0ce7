package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/agentainer/flowplan/internal/config"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the execution plan for a workflow",
	Long: `Group the workflow's nodes by dependency depth and print the groups.

Examples:
  flowplan plan -f workflow.yaml
  flowplan plan -f workflow.yaml -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		output, _ := cmd.Flags().GetString("output")

		def, err := config.LoadWorkflowDefinition(file)
		if err != nil {
			return err
		}

		planner := workflow.NewPlanner(cfg.Planner.BaseNodeDuration, nil)
		plan, err := planner.CreateExecutionPlan(def.Spec.Nodes, def.Spec.Edges)
		if err != nil {
			return err
		}

		if output == "json" {
			return writeJSON(os.Stdout, plan)
		}
		fmt.Printf("Workflow: %s\n\n", def.Metadata.Name)
		printPlan(os.Stdout, plan)
		return nil
	},
}

func printPlan(out io.Writer, plan *workflow.ExecutionPlan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tDEPTH\tNODES\tPARALLEL\tEST. DURATION")
	for _, g := range plan.Groups {
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\n",
			g.ID,
			g.Depth,
			strings.Join(g.NodeIDs(), ", "),
			g.CanRunInParallel,
			g.EstimatedDuration,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nParallel execution: %t\n", plan.CanUseParallelExecution)
	fmt.Fprintf(out, "Estimated speedup:  %.2fx\n", plan.EstimatedSpeedup)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
