package main

import (
	"fmt"
	"os"

	"github.com/agentainer/flowplan/internal/transform"
	"github.com/spf13/cobra"
)

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Apply a data pipeline to a data file",
	Long: `Run every transformation of a pipeline over the input data and print
the result, including per-step errors and warnings.

Examples:
  flowplan transform -f pipeline.yaml -d orders.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		dataFile, _ := cmd.Flags().GetString("data")

		pipeline, err := transform.LoadPipeline(file)
		if err != nil {
			return err
		}
		data, err := transform.LoadData(dataFile)
		if err != nil {
			return err
		}

		transformer := transform.NewTransformer()
		result := transformer.ApplyPipeline(cmd.Context(), data, pipeline)
		if err := writeJSON(os.Stdout, result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("pipeline %s finished with %d errors", pipeline.ID, len(result.Errors))
		}
		return nil
	},
}
