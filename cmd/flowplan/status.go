package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentainer/flowplan/internal/api"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show progress of executions on a running server",
	Long: `Query a flowplan server for live executions. With an execution id the
detailed progress of that execution is shown.

Examples:
  flowplan status
  flowplan status 3f2a9c1e-... --server http://coordinator:8085`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			server = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		}
		client := &apiClient{baseURL: strings.TrimRight(server, "/"), http: &http.Client{Timeout: 10 * time.Second}}

		ids := args
		if len(ids) == 0 {
			if err := client.get("/executions", &ids); err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No active executions")
				return nil
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTION\tNODES\tCOMPLETED\tFAILED\tACTIVE\tGROUPS\tLAST ACTIVITY")
		for _, id := range ids {
			var progress workflow.ExecutionProgress
			if err := client.get("/executions/"+id+"/progress", &progress); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d/%d\t%s\n",
				progress.ExecutionID,
				progress.TotalNodes,
				progress.CompletedNodes,
				progress.FailedNodes,
				progress.ActiveNodes,
				progress.CompletedGroups,
				progress.TotalGroups,
				progress.LastActivity.Format(time.RFC3339),
			)
		}
		return w.Flush()
	},
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

// get decodes the data field of an API envelope into out
func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		api.Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, envelope.Message)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
