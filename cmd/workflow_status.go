package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/workflow"
)

var statusIncludeTasks bool

var workflowStatusCmd = &cobra.Command{
	Use:   "workflow:status <workflow-id>",
	Short: "Report a workflow's progress",
	Long: `Prints the workflow row and a progress summary computed by the scheduler
(spec §4.5): counts by task status, the current sequence position, blocked
tasks, and parallel-group completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowStatus,
}

func init() {
	rootCmd.AddCommand(workflowStatusCmd)
	workflowStatusCmd.Flags().BoolVar(&statusIncludeTasks, "tasks", false, "include the full task list")
}

type statusOutput struct {
	Workflow *workflow.WorkflowWithTasks `json:"workflow"`
	Progress any                         `json:"progress"`
}

func runWorkflowStatus(_ *cobra.Command, args []string) error {
	workflowID := args[0]

	dir := repoPath
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}
	c, err := buildContainer(fileConfig, dir)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	wf, err := c.workflows.Get(ctx, workflowID, workflow.GetOptions{IncludeTasks: statusIncludeTasks})
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	progress, err := c.scheduler.GetProgress(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("computing progress: %w", err)
	}

	return json.NewEncoder(os.Stdout).Encode(statusOutput{Workflow: wf, Progress: progress})
}
