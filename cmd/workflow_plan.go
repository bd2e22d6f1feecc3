package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/workflow"
)

var planFile string

var workflowPlanCmd = &cobra.Command{
	Use:   "workflow:plan <workflow-id>",
	Short: "Replace a workflow's task graph from a plan document",
	Long: `Reads a JSON plan (the shape of workflow.PlanInput: a "summary" string and
a "tasks" array of {name, description, parallel_group, depends_on}) from
--plan-file or stdin, and atomically replaces the workflow's tasks and
dependencies (spec §4.3). The workflow must be in the planning state.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowPlan,
}

func init() {
	rootCmd.AddCommand(workflowPlanCmd)
	workflowPlanCmd.Flags().StringVar(&planFile, "plan-file", "", "path to the plan JSON document (default: stdin)")
}

type planTaskDoc struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ParallelGroup string   `json:"parallel_group"`
	DependsOn     []string `json:"depends_on"`
}

type planDoc struct {
	Summary string        `json:"summary"`
	Tasks   []planTaskDoc `json:"tasks"`
}

func runWorkflowPlan(_ *cobra.Command, args []string) error {
	workflowID := args[0]

	var src io.Reader = os.Stdin
	if planFile != "" {
		f, err := os.Open(planFile) //nolint:gosec // operator-supplied path
		if err != nil {
			return fmt.Errorf("opening plan file: %w", err)
		}
		defer f.Close()
		src = f
	}

	var doc planDoc
	if err := json.NewDecoder(src).Decode(&doc); err != nil {
		return fmt.Errorf("parsing plan document: %w", err)
	}

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

	in := workflow.PlanInput{Summary: doc.Summary}
	for _, t := range doc.Tasks {
		in.Tasks = append(in.Tasks, workflow.PlanTaskInput{
			Name: t.Name, Description: t.Description, ParallelGroup: t.ParallelGroup, DependsOn: t.DependsOn,
		})
	}

	result, err := c.workflows.SetPlan(context.Background(), workflowID, in)
	if err != nil {
		return fmt.Errorf("setting plan: %w", err)
	}

	return json.NewEncoder(os.Stdout).Encode(result)
}
