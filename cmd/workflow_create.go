package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/workflow"
)

var (
	createName             string
	createSourceType       string
	createSourceRef        string
	createSourceContent    string
	createRepositoryPaths  []string
	createMaxParallel      int
	createAutoCreateWSpace bool
)

var workflowCreateCmd = &cobra.Command{
	Use:   "workflow:create",
	Short: "Create a planning workflow",
	Long: `Creates a workflow row in the planning state and registers its source
repositories (spec §4.3). Tasks and dependencies are added afterward via
workflow:plan, once a plan has been produced for this workflow's source.`,
	RunE: runWorkflowCreate,
}

func init() {
	rootCmd.AddCommand(workflowCreateCmd)

	workflowCreateCmd.Flags().StringVarP(&createName, "name", "n", "", "workflow name (required)")
	workflowCreateCmd.Flags().StringVar(&createSourceType, "source-type", string(domain.SourcePrompt),
		"source type: prompt | issue | template | manual")
	workflowCreateCmd.Flags().StringVar(&createSourceRef, "source-ref", "", "reference to the source (issue id, template key)")
	workflowCreateCmd.Flags().StringVar(&createSourceContent, "source-content", "", "raw source content, e.g. a prompt")
	workflowCreateCmd.Flags().StringSliceVar(&createRepositoryPaths, "repo-path", nil, "repository path to register (repeatable)")
	workflowCreateCmd.Flags().IntVar(&createMaxParallel, "max-parallel", 1, "maximum tasks run concurrently")
	workflowCreateCmd.Flags().BoolVar(&createAutoCreateWSpace, "auto-workspaces", true, "provision a worktree automatically when a task is claimed")
	_ = workflowCreateCmd.MarkFlagRequired("name")
}

func runWorkflowCreate(_ *cobra.Command, _ []string) error {
	dir := repoPath
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}
	if len(createRepositoryPaths) == 0 {
		createRepositoryPaths = []string{dir}
	}

	c, err := buildContainer(fileConfig, dir)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	wf, err := c.workflows.Create(context.Background(), workflow.CreateInput{
		Name:                 createName,
		SourceType:           domain.SourceType(createSourceType),
		SourceRef:            createSourceRef,
		SourceContent:        createSourceContent,
		RepositoryPaths:      createRepositoryPaths,
		MaxParallelTasks:     createMaxParallel,
		AutoCreateWorkspaces: createAutoCreateWSpace,
	})
	if err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}

	return json.NewEncoder(os.Stdout).Encode(wf)
}
