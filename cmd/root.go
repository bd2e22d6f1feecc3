// Package cmd implements the caw CLI, grounded on perles's cmd/root.go:
// one viper-backed cobra root, cobra.OnInitialize wiring config load before
// every subcommand. The persistent flags (--config, --repo, --debug) are
// plain variables; none of them is bound into viper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/config"
)

var (
	version = "dev"

	cfgFile   string
	repoPath  string
	debugFlag bool

	fileConfig config.Config
	loader     *config.Loader
)

var rootCmd = &cobra.Command{
	Use:     "caw",
	Short:   "Coordinate fleets of AI coding agents working a task graph in parallel",
	Long: `caw schedules an operator-defined task graph across a bounded pool of AI
coding agents, each working an isolated git worktree, and drives the
resulting branches through a configurable PR integration cycle.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <repo>/.caw/config.json)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", "",
		"path to the source repository (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: CAW_DEBUG=1)")
}

func initConfig() {
	dir := repoPath
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}

	loader = config.NewLoader(dir, cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "caw: loading config: %v\n", err)
		cfg = config.Defaults()
	}
	fileConfig = cfg
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string reported by --version, populated from
// main via ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
