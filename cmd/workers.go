package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/supervisor"
)

var workerSpec supervisor.ProcessSpec

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List, add or remove configured workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		existing, err := configuredWorkers(configPath())
		if err != nil {
			return err
		}
		renderWorkers(cmd.OutOrStdout(), existing)
		return nil
	},
}

var workersAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace a worker in the config file",
	Long: `Add a worker to the workers section of the config file, replacing any
worker with the same name. Comments and other sections are preserved. A
running "herald run --watch" starts the new worker.

Examples:
  herald workers add ping --script herald --args worker,ping
  herald workers add tail --script tail --args -f,/var/log/app.log --log-file /tmp/tail.log`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		existing, err := configuredWorkers(path)
		if err != nil {
			return err
		}

		spec := workerSpec
		spec.Name = args[0]
		if err := config.AddWorker(path, spec, existing); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", spec.Name, path)
		return nil
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a worker from the config file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		existing, err := configuredWorkers(path)
		if err != nil {
			return err
		}

		removed, err := config.RemoveWorker(path, args[0], existing)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no worker named %q in %s", args[0], path)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[0], path)
		return nil
	},
}

func init() {
	f := workersAddCmd.Flags()
	f.StringVar(&workerSpec.Script, "script", "", "executable (or built-in program with the memory backend)")
	f.StringSliceVar(&workerSpec.Args, "args", nil, "arguments, comma separated")
	f.StringToStringVar(&workerSpec.Env, "env", nil, "extra environment, KEY=VALUE")
	f.StringVar(&workerSpec.Cwd, "cwd", "", "working directory")
	f.StringVar(&workerSpec.LogFile, "log-file", "", "file receiving the worker's stderr")
	f.StringVar(&workerSpec.Image, "image", "", "container image (docker backend)")
	_ = workersAddCmd.MarkFlagRequired("script")

	workersCmd.AddCommand(workersListCmd, workersAddCmd, workersRemoveCmd)
	rootCmd.AddCommand(workersCmd)
}

// configuredWorkers reads the workers section of path. A missing file has
// no workers.
func configuredWorkers(path string) ([]supervisor.ProcessSpec, error) {
	workers, err := config.ReadWorkers(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return workers, err
}
