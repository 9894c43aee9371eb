package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/herald/internal/worker"
)

// programs are the built-in workers. The local and docker backends run them
// as "herald worker <name>"; the memory backend runs them in-process with
// the name as the script.
var programs = map[string]worker.Program{
	"ping": worker.Ping,
	"load": worker.Load,
}

func programNames() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var workerCmd = &cobra.Command{
	Use:   "worker <program>",
	Short: "Run a built-in worker on stdin/stdout",
	Long: `Run a built-in worker program that talks to its supervisor over
stdin and stdout, one JSON envelope per line.

Programs:
  ping   answers "first" and "last" with {"success": true}, exits after "last"
  load   emits {"event":"load","count":n} between "start" and "stop"

Example worker spec:
  workers:
    - name: ping
      script: herald
      args: [worker, ping]`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: programNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		program, ok := programs[args[0]]
		if !ok {
			return fmt.Errorf("unknown worker program %q (want one of %v)", args[0], programNames())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return program(ctx, worker.FromStdio())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
