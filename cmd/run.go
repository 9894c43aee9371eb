package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/coordinator"
	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/journal"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/supervisor/docker"
	"github.com/zjrosen/herald/internal/supervisor/local"
	"github.com/zjrosen/herald/internal/supervisor/memory"
	"github.com/zjrosen/herald/internal/tracing"
	"github.com/zjrosen/herald/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

var (
	runBackend string
	runWatch   bool
	runEmit    []string
	runOn      []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the configured workers and route their events",
	Long: `Start every worker in the config file under the selected supervisor,
print the process table and keep routing until interrupted. On exit all
workers are stopped and removed.

Examples:
  # Start workers and greet each one with "first", printing the replies
  herald run --emit first --on first

  # Use in-process workers, no OS processes
  herald run --backend memory --on load --emit start

  # Start and stop workers as the workers section of the config changes
  herald run --watch`,
	RunE: runWorkers,
}

func init() {
	runCmd.Flags().StringVarP(&runBackend, "backend", "b", "",
		"supervisor backend: local, memory or docker (overrides config)")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false,
		"reconcile workers when the config file changes")
	runCmd.Flags().StringArrayVar(&runEmit, "emit", nil,
		"event to send to every worker after it starts (repeatable)")
	runCmd.Flags().StringArrayVar(&runOn, "on", nil,
		"print events with this name received from workers (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runWorkers(cmd *cobra.Command, _ []string) error {
	c := cfg
	if cmd.Flags().Changed("backend") {
		c.Supervisor.Backend = runBackend
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := flags.New(c.Flags)

	sup, err := newSupervisor(c.Supervisor)
	if err != nil {
		return err
	}

	j, err := openJournal(c, reg)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	tp, err := tracing.NewProvider(tracingConfig(c.Tracing))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatTrace, "tracing shutdown failed", err)
		}
	}()

	coord := coordinator.New(sup,
		coordinator.WithJournal(j),
		coordinator.WithTracer(tp.Tracer()),
		coordinator.WithResolveCacheTTL(c.Coordinator.ResolveCacheTTL),
		coordinator.WithStopNotice(c.Coordinator.StopNotice),
		coordinator.WithFlags(reg),
	)

	f := newFleet(coord, cmd.OutOrStdout(), c.Supervisor.Backend, reg.Enabled(flags.FlagExitEvents))
	f.emit, f.on = runEmit, runOn

	runErr := f.reconcile(ctx, c.Workers)
	if runErr == nil {
		runErr = f.serve(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	f.printf("stopping workers (session %s)\n", coord.Session())
	if err := coord.Terminate(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// serve blocks until ctx is done, reconciling on config changes when
// --watch is set.
func (f *fleet) serve(ctx context.Context) error {
	if !runWatch {
		f.printf("routing events, press Ctrl+C to stop\n")
		<-ctx.Done()
		return nil
	}

	w := watcher.New(configPath())
	reloads, err := w.Watch(ctx)
	if err != nil {
		return err
	}
	f.printf("watching %s, press Ctrl+C to stop\n", w.Path())

	for r := range reloads {
		if r.Err != nil {
			f.printf("config reload failed: %v\n", r.Err)
			continue
		}
		if err := f.reconcile(ctx, r.Config.Workers); err != nil {
			f.printf("reconcile: %v\n", err)
		}
	}
	return nil
}

// fleet drives a coordinator from the command line: it reconciles the
// declared workers, attaches printers for --on events and greets new
// workers with --emit events.
type fleet struct {
	coord      *coordinator.Coordinator
	backend    string
	exitEvents bool
	emit       []string
	on         []string

	mu  sync.Mutex
	out io.Writer
}

func newFleet(coord *coordinator.Coordinator, out io.Writer, backend string, exitEvents bool) *fleet {
	return &fleet{coord: coord, out: out, backend: backend, exitEvents: exitEvents}
}

func (f *fleet) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintf(f.out, format, args...)
}

// reconcile applies specs and prints the resulting process table.
func (f *fleet) reconcile(ctx context.Context, specs []supervisor.ProcessSpec) error {
	if f.backend == config.BackendMemory {
		specs = inProcessSpecs(specs)
	}

	res, err := f.coord.Reconcile(ctx, specs, coordinator.WithSetup(f.attach))
	for _, name := range res.Stopped {
		f.printf("stopped %s\n", name)
	}
	for _, name := range res.Started {
		f.printf("started %s\n", name)
		if h, ok := f.coord.Handle(name); ok {
			f.sendEmits(ctx, h)
		}
	}
	if !res.Changed() && err == nil {
		return nil
	}

	infos, listErr := f.coord.List(ctx)
	if listErr != nil {
		log.ErrorErr(log.CatCoord, "listing processes failed", listErr)
	} else {
		f.mu.Lock()
		renderProcesses(f.out, infos)
		f.mu.Unlock()
	}
	return err
}

// attach registers the --on and exit printers. It runs before the process
// starts so boot messages reach them.
func (f *fleet) attach(h *coordinator.WorkerHandle) {
	name := h.Name()
	for _, event := range f.on {
		h.OnEvent(event, func(d envelope.Data) {
			payload, err := json.Marshal(d)
			if err != nil {
				payload = []byte(fmt.Sprint(map[string]any(d)))
			}
			f.printf("%s <- %s %s\n", name, event, payload)
		})
	}
	if f.exitEvents {
		h.OnEvent(coordinator.ExitEvent, func(d envelope.Data) {
			f.printf("%s exited (%v)\n", name, d["status"])
		})
	}
}

func (f *fleet) sendEmits(ctx context.Context, h *coordinator.WorkerHandle) {
	name := h.Name()
	for _, event := range f.emit {
		if _, err := h.EmitEvent(ctx, event, nil); err != nil {
			f.printf("%s -> %s failed: %v\n", name, event, err)
			continue
		}
		f.printf("%s -> %s\n", name, event)
	}
}

// inProcessSpecs rewrites "herald worker <program>" specs so the memory
// backend runs the program in-process.
func inProcessSpecs(specs []supervisor.ProcessSpec) []supervisor.ProcessSpec {
	out := make([]supervisor.ProcessSpec, len(specs))
	for i, s := range specs {
		if len(s.Args) >= 2 && s.Args[0] == "worker" {
			if _, ok := programs[s.Args[1]]; ok {
				s.Script = s.Args[1]
				s.Args = nil
			}
		}
		out[i] = s
	}
	return out
}

func newSupervisor(c config.SupervisorConfig) (supervisor.Supervisor, error) {
	switch c.Backend {
	case config.BackendLocal, "":
		return local.New(local.WithStopTimeout(c.StopTimeout)), nil
	case config.BackendMemory:
		opts := make([]memory.Option, 0, len(programs))
		for name, p := range programs {
			opts = append(opts, memory.WithProgram(name, p))
		}
		return memory.New(opts...), nil
	case config.BackendDocker:
		return docker.New(
			docker.WithDefaultImage(c.DockerImage),
			docker.WithStopTimeout(c.StopTimeout),
		), nil
	default:
		return nil, fmt.Errorf("unknown supervisor backend %q", c.Backend)
	}
}

// openJournal opens the SQLite journal, or returns a no-op journal when the
// lifecycle-journal flag is off or no path is configured.
func openJournal(c config.Config, reg *flags.Registry) (journal.Journal, error) {
	if !reg.Enabled(flags.FlagLifecycleJournal) || c.Journal.Path == "" {
		return journal.Nop{}, nil
	}
	db, err := journal.Open(config.ExpandHome(c.Journal.Path))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return db, nil
}

func tracingConfig(t tracing.Config) tracing.Config {
	if t.Exporter == tracing.ExporterFile && t.FilePath == "" {
		t.FilePath = config.DefaultTracesFilePath()
	}
	t.FilePath = config.ExpandHome(t.FilePath)
	return t
}
