package cmd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/coordinator"
	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/journal"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/supervisor/docker"
	"github.com/zjrosen/herald/internal/supervisor/local"
	"github.com/zjrosen/herald/internal/supervisor/memory"
	"github.com/zjrosen/herald/internal/tracing"
	"github.com/zjrosen/herald/internal/worker"
)

// syncBuffer is a bytes.Buffer safe for callbacks on the fan-in goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewSupervisor_Backends(t *testing.T) {
	sup, err := newSupervisor(config.SupervisorConfig{Backend: config.BackendLocal, StopTimeout: time.Second})
	require.NoError(t, err)
	require.IsType(t, &local.Supervisor{}, sup)

	sup, err = newSupervisor(config.SupervisorConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	require.IsType(t, &memory.Supervisor{}, sup)

	sup, err = newSupervisor(config.SupervisorConfig{Backend: config.BackendDocker, DockerImage: "alpine:3"})
	require.NoError(t, err)
	require.IsType(t, &docker.Supervisor{}, sup)

	_, err = newSupervisor(config.SupervisorConfig{Backend: "pm2"})
	require.ErrorContains(t, err, "pm2")
}

func TestOpenJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	c := config.Config{Journal: config.JournalConfig{Path: path}}

	j, err := openJournal(c, flags.New(map[string]bool{flags.FlagLifecycleJournal: false}))
	require.NoError(t, err)
	require.IsType(t, journal.Nop{}, j)

	j, err = openJournal(config.Config{}, flags.New(map[string]bool{flags.FlagLifecycleJournal: true}))
	require.NoError(t, err)
	require.IsType(t, journal.Nop{}, j)

	j, err = openJournal(c, flags.New(map[string]bool{flags.FlagLifecycleJournal: true}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	db, ok := j.(*journal.DB)
	require.True(t, ok)
	require.Equal(t, path, db.Path())
}

func TestTracingConfig_FillsFilePath(t *testing.T) {
	got := tracingConfig(tracing.Config{Exporter: tracing.ExporterFile})
	require.Equal(t, config.DefaultTracesFilePath(), got.FilePath)

	got = tracingConfig(tracing.Config{Exporter: tracing.ExporterStdout})
	require.Empty(t, got.FilePath)
}

func TestInProcessSpecs(t *testing.T) {
	in := []supervisor.ProcessSpec{
		{Name: "p", Script: "herald", Args: []string{"worker", "ping"}},
		{Name: "x", Script: "herald", Args: []string{"worker", "nope"}},
		{Name: "l", Script: "load"},
	}
	got := inProcessSpecs(in)

	require.Equal(t, supervisor.ProcessSpec{Name: "p", Script: "ping"}, got[0])
	require.Equal(t, in[1], got[1])
	require.Equal(t, in[2], got[2])
	require.Equal(t, "herald", in[0].Script)
}

func TestRenderProcesses(t *testing.T) {
	var buf bytes.Buffer
	renderProcesses(&buf, []supervisor.ProcessInfo{
		{Name: "ping", ID: 3, PID: 42, Status: supervisor.StatusOnline, StartedAt: time.Now()},
		{Name: "load", ID: 4, Status: supervisor.StatusStopped},
	})
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "ping")
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "stopped")

	buf.Reset()
	renderProcesses(&buf, nil)
	assert.Contains(t, buf.String(), "no processes")
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	renderHistory(&buf, []journal.Entry{
		{Session: "0123456789abcdef", Kind: journal.KindStart, Process: "ping", At: time.Now()},
		{Session: "0123456789abcdef", Kind: journal.KindStop, Process: "ping", Error: "boom", At: time.Now()},
	})
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "boom")

	buf.Reset()
	renderHistory(&buf, nil)
	assert.Contains(t, buf.String(), "no journal entries")
}

func TestFleet_EmitsAndPrintsReplies(t *testing.T) {
	sup, err := newSupervisor(config.SupervisorConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	coord := coordinator.New(sup)
	t.Cleanup(func() { _ = coord.Terminate(context.Background()) })

	var out syncBuffer
	f := newFleet(coord, &out, config.BackendMemory, false)
	f.emit = []string{"first"}
	f.on = []string{"first"}

	ctx := context.Background()
	require.NoError(t, f.reconcile(ctx, []supervisor.ProcessSpec{
		{Name: "ping", Script: "herald", Args: []string{"worker", "ping"}},
	}))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `ping <- first {"event":"first","success":true}`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "started ping")
	assert.Contains(t, out.String(), "ping -> first")

	require.NoError(t, f.reconcile(ctx, nil))
	assert.Contains(t, out.String(), "stopped ping")
	require.Empty(t, coord.Routes())
}

func TestFleet_PrintsBootMessages(t *testing.T) {
	booted := func(ctx context.Context, r *worker.EventRouter) error {
		_ = r.Emit("ready", envelope.Data{"boot": true})
		return r.Run(ctx)
	}
	sup := memory.New(memory.WithProgram("booted", booted))
	coord := coordinator.New(sup)
	t.Cleanup(func() { _ = coord.Terminate(context.Background()) })

	var out syncBuffer
	f := newFleet(coord, &out, config.BackendMemory, false)
	f.on = []string{"ready"}

	specs := make([]supervisor.ProcessSpec, 20)
	for i := range specs {
		specs[i] = supervisor.ProcessSpec{Name: fmt.Sprintf("b%02d", i), Script: "booted"}
	}
	require.NoError(t, f.reconcile(context.Background(), specs))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), `<- ready {"boot":true,"event":"ready"}`) == len(specs)
	}, 5*time.Second, 10*time.Millisecond, out.String())
}

func TestConfiguredWorkers_MissingFile(t *testing.T) {
	workers, err := configuredWorkers(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	require.Nil(t, workers)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald", "config.yaml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "wrote "+path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.BackendLocal, loaded.Supervisor.Backend)

	_, err = execute(t, "init", path)
	require.ErrorContains(t, err, "already exists")
}

func TestWorkersAddAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(path))

	out, err := execute(t, "--config", path, "workers", "add", "load", "--script", "herald", "--args", "worker,load")
	require.NoError(t, err)
	require.Contains(t, out, "added load")

	workers, err := config.ReadWorkers(path)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Equal(t, supervisor.ProcessSpec{Name: "load", Script: "herald", Args: []string{"worker", "load"}}, workers[1])

	out, err = execute(t, "--config", path, "workers", "remove", "load")
	require.NoError(t, err)
	require.Contains(t, out, "removed load")

	_, err = execute(t, "--config", path, "workers", "remove", "load")
	require.ErrorContains(t, err, `no worker named "load"`)

	workers, err = config.ReadWorkers(path)
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, []string{workers[0].Name})
}
