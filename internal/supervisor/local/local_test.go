package local

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/worker"
)

const helperEnv = "HERALD_LOCAL_HELPER"

// TestHelperProcess is not a real test. It is the worker body run by the
// child processes the tests spawn.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	r := worker.FromStdio()
	var err error
	switch mode {
	case "ping":
		os.Stdout.WriteString("plain output line\n")
		os.Stderr.WriteString("to stderr\n")
		err = worker.Ping(context.Background(), r)
	case "load":
		err = worker.Load(context.Background(), r)
	case "fail":
		os.Exit(3)
	case "stubborn":
		signal.Ignore(os.Interrupt)
		_ = r.Emit("ready", nil)
		time.Sleep(time.Minute)
	}
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperSpec(t *testing.T, name, mode string) supervisor.ProcessSpec {
	t.Helper()
	return supervisor.ProcessSpec{
		Name:    name,
		Script:  os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{helperEnv: mode},
		LogFile: filepath.Join(t.TempDir(), name+".log"),
	}
}

func connected(t *testing.T) *Supervisor {
	t.Helper()
	s := New(WithStopTimeout(2 * time.Second))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)
	return s
}

func nextPacket(t *testing.T, bus supervisor.Bus, typ string) envelope.Packet {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case p, ok := <-bus.Packets():
			require.True(t, ok, "bus closed")
			if p.Type == typ {
				return p
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for packet", typ)
		}
	}
}

func send(t *testing.T, s *Supervisor, id int, event string) supervisor.Response {
	t.Helper()
	resp, err := s.SendDataToProcessID(context.Background(), envelope.Envelope{
		Target: envelope.ByID(id),
		Data:   envelope.Data{"event": event},
	}.Normalize())
	require.NoError(t, err)
	return resp
}

func TestSupervisor_RequiresConnection(t *testing.T) {
	s := New()
	err := s.Start(context.Background(), supervisor.ProcessSpec{Name: "a", Script: "true"})
	require.ErrorIs(t, err, supervisor.ErrNotConnected)
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := connected(t)
	err := s.Start(context.Background(), supervisor.ProcessSpec{
		Name:   "nope",
		Script: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	require.Error(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, supervisor.StatusErrored, list[0].Status)
}

func TestSupervisor_PingOverStdio(t *testing.T) {
	s := connected(t)
	ctx := context.Background()

	bus, err := s.LaunchBus(ctx)
	require.NoError(t, err)
	defer bus.Close()

	spec := helperSpec(t, "test", "ping")
	require.NoError(t, s.Start(ctx, spec))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Positive(t, list[0].PID)
	id := list[0].ID

	require.True(t, send(t, s, id, "first").Success)
	p := nextPacket(t, bus, envelope.MsgType)
	require.Equal(t, "test", p.Process.Name)
	require.Equal(t, id, p.Process.ID)
	require.Equal(t, "first", p.Data.Event())
	require.Equal(t, true, p.Data["success"])

	require.True(t, send(t, s, id, "last").Success)
	require.Equal(t, "last", nextPacket(t, bus, envelope.MsgType).Data.Event())

	exit := nextPacket(t, bus, "process:exit")
	require.Equal(t, string(supervisor.StatusStopped), exit.Data["status"])

	logged, err := os.ReadFile(spec.LogFile)
	require.NoError(t, err)
	require.Contains(t, string(logged), "plain output line")
	require.Contains(t, string(logged), "to stderr")
}

func TestSupervisor_StopAndDelete(t *testing.T) {
	s := connected(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, helperSpec(t, "load", "load")))
	require.NoError(t, s.Stop(ctx, "load"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, supervisor.StatusStopped, list[0].Status)
	require.False(t, send(t, s, list[0].ID, "start").Success)

	require.NoError(t, s.Delete(ctx, "load"))
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSupervisor_FailingProcessIsErrored(t *testing.T) {
	s := connected(t)
	ctx := context.Background()

	bus, err := s.LaunchBus(ctx)
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, s.Start(ctx, helperSpec(t, "bad", "fail")))
	exit := nextPacket(t, bus, "process:exit")
	require.Equal(t, string(supervisor.StatusErrored), exit.Data["status"])
}

func TestSupervisor_CommandFactory(t *testing.T) {
	var gotName string
	s := New(WithCommandFactory(func(name string, args ...string) *exec.Cmd {
		gotName = name
		return exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	}))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "x", Script: "custom"}))
	require.Equal(t, "custom", gotName)
	require.NoError(t, s.Stop(ctx, "x"))
}

func TestSupervisor_StopAbandonedByContextCanRestart(t *testing.T) {
	s := New(WithStopTimeout(time.Minute))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(s.Disconnect)

	bus, err := s.LaunchBus(ctx)
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, s.Start(ctx, helperSpec(t, "w", "stubborn")))
	require.Equal(t, "ready", nextPacket(t, bus, envelope.MsgType).Data.Event())

	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(stopCtx, "w"), context.DeadlineExceeded)

	nextPacket(t, bus, "process:exit")
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, supervisor.StatusStopped, list[0].Status)

	require.NoError(t, s.Start(ctx, helperSpec(t, "w", "load")))
	require.NoError(t, s.Stop(ctx, "w"))
}
