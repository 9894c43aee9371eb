package docker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/worker"
)

// fakeContainer is one attached container. The worker program runs on the
// daemon side of a net.Pipe.
type fakeContainer struct {
	name   string
	config *container.Config
	daemon net.Conn
	client net.Conn
	exit   chan container.WaitResponse
	once   sync.Once
}

func (c *fakeContainer) kill(code int64) {
	c.once.Do(func() {
		_ = c.daemon.Close()
		c.exit <- container.WaitResponse{StatusCode: code}
	})
}

type fakeAPI struct {
	mu         sync.Mutex
	pingErr    error
	pulled     []string
	containers map[string]*fakeContainer
	stopped    []string
	removed    []string
	program    worker.Program
	stopErr    error
	// pullGate, when set, holds ImagePull until it is closed. pulling
	// receives the ref as each pull begins.
	pullGate chan struct{}
	pulling  chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		containers: make(map[string]*fakeContainer),
		program:    worker.Ping,
	}
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) ImageInspectWithRaw(_ context.Context, img string) (types.ImageInspect, []byte, error) {
	if img == "present:latest" {
		return types.ImageInspect{}, nil, nil
	}
	return types.ImageInspect{}, nil, errors.New("no such image")
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	gate, pulling := f.pullGate, f.pulling
	f.mu.Unlock()
	if gate != nil {
		pulling <- ref
		<-gate
	}
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "id-" + name
	f.containers[id] = &fakeContainer{
		name:   name,
		config: cfg,
		exit:   make(chan container.WaitResponse, 1),
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerAttach(_ context.Context, id string, _ container.AttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.client, c.daemon = net.Pipe()
	return types.HijackedResponse{Conn: c.client, Reader: bufio.NewReader(c.client)}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	c := f.containers[id]
	prog := f.program
	f.mu.Unlock()

	go func() {
		out := stdcopy.NewStdWriter(c.daemon, stdcopy.Stdout)
		errw := stdcopy.NewStdWriter(c.daemon, stdcopy.Stderr)
		_, _ = errw.Write([]byte("booting\n"))

		r := worker.New(worker.NewStreamChannel(c.daemon, out))
		code := int64(0)
		if err := prog(context.Background(), r); err != nil {
			code = 1
		}
		c.kill(code)
	}()
	return nil
}

func (f *fakeAPI) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].exit, make(chan error)
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	c := f.containers[id]
	stopErr := f.stopErr
	if stopErr == nil {
		f.stopped = append(f.stopped, id)
	}
	f.mu.Unlock()
	if stopErr != nil {
		return stopErr
	}
	c.kill(137)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func nextPacket(t *testing.T, bus supervisor.Bus, typ string) envelope.Packet {
	t.Helper()
	deadline := time.After(2 * time.Second)
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

func TestSupervisor_ConnectFailsWhenDaemonDown(t *testing.T) {
	api := newFakeAPI()
	api.pingErr = errors.New("connection refused")

	s := New(WithClient(api))
	require.Error(t, s.Connect(context.Background()))

	_, err := s.List(context.Background())
	require.ErrorIs(t, err, supervisor.ErrNotConnected)
}

func TestSupervisor_ContainerLifecycle(t *testing.T) {
	api := newFakeAPI()
	s := New(WithClient(api), WithDefaultImage("present:latest"), WithStopTimeout(3*time.Second))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	bus, err := s.LaunchBus(ctx)
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "test", Script: "/bin/worker", Args: []string{"ping"}}))
	require.Empty(t, api.pulled)

	c := api.containers["id-herald-test"]
	require.NotNil(t, c)
	require.Equal(t, "present:latest", c.config.Image)
	require.Equal(t, []string{"/bin/worker", "ping"}, []string(c.config.Cmd))
	require.Equal(t, "herald", c.config.Labels[LabelManagedBy])

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	require.True(t, send(t, s, id, "first").Success)
	p := nextPacket(t, bus, envelope.MsgType)
	require.Equal(t, "test", p.Process.Name)
	require.Equal(t, "first", p.Data.Event())

	require.NoError(t, s.Stop(ctx, "test"))
	require.Equal(t, []string{"id-herald-test"}, api.stopped)
	require.Equal(t, string(supervisor.StatusStopped), nextPacket(t, bus, "process:exit").Data["status"])

	require.False(t, send(t, s, id, "first").Success)

	require.NoError(t, s.Delete(ctx, "test"))
	require.Contains(t, api.removed, "id-herald-test")
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSupervisor_PullsMissingImage(t *testing.T) {
	api := newFakeAPI()
	s := New(WithClient(api))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "w", Script: "/bin/worker", Image: "custom:1"}))
	require.Equal(t, []string{"custom:1"}, api.pulled)
	require.NoError(t, s.Stop(ctx, "w"))
}

func TestSupervisor_NonZeroExitIsErrored(t *testing.T) {
	api := newFakeAPI()
	api.program = func(context.Context, *worker.EventRouter) error { return errors.New("crash") }

	s := New(WithClient(api), WithDefaultImage("present:latest"))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	bus, err := s.LaunchBus(ctx)
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "c", Script: "/bin/crash"}))
	require.Equal(t, string(supervisor.StatusErrored), nextPacket(t, bus, "process:exit").Data["status"])
}

func TestContainerName(t *testing.T) {
	require.Equal(t, "herald-worker-1", ContainerName("worker-1"))
	require.Equal(t, "herald-a-b-c", ContainerName("a/b c"))
}

func TestContainerConfig(t *testing.T) {
	cfg := ContainerConfig(supervisor.ProcessSpec{
		Name:   "w",
		Script: "node",
		Args:   []string{"worker.js"},
		Env:    map[string]string{"B": "2", "A": "1"},
		Cwd:    "/app",
	}, "node:20")

	require.Equal(t, "node:20", cfg.Image)
	require.Equal(t, []string{"node", "worker.js"}, []string(cfg.Cmd))
	require.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	require.Equal(t, "/app", cfg.WorkingDir)
	require.True(t, cfg.OpenStdin)
	require.False(t, cfg.Tty)
	require.Equal(t, "w", cfg.Labels[LabelProcess])
}

func TestSupervisor_FailedStopLeavesProcessRestartable(t *testing.T) {
	api := newFakeAPI()
	api.stopErr = errors.New("daemon busy")
	s := New(WithClient(api), WithDefaultImage("present:latest"))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "w", Script: "/bin/worker"}))
	require.ErrorContains(t, s.Stop(ctx, "w"), "daemon busy")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, supervisor.StatusOnline, list[0].Status)
	require.True(t, send(t, s, list[0].ID, "first").Success)

	api.mu.Lock()
	api.stopErr = nil
	api.mu.Unlock()
	require.NoError(t, s.Stop(ctx, "w"))
	require.NoError(t, s.Start(ctx, supervisor.ProcessSpec{Name: "w", Script: "/bin/worker"}))
	require.NoError(t, s.Stop(ctx, "w"))
}

func TestSupervisor_SlowPullDoesNotBlockOtherWorkers(t *testing.T) {
	api := newFakeAPI()
	api.pullGate = make(chan struct{})
	api.pulling = make(chan string, 1)
	s := New(WithClient(api), WithDefaultImage("present:latest"))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	slow := make(chan error, 1)
	go func() {
		slow <- s.Start(ctx, supervisor.ProcessSpec{Name: "slow", Script: "/bin/worker", Image: "big:1"})
	}()
	require.Equal(t, "big:1", <-api.pulling)

	fast := make(chan error, 1)
	go func() {
		fast <- s.Start(ctx, supervisor.ProcessSpec{Name: "fast", Script: "/bin/worker"})
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Start blocked behind an image pull")
	}
	require.NoError(t, s.Stop(ctx, "fast"))

	close(api.pullGate)
	require.NoError(t, <-slow)
	require.NoError(t, s.Stop(ctx, "slow"))
}
