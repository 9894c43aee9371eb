// Package docker supervises workers as containers through the Docker Engine
// API. A worker container runs spec.Script with spec.Args in spec.Image and
// speaks the same JSON lines as a local process over its attached stdio.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
)

const (
	// LabelManagedBy marks containers created by herald.
	LabelManagedBy = "herald.managed-by"
	// LabelProcess holds the worker name a container runs.
	LabelProcess = "herald.process"
	// DefaultImage is used when neither the spec nor the supervisor names one.
	DefaultImage = "alpine:3"
	// DefaultStopTimeout is the grace period given to ContainerStop.
	DefaultStopTimeout = 10 * time.Second

	containerPrefix = "herald-"
	managedByValue  = "herald"
)

// API is the subset of the Docker client used by the supervisor.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ API = (*client.Client)(nil)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClient uses api instead of a client built from the environment.
// The supervisor does not close an injected client.
func WithClient(api API) Option {
	return func(s *Supervisor) {
		s.api = api
		s.ownsClient = false
	}
}

// WithDefaultImage sets the image for specs that do not name one.
func WithDefaultImage(img string) Option {
	return func(s *Supervisor) {
		if img != "" {
			s.defaultImage = img
		}
	}
}

// WithStopTimeout sets the grace period given to a container on Stop.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// Supervisor runs workers as containers.
type Supervisor struct {
	session      supervisor.Session
	mu           sync.RWMutex
	api          API
	ownsClient   bool
	procs        map[string]*process
	containers   map[string]string
	reg          *supervisor.Registry
	defaultImage string
	stopTimeout  time.Duration
}

type process struct {
	info        supervisor.ProcessInfo
	containerID string
	conn        types.HijackedResponse
	wmu         sync.Mutex
	logw        *supervisor.LogWriter
	done        chan struct{}
	stopping    atomic.Bool
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a container supervisor. The Docker client is created on Connect
// unless one is injected with WithClient.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		ownsClient:   true,
		procs:        make(map[string]*process),
		containers:   make(map[string]string),
		reg:          supervisor.NewRegistry(),
		defaultImage: DefaultImage,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates the Docker client if needed, checks the daemon answers and
// opens a session.
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.session.Connected() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("creating docker client: %w", err)
		}
		s.api = cli
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.api.Ping(pingCtx); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}

	if s.session.Open() {
		log.Debug(log.CatSuper, "docker supervisor connected")
	}
	return nil
}

// Disconnect closes the session and, if it created one, the Docker client.
// Containers are left running.
func (s *Supervisor) Disconnect() {
	if !s.session.Close() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsClient && s.api != nil {
		_ = s.api.Close()
		s.api = nil
	}
	log.Debug(log.CatSuper, "docker supervisor disconnected")
}

// Start creates, attaches and starts a container for spec.
func (s *Supervisor) Start(ctx context.Context, spec supervisor.ProcessSpec) error {
	if spec.Script == "" {
		return fmt.Errorf("process %q has no script", spec.Name)
	}
	if !s.session.Connected() {
		return supervisor.ErrNotConnected
	}

	img := spec.Image
	if img == "" {
		img = s.defaultImage
	}
	// The pull can take minutes, so it runs before the lock is taken.
	pullErr := s.ensureImage(ctx, img)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reg.Reserve(spec); err != nil {
		return err
	}
	info, _ := s.reg.Get(spec.Name)

	if pullErr != nil {
		s.reg.SetStatus(spec.Name, supervisor.StatusErrored)
		return fmt.Errorf("pulling image %s: %w", img, pullErr)
	}

	p, err := s.launch(ctx, info, spec, img)
	if err != nil {
		s.reg.SetStatus(spec.Name, supervisor.StatusErrored)
		return err
	}
	s.procs[spec.Name] = p
	s.containers[spec.Name] = p.containerID

	log.Debug(log.CatSuper, "started container", "name", spec.Name, "pm_id", info.ID, "container", shortID(p.containerID))
	log.SafeGo("docker.process."+spec.Name, func() { s.supervise(p) })
	return nil
}

func (s *Supervisor) launch(ctx context.Context, info supervisor.ProcessInfo, spec supervisor.ProcessSpec, img string) (*process, error) {
	name := ContainerName(spec.Name)

	// A container left over from an earlier run holds the name.
	if old, ok := s.containers[spec.Name]; ok {
		_ = s.api.ContainerRemove(ctx, old, container.RemoveOptions{Force: true})
	}

	resp, err := s.api.ContainerCreate(ctx, ContainerConfig(spec, img), &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		log.Warn(log.CatSuper, "container create warning", "name", spec.Name, "warning", w)
	}

	logw, err := supervisor.OpenLog(spec.LogFile)
	if err != nil {
		s.discard(resp.ID)
		return nil, err
	}

	conn, err := s.api.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = logw.Close()
		s.discard(resp.ID)
		return nil, fmt.Errorf("attaching container: %w", err)
	}

	if err := s.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		conn.Close()
		_ = logw.Close()
		s.discard(resp.ID)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &process{
		info:        info,
		containerID: resp.ID,
		conn:        conn,
		logw:        logw,
		done:        make(chan struct{}),
	}, nil
}

// supervise demultiplexes the attached stream until it ends, then waits for
// the container to stop.
func (s *Supervisor) supervise(p *process) {
	defer close(p.done)

	pr, pw := io.Pipe()
	log.SafeGo("docker.demux."+p.info.Name, func() {
		_, err := stdcopy.StdCopy(pw, p.logw, p.conn.Reader)
		pw.CloseWithError(err)
	})

	if err := supervisor.PumpMessages(pr, p.info, &s.session, p.logw); err != nil && !errors.Is(err, io.EOF) {
		log.Debug(log.CatSuper, "attach stream error", "name", p.info.Name, "error", err)
	}
	_ = pr.Close()

	status := s.waitExit(p)
	p.conn.Close()
	_ = p.logw.Close()

	s.mu.Lock()
	if s.procs[p.info.Name] == p {
		delete(s.procs, p.info.Name)
		s.reg.SetStatus(p.info.Name, status)
	}
	s.mu.Unlock()

	s.session.PublishExit(p.info, status)
	log.Debug(log.CatSuper, "container exited", "name", p.info.Name, "status", status)
}

func (s *Supervisor) waitExit(p *process) supervisor.Status {
	waitCh, errCh := s.api.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.StatusCode != 0 && !p.stopping.Load() {
			log.Warn(log.CatSuper, "container exited with error", "name", p.info.Name, "code", res.StatusCode)
			return supervisor.StatusErrored
		}
		return supervisor.StatusStopped
	case err := <-errCh:
		if p.stopping.Load() {
			return supervisor.StatusStopped
		}
		log.Warn(log.CatSuper, "waiting for container failed", "name", p.info.Name, "error", err)
		return supervisor.StatusErrored
	}
}

// Stop asks the daemon to stop the container and waits for it to exit.
// Stopping a stopped process is not an error.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if !s.session.Connected() {
		return supervisor.ErrNotConnected
	}

	s.mu.Lock()
	if _, ok := s.reg.Get(name); !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", supervisor.ErrProcessNotFound, name)
	}
	p := s.procs[name]
	if p == nil {
		s.mu.Unlock()
		return nil
	}
	s.reg.SetStatus(name, supervisor.StatusStopping)
	s.mu.Unlock()

	p.stopping.Store(true)
	secs := int(s.stopTimeout / time.Second)
	if err := s.api.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &secs}); err != nil {
		// The container is still running. supervise settles the status if
		// it exits later.
		p.stopping.Store(false)
		s.mu.Lock()
		if s.procs[name] == p {
			s.reg.SetStatus(name, supervisor.StatusOnline)
		}
		s.mu.Unlock()
		return fmt.Errorf("stopping container: %w", err)
	}

	// Once ContainerStop returns the container is down; if ctx ends first,
	// supervise still records the final status.
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.reg.SetStatus(name, supervisor.StatusStopped)
	return nil
}

// Delete stops name and removes its container and list entry.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.containers[name]; ok {
		if err := s.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing container: %w", err)
		}
		delete(s.containers, name)
	}
	s.reg.Remove(name)
	return nil
}

// List returns every known process in start order.
func (s *Supervisor) List(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.session.Connected() {
		return nil, supervisor.ErrNotConnected
	}
	return s.reg.List(), nil
}

// LaunchBus subscribes a new bus to the session's packet broker.
func (s *Supervisor) LaunchBus(ctx context.Context) (supervisor.Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.session.Bus()
}

// SendDataToProcessID writes env as one line to the container's stdin.
func (s *Supervisor) SendDataToProcessID(ctx context.Context, env envelope.Envelope) (supervisor.Response, error) {
	if err := ctx.Err(); err != nil {
		return supervisor.Response{}, err
	}
	id, ok := env.Target.ID()
	if !ok {
		return supervisor.Response{}, fmt.Errorf("send requires a numeric target, got %s", env.Target)
	}
	if !s.session.Connected() {
		return supervisor.Response{}, supervisor.ErrNotConnected
	}

	s.mu.RLock()
	info, ok := s.reg.ByID(id)
	if !ok {
		s.mu.RUnlock()
		return supervisor.Response{}, fmt.Errorf("%w: pm_id %d", supervisor.ErrProcessNotFound, id)
	}
	p := s.procs[info.Name]
	s.mu.RUnlock()

	if p == nil || info.Status != supervisor.StatusOnline {
		return supervisor.Response{Success: false, ID: id}, nil
	}

	p.wmu.Lock()
	err := envelope.WriteLine(p.conn.Conn, env)
	p.wmu.Unlock()
	if err != nil {
		log.Warn(log.CatSuper, "write to container failed", "name", info.Name, "error", err)
		return supervisor.Response{Success: false, ID: id}, nil
	}
	return supervisor.Response{Success: true, ID: id}, nil
}

// ensureImage pulls img if it is not present locally.
func (s *Supervisor) ensureImage(ctx context.Context, img string) error {
	s.mu.RLock()
	api := s.api
	s.mu.RUnlock()
	if api == nil {
		return supervisor.ErrNotConnected
	}

	if _, _, err := api.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	reader, err := api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// discard removes a container that never became a managed process.
func (s *Supervisor) discard(id string) {
	if err := s.api.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		log.Debug(log.CatSuper, "removing failed container", "container", shortID(id), "error", err)
	}
}

// ContainerName returns the container name used for a worker.
func ContainerName(worker string) string {
	var b strings.Builder
	b.WriteString(containerPrefix)
	for _, r := range worker {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ContainerConfig builds the container configuration for spec. Tty stays off
// so stdout and stderr arrive multiplexed and can be told apart.
func ContainerConfig(spec supervisor.ProcessSpec, img string) *container.Config {
	return &container.Config{
		Image:        img,
		Cmd:          append([]string{spec.Script}, spec.Args...),
		Env:          supervisor.EnvList(spec.Env),
		WorkingDir:   spec.Cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    false,
		Tty:          false,
		Labels: map[string]string{
			LabelManagedBy: managedByValue,
			LabelProcess:   spec.Name,
		},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
