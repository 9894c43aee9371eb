// Package local supervises workers as OS processes. Each process speaks JSON
// lines: envelopes arrive on stdin, messages are written to stdout. Stderr
// and any stdout line that is not a message go to the spec's log file.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
)

// DefaultStopTimeout is how long Stop waits after an interrupt before killing.
const DefaultStopTimeout = 5 * time.Second

// CommandFactoryFunc creates the exec.Cmd for a spec. Tests replace it to
// run helper processes.
type CommandFactoryFunc func(name string, args ...string) *exec.Cmd

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout sets the interrupt-to-kill grace period.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithCommandFactory overrides how commands are built.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(s *Supervisor) {
		s.commandFactory = fn
	}
}

// Supervisor runs workers as child processes.
type Supervisor struct {
	session        supervisor.Session
	mu             sync.RWMutex
	procs          map[string]*process
	reg            *supervisor.Registry
	stopTimeout    time.Duration
	commandFactory CommandFactoryFunc
}

type process struct {
	info     supervisor.ProcessInfo
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	wmu      sync.Mutex
	logw     *supervisor.LogWriter
	done     chan struct{}
	stopping atomic.Bool
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a local process supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:          make(map[string]*process),
		reg:            supervisor.NewRegistry(),
		stopTimeout:    DefaultStopTimeout,
		commandFactory: exec.Command,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a session. Calling it again is a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.session.Open() {
		log.Debug(log.CatSuper, "local supervisor connected")
	}
	return nil
}

// Disconnect closes the session and its bus. Child processes are left running.
func (s *Supervisor) Disconnect() {
	if s.session.Close() {
		log.Debug(log.CatSuper, "local supervisor disconnected")
	}
}

// Start spawns spec.Script with spec.Args.
func (s *Supervisor) Start(ctx context.Context, spec supervisor.ProcessSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.Script == "" {
		return fmt.Errorf("process %q has no script", spec.Name)
	}

	if !s.session.Connected() {
		return supervisor.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reg.Reserve(spec); err != nil {
		return err
	}
	info, _ := s.reg.Get(spec.Name)

	p, err := s.spawn(info, spec)
	if err != nil {
		s.reg.SetStatus(spec.Name, supervisor.StatusErrored)
		return err
	}
	p.info.PID = p.cmd.Process.Pid
	s.reg.SetPID(spec.Name, p.info.PID)
	s.procs[spec.Name] = p

	log.Debug(log.CatSuper, "started process", "name", spec.Name, "pm_id", info.ID, "pid", p.info.PID)

	log.SafeGo("local.process."+spec.Name, func() { s.supervise(p) })
	return nil
}

// spawn builds the command and its pipes and starts it. Resources are
// released on failure.
func (s *Supervisor) spawn(info supervisor.ProcessInfo, spec supervisor.ProcessSpec) (*process, error) {
	// #nosec G204 -- the script comes from the operator's config
	cmd := s.commandFactory(spec.Script, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), supervisor.EnvList(spec.Env)...)
	}

	logw, err := supervisor.OpenLog(spec.LogFile)
	if err != nil {
		return nil, err
	}
	cmd.Stderr = logw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = logw.Close()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		_ = logw.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = logw.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Script, err)
	}

	return &process{
		info:   info,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logw:   logw,
		done:   make(chan struct{}),
	}, nil
}

// supervise reads p's stdout until it closes, then reaps the process.
// cmd.Wait closes the pipes, so it must only run once reading is done.
func (s *Supervisor) supervise(p *process) {
	defer close(p.done)

	if err := supervisor.PumpMessages(p.stdout, p.info, &s.session, p.logw); err != nil {
		log.Debug(log.CatSuper, "stdout scanner error", "name", p.info.Name, "error", err)
	}

	err := p.cmd.Wait()
	_ = p.logw.Close()

	status := supervisor.StatusStopped
	if err != nil && !p.stopping.Load() {
		status = supervisor.StatusErrored
		log.Warn(log.CatSuper, "process exited with error", "name", p.info.Name, "error", err)
	}

	s.mu.Lock()
	if s.procs[p.info.Name] == p {
		delete(s.procs, p.info.Name)
		s.reg.SetStatus(p.info.Name, status)
	}
	s.mu.Unlock()

	s.session.PublishExit(p.info, status)
	log.Debug(log.CatSuper, "process exited", "name", p.info.Name, "status", status)
}

// Stop interrupts the process, closes its stdin and kills it if it has not
// exited within the stop timeout. Stopping a stopped process is not an error.
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
	if err := interrupt(p.cmd.Process); err != nil {
		log.Debug(log.CatSuper, "interrupt failed", "name", name, "error", err)
	}
	p.wmu.Lock()
	_ = p.stdin.Close()
	p.wmu.Unlock()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		log.Warn(log.CatSuper, "process ignored interrupt, killing", "name", name, "pid", p.info.PID)
		_ = p.cmd.Process.Kill()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		// Kill so supervise reaps the process and settles its status;
		// otherwise it stays stopping and cannot be started again.
		log.Warn(log.CatSuper, "stop abandoned, killing", "name", name, "pid", p.info.PID)
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	}

	s.reg.SetStatus(name, supervisor.StatusStopped)
	return nil
}

// Delete stops name if it is still running and removes it from the list.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
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

// SendDataToProcessID writes env as one line to the stdin of the process with
// env's numeric id. A process that is not online, or a failed write, yields
// an unsuccessful response.
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
	err := envelope.WriteLine(p.stdin, env)
	p.wmu.Unlock()
	if err != nil {
		log.Warn(log.CatSuper, "write to process failed", "name", info.Name, "error", err)
		return supervisor.Response{Success: false, ID: id}, nil
	}
	return supervisor.Response{Success: true, ID: id}, nil
}
