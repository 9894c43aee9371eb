// Package memory is a supervisor that runs workers as goroutines inside the
// current process. Each spec's Script names a registered worker.Program.
//
// Envelopes and messages are passed through the JSON codec on the way in and
// out, so workers observe the same payload types they would over stdio.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/worker"
)

// DefaultInboxSize is the number of undelivered envelopes a worker may hold.
const DefaultInboxSize = 256

// DefaultStopGrace is how long Stop lets a worker drain its inbox after the
// channel closes before cancelling its context.
const DefaultStopGrace = time.Second

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProgram registers p under script.
func WithProgram(script string, p worker.Program) Option {
	return func(s *Supervisor) {
		s.programs[script] = p
	}
}

// WithInboxSize sets the per-worker inbox capacity.
func WithInboxSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// WithStopGrace sets how long Stop waits before cancelling a worker.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.stopGrace = d
		}
	}
}

// Supervisor runs registered worker programs in goroutines.
type Supervisor struct {
	session   supervisor.Session
	mu        sync.RWMutex
	programs  map[string]worker.Program
	procs     map[string]*proc
	reg       *supervisor.Registry
	inboxSize int
	stopGrace time.Duration
}

type proc struct {
	info   supervisor.ProcessInfo
	ch     *channel
	cancel context.CancelFunc
	done   chan struct{}
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a supervisor with the built-in "ping" and "load" programs.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		programs: map[string]worker.Program{
			"ping": worker.Ping,
			"load": worker.Load,
		},
		procs:     make(map[string]*proc),
		reg:       supervisor.NewRegistry(),
		inboxSize: DefaultInboxSize,
		stopGrace: DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces the program run for script.
func (s *Supervisor) Register(script string, p worker.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[script] = p
}

// Connect opens a session. Calling it again is a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.session.Open() {
		log.Debug(log.CatSuper, "memory supervisor connected")
	}
	return nil
}

// Disconnect closes the session and its bus. Running workers keep running;
// their messages are dropped until the next Connect.
func (s *Supervisor) Disconnect() {
	if s.session.Close() {
		log.Debug(log.CatSuper, "memory supervisor disconnected")
	}
}

// Start launches the program registered for spec.Script under spec.Name.
func (s *Supervisor) Start(ctx context.Context, spec supervisor.ProcessSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !s.session.Connected() {
		return supervisor.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prog, ok := s.programs[spec.Script]
	if !ok {
		return fmt.Errorf("no program registered for script %q", spec.Script)
	}
	id, err := s.reg.Reserve(spec)
	if err != nil {
		return err
	}
	info, _ := s.reg.Get(spec.Name)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &proc{
		info:   info,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.ch = newChannel(s.inboxSize, func(msg envelope.Message) {
		s.session.Publish(p.info, msg)
	})
	s.procs[spec.Name] = p

	log.Debug(log.CatSuper, "starting worker", "name", spec.Name, "script", spec.Script, "pm_id", id)
	log.SafeGo("memory.worker."+spec.Name, func() {
		status := supervisor.StatusErrored
		defer func() {
			s.exited(p, status)
			close(p.done)
		}()

		if err := prog(runCtx, worker.New(p.ch)); err != nil && runCtx.Err() == nil {
			log.ErrorErr(log.CatSuper, "worker exited with error", err, "name", p.info.Name)
			return
		}
		status = supervisor.StatusStopped
	})
	return nil
}

// exited records the end of p and announces it on the bus.
func (s *Supervisor) exited(p *proc, status supervisor.Status) {
	s.mu.Lock()
	if s.procs[p.info.Name] == p {
		delete(s.procs, p.info.Name)
		s.reg.SetStatus(p.info.Name, status)
	}
	s.mu.Unlock()

	p.ch.close()
	s.session.PublishExit(p.info, status)
	log.Debug(log.CatSuper, "worker exited", "name", p.info.Name, "status", status)
}

// Stop closes the worker's channel and waits for it to return. Envelopes
// already queued are still delivered. A worker still running after the
// stop grace has its context cancelled. Stopping a stopped process is not
// an error.
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

	p.ch.close()
	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()

	select {
	case <-p.done:
	case <-grace.C:
		log.Debug(log.CatSuper, "worker ignored close, cancelling", "name", name)
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
	p.cancel()

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

// SendDataToProcessID queues env in the inbox of the process with env's
// numeric id. A full inbox or a process that is not online yields an
// unsuccessful response rather than an error.
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

	wire, err := viaJSON(env, envelope.DecodeEnvelope)
	if err != nil {
		return supervisor.Response{}, err
	}
	if !p.ch.deliver(wire) {
		log.Warn(log.CatSuper, "worker inbox unavailable, envelope dropped", "name", info.Name, "event", env.Data.Event())
		return supervisor.Response{Success: false, ID: id}, nil
	}
	return supervisor.Response{Success: true, ID: id}, nil
}

// viaJSON encodes v and decodes it back with decode.
func viaJSON[T any](v T, decode func([]byte) (T, error)) (T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("encoding: %w", err)
	}
	return decode(b)
}
