// Package coordinator routes messages between a controlling process and the
// workers it supervises.
//
// Inbound traffic is routed twice: the bus fan-in selects a WorkerHandle by
// process name, and the handle selects callbacks by event name. Outbound
// traffic is addressed by process name or numeric id; names are resolved
// against the supervisor's process list before delivery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/herald/internal/cachemanager"
	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/journal"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/tracing"
)

// Coordinator owns the supervisor session, the shared bus and the routing
// table from process name to WorkerHandle.
type Coordinator struct {
	sup        supervisor.Supervisor
	session    string
	journal    journal.Journal
	tracer     trace.Tracer
	flags      *flags.Registry
	stopNotice string
	cacheTTL   time.Duration
	ids        *cachemanager.ReadThrough[int]

	// lifeMu serialises Connect, LaunchBus and Terminate.
	lifeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	bus       supervisor.Bus
	routes    map[string]*WorkerHandle
}

// New creates a disconnected Coordinator over sup.
func New(sup supervisor.Supervisor, opts ...Option) *Coordinator {
	c := &Coordinator{
		sup:      sup,
		session:  uuid.NewString(),
		journal:  journal.Nop{},
		tracer:   tracing.Noop(),
		cacheTTL: DefaultResolveCacheTTL,
		routes:   make(map[string]*WorkerHandle),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ids = cachemanager.NewReadThrough("resolve", c.cacheTTL, c.lookupID)
	return c
}

// Session identifies this coordinator in journal entries and spans.
func (c *Coordinator) Session() string { return c.session }

// Connected reports whether a supervisor session is open.
func (c *Coordinator) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect opens the supervisor session. It returns true without contacting
// the supervisor when already connected.
func (c *Coordinator) Connect(ctx context.Context) (ok bool, err error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.Connected() {
		return true, nil
	}

	ctx, span := c.startOp(ctx, "connect")
	defer func() { tracing.EndOp(span, err) }()

	if err := c.sup.Connect(ctx); err != nil {
		c.record(ctx, journal.KindConnect, "", "", err)
		return false, &OpError{Op: OpConnect, Err: err}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.record(ctx, journal.KindConnect, "", "", nil)
	log.Info(log.CatCoord, "connected to supervisor", "session", c.session)
	return true, nil
}

// LaunchBus opens the shared bus and starts routing packets to handles. It
// returns the existing bus when already launched.
func (c *Coordinator) LaunchBus(ctx context.Context) (supervisor.Bus, error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.launchBusLocked(ctx)
}

func (c *Coordinator) launchBusLocked(ctx context.Context) (bus supervisor.Bus, err error) {
	c.mu.RLock()
	bus, connected := c.bus, c.connected
	c.mu.RUnlock()

	if bus != nil {
		return bus, nil
	}
	if !connected {
		return nil, &OpError{Op: OpLaunchBus, Err: supervisor.ErrNotConnected}
	}

	ctx, span := c.startOp(ctx, "launch_bus")
	defer func() { tracing.EndOp(span, err) }()

	bus, err = c.sup.LaunchBus(ctx)
	if err != nil {
		return nil, &OpError{Op: OpLaunchBus, Err: err}
	}

	c.mu.Lock()
	c.bus = bus
	c.mu.Unlock()

	log.SafeGo("coordinator.fanIn", func() { c.fanIn(bus) })
	log.Debug(log.CatBus, "bus launched", "session", c.session)
	return bus, nil
}

func (c *Coordinator) ensureBus(ctx context.Context) error {
	if _, err := c.Connect(ctx); err != nil {
		return err
	}
	_, err := c.LaunchBus(ctx)
	return err
}

// Start registers a route for spec.Name and asks the supervisor to start the
// process, connecting and launching the bus first when needed. The route and
// any callbacks given as options are in place before the process runs, so
// its first message reaches them. Callbacks added with OnEvent after Start
// returns may miss messages the worker sends while booting.
func (c *Coordinator) Start(ctx context.Context, spec supervisor.ProcessSpec, opts ...StartOption) (h *WorkerHandle, err error) {
	if spec.Name == "" {
		return nil, &OpError{Op: OpStart, Err: fmt.Errorf("%w: name", ErrMissingField)}
	}
	if err := c.ensureBus(ctx); err != nil {
		return nil, err
	}

	ctx, span := c.startOp(ctx, "start", attribute.String(tracing.AttrProcessName, spec.Name))
	defer func() { tracing.EndOp(span, err) }()

	h = newHandle(spec.Name, c)
	for _, opt := range opts {
		opt(h)
	}
	prev := c.setRoute(h)
	span.AddEvent(tracing.EventRouteRegistered)
	c.ids.Invalidate(spec.Name)

	if err := c.sup.Start(ctx, spec); err != nil {
		c.mu.Lock()
		if c.routes[spec.Name] == h {
			if prev != nil {
				c.routes[spec.Name] = prev
			} else {
				delete(c.routes, spec.Name)
			}
		}
		c.mu.Unlock()
		c.record(ctx, journal.KindStart, spec.Name, commandLine(spec), err)
		return nil, &OpError{Op: OpStart, Name: spec.Name, Err: err}
	}

	c.record(ctx, journal.KindStart, spec.Name, commandLine(spec), nil)
	log.Info(log.CatCoord, "started process", "name", spec.Name, "script", spec.Script)
	return h, nil
}

// setRoute registers h under its name and returns the handle it replaced.
func (c *Coordinator) setRoute(h *WorkerHandle) *WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.routes[h.name]
	c.routes[h.name] = h
	return prev
}

// Handle returns the routed handle for name.
func (c *Coordinator) Handle(name string) (*WorkerHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.routes[name]
	return h, ok
}

// Routes returns the routed process names, sorted.
func (c *Coordinator) Routes() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.routes))
	for name := range c.routes {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Unroute removes the route for name and reports whether one existed.
func (c *Coordinator) Unroute(name string) bool {
	c.mu.Lock()
	_, ok := c.routes[name]
	delete(c.routes, name)
	c.mu.Unlock()
	if ok {
		log.Debug(log.CatCoord, "route removed", "name", name)
	}
	return ok
}

// Send delivers env to one worker. A name target is resolved to the
// process's numeric id first; an unknown name fails with an
// *UnknownTargetError before anything is sent. A delivery the supervisor
// refuses without error yields Success == false and a nil error.
func (c *Coordinator) Send(ctx context.Context, env envelope.Envelope) (resp supervisor.Response, err error) {
	if err := env.Validate(); err != nil {
		return supervisor.Response{}, err
	}
	env = env.Normalize()

	ctx, span := c.startOp(ctx, "send",
		attribute.String(tracing.AttrTarget, env.Target.String()),
		attribute.String(tracing.AttrEventName, env.Data.Event()),
	)
	defer func() { tracing.EndOp(span, err) }()

	name, byName := env.Target.Name()
	if byName {
		id, err := c.ids.Get(ctx, name)
		if err != nil {
			return supervisor.Response{}, err
		}
		span.AddEvent(tracing.EventTargetResolved, trace.WithAttributes(
			attribute.String(tracing.AttrProcessName, name),
			attribute.Int(tracing.AttrProcessID, id),
		))
		env = env.Addressed(envelope.ByID(id))
	}

	resp, err = c.sup.SendDataToProcessID(ctx, env)
	if err != nil {
		return resp, &OpError{Op: OpSend, Name: env.Target.String(), Err: err}
	}
	span.SetAttributes(attribute.Bool(tracing.AttrSuccess, resp.Success))

	if byName && resp.Success {
		if h, ok := c.Handle(name); ok {
			h.setID(resp.ID)
		}
	}
	return resp, nil
}

// lookupID resolves name through the supervisor's process list.
func (c *Coordinator) lookupID(ctx context.Context, name string) (int, error) {
	info, found, err := c.Find(ctx, name)
	if err != nil {
		return 0, &OpError{Op: OpSend, Name: name, Err: err}
	}
	if !found {
		return 0, &UnknownTargetError{Name: name}
	}
	return info.ID, nil
}

// Stop stops the named process. Unless KeepInList is given, the process is
// also deleted from the supervisor's list and its route removed. When a stop
// notice is configured, it is sent to the worker first.
func (c *Coordinator) Stop(ctx context.Context, name string, opts ...StopOption) (ok bool, err error) {
	var o stopOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := c.startOp(ctx, "stop", attribute.String(tracing.AttrProcessName, name))
	defer func() { tracing.EndOp(span, err) }()

	if c.stopNotice != "" {
		c.sendStopNotice(ctx, span, name)
	}

	err = c.sup.Stop(ctx, name)
	c.ids.Invalidate(name)
	if err != nil {
		c.record(ctx, journal.KindStop, name, o.detail(), err)
		return false, &OpError{Op: OpStop, Name: name, Err: err}
	}
	c.record(ctx, journal.KindStop, name, o.detail(), nil)

	if o.keepInList {
		return true, nil
	}
	if _, err := c.Delete(ctx, name); err != nil {
		return false, err
	}
	if c.Unroute(name) {
		span.AddEvent(tracing.EventRouteRemoved)
	}
	return true, nil
}

func (c *Coordinator) sendStopNotice(ctx context.Context, span trace.Span, name string) {
	resp, err := c.Send(ctx, envelope.Envelope{
		Target: envelope.ByName(name),
		Data:   envelope.Data{envelope.EventKey: c.stopNotice},
	})
	if err != nil || !resp.Success {
		log.Debug(log.CatCoord, "stop notice not delivered", "name", name, "event", c.stopNotice, "error", err)
		return
	}
	span.AddEvent(tracing.EventStopNotice)
}

// Delete removes the named process from the supervisor's list. The route is
// left in place; call Unroute to drop it.
func (c *Coordinator) Delete(ctx context.Context, name string) (ok bool, err error) {
	ctx, span := c.startOp(ctx, "delete", attribute.String(tracing.AttrProcessName, name))
	defer func() { tracing.EndOp(span, err) }()

	err = c.sup.Delete(ctx, name)
	c.ids.Invalidate(name)
	c.record(ctx, journal.KindDelete, name, "", err)
	if err != nil {
		return false, &OpError{Op: OpDelete, Name: name, Err: err}
	}
	return true, nil
}

// List returns the supervisor's process list.
func (c *Coordinator) List(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	infos, err := c.sup.List(ctx)
	if err != nil {
		return nil, &OpError{Op: OpList, Err: err}
	}
	return infos, nil
}

// Find returns the process named name. found is false when none matches.
func (c *Coordinator) Find(ctx context.Context, name string) (info supervisor.ProcessInfo, found bool, err error) {
	infos, err := c.List(ctx)
	if err != nil {
		return supervisor.ProcessInfo{}, false, err
	}
	for _, p := range infos {
		if p.Name == name {
			return p, true, nil
		}
	}
	return supervisor.ProcessInfo{}, false, nil
}

// Terminate stops every listed process, unless WithoutStopAll is given, then
// closes the bus, disconnects and clears the routing table. Every stop is
// attempted; failures are joined into the returned error. The coordinator is
// disconnected afterwards even when stops fail.
//
// Terminate does not wait for in-flight callbacks, so a callback may call it.
func (c *Coordinator) Terminate(ctx context.Context, opts ...TerminateOption) (err error) {
	var o terminateOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	ctx, span := c.startOp(ctx, "terminate")
	defer func() { tracing.EndOp(span, err) }()

	var errs []error
	stopped := 0
	if !o.skipStop && c.Connected() {
		infos, err := c.List(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			stopped, errs = c.stopAll(ctx, infos, o.keepInList)
		}
	}
	span.SetAttributes(attribute.Int(tracing.AttrStopped, stopped))

	c.mu.Lock()
	bus := c.bus
	wasConnected := c.connected
	c.bus = nil
	c.connected = false
	c.routes = make(map[string]*WorkerHandle)
	c.mu.Unlock()

	if bus != nil {
		bus.Close()
	}
	if wasConnected {
		c.sup.Disconnect()
		c.record(ctx, journal.KindDisconnect, "", "", nil)
	}
	st := c.ids.Stats()
	log.Debug(log.CatCache, "resolution cache", "hits", st.Hits, "misses", st.Misses, "items", st.Items)
	c.ids.Reset()

	err = errors.Join(errs...)
	c.record(ctx, journal.KindTerminate, "", fmt.Sprintf("stopped=%d", stopped), err)
	log.Info(log.CatCoord, "terminated", "session", c.session, "stopped", stopped, "errors", len(errs))
	if err != nil {
		return fmt.Errorf("terminate completed with %d errors: %w", len(errs), err)
	}
	return nil
}

func (c *Coordinator) stopAll(ctx context.Context, infos []supervisor.ProcessInfo, keep bool) (int, []error) {
	var stopOpts []StopOption
	if keep {
		stopOpts = append(stopOpts, KeepInList())
	}

	if !c.flags.Enabled(flags.FlagParallelTerminate) {
		var errs []error
		stopped := 0
		for _, p := range infos {
			if _, err := c.Stop(ctx, p.Name, stopOpts...); err != nil {
				errs = append(errs, err)
				continue
			}
			stopped++
		}
		return stopped, errs
	}

	var (
		mu      sync.Mutex
		errs    []error
		stopped int
	)
	p := pool.New().WithContext(ctx)
	for _, info := range infos {
		p.Go(func(ctx context.Context) error {
			_, err := c.Stop(ctx, info.Name, stopOpts...)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				stopped++
			}
			return nil
		})
	}
	_ = p.Wait()
	return stopped, errs
}

func (c *Coordinator) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(tracing.AttrSessionID, c.session))
	return tracing.StartOp(ctx, c.tracer, op, attrs...)
}

// record writes a journal entry. Journal failures are logged, never returned.
func (c *Coordinator) record(ctx context.Context, kind journal.Kind, process, detail string, opErr error) {
	e := journal.Entry{Session: c.session, Kind: kind, Process: process, Detail: detail}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		log.ErrorErr(log.CatJournal, "failed to record lifecycle entry", err, "kind", kind, "process", process)
	}
}

// commandLine is the start entry's detail: the script and its arguments.
func commandLine(spec supervisor.ProcessSpec) string {
	return strings.Join(append([]string{spec.Script}, spec.Args...), " ")
}
