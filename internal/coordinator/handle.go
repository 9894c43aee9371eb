package coordinator

import (
	"context"
	"slices"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
)

// ExitEvent is dispatched to a handle when its process exits and the
// exit-events flag is enabled. The payload carries the final "status".
const ExitEvent = "exit"

// Callback handles one inbound event payload. The payload includes "event".
type Callback func(data envelope.Data)

// sender is the part of the Coordinator a handle talks back to.
type sender interface {
	Send(ctx context.Context, env envelope.Envelope) (supervisor.Response, error)
	Stop(ctx context.Context, name string, opts ...StopOption) (bool, error)
}

// WorkerHandle is the coordinator-side proxy for one named process.
type WorkerHandle struct {
	name  string
	coord sender

	mu       sync.RWMutex
	handlers map[string][]Callback
	id       int
	hasID    bool
}

func newHandle(name string, coord sender) *WorkerHandle {
	return &WorkerHandle{
		name:     name,
		coord:    coord,
		handlers: make(map[string][]Callback),
	}
}

// Name returns the process name the handle routes for.
func (h *WorkerHandle) Name() string { return h.name }

// NumericID returns the supervisor id once a send by name has resolved it.
func (h *WorkerHandle) NumericID() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id, h.hasID
}

func (h *WorkerHandle) setID(id int) {
	h.mu.Lock()
	h.id, h.hasID = id, true
	h.mu.Unlock()
}

// OnEvent registers cb for event. Callbacks run in registration order and
// are not de-duplicated.
func (h *WorkerHandle) OnEvent(event string, cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], cb)
}

// EmitEvent sends event with a copy of data to the worker.
func (h *WorkerHandle) EmitEvent(ctx context.Context, event string, data envelope.Data) (supervisor.Response, error) {
	return h.coord.Send(ctx, envelope.Envelope{
		Target: envelope.ByName(h.name),
		Data:   data.WithEvent(event),
	})
}

// Stop stops the handle's process through the coordinator.
func (h *WorkerHandle) Stop(ctx context.Context, opts ...StopOption) (bool, error) {
	return h.coord.Stop(ctx, h.name, opts...)
}

// Handle dispatches a packet's payload to the callbacks for its event.
// Callbacks run without the handle lock held and may re-enter the handle.
func (h *WorkerHandle) Handle(pkt envelope.Packet) int {
	event := pkt.Data.Event()

	h.mu.RLock()
	cbs := slices.Clone(h.handlers[event])
	h.mu.RUnlock()

	if len(cbs) == 0 {
		log.Debug(log.CatBus, "no callback for event", "process", h.name, "event", event)
		return 0
	}
	for _, cb := range cbs {
		cb(pkt.Data)
	}
	return len(cbs)
}
