// Package worker is the worker-side half of herald. A managed process wraps
// its supervisor channel in an EventRouter to receive named events from the
// coordinator and emit named events back.
//
//	r := worker.FromStdio()
//	r.On("ping", func(d envelope.Data) {
//	    _ = r.Emit("pong", envelope.Data{"seq": d["seq"]})
//	})
//	_ = r.Run(ctx)
package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
)

// Callback handles one event payload. The payload includes the "event" field.
type Callback func(data envelope.Data)

// EventRouter dispatches inbound envelopes to callbacks by event name.
// There is exactly one router per process, so no process-name routing applies.
type EventRouter struct {
	ch       Channel
	mu       sync.RWMutex
	handlers map[string][]Callback
}

// New creates a router over ch.
func New(ch Channel) *EventRouter {
	return &EventRouter{
		ch:       ch,
		handlers: make(map[string][]Callback),
	}
}

// FromStdio creates a router over the process's stdin and stdout.
func FromStdio() *EventRouter {
	return New(NewStreamChannel(os.Stdin, os.Stdout))
}

// On registers cb for event. Callbacks run in registration order; registering
// the same callback twice runs it twice.
func (r *EventRouter) On(event string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], cb)
}

// Emit sends event with data to the coordinator. data is copied, never mutated.
func (r *EventRouter) Emit(event string, data envelope.Data) error {
	return r.ch.Send(envelope.Message{
		Type: envelope.MsgType,
		Data: data.WithEvent(event),
	})
}

// Dispatch invokes every callback registered for the envelope's event and
// returns how many ran. Unknown events are ignored.
func (r *EventRouter) Dispatch(env envelope.Envelope) int {
	event := env.Data.Event()

	r.mu.RLock()
	cbs := slices.Clone(r.handlers[event])
	r.mu.RUnlock()

	for _, cb := range cbs {
		cb(env.Data)
	}
	return len(cbs)
}

// Run receives and dispatches envelopes until the channel closes (nil) or ctx
// is cancelled (ctx.Err()). A channel that is also an io.Closer is closed on
// return.
func (r *EventRouter) Run(ctx context.Context) error {
	if c, ok := r.ch.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	for {
		env, err := r.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug(log.CatWorker, "inbound channel closed")
				return nil
			}
			return err
		}
		if n := r.Dispatch(env); n == 0 {
			log.Debug(log.CatWorker, "no handler for event", "event", env.Data.Event())
		}
	}
}
