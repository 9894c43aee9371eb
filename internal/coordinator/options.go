package coordinator

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/journal"
)

// DefaultResolveCacheTTL is how long a resolved name to id mapping is reused.
const DefaultResolveCacheTTL = 5 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records lifecycle transitions to j.
func WithJournal(j journal.Journal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithTracer emits one span per coordinator operation.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithResolveCacheTTL sets how long name lookups are cached. Zero disables
// the cache so every send by name lists processes.
func WithResolveCacheTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.cacheTTL = d
		}
	}
}

// WithStopNotice makes Stop emit event to the worker before stopping it.
// Delivery is best effort. An empty event disables the notice.
func WithStopNotice(event string) Option {
	return func(c *Coordinator) { c.stopNotice = event }
}

// WithFlags sets the feature flags consulted by the coordinator.
func WithFlags(r *flags.Registry) Option {
	return func(c *Coordinator) { c.flags = r }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.session = id
		}
	}
}

type stopOptions struct {
	keepInList bool
}

// detail is the stop entry's journal detail.
func (o stopOptions) detail() string {
	if o.keepInList {
		return "keep=true"
	}
	return ""
}

// StopOption configures Stop.
type StopOption func(*stopOptions)

// KeepInList leaves the stopped process in the supervisor's list and keeps
// its route.
func KeepInList() StopOption {
	return func(o *stopOptions) { o.keepInList = true }
}

// StartOption prepares the new handle before its route is registered and
// the process starts.
type StartOption func(*WorkerHandle)

// WithHandler registers cb for event on the new handle.
func WithHandler(event string, cb Callback) StartOption {
	return func(h *WorkerHandle) { h.OnEvent(event, cb) }
}

// WithSetup runs fn on the new handle, for callers that need its name.
func WithSetup(fn func(h *WorkerHandle)) StartOption {
	return func(h *WorkerHandle) { fn(h) }
}

type terminateOptions struct {
	skipStop   bool
	keepInList bool
}

// TerminateOption configures Terminate.
type TerminateOption func(*terminateOptions)

// WithoutStopAll disconnects without stopping supervised processes.
func WithoutStopAll() TerminateOption {
	return func(o *terminateOptions) { o.skipStop = true }
}

// KeepProcessesInList stops processes but leaves them in the supervisor's list.
func KeepProcessesInList() TerminateOption {
	return func(o *terminateOptions) { o.keepInList = true }
}
