// Package journal keeps a history of coordinator lifecycle events: connects,
// starts, stops, deletes, terminates and disconnects. Message payloads are
// never recorded.
package journal

import (
	"context"
	"time"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindStart      Kind = "start"
	KindStop       Kind = "stop"
	KindDelete     Kind = "delete"
	KindTerminate  Kind = "terminate"
	KindDisconnect Kind = "disconnect"
)

// DefaultLimit is used by Recent when Query.Limit is not positive.
const DefaultLimit = 50

// Entry is one recorded transition. Error is empty when the operation succeeded.
type Entry struct {
	ID      int64
	Session string
	Kind    Kind
	Process string
	Detail  string
	Error   string
	At      time.Time
}

// Failed reports whether the recorded operation returned an error.
func (e Entry) Failed() bool { return e.Error != "" }

// Query filters Recent. Empty fields match everything.
type Query struct {
	Session string
	Process string
	Limit   int
}

// Journal records and reads lifecycle history.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// Nop discards every entry.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, Query) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }
