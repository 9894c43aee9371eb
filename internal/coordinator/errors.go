package coordinator

import (
	"errors"
	"fmt"

	"github.com/zjrosen/herald/internal/envelope"
)

// Op names the coordinator operation that failed.
type Op string

const (
	OpConnect   Op = "connect"
	OpLaunchBus Op = "launch-bus"
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpDelete    Op = "delete"
	OpList      Op = "list"
	OpSend      Op = "send"
)

var (
	// ErrMissingField is returned by Send when the envelope has no target or
	// no data, and by Start when the spec has no name.
	ErrMissingField = envelope.ErrMissingField

	// ErrUnknownTarget matches every *UnknownTargetError.
	ErrUnknownTarget = errors.New("unknown target")
)

// OpError wraps a supervisor failure with the operation and process name.
type OpError struct {
	Op   Op
	Name string
	Err  error
}

func (e *OpError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsOp reports whether err is, or wraps, an *OpError for op.
func IsOp(err error, op Op) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Op == op
}

// UnknownTargetError is returned when a name-addressed envelope names no
// process in the supervisor's list.
type UnknownTargetError struct {
	Name string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("cannot find process named %q", e.Name)
}

func (e *UnknownTargetError) Is(target error) bool { return target == ErrUnknownTarget }
