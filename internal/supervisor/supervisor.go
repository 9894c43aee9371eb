// Package supervisor defines the contract herald needs from a process
// supervisor: session management, start/stop/delete/list by name, a shared
// inbound message bus and direct delivery to a numeric process id.
//
// Backends live in subpackages: local (OS processes), memory (in-process Go
// workers) and docker (containers).
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/herald/internal/envelope"
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("supervisor not connected")
	// ErrProcessNotFound is returned when no process has the given name or id.
	ErrProcessNotFound = errors.New("process not found")
	// ErrAlreadyRunning is returned when starting a name that is already online.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrProcessNotRunning is returned when sending to a process that is not online.
	ErrProcessNotRunning = errors.New("process not running")
)

// Status is the supervisor's view of a process.
type Status string

const (
	StatusOnline   Status = "online"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// ProcessSpec describes a process to start. The coordinator only reads Name;
// everything else is forwarded to the backend untouched.
type ProcessSpec struct {
	Name    string            `mapstructure:"name" yaml:"name" json:"name"`
	Script  string            `mapstructure:"script" yaml:"script" json:"script"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `mapstructure:"cwd" yaml:"cwd,omitempty" json:"cwd,omitempty"`
	LogFile string            `mapstructure:"log_file" yaml:"log_file,omitempty" json:"log_file,omitempty"`
	Image   string            `mapstructure:"image" yaml:"image,omitempty" json:"image,omitempty"`
}

// ProcessInfo is one entry of the supervisor's process list.
type ProcessInfo struct {
	Name      string    `json:"name"`
	ID        int       `json:"pm_id"`
	PID       int       `json:"pid"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
}

// Response is the supervisor's acknowledgement of a direct send.
type Response struct {
	Success bool `json:"success"`
	ID      int  `json:"pm_id"`
}

// Bus is the single shared inbound channel. Packets from every supervised
// process arrive on Packets in per-process send order.
type Bus interface {
	Packets() <-chan envelope.Packet
	Close()
}

// Supervisor is the process-management collaborator.
type Supervisor interface {
	Connect(ctx context.Context) error
	Disconnect()
	Start(ctx context.Context, spec ProcessSpec) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ProcessInfo, error)
	LaunchBus(ctx context.Context) (Bus, error)
	SendDataToProcessID(ctx context.Context, env envelope.Envelope) (Response, error)
}
