// Package flags holds herald's feature flags. Flags are read-only after
// initialization and unknown flags read as disabled.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/herald/internal/log"
)

const (
	// FlagParallelTerminate stops all workers concurrently on Terminate
	// instead of one after another.
	FlagParallelTerminate = "parallel-terminate"

	// FlagLifecycleJournal records coordinator lifecycle events to SQLite.
	// When disabled, the journal is a no-op even if a path is configured.
	FlagLifecycleJournal = "lifecycle-journal"

	// FlagExitEvents delivers process exit notices to worker handles as an
	// "exit" event.
	FlagExitEvents = "exit-events"
)

// Definition describes a flag herald understands.
type Definition struct {
	Name        string
	Description string
	Default     bool
}

// Definitions lists every known flag.
var Definitions = []Definition{
	{FlagLifecycleJournal, "record lifecycle events to the SQLite journal", true},
	{FlagParallelTerminate, "stop workers concurrently on terminate", false},
	{FlagExitEvents, `deliver process exits to handles as the "exit" event`, false},
}

// Defaults returns every known flag set to its default.
func Defaults() map[string]bool {
	m := make(map[string]bool, len(Definitions))
	for _, d := range Definitions {
		m[d.Name] = d.Default
	}
	return m
}

// Known reports whether name is a defined flag.
func Known(name string) bool {
	return slices.ContainsFunc(Definitions, func(d Definition) bool { return d.Name == name })
}

// Unknown returns the names in values that are not defined flags, sorted.
func Unknown(values map[string]bool) []string {
	var out []string
	for name := range values {
		if !Known(name) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Registry holds feature flag state.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from the defaults overlaid with values. Unknown
// names are kept but logged, since they are usually typos.
func New(values map[string]bool) *Registry {
	merged := Defaults()
	maps.Copy(merged, values)
	if unknown := Unknown(values); len(unknown) > 0 {
		log.Warn(log.CatConfig, "unknown feature flags", "flags", unknown)
	}
	r := &Registry{flags: merged}
	log.Debug(log.CatConfig, "feature flags", "flags", merged)
	return r
}

// Enabled reports whether name is on. It is false for unknown flags and on a
// nil registry.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	return r.flags[name]
}

// All returns a copy of every flag value.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return map[string]bool{}
	}
	return maps.Clone(r.flags)
}
