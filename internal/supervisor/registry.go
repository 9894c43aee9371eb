package supervisor

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Registry is the process table shared by the backends. It assigns numeric
// ids, tracks status and keeps insertion order for List. It is safe for
// concurrent use.
//
// A name keeps its id across restarts until it is removed, matching what
// callers observe from long-running supervisors.
type Registry struct {
	mu     sync.RWMutex
	nextID int
	procs  map[string]*ProcessInfo
	specs  map[string]ProcessSpec
	order  []string
}

// NewRegistry creates an empty process table.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[string]*ProcessInfo),
		specs: make(map[string]ProcessSpec),
	}
}

// Reserve records spec as starting and returns its id. A stopped or errored
// entry with the same name is reused and its restart counter bumped.
func (r *Registry) Reserve(spec ProcessSpec) (int, error) {
	if spec.Name == "" {
		return 0, fmt.Errorf("process spec has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.procs[spec.Name]; ok {
		if info.Status == StatusOnline || info.Status == StatusStopping {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
		}
		info.Status = StatusOnline
		info.StartedAt = time.Now()
		info.PID = 0
		info.Restarts++
		r.specs[spec.Name] = spec
		return info.ID, nil
	}

	id := r.nextID
	r.nextID++
	r.procs[spec.Name] = &ProcessInfo{
		Name:      spec.Name,
		ID:        id,
		Status:    StatusOnline,
		StartedAt: time.Now(),
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return id, nil
}

// Get returns a copy of the entry for name.
func (r *Registry) Get(name string) (ProcessInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.procs[name]
	if !ok {
		return ProcessInfo{}, false
	}
	return *info, true
}

// Spec returns the spec last started under name.
func (r *Registry) Spec(name string) (ProcessSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// ByID returns a copy of the entry with numeric id.
func (r *Registry) ByID(id int) (ProcessInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.procs {
		if info.ID == id {
			return *info, true
		}
	}
	return ProcessInfo{}, false
}

// SetStatus updates the status of name. It returns false for unknown names.
func (r *Registry) SetStatus(name string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.procs[name]
	if !ok {
		return false
	}
	info.Status = status
	return true
}

// SetPID records the OS pid of a started process.
func (r *Registry) SetPID(name string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.procs[name]; ok {
		info.PID = pid
	}
}

// Remove deletes name from the table.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[name]; !ok {
		return false
	}
	delete(r.procs, name)
	delete(r.specs, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return true
}

// List returns all entries in the order they were first started.
func (r *Registry) List() []ProcessInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProcessInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.procs[name])
	}
	return out
}

// Names returns all registered names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}
