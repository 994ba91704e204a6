// Package registry implements the run registry: the process-wide mapping
// from run id to the live run context executing it, behind a single
// mutex kept off the traffic hot path.
package registry

import "sync"

// RunHandle is the subset of a run's lifecycle the registry needs:
// enough to snapshot its state and ask it to stop, without coupling the
// registry to the supervisor package.
type RunHandle interface {
	RunID() string
	IsRunning() bool
	RequestStop()
}

// Registry maps run id to RunHandle. Register/Unregister happen once per
// run (at start and at terminal-status time); Lookup and Snapshot are
// safe to call from API handlers concurrently with either.
type Registry struct {
	mu   sync.Mutex
	runs map[string]RunHandle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]RunHandle)}
}

// Register adds handle under its own run id. It overwrites any existing
// entry for that id, matching start_run's idempotent-create semantics at
// the registry layer (the supervisor enforces any stronger no-duplicate
// rule before ever calling Register).
func (r *Registry) Register(handle RunHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[handle.RunID()] = handle
}

// Unregister removes runID from the registry, if present.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Lookup returns the handle for runID, if a run by that id is currently
// registered.
func (r *Registry) Lookup(runID string) (RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[runID]
	return h, ok
}

// SnapshotAll returns every currently registered handle.
func (r *Registry) SnapshotAll() []RunHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunHandle, 0, len(r.runs))
	for _, h := range r.runs {
		out = append(out, h)
	}
	return out
}

// ActiveCount returns the number of currently registered runs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Stop requests every registered run to stop (sets should_stop on each),
// per the process shutdown sequence: the caller is expected to bound how
// long it then waits for IsRunning to clear before proceeding regardless.
func (r *Registry) Stop() {
	for _, h := range r.SnapshotAll() {
		h.RequestStop()
	}
}
