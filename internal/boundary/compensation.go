package boundary

import "sync"

// CompensationEntry is one registered undo handler: the task that
// completed successfully, and the compensation boundary attached to
// it whose outgoing flow performs the undo (§3, §4.4).
type CompensationEntry struct {
	TaskID     string
	BoundaryID string
}

// Registry is the per-instance compensation registry (§3): appended
// in FIFO order by the boundary supervisor as tasks with compensation
// boundaries complete successfully, and drained in LIFO order exactly
// once when a compensation-throw event is reached (§4.4, §8 testable
// property 5).
type Registry struct {
	mu      sync.Mutex
	entries []CompensationEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Append registers taskID's compensation boundary, to run when the
// registry is next drained.
func (r *Registry) Append(taskID, boundaryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, CompensationEntry{TaskID: taskID, BoundaryID: boundaryID})
}

// DrainReverse atomically empties the registry and returns its
// entries in reverse (LIFO) registration order. The registry is empty
// after every call, even if the caller never executes the returned
// entries, matching "each handler executes exactly once per throw;
// the registry is empty after drain" (§3, §8).
func (r *Registry) DrainReverse() []CompensationEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompensationEntry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	r.entries = nil
	return out
}

// Len reports the number of pending compensation entries, for
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
