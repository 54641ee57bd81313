package engine

import "sync"

// Registry arbitrates retry-id supersession. It maps a retry id to the
// cancellation signal of the most recently started invocation holding that
// id. All access to an id's entry is mutually exclusive, so concurrent
// acquires for the same id have exactly one winner.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	invocationID string
	holders      int
	cancel       chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Acquire installs the invocation as the current holder of retryID and
// returns the channel the new loop must watch for supersession. A previous
// holder from a different invocation is cancelled and replaced; loops of the
// same invocation share the entry and never cancel each other. An empty
// retryID disables arbitration and returns nil.
func (r *Registry) Acquire(retryID, invocationID string) <-chan struct{} {
	if retryID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[retryID]; ok {
		if current.invocationID == invocationID {
			current.holders++
			return current.cancel
		}
		close(current.cancel)
	}
	entry := &registryEntry{
		invocationID: invocationID,
		holders:      1,
		cancel:       make(chan struct{}),
	}
	r.entries[retryID] = entry
	return entry.cancel
}

// Release drops one holder of retryID. It is a no-op when the invocation was
// superseded, so a cancelled loop never clobbers its successor's entry.
func (r *Registry) Release(retryID, invocationID string) {
	if retryID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[retryID]
	if !ok || current.invocationID != invocationID {
		return
	}
	current.holders--
	if current.holders <= 0 {
		delete(r.entries, retryID)
	}
}

// Len reports the number of live entries, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
