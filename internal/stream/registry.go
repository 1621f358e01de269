// Path: internal/stream/registry.go
package stream

import (
	"sort"
	"sync"

	"github.com/juju/errors"

	"framecast/internal/domain"
)

// Registry maps stream names to the references of running streams. A name is
// present exactly while its broadcast loop runs.
type Registry struct {
	mu      sync.RWMutex
	streams map[domain.StreamName]*Reference
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[domain.StreamName]*Reference),
	}
}

// Register adds ref under name. Registering a name that is already active
// fails with an AlreadyExists error and leaves the existing stream in place.
func (r *Registry) Register(name domain.StreamName, ref *Reference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[name]; exists {
		return errors.AlreadyExistsf("stream %q", name)
	}
	r.streams[name] = ref
	return nil
}

// Unregister removes and returns the reference for name.
func (r *Registry) Unregister(name domain.StreamName) (*Reference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.streams[name]
	if ok {
		delete(r.streams, name)
	}
	return ref, ok
}

// Lookup returns the reference for name if the stream is active.
func (r *Registry) Lookup(name domain.StreamName) (*Reference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.streams[name]
	return ref, ok
}

// List returns a sorted snapshot of the active stream names.
func (r *Registry) List() []domain.StreamName {
	r.mu.RLock()
	names := make([]domain.StreamName, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Len returns the number of active streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
