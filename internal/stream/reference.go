// Path: internal/stream/reference.go
package stream

import (
	"context"
	"sync"
	"time"

	"framecast/internal/domain"
)

// Reference is the live state of one registered stream: the producer it
// drains and the queues of the viewers currently attached to it.
type Reference struct {
	name      domain.StreamName
	source    Source
	startedAt time.Time

	mu          sync.Mutex
	viewers     map[domain.ViewerID]viewer
	subscribed  uint64
	peakViewers int
	closed      bool
}

// viewer is one attached subscriber: its queue and the cancel func of its
// subscription.
type viewer struct {
	queue  *ViewerQueue
	cancel context.CancelFunc
}

func newReference(name domain.StreamName, source Source, startedAt time.Time) *Reference {
	return &Reference{
		name:      name,
		source:    source,
		startedAt: startedAt,
		viewers:   make(map[domain.ViewerID]viewer),
	}
}

// Name returns the stream name.
func (r *Reference) Name() domain.StreamName {
	return r.name
}

// ViewerCount returns the number of attached viewers.
func (r *Reference) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// addViewer attaches q under id. cancel is called when the stream ends.
// It fails once the stream has been torn down, so a late subscriber is
// never left waiting on a queue nobody will complete.
func (r *Reference) addViewer(id domain.ViewerID, q *ViewerQueue, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.viewers[id] = viewer{queue: q, cancel: cancel}
	r.subscribed++
	if len(r.viewers) > r.peakViewers {
		r.peakViewers = len(r.viewers)
	}
	return true
}

// removeViewer reports whether id was still attached.
func (r *Reference) removeViewer(id domain.ViewerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		return false
	}
	delete(r.viewers, id)
	return true
}

// snapshot copies the current viewer queues. Viewers attached or removed
// after the copy may or may not see the frame being fanned out.
func (r *Reference) snapshot() []*ViewerQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	queues := make([]*ViewerQueue, 0, len(r.viewers))
	for _, v := range r.viewers {
		queues = append(queues, v.queue)
	}
	return queues
}

// completeAll finishes every attached queue with err, then cancels the
// subscriptions so each viewer is detached. It returns how many queues were
// completed by this call.
func (r *Reference) completeAll(err error) int {
	r.mu.Lock()
	r.closed = true
	viewers := make([]viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	r.mu.Unlock()

	n := 0
	for _, v := range viewers {
		if v.queue.Complete(err) {
			n++
		}
	}
	// Queues are completed first so their stream-end error wins over the
	// cancellation.
	for _, v := range viewers {
		v.cancel()
	}
	return n
}

func (r *Reference) counts() (subscribed uint64, peak int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed, r.peakViewers
}
