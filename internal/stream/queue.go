// Path: internal/stream/queue.go
package stream

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"

	"framecast/internal/domain"
)

// ViewerQueueCapacity is the number of frames a viewer may have buffered.
// Writers never block: once full, the oldest frame is evicted.
const ViewerQueueCapacity = 2

// ErrQueueCompleted is returned when writing to a queue that will not accept
// any more frames.
const ErrQueueCompleted = errors.ConstError("viewer queue completed")

// ViewerQueue is a bounded drop-oldest FIFO with one writer (the broadcast
// loop of its stream) and one reader (the subscriber).
type ViewerQueue struct {
	mu        sync.Mutex
	buf       [ViewerQueueCapacity]domain.Frame
	head      int
	size      int
	completed bool
	err       error

	// notify holds at most one pending wake-up for the reader.
	notify chan struct{}
	// done is closed on completion.
	done chan struct{}

	written uint64
	dropped uint64
}

// NewViewerQueue returns an empty queue.
func NewViewerQueue() *ViewerQueue {
	return &ViewerQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Write appends frame to the tail. When the queue is full the frame at the
// head is discarded first and evicted is true.
func (q *ViewerQueue) Write(frame domain.Frame) (evicted bool, err error) {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()
		return false, ErrQueueCompleted
	}
	if q.size == ViewerQueueCapacity {
		q.buf[q.head] = ""
		q.head = (q.head + 1) % ViewerQueueCapacity
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%ViewerQueueCapacity] = frame
	q.size++
	q.written++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Read removes and returns the frame at the head. It waits until a frame is
// available, the queue is completed or ctx is done. Buffered frames are
// still returned after completion; once drained, Read returns io.EOF or the
// error the queue was completed with.
func (q *ViewerQueue) Read(ctx context.Context) (domain.Frame, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			frame := q.buf[q.head]
			q.buf[q.head] = ""
			q.head = (q.head + 1) % ViewerQueueCapacity
			q.size--
			q.mu.Unlock()
			return frame, nil
		}
		if q.completed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return "", err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Complete marks the queue as finished. A nil err ends the sequence
// normally. Only the first call has any effect.
func (q *ViewerQueue) Complete(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.completed {
		return false
	}
	q.completed = true
	q.err = err
	close(q.done)
	return true
}

// Result reports whether the queue has been completed, and with which error.
func (q *ViewerQueue) Result() (completed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed, q.err
}

// Len returns the number of buffered frames.
func (q *ViewerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns how many frames were accepted and how many were evicted
// before being read.
func (q *ViewerQueue) Stats() (written, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.written, q.dropped
}
