// Path: internal/stream/subscription.go
package stream

import (
	"context"

	"github.com/juju/errors"

	"framecast/internal/domain"
)

// Subscription is a viewer's read cursor over its own queue.
type Subscription struct {
	id     domain.ViewerID
	stream domain.StreamName
	queue  *ViewerQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the viewer id allocated for this subscription.
func (s *Subscription) ID() domain.ViewerID {
	return s.id
}

// Stream returns the name of the watched stream.
func (s *Subscription) Stream() domain.StreamName {
	return s.stream
}

// Next returns the next frame for this viewer. It returns io.EOF when the
// stream ended normally, an error satisfying errors.Is(err,
// ErrProducerFailed) when the producer failed, and the context error once
// the subscription or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (domain.Frame, error) {
	if s.streamEnded() {
		return s.queue.Read(ctx)
	}
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	default:
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	frame, err := s.queue.Read(readCtx)
	if err != nil && s.ctx.Err() != nil && ctx.Err() == nil {
		if s.streamEnded() {
			return s.queue.Read(ctx)
		}
		return "", s.ctx.Err()
	}
	return frame, err
}

// streamEnded reports whether the queue was completed by its stream ending
// rather than by this subscription being cancelled.
func (s *Subscription) streamEnded() bool {
	completed, err := s.queue.Result()
	return completed && !errors.Is(err, context.Canceled)
}

// Done is closed once the viewer has been detached: its stream ended, the
// subscribe ctx was cancelled or Close was called.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close detaches the viewer from its stream. It is safe to call more than
// once and concurrently with Next.
func (s *Subscription) Close() {
	s.cancel()
}
