// Path: internal/stream/source.go
package stream

import (
	"context"
	"io"
	"sync"

	"framecast/internal/domain"
)

// Source is the producer side of a stream. Next returns the next frame,
// io.EOF once the sequence has ended normally, or any other error if the
// producer failed. Next is only ever called from one goroutine.
type Source interface {
	Next(ctx context.Context) (domain.Frame, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (domain.Frame, error)

// Next implements Source.
func (f SourceFunc) Next(ctx context.Context) (domain.Frame, error) {
	return f(ctx)
}

// ChannelSource is a Source fed by a producer goroutine. Frames are sent
// with Send and the sequence is finished with Close (normal end) or Fail.
type ChannelSource struct {
	frames chan domain.Frame

	once sync.Once
	done chan struct{}
	err  error
}

// NewChannelSource creates a source whose Send blocks once buffer frames
// are waiting to be broadcast.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{
		frames: make(chan domain.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Send hands a frame to the broadcast loop. It returns io.ErrClosedPipe if
// the source has already been finished.
func (s *ChannelSource) Send(ctx context.Context, frame domain.Frame) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the sequence normally once the frames already sent are consumed.
func (s *ChannelSource) Close() {
	s.finish(nil)
}

// Fail ends the sequence with err once the frames already sent are consumed.
func (s *ChannelSource) Fail(err error) {
	s.finish(err)
}

func (s *ChannelSource) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Next implements Source.
func (s *ChannelSource) Next(ctx context.Context) (domain.Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		// Drain whatever was sent before the sequence was finished.
		select {
		case frame := <-s.frames:
			return frame, nil
		default:
		}
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
