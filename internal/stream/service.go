// Path: internal/stream/service.go
package stream

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"framecast/internal/domain"
)

var logger = loggo.GetLogger("framecast.stream")

const (
	// Presence topics published on the Notifier.
	TopicStreamCreated = "stream:created"
	TopicStreamRemoved = "stream:removed"

	// ErrProducerFailed is the terminal error viewers observe when the
	// producer of their stream failed.
	ErrProducerFailed = errors.ConstError("stream producer failed")

	recordTimeout = 5 * time.Second
)

// Service is the broadcast engine and subscription manager for all named
// streams of the process.
type Service struct {
	registry *Registry
	notifier Notifier
	sessions SessionStorage
	metrics  *Collector
	clock    clock.Clock

	// lastViewerID is shared by every subscription; ids are never reused.
	lastViewerID atomic.Uint64
}

// NewService creates a new stream service. notifier and sessions may be nil,
// in which case presence announcements and session history are skipped.
// A nil metrics collector is replaced by an unregistered one and a nil
// clock by the wall clock.
func NewService(
	notifier Notifier,
	sessions SessionStorage,
	metrics *Collector,
	clk clock.Clock,
) *Service {
	if metrics == nil {
		metrics = NewMetricsCollector()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		registry: NewRegistry(),
		notifier: notifier,
		sessions: sessions,
		metrics:  metrics,
		clock:    clk,
	}
}

// ListStreams returns the names of the streams that are currently live.
func (s *Service) ListStreams() []domain.StreamName {
	return s.registry.List()
}

// ExecuteStream registers name, drains source and fans every frame out to
// the viewers attached at that moment. It blocks until the producer sequence
// ends, fails or ctx is cancelled, then tears the stream down: the name is
// unregistered and every viewer sequence is ended.
//
// Registering a name that is already live fails with an AlreadyExists error
// without reading from source. A normal end or cancellation returns nil;
// a producer failure is returned annotated.
func (s *Service) ExecuteStream(ctx context.Context, name domain.StreamName, source Source) error {
	if name == "" {
		return errors.NotValidf("empty stream name")
	}
	if source == nil {
		return errors.NotValidf("nil source for stream %q", name)
	}

	ref := newReference(name, source, s.clock.Now())
	if err := s.registry.Register(name, ref); err != nil {
		return errors.Trace(err)
	}
	s.metrics.activeStreams.Inc()
	logger.Infof("stream %q started", name)

	// Only announce once the stream can be found by subscribers.
	s.announce(TopicStreamCreated, domain.PresenceCreated, name)

	session := domain.StreamSession{
		ID:        uuid.NewString(),
		Stream:    name,
		StartedAt: ref.startedAt,
		EndReason: domain.EndCompleted,
	}
	var failure error
	defer func() {
		s.teardown(ctx, ref, &session, failure)
	}()

	for {
		frame, err := source.Next(ctx)
		if err != nil {
			switch {
			case err == io.EOF:
				return nil
			case ctx.Err() != nil:
				session.EndReason = domain.EndCancelled
				return nil
			default:
				failure = errors.Annotatef(err, "stream %q producer", name)
				session.EndReason = domain.EndFailed
				return failure
			}
		}
		session.Frames++
		s.metrics.framesReceived.Inc()
		session.Dropped += s.fanOut(ref, frame)
	}
}

// fanOut writes frame to every viewer in a snapshot of the stream's viewers
// and returns the number of buffered frames that were evicted. A failed
// write only affects its own viewer.
func (s *Service) fanOut(ref *Reference, frame domain.Frame) uint64 {
	var dropped uint64
	for _, q := range ref.snapshot() {
		evicted, err := q.Write(frame)
		if err != nil {
			s.metrics.deliveryFailures.Inc()
			logger.Tracef("stream %q: frame not delivered: %v", ref.name, err)
			continue
		}
		s.metrics.framesDelivered.Inc()
		if evicted {
			dropped++
			s.metrics.framesDropped.Inc()
		}
	}
	return dropped
}

func (s *Service) teardown(ctx context.Context, ref *Reference, session *domain.StreamSession, failure error) {
	// The name cannot have been re-registered while this loop held it.
	if _, ok := s.registry.Unregister(ref.name); ok {
		s.metrics.activeStreams.Dec()
	}

	var viewerErr error
	if failure != nil {
		viewerErr = fmt.Errorf("%w: %v", ErrProducerFailed, failure)
	}
	completed := ref.completeAll(viewerErr)

	if failure != nil {
		logger.Warningf("stream %q failed, ended %d viewers: %v", ref.name, completed, failure)
	} else {
		logger.Infof("stream %q ended (%s), ended %d viewers", ref.name, session.EndReason, completed)
	}

	s.announce(TopicStreamRemoved, domain.PresenceRemoved, ref.name)

	if s.sessions == nil {
		return
	}
	session.EndedAt = s.clock.Now()
	session.Viewers, session.PeakViewers = ref.counts()
	if failure != nil {
		session.Error = failure.Error()
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.sessions.RecordSession(recordCtx, *session); err != nil {
		logger.Warningf("failed to record session for stream %q: %v", ref.name, err)
	}
}

// Subscribe attaches a new viewer to the stream called name and returns its
// read cursor. The viewer is detached exactly once, when the stream ends,
// ctx is cancelled or the subscription is closed, whichever happens first.
// Frames buffered before the stream ended are still returned by Next. Subscribing to a
// stream that is not live fails with a NotFound error and changes nothing.
func (s *Service) Subscribe(ctx context.Context, name domain.StreamName) (*Subscription, error) {
	ref, ok := s.registry.Lookup(name)
	if !ok {
		s.metrics.subscribeFailures.WithLabelValues("not_found").Inc()
		return nil, errors.NotFoundf("stream %q", name)
	}

	id := domain.ViewerID(s.lastViewerID.Add(1))
	queue := NewViewerQueue()
	subCtx, cancel := context.WithCancel(ctx)
	if !ref.addViewer(id, queue, cancel) {
		// Torn down between the lookup and now.
		cancel()
		s.metrics.subscribeFailures.WithLabelValues("not_found").Inc()
		return nil, errors.NotFoundf("stream %q", name)
	}
	s.metrics.activeViewers.Inc()
	logger.Debugf("viewer %d subscribed to stream %q", id, name)

	// Runs once, whichever of stream end, ctx or Close comes first.
	context.AfterFunc(subCtx, func() {
		if ref.removeViewer(id) {
			s.metrics.activeViewers.Dec()
		}
		queue.Complete(context.Canceled)
		logger.Debugf("viewer %d unsubscribed from stream %q", id, name)
	})

	return &Subscription{
		id:     id,
		stream: name,
		queue:  queue,
		ctx:    subCtx,
		cancel: cancel,
	}, nil
}

// RecentSessions returns the history of finished streams. It fails with a
// NotSupported error when the service runs without session storage.
func (s *Service) RecentSessions(ctx context.Context, limit int64) ([]domain.StreamSession, error) {
	if s.sessions == nil {
		return nil, errors.NotSupportedf("session history")
	}
	sessions, err := s.sessions.RecentSessions(ctx, limit)
	if err != nil {
		return nil, errors.Annotate(err, "reading session history")
	}
	return sessions, nil
}

func (s *Service) announce(topic string, kind domain.PresenceType, name domain.StreamName) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(topic, domain.Presence{
		Type:   kind,
		Stream: name,
		At:     s.clock.Now(),
	})
}
