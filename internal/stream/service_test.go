// Path: internal/stream/service_test.go
package stream

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"framecast/internal/domain"
)

// presenceRecorder records announcements together with whether the stream
// was registered at the moment of the announcement.
type presenceRecorder struct {
	registry func() *Registry

	mu     sync.Mutex
	events []recordedPresence
}

type recordedPresence struct {
	topic      string
	presence   domain.Presence
	registered bool
}

func (p *presenceRecorder) Publish(topic string, data any) {
	presence := data.(domain.Presence)
	_, registered := p.registry().Lookup(presence.Stream)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedPresence{topic: topic, presence: presence, registered: registered})
}

func (p *presenceRecorder) recorded() []recordedPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedPresence(nil), p.events...)
}

type fakeSessionStorage struct {
	mu       sync.Mutex
	sessions []domain.StreamSession
	err      error
}

func (f *fakeSessionStorage) RecordSession(_ context.Context, session domain.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeSessionStorage) RecentSessions(_ context.Context, limit int64) ([]domain.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.StreamSession(nil), f.sessions...)
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// runningStream is a stream started in the background for a test.
type runningStream struct {
	source *ChannelSource
	cancel context.CancelFunc
	errc   chan error
}

func startStream(c *qt.C, s *Service, name domain.StreamName) *runningStream {
	c.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningStream{
		source: NewChannelSource(0),
		cancel: cancel,
		errc:   make(chan error, 1),
	}
	go func() {
		rs.errc <- s.ExecuteStream(ctx, name, rs.source)
	}()
	waitFor(c, "stream registration", func() bool {
		_, ok := s.registry.Lookup(name)
		return ok
	})
	c.Cleanup(func() {
		cancel()
		rs.source.Close()
	})
	return rs
}

func (rs *runningStream) send(c *qt.C, frames ...domain.Frame) {
	c.Helper()
	for _, f := range frames {
		c.Assert(rs.source.Send(context.Background(), f), qt.IsNil)
	}
}

func (rs *runningStream) wait(c *qt.C) error {
	c.Helper()
	select {
	case err := <-rs.errc:
		return err
	case <-time.After(5 * time.Second):
		c.Fatal("stream did not terminate")
	}
	return nil
}

func subscribe(c *qt.C, s *Service, name domain.StreamName) *Subscription {
	c.Helper()
	sub, err := s.Subscribe(context.Background(), name)
	c.Assert(err, qt.IsNil)
	c.Cleanup(sub.Close)
	return sub
}

func next(c *qt.C, sub *Subscription) domain.Frame {
	c.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := sub.Next(ctx)
	c.Assert(err, qt.IsNil)
	return f
}

func readAll(c *qt.C, sub *Subscription) ([]domain.Frame, error) {
	c.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []domain.Frame
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestEarlyViewerReceivesEveryFrameInOrder(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")

	var want, got []domain.Frame
	for i := 0; i < 50; i++ {
		f := domain.Frame(fmt.Sprintf("frame-%d", i))
		want = append(want, f)
		rs.send(c, f)
		got = append(got, next(c, sub))
	}
	c.Assert(got, qt.DeepEquals, want)

	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)
	_, err := sub.Next(context.Background())
	c.Assert(err, qt.Equals, io.EOF)
}

func TestLateViewerSeesOnlyRecentSuffix(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")

	// The sentinel proves f1 has been fanned out before the late viewer joins.
	sentinel := subscribe(c, s, "cam")
	rs.send(c, "f1")
	c.Assert(next(c, sentinel), qt.Equals, domain.Frame("f1"))

	late := subscribe(c, s, "cam")
	rs.send(c, "f2", "f3", "f4")
	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)

	frames, err := readAll(c, late)
	c.Assert(err, qt.Equals, io.EOF)
	c.Assert(len(frames) >= 1 && len(frames) <= ViewerQueueCapacity, qt.IsTrue)
	assertOrderedSubsequence(c, frames, []domain.Frame{"f2", "f3", "f4"})
	c.Assert(frames, qt.DeepEquals, []domain.Frame{"f3", "f4"})
}

func TestSlowViewerQueueStaysBounded(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")
	ref, _ := s.registry.Lookup("cam")

	for i := 0; i < 20; i++ {
		rs.send(c, domain.Frame(strconv.Itoa(i)))
		for _, q := range ref.snapshot() {
			c.Assert(q.Len() <= ViewerQueueCapacity, qt.IsTrue)
		}
	}
	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)

	frames, err := readAll(c, sub)
	c.Assert(err, qt.Equals, io.EOF)
	c.Assert(frames, qt.DeepEquals, []domain.Frame{"18", "19"})
}

func TestSubscribeUnknownStream(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	startStream(c, s, "cam")
	ref, _ := s.registry.Lookup("cam")

	sub, err := s.Subscribe(context.Background(), "nope")
	c.Assert(err, qt.ErrorIs, errors.NotFound)
	c.Assert(err, qt.ErrorMatches, `stream "nope" not found`)
	c.Assert(sub, qt.IsNil)

	c.Assert(s.ListStreams(), qt.DeepEquals, []domain.StreamName{"cam"})
	c.Assert(ref.ViewerCount(), qt.Equals, 0)
}

func TestUnsubscribeRemovesViewer(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	ref, _ := s.registry.Lookup("cam")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, "cam")
	c.Assert(err, qt.IsNil)
	other := subscribe(c, s, "cam")
	c.Assert(ref.ViewerCount(), qt.Equals, 2)

	cancel()
	waitFor(c, "viewer removal", func() bool { return ref.ViewerCount() == 1 })

	rs.send(c, "after")
	c.Assert(next(c, other), qt.Equals, domain.Frame("after"))

	_, err = sub.Next(context.Background())
	c.Assert(err, qt.ErrorIs, context.Canceled)

	// Closing after the context fired is harmless.
	sub.Close()
	c.Assert(ref.ViewerCount(), qt.Equals, 1)
}

func TestCloseSubscriptionRemovesViewer(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	startStream(c, s, "cam")
	ref, _ := s.registry.Lookup("cam")

	sub := subscribe(c, s, "cam")
	sub.Close()
	sub.Close()
	waitFor(c, "viewer removal", func() bool { return ref.ViewerCount() == 0 })

	select {
	case <-sub.Done():
	default:
		c.Fatal("subscription not done after Close")
	}
}

func TestStreamEndTearsDown(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	subs := []*Subscription{subscribe(c, s, "cam"), subscribe(c, s, "cam"), subscribe(c, s, "cam")}

	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)
	c.Assert(s.ListStreams(), qt.HasLen, 0)

	for _, sub := range subs {
		frames, err := readAll(c, sub)
		c.Assert(err, qt.Equals, io.EOF)
		c.Assert(frames, qt.HasLen, 0)
	}

	_, err := s.Subscribe(context.Background(), "cam")
	c.Assert(err, qt.ErrorIs, errors.NotFound)
}

func TestStreamEndDetachesViewer(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	ref, _ := s.registry.Lookup("cam")

	sub, err := s.Subscribe(context.Background(), "cam")
	c.Assert(err, qt.IsNil)
	rs.send(c, "last")
	waitFor(c, "frame buffered", func() bool { return sub.queue.Len() == 1 })

	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)

	// Detached without the caller cancelling or closing anything.
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("subscription not done after stream end")
	}
	waitFor(c, "viewer removal", func() bool { return ref.ViewerCount() == 0 })
	waitFor(c, "active viewers gauge", func() bool {
		return testutil.ToFloat64(s.metrics.activeViewers) == 0
	})

	// The frame buffered before the end is still delivered.
	frames, err := readAll(c, sub)
	c.Assert(frames, qt.DeepEquals, []domain.Frame{"last"})
	c.Assert(err, qt.Equals, io.EOF)
}

func TestProducerFailureSurvivesDetach(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")

	rs.source.Fail(errors.New("camera unplugged"))
	c.Assert(rs.wait(c), qt.Not(qt.IsNil))
	<-sub.Done()

	_, err := sub.Next(context.Background())
	c.Assert(err, qt.ErrorIs, ErrProducerFailed)
}

func TestProducerFailureEndsViewersWithError(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")

	rs.send(c, "only")
	rs.source.Fail(errors.New("camera unplugged"))

	err := rs.wait(c)
	c.Assert(err, qt.ErrorMatches, `stream "cam" producer: camera unplugged`)
	c.Assert(s.ListStreams(), qt.HasLen, 0)

	frames, err := readAll(c, sub)
	c.Assert(frames, qt.DeepEquals, []domain.Frame{"only"})
	c.Assert(err, qt.ErrorIs, ErrProducerFailed)
}

func TestCancelledProducerEndsNormally(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")

	rs.cancel()
	c.Assert(rs.wait(c), qt.IsNil)

	_, err := readAll(c, sub)
	c.Assert(err, qt.Equals, io.EOF)
}

func TestDuplicateStreamRejected(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	startStream(c, s, "cam")

	var reads int
	source := SourceFunc(func(context.Context) (domain.Frame, error) {
		reads++
		return "", io.EOF
	})
	err := s.ExecuteStream(context.Background(), "cam", source)
	c.Assert(err, qt.ErrorIs, errors.AlreadyExists)
	c.Assert(reads, qt.Equals, 0)
	c.Assert(s.ListStreams(), qt.DeepEquals, []domain.StreamName{"cam"})
}

func TestExecuteStreamValidatesArguments(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)

	err := s.ExecuteStream(context.Background(), "", NewChannelSource(0))
	c.Assert(err, qt.ErrorIs, errors.NotValid)
	err = s.ExecuteStream(context.Background(), "cam", nil)
	c.Assert(err, qt.ErrorIs, errors.NotValid)
}

func TestStreamNameReusableAfterEnd(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)

	first := startStream(c, s, "cam")
	first.source.Close()
	c.Assert(first.wait(c), qt.IsNil)

	second := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")
	second.send(c, "again")
	c.Assert(next(c, sub), qt.Equals, domain.Frame("again"))
}

func TestPresenceAnnouncedAroundRegistration(t *testing.T) {
	c := qt.New(t)
	recorder := &presenceRecorder{}
	s := NewService(recorder, nil, nil, nil)
	recorder.registry = func() *Registry { return s.registry }

	rs := startStream(c, s, "cam")
	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)

	events := recorder.recorded()
	c.Assert(events, qt.HasLen, 2)
	c.Assert(events[0].topic, qt.Equals, TopicStreamCreated)
	c.Assert(events[0].presence.Type, qt.Equals, domain.PresenceCreated)
	c.Assert(events[0].registered, qt.IsTrue)
	c.Assert(events[1].topic, qt.Equals, TopicStreamRemoved)
	c.Assert(events[1].presence.Type, qt.Equals, domain.PresenceRemoved)
	c.Assert(events[1].registered, qt.IsFalse)
}

func TestDuplicateStreamIsNotAnnounced(t *testing.T) {
	c := qt.New(t)
	recorder := &presenceRecorder{}
	s := NewService(recorder, nil, nil, nil)
	recorder.registry = func() *Registry { return s.registry }

	startStream(c, s, "cam")
	err := s.ExecuteStream(context.Background(), "cam", NewChannelSource(0))
	c.Assert(err, qt.ErrorIs, errors.AlreadyExists)
	c.Assert(recorder.recorded(), qt.HasLen, 1)
}

func TestSessionRecorded(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	storage := &fakeSessionStorage{}
	s := NewService(nil, storage, nil, clk)

	rs := startStream(c, s, "cam")
	subA := subscribe(c, s, "cam")
	subB := subscribe(c, s, "cam")
	rs.send(c, "1", "2", "3")
	clk.Advance(time.Minute)
	rs.source.Fail(errors.New("lost"))
	c.Assert(rs.wait(c), qt.Not(qt.IsNil))
	subA.Close()
	subB.Close()

	sessions, err := s.RecentSessions(context.Background(), 10)
	c.Assert(err, qt.IsNil)
	c.Assert(sessions, qt.HasLen, 1)
	got := sessions[0]
	c.Assert(got.ID, qt.Not(qt.Equals), "")
	c.Assert(got.Stream, qt.Equals, domain.StreamName("cam"))
	c.Assert(got.Frames, qt.Equals, uint64(3))
	c.Assert(got.Viewers, qt.Equals, uint64(2))
	c.Assert(got.PeakViewers, qt.Equals, 2)
	c.Assert(got.Dropped, qt.Equals, uint64(2))
	c.Assert(got.EndReason, qt.Equals, domain.EndFailed)
	c.Assert(got.Error, qt.Equals, `stream "cam" producer: lost`)
	c.Assert(got.Duration(), qt.Equals, time.Minute)
}

func TestSessionRecordFailureDoesNotBlockTeardown(t *testing.T) {
	c := qt.New(t)
	storage := &fakeSessionStorage{err: errors.New("db down")}
	s := NewService(nil, storage, nil, nil)

	rs := startStream(c, s, "cam")
	sub := subscribe(c, s, "cam")
	rs.source.Close()
	c.Assert(rs.wait(c), qt.IsNil)

	_, err := readAll(c, sub)
	c.Assert(err, qt.Equals, io.EOF)
}

func TestRecentSessionsWithoutStorage(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	_, err := s.RecentSessions(context.Background(), 5)
	c.Assert(err, qt.ErrorIs, errors.NotSupported)
}

func TestViewerIDsNeverReused(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	startStream(c, s, "a")
	startStream(c, s, "b")

	seen := make(map[domain.ViewerID]bool)
	var last domain.ViewerID
	for i := 0; i < 20; i++ {
		name := domain.StreamName("a")
		if i%2 == 1 {
			name = "b"
		}
		sub, err := s.Subscribe(context.Background(), name)
		c.Assert(err, qt.IsNil)
		c.Assert(seen[sub.ID()], qt.IsFalse)
		c.Assert(sub.ID() > last, qt.IsTrue)
		c.Assert(sub.Stream(), qt.Equals, name)
		seen[sub.ID()] = true
		last = sub.ID()
		sub.Close()
	}
}

func TestConcurrentSubscribersDuringFanOut(t *testing.T) {
	c := qt.New(t)
	s := NewService(nil, nil, nil, nil)
	rs := startStream(c, s, "cam")

	const frames = 300
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := 0; i < frames; i++ {
			if rs.source.Send(context.Background(), domain.Frame(strconv.Itoa(i))) != nil {
				return
			}
		}
		rs.source.Close()
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for v := 0; v < 32; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sub, err := s.Subscribe(ctx, "cam")
			if err != nil {
				// The stream may already be gone.
				return
			}
			last := -1
			for n := 0; ; n++ {
				if v%2 == 0 && n == 5 {
					// Half of the viewers leave mid-stream.
					cancel()
				}
				f, err := sub.Next(context.Background())
				if err != nil {
					return
				}
				i, _ := strconv.Atoi(string(f))
				if i <= last {
					errs <- fmt.Errorf("viewer %d saw %d after %d", sub.ID(), i, last)
					return
				}
				last = i
			}
		}(v)
	}

	<-producerDone
	c.Assert(rs.wait(c), qt.IsNil)
	wg.Wait()
	close(errs)
	for err := range errs {
		c.Error(err)
	}
	c.Assert(s.ListStreams(), qt.HasLen, 0)
}

func assertOrderedSubsequence(c *qt.C, got, of []domain.Frame) {
	c.Helper()
	j := 0
	for _, f := range got {
		for j < len(of) && of[j] != f {
			j++
		}
		if j == len(of) {
			c.Fatalf("%v is not an ordered subsequence of %v", got, of)
		}
		j++
	}
}
