// Path: internal/client/client.go
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"framecast/internal/domain"
)

var logger = loggo.GetLogger("framecast.client")

const (
	// ErrStreamFailed is returned to watchers when the producer of the
	// stream they follow failed.
	ErrStreamFailed = errors.ConstError("stream failed")

	// ErrPublisherClosed is returned by Send after the publisher has closed.
	ErrPublisherClosed = errors.ConstError("publisher closed")
)

const (
	defaultDialAttempts = 5
	defaultBackoff      = time.Second
	closeWait           = time.Second
)

// Client talks to a framecast server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	attempts   int
	backoff    time.Duration
	clock      clock.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithDialAttempts sets how many times a WebSocket dial is tried.
func WithDialAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the wait after the first failed dial. It doubles after
// every further failure.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithClock sets the clock used to wait between dial attempts.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithHTTPClient sets the client used for plain HTTP requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at serverURL, given with either an
// http(s) or a ws(s) scheme.
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing server url")
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, errors.NotValidf("server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		base:       u,
		httpClient: http.DefaultClient,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		attempts:   defaultDialAttempts,
		backoff:    defaultBackoff,
		clock:      clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListStreams returns the names of the streams currently live on the server.
func (c *Client) ListStreams(ctx context.Context) ([]domain.StreamName, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/streams", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "listing streams")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var body struct {
		Streams []domain.StreamName `json:"streams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Annotate(err, "decoding stream list")
	}
	return body.Streams, nil
}

// Publish starts a stream called name. Frames passed to Send reach every
// viewer of the stream until the publisher is closed.
func (c *Client) Publish(ctx context.Context, name domain.StreamName) (*Publisher, error) {
	conn, err := c.dial(ctx, streamPath(name, "publish"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := &Publisher{conn: conn, done: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

// Watch follows the stream called name. Frames arrive on the first channel,
// which is closed when watching stops; the reason is then sent on the second
// channel. A stream that ended normally yields a nil error.
func (c *Client) Watch(ctx context.Context, name domain.StreamName) (<-chan domain.Frame, <-chan error) {
	frames := make(chan domain.Frame)
	errc := make(chan error, 1)
	go func() {
		err := c.watch(ctx, name, frames)
		close(frames)
		errc <- err
		close(errc)
	}()
	return frames, errc
}

func (c *Client) watch(ctx context.Context, name domain.StreamName, frames chan<- domain.Frame) error {
	conn, err := c.dial(ctx, streamPath(name, "watch"))
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	// Closing the socket is how the server learns the viewer has gone.
	stop := context.AfterFunc(ctx, func() {
		writeClose(conn, websocket.CloseGoingAway)
		conn.Close()
	})
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return closeResult(err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case frames <- domain.Frame(data):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dial opens a WebSocket to path, retrying with exponential backoff while
// the server cannot be reached. A server that answers with an error status
// is not retried.
func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	target := c.wsURL(path)
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		conn, resp, err := c.dialer.DialContext(ctx, target, nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			return nil, responseError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}
		logger.Warningf("dial %s failed (attempt %d/%d), retrying in %v: %v", path, attempt, c.attempts, backoff, err)
		select {
		case <-c.clock.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Annotatef(lastErr, "dialing %s after %d attempts", path, c.attempts)
}

func (c *Client) wsURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

func streamPath(name domain.StreamName, op string) string {
	return "/streams/" + url.PathEscape(string(name)) + "/" + op
}

// responseError turns an error response from the server back into the
// error kind the server reported.
func responseError(resp *http.Response) error {
	var msg string
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.NewNotFound(nil, msg)
	case http.StatusConflict:
		return errors.NewAlreadyExists(nil, msg)
	case http.StatusBadRequest:
		return errors.NewNotValid(nil, msg)
	}
	return errors.Errorf("server responded %s: %s", resp.Status, msg)
}

// closeResult maps the way the server closed a socket onto an error.
func closeResult(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return errors.Trace(err)
	}
	switch ce.Code {
	case websocket.CloseNormalClosure:
		return nil
	case websocket.CloseInternalServerErr:
		return ErrStreamFailed
	case websocket.ClosePolicyViolation:
		return errors.NewAlreadyExists(nil, ce.Text)
	case websocket.CloseUnsupportedData:
		return errors.NewNotValid(nil, ce.Text)
	}
	return errors.Annotatef(err, "connection closed")
}

func writeClose(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

// Publisher feeds frames into a live stream.
type Publisher struct {
	conn *websocket.Conn

	mu     sync.Mutex
	once   sync.Once
	done   chan struct{}
	result error
}

// Send publishes one frame.
func (p *Publisher) Send(frame domain.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		if p.result != nil {
			return p.result
		}
		return ErrPublisherClosed
	default:
	}
	return errors.Trace(p.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// Close ends the stream normally. It returns the error the server ended the
// stream with, if any.
func (p *Publisher) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		writeClose(p.conn, websocket.CloseNormalClosure)
		p.mu.Unlock()
		select {
		case <-p.done:
		case <-time.After(closeWait):
		}
		p.conn.Close()
	})
	<-p.done
	return p.result
}

// Fail drops the connection without a close handshake, which the server
// treats as a producer failure.
func (p *Publisher) Fail() {
	p.once.Do(func() {
		p.conn.Close()
	})
	<-p.done
}

// Done is closed once the server has ended the stream or the connection is gone.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// readLoop waits for the server to close the socket. Producers are never
// sent data messages.
func (p *Publisher) readLoop() {
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			p.result = closeResult(err)
			close(p.done)
			return
		}
	}
}
