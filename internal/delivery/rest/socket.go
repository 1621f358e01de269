// Path: internal/delivery/rest/socket.go
package rest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"framecast/internal/domain"
	"framecast/internal/stream"
)

const closeGracePeriod = time.Second

// Publish upgrades to a WebSocket and runs a stream fed by the text messages
// the client sends. A normal close from the client ends the stream; any other
// read failure fails it.
// Path: /streams/{name}/publish
func (h *StreamHandlers) Publish(w http.ResponseWriter, r *http.Request) {
	name := streamName(r)
	if !h.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()
	if h.isLive(name) {
		// Checked again atomically on registration.
		writeError(w, errors.AlreadyExistsf("stream %q", name))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Debugf("publish %q: upgrade failed: %v", name, err)
		return
	}
	defer conn.Close()
	if h.maxFrameBytes > 0 {
		conn.SetReadLimit(h.maxFrameBytes)
	}

	// The request context is not cancelled when a hijacked connection drops,
	// so the read pump below owns cancellation.
	ctx, cancel := h.socketContext(r)
	defer cancel()

	source := stream.NewChannelSource(0)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pumpFrames(ctx, conn, source)
	}()

	err = h.service.ExecuteStream(ctx, name, source)
	switch {
	case errors.Is(err, errors.AlreadyExists):
		writeClose(conn, websocket.ClosePolicyViolation, err.Error())
	case errors.Is(err, errors.NotValid):
		writeClose(conn, websocket.CloseUnsupportedData, err.Error())
	case err != nil:
		logger.Infof("publish %q: %v", name, err)
		writeClose(conn, websocket.CloseInternalServerErr, "stream failed")
	default:
		writeClose(conn, websocket.CloseNormalClosure, "stream ended")
	}

	cancel()
	source.Close()
	waitOrClose(conn, pumpDone)
}

// pumpFrames copies text messages from conn into source until the client
// closes the connection or the stream stops consuming.
func pumpFrames(ctx context.Context, conn *websocket.Conn, source *stream.ChannelSource) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				source.Close()
			} else {
				source.Fail(errors.Annotate(err, "reading frame"))
			}
			return
		}
		if kind != websocket.TextMessage {
			source.Fail(errors.NotSupportedf("binary frames"))
			return
		}
		if err := source.Send(ctx, domain.Frame(data)); err != nil {
			return
		}
	}
}

// Watch upgrades to a WebSocket and sends every frame the viewer receives as
// a text message. The client closing the socket cancels the subscription.
// Path: /streams/{name}/watch
func (h *StreamHandlers) Watch(w http.ResponseWriter, r *http.Request) {
	name := streamName(r)
	if !h.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	ctx, cancel := h.socketContext(r)
	defer cancel()

	sub, err := h.service.Subscribe(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("watch %q: upgrade failed: %v", name, err)
		return
	}
	defer conn.Close()

	// Viewers send nothing; reading only detects the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			switch {
			case err == io.EOF:
				writeClose(conn, websocket.CloseNormalClosure, "stream ended")
			case errors.Is(err, stream.ErrProducerFailed):
				writeClose(conn, websocket.CloseInternalServerErr, "stream failed")
			case h.shutdown.Err() != nil:
				writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			}
			break
		}
		conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			logger.Debugf("watch %q: viewer %d write failed: %v", name, sub.ID(), err)
			break
		}
	}

	sub.Close()
	waitOrClose(conn, readDone)
}

func writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}

// waitOrClose gives the peer a moment to answer our close frame, then closes
// the connection so the reading goroutine exits.
func waitOrClose(conn *websocket.Conn, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(closeGracePeriod):
	}
	conn.Close()
	<-done
}
