// Path: internal/delivery/rest/sse.go
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/juju/errors"

	"framecast/internal/domain"
	"framecast/internal/stream"
)

// Presence event names, as seen by browser clients.
const (
	eventStreams       = "Streams"
	eventStreamCreated = "StreamCreated"
	eventStreamRemoved = "StreamRemoved"
	eventFrame         = "frame"
	eventStreamEnd     = "end"
	eventStreamFailed  = "error"
)

// WatchSSE provides a Server-Sent Events stream of one stream's frames.
// Path: /streams/{name}/sse
func (h *StreamHandlers) WatchSSE(w http.ResponseWriter, r *http.Request) {
	name := streamName(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := h.service.Subscribe(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		frame, err := sub.Next(ctx)
		switch {
		case err == io.EOF:
			writeSSE(w, eventStreamEnd, "completed")
			flusher.Flush()
			return
		case errors.Is(err, stream.ErrProducerFailed):
			writeSSE(w, eventStreamFailed, "stream failed")
			flusher.Flush()
			return
		case err != nil:
			return
		}
		writeSSE(w, eventFrame, string(frame))
		flusher.Flush()
	}
}

// Presence provides a Server-Sent Events stream announcing streams as they
// are created and removed. The first event lists the streams already live.
// Path: /events
func (h *StreamHandlers) Presence(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before taking the snapshot so no change falls in between.
	sub, unsub := h.presence.Subscribe(stream.TopicStreamCreated, stream.TopicStreamRemoved)
	defer unsub()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	data, _ := json.Marshal(listStreamsResponse{Streams: h.service.ListStreams()})
	writeSSE(w, eventStreams, string(data))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			presence, ok := ev.Data.(domain.Presence)
			if !ok {
				continue
			}
			data, err := json.Marshal(presence)
			if err != nil {
				logger.Warningf("failed to marshal presence event: %v", err)
				continue
			}
			name := eventStreamCreated
			if presence.Type == domain.PresenceRemoved {
				name = eventStreamRemoved
			}
			writeSSE(w, name, string(data))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseLineBreak matches every line terminator an event stream recognises.
var sseLineBreak = regexp.MustCompile(`\r\n|\r|\n`)

// writeSSE writes one event. Every line of a multi-line payload gets its
// own data field, which clients join back with newlines.
func writeSSE(w io.Writer, event, data string) {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range sseLineBreak.Split(data, -1) {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	io.WriteString(w, b.String())
}
