// Path: internal/delivery/rest/handlers.go
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"framecast/internal/config"
	"framecast/internal/domain"
	"framecast/internal/events"
	"framecast/internal/stream"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// streamService defines the interface required by the handlers from the core service.
// This keeps the delivery layer decoupled from the full service implementation.
type streamService interface {
	ListStreams() []domain.StreamName
	ExecuteStream(ctx context.Context, name domain.StreamName, source stream.Source) error
	Subscribe(ctx context.Context, name domain.StreamName) (*stream.Subscription, error)
	RecentSessions(ctx context.Context, limit int64) ([]domain.StreamSession, error)
}

// presenceSource delivers stream presence events.
type presenceSource interface {
	Subscribe(topics ...string) (<-chan events.Event, func())
}

// StreamHandlers holds dependencies for stream-related HTTP handlers.
type StreamHandlers struct {
	service       streamService
	presence      presenceSource
	upgrader      websocket.Upgrader
	maxFrameBytes int64
	writeTimeout  time.Duration

	// shutdown is cancelled when the server stops. Websocket handlers
	// link their contexts to it, as hijacked requests outlive r.Context().
	shutdown context.Context

	mu       sync.Mutex
	draining bool
	conns    sync.WaitGroup
}

// NewStreamHandlers creates a new handler struct.
func NewStreamHandlers(s streamService, presence presenceSource, cfg config.ServerConfig) *StreamHandlers {
	writeTimeout := time.Duration(cfg.WriteTimeoutSeconds) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &StreamHandlers{
		service:       s,
		presence:      presence,
		upgrader:      newUpgrader(),
		maxFrameBytes: cfg.MaxFrameBytes,
		writeTimeout:  writeTimeout,
		shutdown:      context.Background(),
	}
}

// socketContext returns the context a websocket handler runs under. It is
// cancelled by the returned func or when the server stops.
func (h *StreamHandlers) socketContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(h.shutdown, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// track registers a websocket connection that drain must wait for. It
// fails once the server is stopping.
func (h *StreamHandlers) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns.Add(1)
	return true
}

// drain waits for every tracked websocket connection to finish.
func (h *StreamHandlers) drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type listStreamsResponse struct {
	Streams []domain.StreamName `json:"streams"`
}

type sessionsResponse struct {
	Sessions []domain.StreamSession `json:"sessions"`
}

// Health reports that the process is serving.
func (h *StreamHandlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// ListStreams returns the names of the live streams.
// Path: /streams
func (h *StreamHandlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listStreamsResponse{Streams: h.service.ListStreams()})
}

// Sessions returns the history of finished streams.
// Path: /sessions?limit=n
func (h *StreamHandlers) Sessions(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultSessionLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := h.service.RecentSessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

func streamName(r *http.Request) domain.StreamName {
	return domain.StreamName(chi.URLParam(r, "name"))
}

func (h *StreamHandlers) isLive(name domain.StreamName) bool {
	for _, live := range h.service.ListStreams() {
		if live == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("failed to encode response: %v", err)
	}
}

// writeError maps the service error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound), errors.Is(err, errors.NotSupported):
		status = http.StatusNotFound
	case errors.Is(err, errors.AlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
		http.Error(w, "Internal Server Error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
