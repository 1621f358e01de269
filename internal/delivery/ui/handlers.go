// path: internal/delivery/ui/handlers.go
package ui

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"framecast/internal/domain"
)

var logger = loggo.GetLogger("framecast.ui")

//go:embed templates/*.html
var templateFS embed.FS

const recentSessionsShown = 10

// dataService defines the interface required by the UI handlers.
type dataService interface {
	ListStreams() []domain.StreamName
	RecentSessions(ctx context.Context, limit int64) ([]domain.StreamSession, error)
}

// Handlers holds dependencies for UI handlers.
type Handlers struct {
	service   dataService
	templates *template.Template
}

// NewHandlers creates a new UI handler struct.
func NewHandlers(s dataService) *Handlers {
	tpl := template.Must(template.New("").Funcs(template.FuncMap{
		"duration": func(s domain.StreamSession) string { return s.Duration().Round(time.Second).String() },
	}).ParseFS(templateFS, "templates/*.html"))

	return &Handlers{
		service:   s,
		templates: tpl,
	}
}

// RegisterRoutes registers all UI routes on the given router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleShowIndex)
	r.Get("/watch/{name}", h.handleShowWatch)
}

// handleShowIndex serves the page listing live streams and recent sessions.
func (h *Handlers) handleShowIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Streams":        h.service.ListStreams(),
		"HistoryEnabled": true,
		"Sessions":       []domain.StreamSession(nil),
	}

	sessions, err := h.service.RecentSessions(r.Context(), recentSessionsShown)
	switch {
	case errors.Is(err, errors.NotSupported):
		data["HistoryEnabled"] = false
	case err != nil:
		logger.Warningf("failed to load session history: %v", err)
	default:
		data["Sessions"] = sessions
	}

	h.render(w, "index.html", data)
}

// handleShowWatch serves the viewer page for one stream. The page itself
// connects to the SSE endpoint, so an unknown stream shows as ended.
func (h *Handlers) handleShowWatch(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Stream": chi.URLParam(r, "name"),
	}
	h.render(w, "watch.html", data)
}

func (h *Handlers) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		logger.Errorf("template %s execution error: %v", name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
