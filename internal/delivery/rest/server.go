// Path: internal/delivery/rest/server.go
package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/juju/loggo"

	"framecast/internal/config"
)

var logger = loggo.GetLogger("framecast.rest")

// RouteRegistrar adds extra routes, such as the HTML pages, to the router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server is the HTTP server exposing the stream operations.
type Server struct {
	httpServer *http.Server
	handlers   *StreamHandlers
	// cancel ends every request context and every live stream.
	cancel context.CancelFunc
}

// NewServer creates and configures a new API server. metrics may be nil.
func NewServer(
	cfg config.ServerConfig,
	service streamService,
	presence presenceSource,
	metrics http.Handler,
	extra ...RouteRegistrar,
) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	handlers := NewStreamHandlers(service, presence, cfg)
	handlers.shutdown = baseCtx

	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           routes(handlers, metrics, extra...),
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			ReadHeaderTimeout: 5 * time.Second,
			// No WriteTimeout: watch connections are long-lived.
			IdleTimeout: 60 * time.Second,
		},
		handlers: handlers,
		cancel:   cancel,
	}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(
	cfg config.ServerConfig,
	service streamService,
	presence presenceSource,
	metrics http.Handler,
	extra ...RouteRegistrar,
) http.Handler {
	return routes(NewStreamHandlers(service, presence, cfg), metrics, extra...)
}

func routes(handlers *StreamHandlers, metrics http.Handler, extra ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handlers.Health)
	r.Get("/events", handlers.Presence)
	r.Get("/sessions", handlers.Sessions)
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", handlers.ListStreams)
		r.Get("/{name}/publish", handlers.Publish)
		r.Get("/{name}/watch", handlers.Watch)
		r.Get("/{name}/sse", handlers.WatchSSE)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	for _, reg := range extra {
		reg.RegisterRoutes(r)
	}
	return r
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop cancels every live stream and event feed, waits for the streams to
// tear down, then gracefully shuts down the server. Hijacked websocket
// connections are not tracked by http.Server.Shutdown, hence the wait.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if err := s.handlers.drain(ctx); err != nil {
		logger.Warningf("websocket connections still open at shutdown: %v", err)
	}
	return s.httpServer.Shutdown(ctx)
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Viewers are browsers served from other origins.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
