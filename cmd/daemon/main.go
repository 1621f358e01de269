// Path: cmd/daemon/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"framecast/internal/config"
	"framecast/internal/delivery/rest"
	"framecast/internal/delivery/ui"
	"framecast/internal/events"
	"framecast/internal/storage"
	"framecast/internal/stream"
)

var logger = loggo.GetLogger("framecast.daemon")

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Criticalf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	// 2. Configure Logging
	if err := loggo.ConfigureLoggers(cfg.Log.Level); err != nil {
		logger.Criticalf("Invalid log level %q: %v", cfg.Log.Level, err)
		os.Exit(1)
	}

	// 3. Setup Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize Session History (optional)
	var sessions stream.SessionStorage
	if cfg.Database.URI != "" {
		logger.Infof("Connecting to MongoDB...")
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Database.URI))
		if err != nil {
			logger.Criticalf("Failed to connect to MongoDB: %v", err)
			os.Exit(1)
		}
		defer mongoClient.Disconnect(context.Background())

		sessionStore := storage.NewMongoSessionStorage(mongoClient.Database(cfg.Database.Name), cfg.Database.SessionsCollection)
		if err := sessionStore.EnsureIndexes(ctx); err != nil {
			logger.Warningf("Failed to create session indexes: %v", err)
		}
		sessions = sessionStore
	} else {
		logger.Infof("No database configured, session history disabled")
	}

	// 5. Initialize Components
	logger.Infof("Initializing components...")
	broker := events.NewBroker()
	collector := stream.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 6. Initialize The Engine
	streamService := stream.NewService(broker, sessions, collector, nil)

	// 7. Initialize and Start The API Server
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	apiServer := rest.NewServer(cfg.Server, streamService, broker, metricsHandler, ui.NewHandlers(streamService))
	go func() {
		logger.Infof("API server starting on port %s", cfg.Server.Port)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Criticalf("API server failed: %v", err)
			cancel()
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Infof("Shutdown signal received. Shutting down gracefully...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the API server. Live streams are cancelled first, so their
	// removal is announced and their sessions recorded before the database
	// connection closes.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("Error during API server shutdown: %v", err)
	}

	// Presence subscribers end with the broker.
	broker.Close()

	logger.Infof("Server shut down successfully.")
}
