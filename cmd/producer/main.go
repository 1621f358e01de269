// Path: cmd/producer/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"framecast/internal/client"
	"framecast/internal/config"
	"framecast/internal/domain"
	"framecast/internal/producer"
)

var logger = loggo.GetLogger("framecast.producer")

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Annotate(err, "loading configuration")
	}
	if err := loggo.ConfigureLoggers(cfg.Log.Level); err != nil {
		return errors.Annotatef(err, "configuring loggers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := producer.NewGenerator(cfg.Producer)
	if err != nil {
		return errors.Trace(err)
	}
	cl, err := client.New(cfg.Producer.ServerURL)
	if err != nil {
		return errors.Trace(err)
	}

	name := domain.StreamName(cfg.Producer.Stream)
	pub, err := cl.Publish(ctx, name)
	if err != nil {
		return errors.Annotatef(err, "publishing %q", name)
	}
	logger.Infof("publishing stream %q at %v fps", name, cfg.Producer.FramesPerSecond)

	// Stop generating when the server ends the stream.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-pub.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = gen.Run(runCtx, pub.Send)
	closeErr := pub.Close()
	if err != nil && runCtx.Err() == nil {
		return errors.Trace(err)
	}
	if closeErr != nil {
		return errors.Annotatef(closeErr, "stream %q", name)
	}
	logger.Infof("stream %q ended", name)
	return nil
}
