// Path: cmd/watch/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"framecast/internal/client"
	"framecast/internal/config"
	"framecast/internal/domain"
)

var logger = loggo.GetLogger("framecast.watch")

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\033[H\033[2J"

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

	stream := cfg.Watch.Stream
	if len(os.Args) > 1 {
		stream = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl, err := client.New(cfg.Watch.ServerURL, client.WithDialAttempts(cfg.Watch.DialAttempts))
	if err != nil {
		return errors.Trace(err)
	}

	frames, errc := cl.Watch(ctx, domain.StreamName(stream))
	for frame := range frames {
		fmt.Print(clearScreen, frame, "\n")
	}

	err = <-errc
	switch {
	case err == nil:
		logger.Infof("stream %q ended", stream)
	case errors.Is(err, context.Canceled):
	case errors.Is(err, errors.NotFound):
		return errors.Errorf("no live stream named %q", stream)
	default:
		return errors.Annotatef(err, "watching %q", stream)
	}
	return nil
}
