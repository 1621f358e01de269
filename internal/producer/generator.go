// Path: internal/producer/generator.go
package producer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"framecast/internal/config"
	"framecast/internal/domain"
)

// ramp maps brightness to characters, darkest first.
const ramp = " .:-=+*#%@"

// Generator renders a text animation and emits it at a fixed frame rate.
// The frames stand in for a rendered camera feed; the server never looks
// inside them.
type Generator struct {
	width   int
	height  int
	frames  int
	limiter *rate.Limiter
}

// NewGenerator creates and configures a new Generator.
func NewGenerator(cfg config.ProducerConfig) (*Generator, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.NotValidf("frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FramesPerSecond <= 0 {
		return nil, errors.NotValidf("frame rate %v", cfg.FramesPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Generator{
		width:   cfg.Width,
		height:  cfg.Height,
		frames:  cfg.Frames,
		limiter: rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), burst),
	}, nil
}

// Run renders frames and passes them to emit, respecting the rate limit.
// It stops after the configured number of frames (never, if zero), when
// emit fails or when ctx is done.
func (g *Generator) Run(ctx context.Context, emit func(domain.Frame) error) error {
	for n := 0; g.frames == 0 || n < g.frames; n++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := emit(g.Render(n)); err != nil {
			return errors.Annotatef(err, "emitting frame %d", n)
		}
	}
	return nil
}

// Render draws frame n: a moving interference pattern with a caption line.
func (g *Generator) Render(n int) domain.Frame {
	var b strings.Builder
	b.Grow((g.width + 1) * (g.height + 1))

	t := float64(n) / 8
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			fx := float64(x) / float64(g.width)
			fy := float64(y) / float64(g.height)
			v := math.Sin(fx*10+t) + math.Sin(fy*8-t) + math.Sin((fx+fy)*6+t/2)
			// v is in [-3, 3].
			idx := int((v + 3) / 6 * float64(len(ramp)-1))
			idx = max(0, min(idx, len(ramp)-1))
			b.WriteByte(ramp[idx])
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "frame %d", n)
	return domain.Frame(b.String())
}
