// Path: internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	c := qt.New(t)

	cfg, err := load(viper.New(), c.TempDir())
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, "8080")
	c.Assert(cfg.Server.MaxFrameBytes, qt.Equals, int64(1000000))
	c.Assert(cfg.Server.WriteTimeoutSeconds, qt.Equals, 10)
	c.Assert(cfg.Log.Level, qt.Equals, "<root>=INFO")
	c.Assert(cfg.Database.URI, qt.Equals, "")
	c.Assert(cfg.Database.SessionsCollection, qt.Equals, "sessions")
	c.Assert(cfg.Producer.Stream, qt.Equals, "demo")
	c.Assert(cfg.Producer.FramesPerSecond, qt.Equals, 10.0)
	c.Assert(cfg.Watch.DialAttempts, qt.Equals, 5)
}

func TestLoadFromFile(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	yaml := `
server:
  port: "9090"
  max_frame_bytes: 2048
database:
  uri: mongodb://localhost:27017
producer:
  stream: lobby
  frames_per_second: 2.5
`
	c.Assert(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644), qt.IsNil)

	cfg, err := load(viper.New(), dir)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, "9090")
	c.Assert(cfg.Server.MaxFrameBytes, qt.Equals, int64(2048))
	c.Assert(cfg.Database.URI, qt.Equals, "mongodb://localhost:27017")
	c.Assert(cfg.Database.Name, qt.Equals, "framecast")
	c.Assert(cfg.Producer.Stream, qt.Equals, "lobby")
	c.Assert(cfg.Producer.FramesPerSecond, qt.Equals, 2.5)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	c := qt.New(t)
	c.Setenv("SERVER_PORT", "7070")
	c.Setenv("LOG_LEVEL", "<root>=DEBUG")

	cfg, err := load(viper.New(), c.TempDir())
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, "7070")
	c.Assert(cfg.Log.Level, qt.Equals, "<root>=DEBUG")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	c.Assert(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o644), qt.IsNil)

	_, err := load(viper.New(), dir)
	c.Assert(err, qt.Not(qt.IsNil))
}
