// Path: internal/config/config.go
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Producer ProducerConfig
	Watch    WatchConfig
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Port                string `mapstructure:"port"`
	MaxFrameBytes       int64  `mapstructure:"max_frame_bytes"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	// Level is a loggo specification, e.g. "<root>=INFO;framecast.stream=DEBUG".
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds the session history database settings.
// History is disabled when URI is empty.
type DatabaseConfig struct {
	URI                string `mapstructure:"uri"`
	Name               string `mapstructure:"name"`
	SessionsCollection string `mapstructure:"sessions_collection"`
}

// ProducerConfig holds settings for the demo frame producer.
type ProducerConfig struct {
	ServerURL       string  `mapstructure:"server_url"`
	Stream          string  `mapstructure:"stream"`
	FramesPerSecond float64 `mapstructure:"frames_per_second"`
	Burst           int     `mapstructure:"burst"`
	Width           int     `mapstructure:"width"`
	Height          int     `mapstructure:"height"`
	Frames          int     `mapstructure:"frames"`
}

// WatchConfig holds settings for the stream watcher.
type WatchConfig struct {
	ServerURL    string `mapstructure:"server_url"`
	Stream       string `mapstructure:"stream"`
	DialAttempts int    `mapstructure:"dial_attempts"`
}

// Load loads the configuration from file and environment variables.
func Load() (*Config, error) {
	return load(viper.New(), "./configs")
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set default values
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.MAX_FRAME_BYTES", 1000000)
	v.SetDefault("SERVER.WRITE_TIMEOUT_SECONDS", 10)
	v.SetDefault("LOG.LEVEL", "<root>=INFO")
	v.SetDefault("DATABASE.URI", "")
	v.SetDefault("DATABASE.NAME", "framecast")
	v.SetDefault("DATABASE.SESSIONS_COLLECTION", "sessions")
	v.SetDefault("PRODUCER.SERVER_URL", "ws://localhost:8080")
	v.SetDefault("PRODUCER.STREAM", "demo")
	v.SetDefault("PRODUCER.FRAMES_PER_SECOND", 10)
	v.SetDefault("PRODUCER.BURST", 1)
	v.SetDefault("PRODUCER.WIDTH", 48)
	v.SetDefault("PRODUCER.HEIGHT", 12)
	v.SetDefault("PRODUCER.FRAMES", 0)
	v.SetDefault("WATCH.SERVER_URL", "ws://localhost:8080")
	v.SetDefault("WATCH.STREAM", "demo")
	v.SetDefault("WATCH.DIAL_ATTEMPTS", 5)

	// Load from config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err // Only return error if it's not a "file not found" error
		}
	}

	// Load from environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
