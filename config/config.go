// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nicebartender/canvas-relay/batch"
	"github.com/nicebartender/canvas-relay/dispatch"
	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/transport"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Transport  TransportConfig      `mapstructure:"transport"`
	Dispatcher DispatcherConfig     `mapstructure:"dispatcher"`
	Batch      BatchConfig          `mapstructure:"batch"`
	Journal    JournalConfig        `mapstructure:"journal"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig is where the broker listens.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TransportConfig holds the client connection settings.
type TransportConfig struct {
	BrokerURL         string        `mapstructure:"brokerUrl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeatTimeout"`
	InitialDelay      time.Duration `mapstructure:"initialDelay"`
	MaxDelay          time.Duration `mapstructure:"maxDelay"`
	// MaxAttempts below zero retries forever.
	MaxAttempts   int           `mapstructure:"maxAttempts"`
	HealthProbe   bool          `mapstructure:"healthProbe"`
	HealthPenalty time.Duration `mapstructure:"healthPenalty"`
}

// DispatcherConfig holds command defaults.
type DispatcherConfig struct {
	Channel     string        `mapstructure:"channel"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxDuration time.Duration `mapstructure:"maxDuration"` // 0 disables the ceiling
}

// BatchConfig tunes the batch executor.
type BatchConfig struct {
	ChunkSize   int `mapstructure:"chunkSize"`
	Concurrency int `mapstructure:"concurrency"`
}

// JournalConfig enables the broker event journal when Path is set.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// TransportOptions converts the section into transport.Options.
func (c *Config) TransportOptions() transport.Options {
	t := c.Transport
	return transport.Options{
		URL:                  transport.NormalizeURL(t.BrokerURL),
		HeartbeatInterval:    t.HeartbeatInterval,
		HeartbeatTimeout:     t.HeartbeatTimeout,
		InitialDelay:         t.InitialDelay,
		MaxDelay:             t.MaxDelay,
		MaxReconnectAttempts: t.MaxAttempts,
		HealthProbe:          t.HealthProbe,
		HealthPenalty:        t.HealthPenalty,
	}
}

// DispatchOptions converts the dispatcher and transport sections.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Transport:   c.TransportOptions(),
		Timeout:     c.Dispatcher.Timeout,
		MaxDuration: c.Dispatcher.MaxDuration,
	}
}

// BatchOptions converts the batch section.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		ChunkSize:   c.Batch.ChunkSize,
		Concurrency: c.Batch.Concurrency,
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3055)

	v.SetDefault("transport.brokerUrl", "ws://localhost:3055")
	v.SetDefault("transport.heartbeatInterval", transport.DefaultHeartbeatInterval)
	v.SetDefault("transport.heartbeatTimeout", transport.DefaultHeartbeatTimeout)
	v.SetDefault("transport.initialDelay", transport.DefaultInitialDelay)
	v.SetDefault("transport.maxDelay", transport.DefaultMaxDelay)
	v.SetDefault("transport.maxAttempts", transport.DefaultMaxReconnectAttempts)
	v.SetDefault("transport.healthProbe", true)
	v.SetDefault("transport.healthPenalty", transport.DefaultHealthPenalty)

	v.SetDefault("dispatcher.channel", "")
	v.SetDefault("dispatcher.timeout", dispatch.DefaultTimeout)
	v.SetDefault("dispatcher.maxDuration", time.Duration(0))

	v.SetDefault("batch.chunkSize", batch.DefaultChunkSize)
	v.SetDefault("batch.concurrency", batch.DefaultConcurrency)

	v.SetDefault("journal.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
	v.SetDefault("logging.maxSizeMb", 50)
	v.SetDefault("logging.maxBackups", 3)
}

// Load reads configuration from environment variables, relay.yaml in the
// working directory or ~/.config/relay, and defaults.
// Environment variables use the prefix RELAY_, e.g. RELAY_SERVER_PORT.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. A missing explicit file is
// an error; a missing default file is not.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot split camelCase keys, so bind the common
	// snake_case spellings explicitly.
	_ = v.BindEnv("transport.brokerUrl", "RELAY_TRANSPORT_BROKER_URL", "RELAY_BROKER_URL")
	_ = v.BindEnv("dispatcher.channel", "RELAY_DISPATCHER_CHANNEL", "RELAY_CHANNEL")
	_ = v.BindEnv("dispatcher.maxDuration", "RELAY_DISPATCHER_MAX_DURATION")
	_ = v.BindEnv("journal.path", "RELAY_JOURNAL_PATH")
	_ = v.BindEnv("logging.outputPath", "RELAY_LOGGING_OUTPUT_PATH")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/relay")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks ranges and enumerations. All problems are reported at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if strings.TrimSpace(cfg.Transport.BrokerURL) == "" {
		errs = append(errs, "transport.brokerUrl is required")
	}
	if cfg.Transport.HeartbeatInterval <= 0 || cfg.Transport.HeartbeatTimeout <= 0 {
		errs = append(errs, "transport heartbeat interval and timeout must be positive")
	}
	if cfg.Transport.InitialDelay <= 0 {
		errs = append(errs, "transport.initialDelay must be positive")
	}
	if cfg.Transport.MaxDelay < cfg.Transport.InitialDelay {
		errs = append(errs, "transport.maxDelay must not be below transport.initialDelay")
	}

	if cfg.Dispatcher.Timeout <= 0 {
		errs = append(errs, "dispatcher.timeout must be positive")
	}
	if cfg.Dispatcher.MaxDuration < 0 {
		errs = append(errs, "dispatcher.maxDuration must not be negative")
	}

	if cfg.Batch.ChunkSize <= 0 {
		errs = append(errs, "batch.chunkSize must be positive")
	}
	if cfg.Batch.Concurrency <= 0 {
		errs = append(errs, "batch.concurrency must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
