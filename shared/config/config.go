// Package config loads the YAML configuration shared by the client library
// consumers and the simulator binary, with optional hot reload of the file.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed configuration. Accessors are safe for concurrent
// use; Watch refreshes values when the file changes on disk.
type Config struct {
	mu         sync.RWMutex
	configPath string
	logger     *zap.Logger

	serverURL        string
	apiKey           string
	logLevel         string
	listenAddr       string
	databaseURL      string
	pollInterval     time.Duration
	backstopInterval time.Duration
	maxPollAttempts  int
	stepDelay        time.Duration
}

type yamlConfig struct {
	Server struct {
		URL      string `yaml:"url"`
		APIKey   string `yaml:"api_key"`
		LogLevel string `yaml:"log_level"`
		Listen   string `yaml:"listen"`
	} `yaml:"server"`

	Watch struct {
		PollInterval     string `yaml:"poll_interval"`
		BackstopInterval string `yaml:"backstop_interval"`
		MaxPollAttempts  int    `yaml:"max_poll_attempts"`
	} `yaml:"watch"`

	Simulator struct {
		DatabaseURL string `yaml:"database_url"`
		StepDelay   string `yaml:"step_delay"`
	} `yaml:"simulator"`
}

// parseDuration parses an optional duration value. The empty string means
// unset and maps to zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

// New loads the configuration from the given YAML file.
func New(configPath string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Config{
		configPath: configPath,
		logger:     logger.Named("config"),
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load re-reads the configuration file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", c.configPath, err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", c.configPath, err)
	}
	pollInterval, err := parseDuration("watch.poll_interval", raw.Watch.PollInterval)
	if err != nil {
		return err
	}
	backstopInterval, err := parseDuration("watch.backstop_interval", raw.Watch.BackstopInterval)
	if err != nil {
		return err
	}
	stepDelay, err := parseDuration("simulator.step_delay", raw.Simulator.StepDelay)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = raw.Server.URL
	c.apiKey = raw.Server.APIKey
	c.logLevel = raw.Server.LogLevel
	c.listenAddr = raw.Server.Listen
	c.databaseURL = raw.Simulator.DatabaseURL
	c.pollInterval = pollInterval
	c.backstopInterval = backstopInterval
	c.maxPollAttempts = raw.Watch.MaxPollAttempts
	c.stepDelay = stepDelay
	return nil
}

// Watch reloads the configuration whenever the file changes. It returns a
// stop function releasing the watcher.
func (c *Config) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(c.configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file %s: %w", c.configPath, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Load(); err != nil {
					c.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
					continue
				}
				c.logger.Info("Config reloaded", zap.String("path", c.configPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

// ServerURL returns the task API base URL.
func (c *Config) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// APIKey returns the bearer token for the task API, if any.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// LogLevel returns the configured log level name, defaulting to info.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logLevel == "" {
		return "info"
	}
	return c.logLevel
}

// ListenAddr returns the simulator listen address, defaulting to :8080.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listenAddr == "" {
		return ":8080"
	}
	return c.listenAddr
}

// DatabaseURL returns the optional PostgreSQL connection string for the
// simulator's task store. Empty means in-memory.
func (c *Config) DatabaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.databaseURL
}

// PollInterval returns the sole-source polling cadence, zero meaning the
// client default.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollInterval
}

// BackstopInterval returns the backstop polling cadence, zero meaning the
// client default.
func (c *Config) BackstopInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backstopInterval
}

// MaxPollAttempts returns the sole-source attempt ceiling, zero meaning the
// client default.
func (c *Config) MaxPollAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPollAttempts
}

// StepDelay returns the simulator's scripted step delay, zero meaning the
// simulator default.
func (c *Config) StepDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepDelay
}
