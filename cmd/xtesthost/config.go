package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xtestbus/rpc"
)

// HostConfig is the YAML host configuration. Command-line flags override it.
type HostConfig struct {
	Client      ClientConfig `yaml:"client"`
	Formatter   string       `yaml:"formatter"`
	Manifest    string       `yaml:"manifest"`
	LogLevel    string       `yaml:"log_level"`
	LogConsole  bool         `yaml:"log_console"`
	MetricsAddr string       `yaml:"metrics_addr"`

	// Bus is passed to xtestbus.ConfigFromMap.
	Bus map[string]any `yaml:"bus"`
	// Redis enables the Redis Streams mirror when non-empty; see redisstream.ConfigFromMap.
	Redis map[string]any `yaml:"redis"`
}

// ClientConfig locates the listening client: a TCP host/port or a pipe path.
type ClientConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Pipe        string        `yaml:"pipe"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func defaultHostConfig() HostConfig {
	return HostConfig{
		Client: ClientConfig{
			Host:        "localhost",
			DialTimeout: 10 * time.Second,
		},
		Formatter: rpc.FormatterJSON,
		LogLevel:  "info",
	}
}

// loadHostConfig returns the defaults overlaid with the file at path, if any.
func loadHostConfig(path string) (HostConfig, error) {
	cfg := defaultHostConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the resolved configuration before anything is dialed.
func (c HostConfig) Validate() error {
	if c.Manifest == "" {
		return errors.New("config: manifest required")
	}
	switch {
	case c.Client.Pipe != "" && c.Client.Port != 0:
		return errors.New("config: client pipe and port are mutually exclusive")
	case c.Client.Pipe == "" && c.Client.Port == 0:
		return errors.New("config: client pipe or port required")
	}
	if _, err := rpc.NewFormatter(c.Formatter); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// transport returns the registered transport name and its config.
func (c HostConfig) transport() (string, map[string]any) {
	if c.Client.Pipe != "" {
		return rpc.TransportPipe, map[string]any{
			"path":         c.Client.Pipe,
			"dial_timeout": c.Client.DialTimeout,
		}
	}
	return rpc.TransportTCP, map[string]any{
		"host":         c.Client.Host,
		"port":         c.Client.Port,
		"dial_timeout": c.Client.DialTimeout,
	}
}

// logLevel maps a level name onto a zerolog adapter config.
func logLevel(name string) (zerolog.Config, error) {
	cfg := zerolog.Config{
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            true,
		CallerSkip:        5,
		Writer:            os.Stderr,
	}
	switch strings.ToLower(name) {
	case "debug":
		cfg.MinLevel = xlog.LevelDebug
	case "", "info":
		cfg.MinLevel = xlog.LevelInfo
	case "warn", "warning":
		cfg.MinLevel = xlog.LevelWarn
	case "error":
		cfg.MinLevel = xlog.LevelError
	default:
		return cfg, fmt.Errorf("config: unknown log level %q", name)
	}
	return cfg, nil
}

// newLogger builds the process logger through the zerolog adapter.
func newLogger(c HostConfig) (*xlog.Logger, error) {
	lc, err := logLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	lc.Console = c.LogConsole
	return zerolog.Use(lc).With(xlog.Str("app", "xtesthost")), nil
}
