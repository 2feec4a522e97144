package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the dispatchd daemon.
type ServerConfig struct {
	Addr          string `yaml:"addr"`           // Listen address (default ":8080")
	LogLevel      string `yaml:"log_level"`      // Log level: debug, info, warn, error
	LogFormat     string `yaml:"log_format"`     // Log format: text, json
	DBPath        string `yaml:"db_path"`        // SQLite history path (default ~/.dispatchq/history.db, ":memory:" for testing)
	RedisAddr     string `yaml:"redis_addr"`     // Optional Redis address for the cross-process aggregate
	StatsSchedule string `yaml:"stats_schedule"` // Cron spec for queue stats sampling; empty disables
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":8080",
		LogLevel:      "info",
		LogFormat:     "text",
		StatsSchedule: "@every 1m",
	}
}

// File is the on-disk layout of a dispatchd configuration file.
type File struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// DefaultFile returns a File populated with every default.
func DefaultFile() File {
	return File{
		Server:    DefaultServerConfig(),
		Scheduler: DefaultSchedulerConfig(),
	}
}

// Load reads a YAML configuration file. Fields missing from the file keep
// their defaults; the scheduler section is validated before returning.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML configuration document from r.
func Decode(r io.Reader) (File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultFile()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Scheduler.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}
