// Package config provides the configuration schema, loader, hot-reload
// watcher and capture-backend registry for the sysaudio daemon.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the sysaudio daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for sysaudio.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Reference ReferenceConfig `yaml:"reference"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":9464").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig selects and tunes the platform capture backend.
type CaptureConfig struct {
	// Backend selects the registered backend implementation
	// ("pulse" or "miniaudio").
	Backend string `yaml:"backend"`

	// Device forces a specific capture device ID. When empty the first
	// classified loopback device is used.
	Device string `yaml:"device"`

	// BrandPrefix is stripped from device names before they are matched
	// against the default playback device. nil selects the default
	// ("OpenAL Soft on "); an explicit empty string disables stripping.
	BrandPrefix *string `yaml:"brand_prefix"`

	// Reconnect controls how failed capture streams are retried.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds the exponential backoff parameters of the capture
// pump.
type ReconnectConfig struct {
	// MaxRetries is the number of consecutive failures tolerated per
	// activation.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial wait between retries.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ReferenceConfig configures the built-in near-end reference tap, which
// pulls far-end frames at a fixed cadence the way an echo canceller would.
type ReferenceConfig struct {
	// Enabled turns the tap on. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Interval is the tap cadence.
	Interval time.Duration `yaml:"interval"`

	// Lag is subtracted from the current time to form the near-end
	// timestamp, modelling microphone pipeline latency.
	Lag time.Duration `yaml:"lag"`
}

// IsEnabled reports whether the reference tap should run.
func (r ReferenceConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// StreamConfig configures the WebSocket far-end delivery endpoint.
type StreamConfig struct {
	// Enabled mounts the endpoint. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Buffer is the number of captured buffers queued per client before new
	// ones are dropped.
	Buffer int `yaml:"buffer"`
}

// IsEnabled reports whether the WebSocket endpoint should be served.
func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}
