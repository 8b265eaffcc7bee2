package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/sysaudio/pkg/audio/farend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// ValidBackendNames lists the capture backends shipped with sysaudio.
// Used by [Validate] to reject typos.
var ValidBackendNames = []string{"pulse", "miniaudio"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":9464"
	DefaultBackend           = "pulse"
	DefaultMaxRetries        = 10
	DefaultBackoff           = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultReferenceInterval = 10 * time.Millisecond
	DefaultReferenceLag      = 30 * time.Millisecond
	DefaultStreamBuffer      = 64
	DefaultServiceName       = "sysaudio"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
// Fields that were set explicitly, including to invalid values, are left
// alone for [Validate] to report.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultBackend
	}
	if cfg.Capture.BrandPrefix == nil {
		prefix := loopback.DefaultBrandPrefix
		cfg.Capture.BrandPrefix = &prefix
	}
	if cfg.Capture.Reconnect.MaxRetries == 0 {
		cfg.Capture.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if cfg.Capture.Reconnect.Backoff == 0 {
		cfg.Capture.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Capture.Reconnect.MaxBackoff == 0 {
		cfg.Capture.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Reference.Interval == 0 {
		cfg.Reference.Interval = DefaultReferenceInterval
	}
	if cfg.Reference.Lag == 0 {
		cfg.Reference.Lag = DefaultReferenceLag
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = DefaultStreamBuffer
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	if cfg.Capture.Backend != "" && !slices.Contains(ValidBackendNames, cfg.Capture.Backend) {
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: %v", cfg.Capture.Backend, ValidBackendNames))
	}
	rc := cfg.Capture.Reconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("capture.reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 {
		errs = append(errs, fmt.Errorf("capture.reconnect.backoff %v must not be negative", rc.Backoff))
	}
	if rc.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("capture.reconnect.max_backoff %v must not be negative", rc.MaxBackoff))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("capture.reconnect.backoff %v exceeds max_backoff %v", rc.Backoff, rc.MaxBackoff))
	}

	// Reference tap
	if cfg.Reference.Interval < 0 {
		errs = append(errs, fmt.Errorf("reference.interval %v must not be negative", cfg.Reference.Interval))
	}
	if cfg.Reference.Lag < 0 {
		errs = append(errs, fmt.Errorf("reference.lag %v must not be negative", cfg.Reference.Lag))
	}
	if cfg.Reference.Lag >= farend.MaxEchoDelay {
		errs = append(errs, fmt.Errorf("reference.lag %v must be below the maximum echo delay %v", cfg.Reference.Lag, farend.MaxEchoDelay))
	}
	if cfg.Reference.Interval > 0 && cfg.Reference.Interval < time.Millisecond {
		slog.Warn("reference.interval is below 1ms; the tap will spin", "interval", cfg.Reference.Interval)
	}

	// Stream
	if cfg.Stream.Buffer < 0 {
		errs = append(errs, fmt.Errorf("stream.buffer %d must not be negative", cfg.Stream.Buffer))
	}

	if cfg.Capture.Device != "" && !loopback.LooksLikeLoopback(cfg.Capture.Device, cfg.Capture.Device) {
		slog.Warn("capture.device does not look like a loopback source; echo reference may contain microphone audio",
			"device", cfg.Capture.Device,
		)
	}

	return errors.Join(errs...)
}
