package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sysaudio/internal/config"
	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
	"github.com/MrWong99/sysaudio/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

capture:
  backend: miniaudio
  device: "alsa_output.pci.analog-stereo.monitor"
  brand_prefix: ""
  reconnect:
    max_retries: 3
    backoff: 250ms
    max_backoff: 5s

reference:
  enabled: false
  interval: 20ms
  lag: 40ms

stream:
  enabled: true
  buffer: 16

telemetry:
  service_name: sysaudio-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── LoadFromReader ───────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Capture.Backend != "miniaudio" {
		t.Errorf("backend = %q", cfg.Capture.Backend)
	}
	if cfg.Capture.Device != "alsa_output.pci.analog-stereo.monitor" {
		t.Errorf("device = %q", cfg.Capture.Device)
	}
	if cfg.Capture.BrandPrefix == nil || *cfg.Capture.BrandPrefix != "" {
		t.Errorf("brand_prefix = %v, want explicit empty string", cfg.Capture.BrandPrefix)
	}
	want := config.ReconnectConfig{MaxRetries: 3, Backoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}
	if cfg.Capture.Reconnect != want {
		t.Errorf("reconnect = %+v, want %+v", cfg.Capture.Reconnect, want)
	}
	if cfg.Reference.IsEnabled() {
		t.Error("reference should be disabled")
	}
	if cfg.Reference.Interval != 20*time.Millisecond || cfg.Reference.Lag != 40*time.Millisecond {
		t.Errorf("reference = %+v", cfg.Reference)
	}
	if !cfg.Stream.IsEnabled() || cfg.Stream.Buffer != 16 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Telemetry.ServiceName != "sysaudio-test" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Capture.Backend != config.DefaultBackend {
		t.Errorf("backend = %q", cfg.Capture.Backend)
	}
	if cfg.Capture.BrandPrefix == nil || *cfg.Capture.BrandPrefix != loopback.DefaultBrandPrefix {
		t.Errorf("brand_prefix = %v", cfg.Capture.BrandPrefix)
	}
	rc := cfg.Capture.Reconnect
	if rc.MaxRetries != 10 || rc.Backoff != time.Second || rc.MaxBackoff != 30*time.Second {
		t.Errorf("reconnect = %+v", rc)
	}
	if !cfg.Reference.IsEnabled() || cfg.Reference.Interval != 10*time.Millisecond {
		t.Errorf("reference = %+v", cfg.Reference)
	}
	if cfg.Reference.Lag != config.DefaultReferenceLag {
		t.Errorf("lag = %v", cfg.Reference.Lag)
	}
	if !cfg.Stream.IsEnabled() || cfg.Stream.Buffer != 64 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Telemetry.ServiceName != "sysaudio" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("capture:\n  backnd: pulse\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "backnd") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_MalformedYAML(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server: [unclosed"))
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/sysaudio.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.CaptureConfig
	reg.RegisterBackend("mock", func(cfg config.CaptureConfig) (backend.Backend, error) {
		got = cfg
		return &mock.Backend{Prefix: *cfg.BrandPrefix}, nil
	})

	prefix := "Vendor: "
	b, err := reg.CreateBackend(config.CaptureConfig{Backend: "mock", BrandPrefix: &prefix})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if b.BrandPrefix() != "Vendor: " {
		t.Errorf("BrandPrefix = %q", b.BrandPrefix())
	}
	if got.Backend != "mock" {
		t.Errorf("factory received %+v", got)
	}
	if _, err := b.Inventory(context.Background()); err != nil {
		t.Errorf("Inventory: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateBackend(config.CaptureConfig{Backend: "coreaudio"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "coreaudio") {
		t.Errorf("error should name the backend, got: %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no server")
	reg.RegisterBackend("pulse", func(config.CaptureConfig) (backend.Backend, error) { return nil, boom })

	_, err := reg.CreateBackend(config.CaptureConfig{Backend: "pulse"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRegistry_OverwriteAndList(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &mock.Backend{NameResult: "first"}
	second := &mock.Backend{NameResult: "second"}
	reg.RegisterBackend("pulse", func(config.CaptureConfig) (backend.Backend, error) { return first, nil })
	reg.RegisterBackend("pulse", func(config.CaptureConfig) (backend.Backend, error) { return second, nil })
	reg.RegisterBackend("miniaudio", func(config.CaptureConfig) (backend.Backend, error) { return first, nil })

	b, err := reg.CreateBackend(config.CaptureConfig{Backend: "pulse"})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if b.Name() != "second" {
		t.Errorf("overwritten factory not used, got %q", b.Name())
	}
	names := reg.Backends()
	if len(names) != 2 || names[0] != "miniaudio" || names[1] != "pulse" {
		t.Errorf("Backends = %v", names)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/sysaudio.example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Capture.Backend != "pulse" || cfg.Reference.Lag != 30*time.Millisecond {
		t.Errorf("unexpected example values: backend=%q lag=%v", cfg.Capture.Backend, cfg.Reference.Lag)
	}
}
