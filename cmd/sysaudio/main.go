// Command sysaudio is the system-audio loopback capture daemon.
//
// Usage:
//
//	sysaudio -config sysaudio.yaml
//	sysaudio -config sysaudio.yaml -list-devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/sysaudio/internal/app"
	"github.com/MrWong99/sysaudio/internal/config"
	"github.com/MrWong99/sysaudio/internal/observe"
	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/backend/miniaudio"
	"github.com/MrWong99/sysaudio/pkg/audio/backend/pulse"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "sysaudio.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the detected loopback devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sysaudio: config file %q not found, copy configs/sysaudio.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sysaudio: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("sysaudio starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Capture.Backend,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Backend ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	b, err := reg.CreateBackend(cfg.Capture)
	if err != nil {
		slog.Error("failed to create capture backend", "err", err, "available", reg.Backends())
		return 1
	}

	if *listDevices {
		return printDevices(b)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.NewProvider(observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		_ = b.Close()
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		_ = b.Close()
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, b,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = b.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go func() { _ = watcher.Run(ctx) }()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		slog.Info("shutdown signal received, stopping")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture backends that ship with sysaudio
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("pulse", func(cc config.CaptureConfig) (backend.Backend, error) {
		b, err := pulse.New(pulse.Options{AppName: "sysaudio", BrandPrefix: brandPrefix(cc)})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	reg.RegisterBackend("miniaudio", func(cc config.CaptureConfig) (backend.Backend, error) {
		b, err := miniaudio.New(miniaudio.Options{BrandPrefix: brandPrefix(cc)})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

func brandPrefix(cc config.CaptureConfig) string {
	if cc.BrandPrefix == nil {
		return loopback.DefaultBrandPrefix
	}
	return *cc.BrandPrefix
}

// reloadOnHangup re-reads the config file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// printDevices writes the classified loopback devices to stdout, best first.
func printDevices(b backend.Backend) int {
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := backend.Classify(ctx, b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysaudio: enumerate devices: %v\n", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Fprintf(os.Stderr, "sysaudio: no loopback capture device found (backend %s)\n", b.Name())
		return 1
	}
	fmt.Println(strings.Join(ids, "\n"))
	return 0
}
