// Package app wires the sysaudio subsystems into a running daemon.
//
// The App owns the full lifecycle: New builds the capture hub, backend pump,
// reference tap, WebSocket stream and HTTP surface; Run drives them until the
// context ends; Shutdown releases what New acquired.
//
// Device enumeration goes through a circuit breaker so health probes fail
// fast while the platform audio server is down.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithLevelVar, WithHubOptions, WithBreaker) and pass a mock backend.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sysaudio/internal/config"
	"github.com/MrWong99/sysaudio/internal/health"
	"github.com/MrWong99/sysaudio/internal/observe"
	"github.com/MrWong99/sysaudio/internal/resilience"
	"github.com/MrWong99/sysaudio/internal/stream"
	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/capture"
	"github.com/MrWong99/sysaudio/pkg/audio/farend"
)

// shutdownTimeout bounds graceful HTTP shutdown once Run's context ends.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	backend *resilience.GuardedBackend

	hub     *capture.Hub
	pump    *backend.Pump
	tap     *ReferenceTap
	stream  *stream.Handler
	health  *health.Handler
	metrics *observe.Metrics

	metricsHandler http.Handler
	level          *slog.LevelVar
	hubOpts        []capture.HubOption
	breaker        resilience.BreakerConfig
	handler        http.Handler

	mu   sync.Mutex
	addr net.Addr

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Without it /metrics is not
// registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHubOptions passes extra options, such as a test clock, to the hub.
func WithHubOptions(opts ...capture.HubOption) Option {
	return func(a *App) { a.hubOpts = append(a.hubOpts, opts...) }
}

// WithBreaker tunes the circuit breaker guarding device enumeration.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(a *App) { a.breaker = cfg }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the application around b. It does not open any device; capture
// starts when Run activates the hub.
func New(cfg *config.Config, b backend.Backend, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if b == nil {
		return nil, errors.New("app: nil backend")
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	a.backend = resilience.Guard(b, a.breaker)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// Injected hub options apply after the backend probe and may replace it.
	hubOpts := append([]capture.HubOption{capture.WithProbe(backend.Probe(a.backend))}, a.hubOpts...)
	a.hub = capture.NewHub(hubOpts...)

	reg, err := a.metrics.ObserveExchange(a.hub)
	if err != nil {
		return nil, fmt.Errorf("app: register exchange metrics: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	rc := cfg.Capture.Reconnect
	a.pump = backend.NewPump(backend.PumpConfig{
		Backend:    a.backend,
		Hub:        a.hub,
		Device:     cfg.Capture.Device,
		MaxRetries: rc.MaxRetries,
		Backoff:    rc.Backoff,
		MaxBackoff: rc.MaxBackoff,
		OnOpen:     a.recordOpen,
	})

	if cfg.Reference.IsEnabled() {
		a.tap = NewReferenceTap(a.hub, cfg.Reference.Interval, cfg.Reference.Lag, a.metrics)
	}
	if cfg.Stream.IsEnabled() {
		a.stream = stream.New(a.hub, stream.WithBuffer(cfg.Stream.Buffer), stream.WithMetrics(a.metrics))
	}

	a.health = health.New(
		health.Loopback(a.hub.Supported),
		health.Capture(a.pump.Err),
	)
	a.closers = append(a.closers, b.Close)
	a.handler = a.routes()

	slog.Info("app initialised",
		"backend", b.Name(),
		"device", cfg.Capture.Device,
		"reference", a.tap != nil,
		"stream", a.stream != nil,
	)
	return a, nil
}

func (a *App) recordOpen(device string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		slog.Warn("failed to open capture stream", "backend", a.backend.Name(), "device", device, "err", err)
	}
	a.metrics.RecordBackendOpen(context.Background(), a.backend.Name(), status)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	if a.stream != nil {
		mux.Handle("GET /v1/farend", a.stream)
	}
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Hub returns the capture hub shared by all consumers.
func (a *App) Hub() *capture.Hub {
	return a.hub
}

// StreamStatus summarises WebSocket delivery.
type StreamStatus struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
	Buffer  int    `json:"buffer"`
}

// Status is the body of GET /v1/status.
type Status struct {
	Supported   bool             `json:"supported"`
	Active      int              `json:"active_count"`
	Format      string           `json:"format"`
	Devices     []string         `json:"devices"`
	DeviceError string           `json:"device_error,omitempty"`
	Backend     backend.Status   `json:"backend"`
	Enumeration string           `json:"enumeration"`
	Exchange    farend.Stats     `json:"exchange"`
	Pending     int              `json:"pending"`
	Forwarded   uint64           `json:"forwarded"`
	Reference   *ReferenceStatus `json:"reference,omitempty"`
	Stream      *StreamStatus    `json:"stream,omitempty"`
}

// Status collects a snapshot of every subsystem. It enumerates devices, so
// it may block on the platform audio server.
func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Active:    a.hub.ActiveCount(),
		Format:    audio.FarEndFormat.String(),
		Devices:   []string{},
		Backend:   a.pump.Status(),
		Exchange:  a.hub.Stats(),
		Pending:   a.hub.Pending(),
		Forwarded: a.hub.Forwarded(),
	}
	var ids []string
	err := observe.Traced(ctx, "sysaudio.enumerate", func(ctx context.Context) error {
		var err error
		ids, err = backend.Classify(ctx, a.backend)
		return err
	})
	if err != nil {
		st.DeviceError = err.Error()
	} else if len(ids) > 0 {
		st.Devices = ids
	}
	st.Supported = len(st.Devices) > 0
	st.Enumeration = a.backend.BreakerState().String()

	if a.tap != nil {
		rs := a.tap.Status()
		st.Reference = &rs
	}
	if a.stream != nil {
		st.Stream = &StreamStatus{
			Clients: a.stream.Clients(),
			Dropped: a.stream.Dropped(),
			Buffer:  a.stream.Buffer(),
		}
	}
	return st
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.Status(r.Context())); err != nil {
		observe.Logger(r.Context()).Warn("failed to encode status", "err", err)
	}
}

// Addr returns the address the HTTP server listens on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the capture pump and reference tap until ctx is
// cancelled or one of them fails. On cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.pump.Run(gctx)
	})
	if a.tap != nil {
		g.Go(func() error {
			return a.tap.Run(gctx)
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(), "backend", a.backend.Name())
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It matches
// [config.ChangeFunc] so it can be handed to [config.NewWatcher].
func (a *App) ApplyConfig(_, _ *config.Config, diff config.ConfigDiff) {
	a.metrics.ConfigReloads.Add(context.Background(), 1)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.ReferenceLagChanged && a.tap != nil {
		a.tap.SetLag(diff.NewReferenceLag)
		slog.Info("reference lag changed", "lag", diff.NewReferenceLag)
	}
	if diff.StreamBufferChanged && a.stream != nil {
		a.stream.SetBuffer(diff.NewStreamBuffer)
		slog.Info("stream buffer changed", "buffer", diff.NewStreamBuffer)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "keys", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the backend and metric registrations. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
