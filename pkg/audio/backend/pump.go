package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/capture"
	"github.com/MrWong99/sysaudio/pkg/audio/farend"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// State describes what a [Pump] is currently doing.
type State string

const (
	// StateIdle means no consumer wants capture.
	StateIdle State = "idle"
	// StateStreaming means a platform stream is feeding the hub.
	StateStreaming State = "streaming"
	// StateBackoff means the last open or stream failed and a retry is
	// scheduled.
	StateBackoff State = "backoff"
	// StateFailed means retries are exhausted; the pump starts a fresh
	// retry cycle after MaxBackoff or on the next activation change.
	StateFailed State = "failed"
)

// Status is a snapshot of a pump.
type Status struct {
	Backend  string `json:"backend"`
	State    State  `json:"state"`
	Device   string `json:"device,omitempty"`
	Opens    uint64 `json:"opens"`
	Failures uint64 `json:"failures"`
	LastErr  string `json:"last_error,omitempty"`
}

// PumpConfig configures a [Pump].
type PumpConfig struct {
	// Backend is the platform audio API to capture from.
	Backend Backend

	// Hub receives the captured frames and provides the activation signal.
	Hub *capture.Hub

	// Device forces a specific capture device ID. When empty the first
	// classified loopback device is used.
	Device string

	// MaxRetries is the number of consecutive failed opens tolerated per
	// activation. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between retries. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the retry wait. It is also the pause between retry
	// cycles once MaxRetries is exhausted. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnOpen, if set, is called after every open attempt with the selected
	// device and the resulting error.
	OnOpen func(device string, err error)
}

// Pump opens the backend's capture stream while the hub is active and closes
// it when the hub goes idle. Failed or interrupted streams are reopened with
// exponential backoff.
//
// Pump is the only reader of [capture.Hub.ActivationChanged] and the only
// producer for the hub's exchange.
type Pump struct {
	backend    Backend
	hub        *capture.Hub
	device     string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onOpen     func(device string, err error)

	framer *farend.Framer

	mu      sync.Mutex
	state   State
	current string
	lastErr error

	opens    atomic.Uint64
	failures atomic.Uint64
}

// errGaveUp marks an activation whose retries are exhausted.
var errGaveUp = errors.New("backend: retries exhausted")

// NewPump creates a [Pump] with the given configuration.
func NewPump(cfg PumpConfig) *Pump {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	p := &Pump{
		backend:    cfg.Backend,
		hub:        cfg.Hub,
		device:     cfg.Device,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		onOpen:     cfg.OnOpen,
		state:      StateIdle,
	}
	p.framer = farend.NewFramer(func(when time.Duration, frame []byte) {
		p.hub.Push(when, frame, audio.FarEndSampleRate, audio.FarEndChannels)
	})
	return p
}

// Status returns the pump's current state.
func (p *Pump) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Backend:  p.backend.Name(),
		State:    p.state,
		Device:   p.current,
		Opens:    p.opens.Load(),
		Failures: p.failures.Load(),
	}
	if p.lastErr != nil {
		st.LastErr = p.lastErr.Error()
	}
	return st
}

// Err returns the error that put the pump into the failed state, or nil.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateFailed {
		return nil
	}
	return p.lastErr
}

func (p *Pump) setState(s State, device string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	p.current = device
	if err != nil || s == StateStreaming {
		p.lastErr = err
	}
}

// Run drives the backend until ctx is cancelled and returns ctx.Err().
func (p *Pump) Run(ctx context.Context) error {
	failed := false
	for {
		if failed {
			if !p.cooldown(ctx) {
				return ctx.Err()
			}
			failed = false
			continue
		}
		if !p.hub.Active() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.hub.ActivationChanged():
				continue
			}
		}

		err := p.runActive(ctx)
		if ctx.Err() != nil {
			p.setState(StateIdle, "", nil)
			return ctx.Err()
		}
		failed = errors.Is(err, errGaveUp)
	}
}

// cooldown holds the failed state for maxBackoff or until the activation
// changes. It returns false when ctx ends.
func (p *Pump) cooldown(ctx context.Context) bool {
	timer := time.NewTimer(p.maxBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.hub.ActivationChanged():
	case <-timer.C:
		if p.hub.Active() {
			slog.Info("retrying failed capture backend", "backend", p.backend.Name())
		}
	}
	return true
}

// runActive keeps a stream open for as long as the hub stays active.
func (p *Pump) runActive(ctx context.Context) error {
	backoff := p.backoff
	attempt := 0

	for p.hub.Active() {
		device, stream, err := p.open(ctx)
		if err == nil {
			attempt = 0
			backoff = p.backoff
			err = p.stream(ctx, device, stream)
			if err == nil {
				p.setState(StateIdle, "", nil)
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.failures.Add(1)
		attempt++
		if attempt > p.maxRetries {
			slog.Error("capture stream failed after max retries",
				"backend", p.backend.Name(),
				"max_retries", p.maxRetries,
				"err", err,
			)
			p.setState(StateFailed, "", err)
			return errGaveUp
		}

		slog.Warn("capture stream failed, retrying",
			"backend", p.backend.Name(),
			"attempt", attempt,
			"max_retries", p.maxRetries,
			"backoff", backoff,
			"err", err,
		)
		p.setState(StateBackoff, "", err)

		if !p.wait(ctx, backoff) {
			if ctx.Err() == nil {
				p.setState(StateIdle, "", nil)
			}
			return ctx.Err()
		}

		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
	p.setState(StateIdle, "", nil)
	return nil
}

// open selects a device and opens a stream on it.
func (p *Pump) open(ctx context.Context) (string, Stream, error) {
	device, stream, err := p.openDevice(ctx)
	if p.onOpen != nil {
		p.onOpen(device, err)
	}
	return device, stream, err
}

func (p *Pump) openDevice(ctx context.Context) (string, Stream, error) {
	device := p.device
	if device == "" {
		ids, err := Classify(ctx, p.backend)
		if err != nil {
			return "", nil, err
		}
		if len(ids) == 0 {
			return "", nil, ErrNoLoopbackDevice
		}
		device = ids[0]
	}

	p.framer.Reset()
	stream, err := p.backend.Open(ctx, device, func(chunk []byte) {
		p.framer.Write(p.hub.Now(), chunk)
	})
	if err != nil {
		return device, nil, fmt.Errorf("backend: open %q: %w", device, err)
	}
	p.opens.Add(1)
	return device, stream, nil
}

// stream waits until the hub goes idle, ctx ends or the stream dies. It
// returns nil when the stream was closed on purpose.
func (p *Pump) stream(ctx context.Context, device string, s Stream) error {
	p.setState(StateStreaming, device, nil)
	slog.Info("capture stream opened", "backend", p.backend.Name(), "device", device)

	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("failed to close capture stream", "backend", p.backend.Name(), "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.hub.ActivationChanged():
			if !p.hub.Active() {
				slog.Info("capture stream closed", "backend", p.backend.Name(), "device", device)
				return nil
			}
		case <-s.Done():
			err := s.Err()
			if err == nil {
				err = errors.New("stream ended")
			}
			return fmt.Errorf("backend: stream %q: %w", device, err)
		}
	}
}

// wait sleeps for d and reports whether the pump should retry. It returns
// false when ctx ends or the hub goes idle.
func (p *Pump) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-p.hub.ActivationChanged():
			if !p.hub.Active() {
				return false
			}
		case <-timer.C:
			return true
		}
	}
}
