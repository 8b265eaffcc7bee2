// Package miniaudio implements a [backend.Backend] on top of miniaudio via
// gen2brain/malgo. It covers WASAPI, CoreAudio, ALSA, PulseAudio and the
// other platforms miniaudio supports, so loopback-like devices appear here
// under whatever name the driver gives them ("Stereo Mix", "Monitor of ...",
// virtual loopback drivers).
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// Name is the registry name of this backend.
const Name = "miniaudio"

var _ backend.Backend = (*Backend)(nil)

// errStopped is reported when the device stops without being closed.
var errStopped = errors.New("miniaudio: device stopped")

// ErrClosed is returned by Inventory and Open after Close.
var ErrClosed = errors.New("miniaudio: backend closed")

// Options configures [New].
type Options struct {
	// BrandPrefix is stripped from device names before classification.
	BrandPrefix string
}

// Backend captures through a miniaudio context.
type Backend struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	prefix string
}

// New initialises a miniaudio context with the platform's default backend
// order.
func New(opts Options) (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Backend{ctx: ctx, prefix: opts.BrandPrefix}, nil
}

// Name implements [backend.Backend].
func (b *Backend) Name() string { return Name }

// BrandPrefix implements [backend.Backend].
func (b *Backend) BrandPrefix() string { return b.prefix }

// Inventory implements [loopback.Enumerator]. Device IDs are the hex form of
// miniaudio's opaque device identifiers.
func (b *Backend) Inventory(ctx context.Context) (loopback.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return loopback.Inventory{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return loopback.Inventory{}, ErrClosed
	}

	capture, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return loopback.Inventory{}, fmt.Errorf("miniaudio: enumerate capture devices: %w", err)
	}
	inv := loopback.Inventory{Capture: make([]loopback.Device, 0, len(capture))}
	for _, info := range capture {
		d := loopback.Device{ID: info.ID.String(), Name: info.Name()}
		inv.Capture = append(inv.Capture, d)
		if info.IsDefault != 0 && inv.DefaultCaptureID == "" {
			inv.DefaultCaptureID = d.ID
		}
	}

	playback, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		slog.Warn("miniaudio: failed to enumerate playback devices", "err", err)
		return inv, nil
	}
	for _, info := range playback {
		if info.IsDefault != 0 {
			inv.DefaultPlaybackName = info.Name()
			break
		}
	}
	return inv, nil
}

// Open implements [backend.Backend]. The device is opened in S16 stereo at
// 48 kHz with a 10 ms period; miniaudio converts from the native format.
func (b *Backend) Open(ctx context.Context, deviceID string, sink backend.Sink) (backend.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, ErrClosed
	}

	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate capture devices: %w", err)
	}
	s := &stream{done: make(chan struct{})}
	found := false
	for _, info := range infos {
		if info.ID.String() == deviceID {
			s.id = info.ID
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("miniaudio: %w: %s", backend.ErrDeviceNotFound, deviceID)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = audio.FarEndChannels
	cfg.Capture.DeviceID = s.id.Pointer()
	cfg.SampleRate = audio.FarEndSampleRate
	cfg.PeriodSizeInMilliseconds = uint32(audio.FarEndFrameDuration.Milliseconds())

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) > 0 {
				sink(input)
			}
		},
		Stop: s.stopped,
	}

	dev, err := malgo.InitDevice(b.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init device %s: %w", deviceID, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start device %s: %w", deviceID, err)
	}
	s.dev = dev
	return s, nil
}

// Close implements [backend.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

type stream struct {
	id  malgo.DeviceID
	dev *malgo.Device

	mu      sync.Mutex
	closing bool
	err     error
	done    chan struct{}
	once    sync.Once
}

// stopped runs on miniaudio's thread whenever the device stops, including
// during our own Close.
func (s *stream) stopped() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.err = errStopped
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.dev.Uninit()
	return nil
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
