// Package backend defines the contract between platform audio APIs and the
// capture hub, and the [Pump] that drives a backend from the hub's
// activation state.
//
// Concrete backends live in sub-packages:
//
//   - backend/pulse: PulseAudio / PipeWire via the native protocol.
//   - backend/miniaudio: miniaudio (WASAPI, CoreAudio, ALSA, ...) via cgo.
package backend

import (
	"context"
	"errors"

	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// ErrNoLoopbackDevice is returned when a backend has no capture device that
// looks like a system-audio monitor.
var ErrNoLoopbackDevice = errors.New("backend: no loopback capture device")

// ErrDeviceNotFound is returned by Open when the requested device ID is not
// present in the current enumeration.
var ErrDeviceNotFound = errors.New("backend: device not found")

// Sink receives raw S16LE interleaved stereo audio at 48 kHz in whatever
// chunk size the platform delivers. It is called on the platform's audio
// goroutine and must not block or retain chunk.
type Sink func(chunk []byte)

// Backend is a platform audio API able to enumerate devices and open a
// capture stream in the far-end format.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	loopback.Enumerator

	// Name returns the registry name of the backend, e.g. "pulse".
	Name() string

	// BrandPrefix returns the prefix the platform puts in front of device
	// names, stripped before playback-name matching. Empty when none.
	BrandPrefix() string

	// Open starts capturing from deviceID and feeds audio to sink until the
	// returned stream is closed or fails.
	Open(ctx context.Context, deviceID string, sink Sink) (Stream, error)

	// Close releases the connection to the platform audio system.
	Close() error
}

// Stream is an open capture stream.
type Stream interface {
	// Close stops capture. After Close returns the sink is no longer called.
	Close() error

	// Done is closed when the stream ends on its own, e.g. because the
	// device disappeared.
	Done() <-chan struct{}

	// Err returns the reason the stream ended, or nil.
	Err() error
}

// Classify enumerates b and returns its loopback devices in preference
// order.
func Classify(ctx context.Context, b Backend) ([]string, error) {
	return loopback.Probe(ctx, b, loopback.WithBrandPrefix(b.BrandPrefix()))
}

// Probe returns a function reporting whether b currently has a loopback
// device. Enumeration errors count as unsupported.
func Probe(b Backend) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		ids, err := Classify(ctx, b)
		return err == nil && len(ids) > 0
	}
}
