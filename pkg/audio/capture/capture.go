package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/sysaudio/pkg/audio"
)

// ErrUnsupported is returned by [New] when no loopback capture device exists.
var ErrUnsupported = errors.New("capture: system audio capture is not supported")

// Compile-time interface assertion.
var _ audio.SystemCapture = (*Capture)(nil)

// Capture is one consumer's handle on system-audio capture.
//
// Only one delivery callback is registered process-wide. Starting a second
// Capture while another is running takes over delivery, and stopping any
// Capture clears the callback. The platform device offers a single stream, so
// consumers that need fan-out must build it on top of their callback.
type Capture struct {
	hub      *Hub
	callback audio.SamplesCallback

	mu      sync.Mutex
	started bool
}

// New returns a stopped capture that delivers to callback once started. It
// returns [ErrUnsupported] when the hub reports no loopback device.
func New(ctx context.Context, hub *Hub, callback audio.SamplesCallback) (*Capture, error) {
	if !hub.Supported(ctx) {
		return nil, ErrUnsupported
	}
	return &Capture{hub: hub, callback: callback}, nil
}

// Supported reports whether system audio can be captured through hub.
func Supported(ctx context.Context, hub *Hub) bool {
	return hub.Supported(ctx)
}

// Start registers the capture's callback and marks capture as wanted.
// Calling Start on a started capture does nothing.
func (c *Capture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.hub.setCallback(c.callback)
	c.hub.Activate()
}

// Stop clears the delivery callback and releases this capture's activation.
// Calling Stop on a stopped capture does nothing.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.hub.setCallback(nil)
	c.hub.Deactivate()
}

// Release releases this capture's activation but leaves the delivery callback
// alone. It is meant for a capture whose delivery a newer capture has taken
// over. Calling Release on a stopped capture does nothing.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.hub.Deactivate()
}

// Started reports whether Start has been called without a matching Stop.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
