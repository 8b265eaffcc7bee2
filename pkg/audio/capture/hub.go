// Package capture owns the process-wide system-audio capture state: the
// far-end exchange, the count of consumers that want capture running and the
// single delivery callback.
//
// A [Hub] is constructed once by the application and injected wherever
// capture is needed. Consumers obtain a [Capture] through [New] and toggle it
// with Start and Stop. Platform backends watch [Hub.ActivationChanged] to
// open and close the underlying device, and feed captured audio to
// [Hub.Push].
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/farend"
)

// ProbeFunc reports whether a loopback capture device is currently available.
type ProbeFunc func(ctx context.Context) bool

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithProbe sets the availability probe used by [Hub.Supported] and [New].
// Without a probe the hub reports system audio as unsupported.
func WithProbe(p ProbeFunc) HubOption {
	return func(h *Hub) { h.probe = p }
}

// WithClock replaces the hub's timeline. now must be monotonic.
func WithClock(now func() time.Duration) HubOption {
	return func(h *Hub) { h.now = now }
}

// Hub is the shared capture state. All methods are safe for concurrent use,
// subject to the single-producer/single-consumer rule of [farend.Exchange]
// for Push and Take.
type Hub struct {
	exchange *farend.Exchange
	probe    ProbeFunc
	now      func() time.Duration

	active atomic.Int32

	// callback is read lock-free on the producer path. mu serialises
	// writers so registration and removal happen in call order.
	mu       sync.Mutex
	callback atomic.Pointer[audio.SamplesCallback]

	forwarded atomic.Uint64
	changed   chan struct{}
}

// NewHub creates a hub with an empty exchange and no active consumers.
func NewHub(opts ...HubOption) *Hub {
	epoch := time.Now()
	h := &Hub{
		exchange: farend.New(),
		now:      func() time.Duration { return time.Since(epoch) },
		changed:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Now returns the current position on the hub's monotonic timeline. Producer
// and consumer must both stamp audio with this clock.
func (h *Hub) Now() time.Duration {
	return h.now()
}

// Push stores one far-end frame in the exchange and, if a consumer is
// registered, hands it a private copy of samples. The callback runs whether
// or not the exchange accepted the frame.
func (h *Hub) Push(when time.Duration, samples []byte, frequency, channels int) bool {
	ok := h.exchange.Push(when, samples, frequency, channels)
	if cb := h.callback.Load(); cb != nil {
		buf := make([]byte, len(samples))
		copy(buf, samples)
		(*cb)(buf)
		h.forwarded.Add(1)
	}
	return ok
}

// Take delegates to [farend.Exchange.Take].
func (h *Hub) Take(dst *farend.Frame, nearEnd time.Duration) (time.Duration, bool) {
	return h.exchange.Take(dst, nearEnd)
}

// Stats returns the exchange counters.
func (h *Hub) Stats() farend.Stats {
	return h.exchange.Stats()
}

// Pending returns the number of frames waiting in the exchange.
func (h *Hub) Pending() int {
	return h.exchange.Pending()
}

// Forwarded returns how many buffers were handed to delivery callbacks.
func (h *Hub) Forwarded() uint64 {
	return h.forwarded.Load()
}

// Supported reports whether a loopback device is available.
func (h *Hub) Supported(ctx context.Context) bool {
	if h.probe == nil {
		return false
	}
	return h.probe(ctx)
}

// Active reports whether at least one consumer wants capture running.
func (h *Hub) Active() bool {
	return h.active.Load() > 0
}

// ActiveCount returns the number of started consumers.
func (h *Hub) ActiveCount() int {
	return int(h.active.Load())
}

// ActivationChanged returns a channel that receives a value whenever the
// active count moves between zero and non-zero. Signals coalesce: a reader
// must re-check [Hub.Active] after each receive.
func (h *Hub) ActivationChanged() <-chan struct{} {
	return h.changed
}

// Activate increments the active count.
func (h *Hub) Activate() {
	if h.active.Add(1) == 1 {
		h.notify()
	}
}

// Deactivate decrements the active count, never below zero.
func (h *Hub) Deactivate() {
	for {
		cur := h.active.Load()
		if cur <= 0 {
			return
		}
		if h.active.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				h.notify()
			}
			return
		}
	}
}

func (h *Hub) notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

func (h *Hub) setCallback(cb audio.SamplesCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb == nil {
		h.callback.Store(nil)
		return
	}
	h.callback.Store(&cb)
}
