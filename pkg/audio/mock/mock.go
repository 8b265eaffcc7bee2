// Package mock provides in-memory mock implementations of the
// [backend.Backend] and [backend.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	b := &mock.Backend{
//	    InventoryResult: loopback.Inventory{
//	        Capture: []loopback.Device{{ID: "sink.monitor", Name: "Monitor of Sink"}},
//	    },
//	}
//	pump := backend.NewPump(backend.PumpConfig{Backend: b, Hub: hub})
//	go pump.Run(ctx)
//	// ... activate the hub, then feed audio:
//	b.LastStream().Feed(pcm)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// Compile-time interface assertions.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*Stream)(nil)
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [backend.Stream]. Tests push audio
// through [Stream.Feed] and end the stream with [Stream.Fail].
type Stream struct {
	mu sync.Mutex

	// DeviceID is the device the stream was opened on.
	DeviceID string

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	sink   backend.Sink
	closed bool
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewStream returns an open stream that delivers fed audio to sink.
func NewStream(deviceID string, sink backend.Sink) *Stream {
	return &Stream{DeviceID: deviceID, sink: sink, done: make(chan struct{})}
}

// Feed hands chunk to the sink unless the stream is closed. It reports
// whether the chunk was delivered.
func (s *Stream) Feed(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sink(chunk)
	return true
}

// Fail ends the stream with err as if the device had disappeared.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Close implements [backend.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.closed = true
	err := s.CloseError
	s.mu.Unlock()
	return err
}

// Closed reports whether Close or Fail was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done implements [backend.Stream].
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err implements [backend.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	// DeviceID is the deviceID argument passed to Open.
	DeviceID string
}

// Backend is a mock implementation of [backend.Backend].
type Backend struct {
	mu sync.Mutex

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// Prefix is returned by BrandPrefix.
	Prefix string

	// InventoryResult is returned by Inventory.
	InventoryResult loopback.Inventory

	// InventoryError is returned by Inventory.
	InventoryError error

	// OpenErrors are returned by successive Open calls. Once exhausted, Open
	// succeeds.
	OpenErrors []error

	// CloseError is returned by Close.
	CloseError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// CallCountInventory records how many times Inventory was called.
	CallCountInventory int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream

	opened chan *Stream
}

// Name implements [backend.Backend].
func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NameResult == "" {
		return "mock"
	}
	return b.NameResult
}

// BrandPrefix implements [backend.Backend].
func (b *Backend) BrandPrefix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Prefix
}

// Inventory implements [backend.Backend].
func (b *Backend) Inventory(_ context.Context) (loopback.Inventory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountInventory++
	return b.InventoryResult, b.InventoryError
}

// Open implements [backend.Backend]. It records the call, returns the next
// queued error if any, and otherwise returns a new [Stream].
func (b *Backend) Open(_ context.Context, deviceID string, sink backend.Sink) (backend.Stream, error) {
	b.mu.Lock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{DeviceID: deviceID})
	if len(b.OpenErrors) > 0 {
		err := b.OpenErrors[0]
		b.OpenErrors = b.OpenErrors[1:]
		b.mu.Unlock()
		return nil, err
	}
	s := NewStream(deviceID, sink)
	b.Streams = append(b.Streams, s)
	ch := b.openedLocked()
	b.mu.Unlock()

	select {
	case ch <- s:
	default:
	}
	return s, nil
}

// Close implements [backend.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return b.CloseError
}

// Opened returns a channel that receives every stream returned by Open.
// Streams opened while nobody reads are dropped from the channel but still
// recorded in Streams.
func (b *Backend) Opened() <-chan *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedLocked()
}

func (b *Backend) openedLocked() chan *Stream {
	if b.opened == nil {
		b.opened = make(chan *Stream, 16)
	}
	return b.opened
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Streams) == 0 {
		return nil
	}
	return b.Streams[len(b.Streams)-1]
}

// OpenCount returns the number of Open invocations.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}
