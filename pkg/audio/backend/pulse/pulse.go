// Package pulse implements a [backend.Backend] on top of the PulseAudio
// native protocol, which PipeWire also serves. Every PulseAudio sink exposes a
// "Monitor of ..." source carrying what the sink plays; those are the
// loopback devices this backend records from.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// Name is the registry name of this backend.
const Name = "pulse"

// pollInterval is how often an open stream is checked for server-side
// termination.
const pollInterval = 100 * time.Millisecond

var _ backend.Backend = (*Backend)(nil)

// Options configures [New].
type Options struct {
	// AppName is reported to the server as the client application name.
	// Defaults to "sysaudio".
	AppName string

	// BrandPrefix is stripped from device names before classification.
	BrandPrefix string
}

// Backend records from PulseAudio sources.
type Backend struct {
	mu     sync.Mutex
	client *pulse.Client
	prefix string
}

// New connects to the PulseAudio server named by the environment
// (PULSE_SERVER or the per-user runtime socket).
func New(opts Options) (*Backend, error) {
	name := opts.AppName
	if name == "" {
		name = "sysaudio"
	}
	c, err := pulse.NewClient(pulse.ClientApplicationName(name))
	if err != nil {
		return nil, fmt.Errorf("pulse: connect: %w", err)
	}
	return &Backend{client: c, prefix: opts.BrandPrefix}, nil
}

// Name implements [backend.Backend].
func (b *Backend) Name() string { return Name }

// BrandPrefix implements [backend.Backend].
func (b *Backend) BrandPrefix() string { return b.prefix }

// Inventory implements [loopback.Enumerator]. Sources are reported with their
// server name as ID and their description as Name.
func (b *Backend) Inventory(ctx context.Context) (loopback.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return loopback.Inventory{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sources, err := b.client.ListSources()
	if err != nil {
		return loopback.Inventory{}, fmt.Errorf("pulse: list sources: %w", err)
	}
	inv := loopback.Inventory{Capture: make([]loopback.Device, 0, len(sources))}
	for _, s := range sources {
		inv.Capture = append(inv.Capture, loopback.Device{ID: s.ID(), Name: s.Name()})
	}
	if src, err := b.client.DefaultSource(); err == nil {
		inv.DefaultCaptureID = src.ID()
	}
	if sink, err := b.client.DefaultSink(); err == nil {
		inv.DefaultPlaybackName = sink.Name()
	}
	return inv, nil
}

// Open implements [backend.Backend]. The stream requests S16LE stereo at
// 48 kHz with one far-end frame per fragment; the server resamples as
// needed.
func (b *Backend) Open(ctx context.Context, deviceID string, sink backend.Sink) (backend.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	src, err := b.client.SourceByID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("pulse: %w: %s: %w", backend.ErrDeviceNotFound, deviceID, err)
	}

	w := pulse.NewWriter(sinkWriter(sink), proto.FormatInt16LE)
	rec, err := b.client.NewRecord(w,
		pulse.RecordSource(src),
		pulse.RecordStereo,
		pulse.RecordSampleRate(audio.FarEndSampleRate),
		pulse.RecordBufferFragmentSize(uint32(audio.FarEndFrameBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse: record %s: %w", deviceID, err)
	}
	rec.Start()

	s := &stream{rec: rec, done: make(chan struct{}), stop: make(chan struct{})}
	go s.watch()
	return s, nil
}

// Close implements [backend.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client.Close()
	return nil
}

// sinkWriter adapts a [backend.Sink] to io.Writer.
type sinkWriter backend.Sink

func (w sinkWriter) Write(p []byte) (int, error) {
	w(p)
	return len(p), nil
}

var errStopped = errors.New("pulse: record stream stopped")

type stream struct {
	rec *pulse.RecordStream

	mu   sync.Mutex
	err  error
	done chan struct{}
	stop chan struct{}
	once sync.Once
}

// watch detects streams the server terminated, e.g. because the source
// was removed.
func (s *stream) watch() {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if s.rec.Running() {
				continue
			}
			s.mu.Lock()
			s.err = s.rec.Error()
			if s.err == nil {
				s.err = errStopped
			}
			s.mu.Unlock()
			close(s.done)
			return
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.rec.Stop()
		s.rec.Close()
	})
	return nil
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
