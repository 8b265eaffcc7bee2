// Package stream delivers captured system audio to WebSocket clients.
//
// Each connection on /v1/farend starts a capture session whose callback
// hands every far-end chunk to a bounded per-client queue. The first message
// is a JSON text header describing the PCM layout; every following message
// is a binary S16LE chunk. Slow clients lose chunks instead of stalling the
// capture thread.
//
// Only one client receives audio at a time: the most recent connection
// takes over delivery and the displaced client is closed with
// StatusGoingAway. A client disconnecting on its own ends delivery for all.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sysaudio/internal/observe"
	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/capture"
)

const (
	// DefaultBuffer is the default per-client queue length in chunks.
	DefaultBuffer = 64

	writeTimeout = 5 * time.Second
)

// errDisplaced ends a connection whose delivery a newer client took over.
var errDisplaced = errors.New("stream: delivery taken over by another client")

// Header is the first message sent on every connection.
type Header struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameBytes int    `json:"frame_bytes"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithBuffer sets the per-client queue length. See [Handler.SetBuffer].
func WithBuffer(n int) Option {
	return func(h *Handler) { h.SetBuffer(n) }
}

// WithMetrics records client and drop counts to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the far-end WebSocket endpoint.
type Handler struct {
	hub     *capture.Hub
	metrics *observe.Metrics

	buffer  atomic.Int64
	clients atomic.Int64
	dropped atomic.Uint64

	mu      sync.Mutex
	current chan struct{} // closed when the delivering client is displaced
}

// New creates a [Handler] reading from hub.
func New(hub *capture.Hub, opts ...Option) *Handler {
	h := &Handler{hub: hub}
	h.buffer.Store(DefaultBuffer)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetBuffer changes the queue length for connections accepted from now on.
// Values below 1 are treated as 1.
func (h *Handler) SetBuffer(n int) {
	h.buffer.Store(int64(max(n, 1)))
}

// Buffer returns the queue length used for new connections.
func (h *Handler) Buffer() int {
	return int(h.buffer.Load())
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	return int(h.clients.Load())
}

// Dropped returns how many chunks were discarded for full client queues.
func (h *Handler) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams far-end audio until the client
// goes away. It answers 503 when no loopback device is available.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	queue := make(chan []byte, h.Buffer())
	session, err := capture.New(r.Context(), h.hub, func(samples []byte) {
		h.offer(queue, samples)
	})
	if errors.Is(err, capture.ErrUnsupported) {
		http.Error(w, "system audio capture is not supported on this machine", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("far-end websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	h.clients.Add(1)
	defer h.clients.Add(-1)
	if h.metrics != nil {
		h.metrics.StreamClients.Add(r.Context(), 1)
		defer h.metrics.StreamClients.Add(context.Background(), -1)
	}

	// Clients never send data; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	if err := h.writeHeader(ctx, conn); err != nil {
		log.Debug("far-end client gone before header", "err", err)
		return
	}

	displaced := h.takeOver(session)
	log.Info("far-end client connected", "remote", r.RemoteAddr, "buffer", cap(queue))

	err = pump(ctx, conn, queue, displaced)
	if errors.Is(err, errDisplaced) {
		session.Release()
		log.Info("far-end client displaced by a newer connection", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusGoingAway, "another client took over")
		return
	}
	h.finish(displaced, session)

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("far-end client disconnected", "remote", r.RemoteAddr)
	case errors.Is(err, context.Canceled):
		log.Info("far-end client disconnected", "remote", r.RemoteAddr)
	default:
		log.Warn("far-end client write failed", "remote", r.RemoteAddr, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// takeOver starts session as the delivering client and signals the previous
// one. The returned channel is closed when a later client takes over.
func (h *Handler) takeOver(session *capture.Capture) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		close(h.current)
	}
	session.Start()
	h.current = make(chan struct{})
	return h.current
}

// finish ends the session of a client that left on its own. A client that
// was displaced meanwhile only releases its activation.
func (h *Handler) finish(displaced chan struct{}, session *capture.Capture) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != displaced {
		session.Release()
		return
	}
	h.current = nil
	session.Stop()
}

// offer queues samples without blocking the capture thread.
func (h *Handler) offer(queue chan<- []byte, samples []byte) {
	select {
	case queue <- samples:
	default:
		h.dropped.Add(1)
		if h.metrics != nil {
			h.metrics.StreamDropped.Add(context.Background(), 1)
		}
	}
}

func (h *Handler) writeHeader(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(Header{
		Encoding:   "s16le",
		SampleRate: audio.FarEndSampleRate,
		Channels:   audio.FarEndChannels,
		FrameBytes: audio.FarEndFrameBytes,
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// pump forwards queued chunks until ctx ends, a write fails or another client
// takes over.
func pump(ctx context.Context, conn *websocket.Conn, queue <-chan []byte, displaced <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-displaced:
			return errDisplaced
		case chunk := <-queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, chunk)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
