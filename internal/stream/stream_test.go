package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/capture"
)

func supported(context.Context) bool { return true }

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return typ, data
}

func TestStreamDeliversFrames(t *testing.T) {
	t.Parallel()
	hub := capture.NewHub(capture.WithProbe(supported))
	h := New(hub, WithBuffer(8))
	srv := startServer(t, h)
	conn := dial(t, srv)

	typ, data := read(t, conn)
	if typ != websocket.MessageText {
		t.Fatalf("first message type = %v, want text", typ)
	}
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	want := Header{Encoding: "s16le", SampleRate: 48000, Channels: 2, FrameBytes: audio.FarEndFrameBytes}
	if hdr != want {
		t.Errorf("header = %+v, want %+v", hdr, want)
	}

	waitFor(t, "capture session", hub.Active)

	frame := bytes.Repeat([]byte{0x11, 0x22}, audio.FarEndFrameBytes/2)
	hub.Push(hub.Now(), frame, audio.FarEndSampleRate, audio.FarEndChannels)

	typ, data = read(t, conn)
	if typ != websocket.MessageBinary {
		t.Fatalf("audio message type = %v, want binary", typ)
	}
	if !bytes.Equal(data, frame) {
		t.Errorf("received %d bytes that differ from the pushed frame", len(data))
	}
	if h.Clients() != 1 {
		t.Errorf("Clients = %d, want 1", h.Clients())
	}
}

func TestStreamForwardsRejectedChunks(t *testing.T) {
	t.Parallel()
	hub := capture.NewHub(capture.WithProbe(supported))
	srv := startServer(t, New(hub))
	conn := dial(t, srv)
	read(t, conn)
	waitFor(t, "capture session", hub.Active)

	// Wrong rate: the exchange rejects it, the callback still sees it.
	odd := []byte{1, 2, 3, 4}
	hub.Push(hub.Now(), odd, 44100, 2)

	_, data := read(t, conn)
	if !bytes.Equal(data, odd) {
		t.Errorf("received %v, want %v", data, odd)
	}
	if hub.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", hub.Stats().Rejected)
	}
}

func TestStreamStopsCaptureOnClose(t *testing.T) {
	t.Parallel()
	hub := capture.NewHub(capture.WithProbe(supported))
	h := New(hub)
	srv := startServer(t, h)
	conn := dial(t, srv)
	read(t, conn)
	waitFor(t, "capture session", hub.Active)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "capture stop", func() bool { return !hub.Active() })
	waitFor(t, "client count", func() bool { return h.Clients() == 0 })

	// Nothing is delivered after the session ended.
	before := hub.Forwarded()
	hub.Push(hub.Now(), make([]byte, audio.FarEndFrameBytes), audio.FarEndSampleRate, audio.FarEndChannels)
	if hub.Forwarded() != before {
		t.Error("callback invoked after client disconnected")
	}
}

func TestStreamNewClientDisplacesOlder(t *testing.T) {
	t.Parallel()
	hub := capture.NewHub(capture.WithProbe(supported))
	h := New(hub)
	srv := startServer(t, h)

	first := dial(t, srv)
	read(t, first)
	waitFor(t, "first session", hub.Active)

	second := dial(t, srv)
	read(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("displaced client close status = %v (err %v), want StatusGoingAway", got, err)
	}
	waitFor(t, "client count", func() bool { return h.Clients() == 1 })
	if got := hub.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	// The newer client keeps delivery after the older one is gone.
	frame := bytes.Repeat([]byte{0x33}, audio.FarEndFrameBytes)
	hub.Push(hub.Now(), frame, audio.FarEndSampleRate, audio.FarEndChannels)
	_, data := read(t, second)
	if !bytes.Equal(data, frame) {
		t.Errorf("newer client received %d unexpected bytes", len(data))
	}
}

func TestStreamUnsupported(t *testing.T) {
	t.Parallel()
	hub := capture.NewHub(capture.WithProbe(func(context.Context) bool { return false }))
	srv := startServer(t, New(hub))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err == nil {
		t.Fatal("expected dial error for unsupported capture")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %v, want 503", resp)
	}
	if hub.Active() {
		t.Error("hub activated without a loopback device")
	}
}

func TestOfferDropsWhenFull(t *testing.T) {
	t.Parallel()
	h := New(capture.NewHub())
	queue := make(chan []byte, 2)

	for i := range 5 {
		h.offer(queue, []byte{byte(i)})
	}
	if h.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", h.Dropped())
	}
	if got := <-queue; got[0] != 0 {
		t.Errorf("first queued chunk = %v, want [0]", got)
	}
	if got := <-queue; got[0] != 1 {
		t.Errorf("second queued chunk = %v, want [1]", got)
	}
}

func TestSetBuffer(t *testing.T) {
	t.Parallel()
	h := New(capture.NewHub())
	if h.Buffer() != DefaultBuffer {
		t.Errorf("default Buffer = %d, want %d", h.Buffer(), DefaultBuffer)
	}
	tests := []struct{ in, want int }{
		{16, 16},
		{1, 1},
		{0, 1},
		{-4, 1},
	}
	for _, tc := range tests {
		h.SetBuffer(tc.in)
		if h.Buffer() != tc.want {
			t.Errorf("SetBuffer(%d): Buffer = %d, want %d", tc.in, h.Buffer(), tc.want)
		}
	}
}
