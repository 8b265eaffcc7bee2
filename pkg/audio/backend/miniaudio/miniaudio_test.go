package miniaudio

import (
	"context"
	"errors"
	"testing"
)

func TestClosedBackend(t *testing.T) {
	// A Backend whose context was released behaves like one after Close.
	b := &Backend{}

	if _, err := b.Inventory(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Inventory after Close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Open(context.Background(), "dev", func([]byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close: err = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStreamStoppedByDevice(t *testing.T) {
	s := &stream{done: make(chan struct{})}
	s.stopped()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after device stop")
	}
	if !errors.Is(s.Err(), errStopped) {
		t.Errorf("Err = %v, want errStopped", s.Err())
	}
	// Repeated stop notifications are harmless.
	s.stopped()
}

func TestStreamStopDuringCloseIsNotAFailure(t *testing.T) {
	s := &stream{done: make(chan struct{}), closing: true}
	s.stopped()

	select {
	case <-s.Done():
		t.Fatal("Done closed for a deliberate close")
	default:
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil", s.Err())
	}
}
