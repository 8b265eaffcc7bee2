package farend

import (
	"time"

	"github.com/MrWong99/sysaudio/pkg/audio"
)

// EmitFunc receives one complete far-end frame. The frame slice is reused
// after the call returns and must not be retained.
type EmitFunc func(when time.Duration, frame []byte)

// Framer cuts a stream of arbitrarily sized S16LE chunks into exact
// far-end frames. Platform APIs deliver buffers of whatever size their
// period happens to be; the exchange only accepts whole 10 ms frames.
//
// A Framer is not safe for concurrent use. It belongs to the producer.
type Framer struct {
	buf  [audio.FarEndFrameBytes]byte
	n    int
	emit EmitFunc
}

// NewFramer returns a framer that hands each completed frame to emit.
func NewFramer(emit EmitFunc) *Framer {
	return &Framer{emit: emit}
}

// Write appends chunk, which arrived at now, and emits every frame it
// completes. Each frame is stamped with now minus the duration of the audio
// in chunk that follows it.
func (f *Framer) Write(now time.Duration, chunk []byte) {
	for len(chunk) > 0 {
		c := copy(f.buf[f.n:], chunk)
		f.n += c
		chunk = chunk[c:]
		if f.n < len(f.buf) {
			return
		}
		f.emit(now-bytesDuration(len(chunk)), f.buf[:])
		f.n = 0
	}
}

// Buffered returns the number of bytes of the current partial frame.
func (f *Framer) Buffered() int { return f.n }

// Reset discards any partial frame.
func (f *Framer) Reset() { f.n = 0 }

func bytesDuration(n int) time.Duration {
	frames := n / (2 * audio.FarEndChannels)
	return time.Duration(frames) * time.Second / audio.FarEndSampleRate
}
