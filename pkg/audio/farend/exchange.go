// Package farend implements the lock-free exchange of far-end (system audio)
// frames between one capture producer and one real-time consumer.
//
// The exchange is a fixed ring of [SlotCount] slots, each guarded by its own
// atomic state. Neither side ever blocks, sleeps or allocates. The consumer
// asks for audio at a near-end timestamp and the exchange skips stale frames,
// holds back frames that lie too far in the future and otherwise returns the
// next frame together with its delay.
//
// Exactly one goroutine may call [Exchange.Push] and exactly one goroutine may
// call [Exchange.Take]. [Exchange.Stats] may be called from anywhere.
package farend

import (
	"sync/atomic"
	"time"

	"github.com/MrWong99/sysaudio/pkg/audio"
)

const (
	// MaxEchoDelay is the furthest a frame may lie ahead of the requested
	// near-end timestamp and still be delivered.
	MaxEchoDelay = time.Second

	// SlotCount is the ring capacity: one second of far-end audio.
	SlotCount = int(MaxEchoDelay / audio.FarEndFrameDuration)
)

// Stats is a point-in-time snapshot of exchange counters.
type Stats struct {
	// Pushed counts frames accepted into the ring.
	Pushed uint64 `json:"pushed"`

	// Rejected counts pushes discarded for not matching the far-end format.
	Rejected uint64 `json:"rejected"`

	// Dropped counts valid pushes discarded because the ring was full.
	Dropped uint64 `json:"dropped"`

	// Delivered counts frames returned by Take.
	Delivered uint64 `json:"delivered"`

	// SkippedStale counts frames discarded because their timestamp predated
	// the requested near-end timestamp.
	SkippedStale uint64 `json:"skipped_stale"`

	// Held counts Take calls that left a too-far-future frame in place.
	Held uint64 `json:"held"`
}

// Exchange is the far-end frame ring. The zero value is not usable; call
// [New].
type Exchange struct {
	slots [SlotCount]slot

	// writeIndex is only stored by the producer, readIndex only by the
	// consumer. Both are atomic so Stats and tests can observe them.
	writeIndex atomic.Int32
	readIndex  atomic.Int32

	pushed       atomic.Uint64
	rejected     atomic.Uint64
	dropped      atomic.Uint64
	delivered    atomic.Uint64
	skippedStale atomic.Uint64
	held         atomic.Uint64
}

// New allocates an exchange with every slot empty.
func New() *Exchange {
	return &Exchange{}
}

func nextIndex(i int32) int32 {
	i++
	if int(i) == SlotCount {
		return 0
	}
	return i
}

// Push offers one frame of S16LE interleaved samples captured at when.
//
// The frame is silently discarded when frequency, channels or the byte length
// do not match the far-end format, and when the slot at the write position is
// still occupied. In the latter case the write position does not advance, so
// the producer stalls on the same slot until the consumer frees it.
//
// Push reports whether the frame entered the ring; callers may ignore it.
func (e *Exchange) Push(when time.Duration, samples []byte, frequency, channels int) bool {
	if frequency != audio.FarEndSampleRate || channels != audio.FarEndChannels || len(samples) != audio.FarEndFrameBytes {
		e.rejected.Add(1)
		return false
	}

	idx := e.writeIndex.Load()
	s := &e.slots[idx]
	if !s.beginWrite() {
		e.dropped.Add(1)
		return false
	}

	audio.DecodeS16LE(s.samples[:], samples)
	s.when = when
	s.publish()

	e.writeIndex.Store(nextIndex(idx))
	e.pushed.Add(1)
	return true
}

// Take copies the next usable frame at or after nearEnd into dst and returns
// how far ahead of nearEnd it was captured.
//
// Frames older than nearEnd are skipped and freed. A frame more than
// [MaxEchoDelay] ahead of nearEnd stays in the ring for a later call. Take
// returns ok == false when dst does not match the far-end format, when no
// frame is ready, or when the next frame is held back.
func (e *Exchange) Take(dst *Frame, nearEnd time.Duration) (delay time.Duration, ok bool) {
	if !dst.Valid() {
		return 0, false
	}

	for {
		idx := e.readIndex.Load()
		s := &e.slots[idx]
		if !s.beginRead() {
			return 0, false
		}

		d := s.when - nearEnd
		switch {
		case d > MaxEchoDelay:
			s.holdBack()
			e.held.Add(1)
			return 0, false

		case d >= 0:
			copy(dst.Data, s.samples[:])
			s.release()
			e.readIndex.Store(nextIndex(idx))
			e.delivered.Add(1)
			return d, true

		default:
			s.release()
			e.readIndex.Store(nextIndex(idx))
			e.skippedStale.Add(1)
		}
	}
}

// Stats returns the current counters. It never blocks either side.
func (e *Exchange) Stats() Stats {
	return Stats{
		Pushed:       e.pushed.Load(),
		Rejected:     e.rejected.Load(),
		Dropped:      e.dropped.Load(),
		Delivered:    e.delivered.Load(),
		SkippedStale: e.skippedStale.Load(),
		Held:         e.held.Load(),
	}
}

// Pending returns the number of slots currently holding a published frame.
// The value is approximate while either side is active.
func (e *Exchange) Pending() int {
	n := 0
	for i := range e.slots {
		if e.slots[i].load() == stateReady {
			n++
		}
	}
	return n
}
