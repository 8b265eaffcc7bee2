package farend

import (
	"sync/atomic"
	"time"

	"github.com/MrWong99/sysaudio/pkg/audio"
)

// slotState is the lifecycle tag of a single ring slot. The legal
// transitions are:
//
//	Empty   -> Writing  (beginWrite, producer)
//	Writing -> Ready    (publish, producer)
//	Ready   -> Reading  (beginRead, consumer)
//	Reading -> Empty    (release, consumer)
//	Reading -> Ready    (holdBack, consumer)
//
// Every transition is a compare-and-swap, so a slot can never be claimed by
// both sides at once.
type slotState uint32

const (
	stateEmpty slotState = iota
	stateWriting
	stateReady
	stateReading
)

// String returns the state name.
func (s slotState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateWriting:
		return "writing"
	case stateReady:
		return "ready"
	case stateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// slot holds one far-end frame. when and samples are plain fields: they are
// written only while the producer owns the slot (Writing) and read only while
// the consumer owns it (Reading). The atomic state transitions order those
// accesses.
type slot struct {
	state   atomic.Uint32
	when    time.Duration
	samples [audio.FarEndFrameSamples]int16
}

func (s *slot) load() slotState {
	return slotState(s.state.Load())
}

func (s *slot) transition(from, to slotState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

// beginWrite claims an empty slot for the producer.
func (s *slot) beginWrite() bool { return s.transition(stateEmpty, stateWriting) }

// publish makes a fully written slot visible to the consumer.
func (s *slot) publish() bool { return s.transition(stateWriting, stateReady) }

// beginRead claims a ready slot for the consumer.
func (s *slot) beginRead() bool { return s.transition(stateReady, stateReading) }

// release hands a consumed or skipped slot back to the producer.
func (s *slot) release() bool { return s.transition(stateReading, stateEmpty) }

// holdBack undoes a consumer claim without consuming the frame.
func (s *slot) holdBack() bool { return s.transition(stateReading, stateReady) }
