package audio

import "time"

// Far-end reference format. Every producer and consumer of the far-end
// exchange must present audio in exactly this layout; there is no per-frame
// negotiation.
const (
	// FarEndSampleRate is the sample rate of far-end frames in Hz.
	FarEndSampleRate = 48000

	// FarEndChannels is the number of interleaved channels per far-end frame.
	FarEndChannels = 2

	// FarEndFrameDuration is the amount of audio carried by a single frame.
	FarEndFrameDuration = 10 * time.Millisecond

	// FarEndSamplesPerChannel is the number of samples per channel in a frame.
	FarEndSamplesPerChannel = FarEndSampleRate * int(FarEndFrameDuration/time.Millisecond) / 1000

	// FarEndFrameSamples is the number of interleaved int16 samples in a frame.
	FarEndFrameSamples = FarEndSamplesPerChannel * FarEndChannels

	// FarEndFrameBytes is the size in bytes of one S16LE far-end frame.
	FarEndFrameBytes = FarEndFrameSamples * 2
)

// The frame duration must map to a whole number of samples.
var _ = [1]struct{}{}[FarEndSamplesPerChannel*1000-FarEndSampleRate*int(FarEndFrameDuration/time.Millisecond)]

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FarEndFormat is the fixed [Format] accepted by the far-end exchange.
var FarEndFormat = Format{SampleRate: FarEndSampleRate, Channels: FarEndChannels}

// AudioFrame represents a block of captured PCM audio together with the
// moment it was produced. Backends hand these to diagnostics and tests; the
// far-end exchange itself works on raw bytes to stay allocation free.
type AudioFrame struct {
	// PCM audio data, interleaved little-endian int16.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured on the shared monotonic
	// timeline (see capture.Hub.Now).
	Timestamp time.Duration
}

// Duration returns how much audio the frame carries. It returns zero for
// frames with an invalid format.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
