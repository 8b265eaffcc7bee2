package farend

import "github.com/MrWong99/sysaudio/pkg/audio"

// Frame is a destination buffer for [Exchange.Take]. Its shape must match the
// fixed far-end configuration exactly; use [NewFrame] to get one.
type Frame struct {
	SampleRate        int
	Channels          int
	SamplesPerChannel int

	// Data holds SamplesPerChannel*Channels interleaved samples.
	Data []int16
}

// NewFrame returns a zeroed frame matching the far-end configuration.
func NewFrame() *Frame {
	return &Frame{
		SampleRate:        audio.FarEndSampleRate,
		Channels:          audio.FarEndChannels,
		SamplesPerChannel: audio.FarEndSamplesPerChannel,
		Data:              make([]int16, audio.FarEndFrameSamples),
	}
}

// Valid reports whether f can receive a far-end frame.
func (f *Frame) Valid() bool {
	return f != nil &&
		f.SampleRate == audio.FarEndSampleRate &&
		f.Channels == audio.FarEndChannels &&
		f.SamplesPerChannel == audio.FarEndSamplesPerChannel &&
		len(f.Data) == audio.FarEndFrameSamples
}
