package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MinDBFS is the floor reported by [LevelDBFS] for silent input.
const MinDBFS = -96.0

// DecodeS16LE decodes little-endian int16 PCM from src into dst and returns
// the number of samples written. It never allocates; a trailing odd byte in
// src is ignored, and decoding stops when dst is full.
func DecodeS16LE(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return n
}

// EncodeS16LE encodes samples as little-endian int16 PCM into dst and returns
// the number of bytes written. Encoding stops when dst is full.
func EncodeS16LE(dst []byte, samples []int16) int {
	n := min(len(samples), len(dst)/2)
	for i := range n {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(samples[i]))
	}
	return n * 2
}

// LevelDBFS returns the RMS level of samples in dB relative to full scale,
// clamped to [MinDBFS, 0].
func LevelDBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return MinDBFS
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms == 0 {
		return MinDBFS
	}
	db := 20 * math.Log10(rms/32768.0)
	return min(max(db, MinDBFS), 0)
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
