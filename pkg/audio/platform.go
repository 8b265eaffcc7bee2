// Package audio defines the shared types and capability interfaces for
// system-audio (loopback) capture within sysaudio.
//
// The packages below it split the work:
//
//   - audio/loopback: decides which capture devices are monitor sources.
//   - audio/farend: the lock-free far-end frame exchange consumed by echo
//     cancellation.
//   - audio/capture: the process-wide Hub and the per-consumer start/stop
//     object.
//   - audio/backend: platform capture backends that feed the hub.
//
// This package lives under pkg/ because host applications are expected to
// implement [SystemCapture] consumers and provide their own backends.
package audio

// SamplesCallback receives a freshly captured buffer of far-end audio
// (interleaved S16LE in [FarEndFormat]). The callee owns the slice.
//
// It is invoked synchronously on the producer goroutine, so implementations
// must return quickly and must not block.
type SamplesCallback func(samples []byte)

// SystemCapture is the capability handed to application code that wants
// system audio delivered. Start begins delivery to the callback the capture
// was created with; Stop ends it. Both are idempotent.
type SystemCapture interface {
	// Start registers the capture as the active delivery target and marks
	// system-audio capture as wanted.
	Start()

	// Stop unregisters the capture. Calling Stop without a prior Start is a
	// no-op.
	Stop()
}
