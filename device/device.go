// Package device defines the audio capture ports used by the session
// controller, plus an ffmpeg-backed implementation and a scriptable stub.
package device

import "context"

// Constraints is the capture quality profile requested on acquisition.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	Channels         int
}

// DefaultConstraints returns the fixed consultation-quality profile.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       48000,
		Channels:         1,
	}
}

// TrackState is the lifecycle state of an audio track.
type TrackState string

const (
	// TrackLive means the track is producing audio.
	TrackLive TrackState = "live"
	// TrackEnded means the track will not produce more audio.
	TrackEnded TrackState = "ended"
)

// Track is a single audio input track of an acquired device.
type Track interface {
	Enabled() bool
	State() TrackState
}

// Handler receives encoder output. OnData is called with each non-empty
// segment in capture order. OnError reports device or encoder failures.
type Handler interface {
	OnData(data []byte)
	OnError(err error)
}

// Device is an exclusively acquired input device with its encoder.
type Device interface {
	// Tracks returns the audio tracks currently attached to the device.
	Tracks() []Track
	// Supports reports whether the encoder can produce the format.
	Supports(f Format) bool
	// Start begins encoding in the given format, delivering output to h.
	Start(f Format, h Handler) error
	// Recording reports whether the encoder is still running.
	Recording() bool
	// Stop halts encoding and releases the device. Idempotent.
	Stop() error
}

// Source acquires devices.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Device, error)
}

// AudioLevelProbe is an optional port reporting the normalized input level
// (0..1). ok is false when no reading is available.
type AudioLevelProbe interface {
	Level() (level float64, ok bool)
}
