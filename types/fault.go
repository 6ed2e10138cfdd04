package types

import "fmt"

// FaultKind names the condition behind a stream fault.
type FaultKind string

const (
	// FaultNoTrack means the device has no audio track.
	FaultNoTrack FaultKind = "no_track"
	// FaultTrackDisabled means the audio track was disabled.
	FaultTrackDisabled FaultKind = "track_disabled"
	// FaultTrackEnded means the audio track ended.
	FaultTrackEnded FaultKind = "track_ended"
	// FaultNotRecording means the encoder stopped while the session was recording.
	FaultNotRecording FaultKind = "not_recording"
	// FaultDeviceError means the device or encoder reported an error.
	FaultDeviceError FaultKind = "device_error"
	// FaultRestartFailed means a recovery restart could not resume capture.
	FaultRestartFailed FaultKind = "restart_failed"
)

// Fault is a detected abnormal condition during active recording.
type Fault struct {
	Kind FaultKind
	// Segment is the capture generation the fault was observed on.
	Segment int
	Err     error
}

// AsError converts the fault into a classified stream fault error.
func (f Fault) AsError() error {
	cause := f.Err
	if cause == nil {
		cause = fmt.Errorf("%s", f.Kind)
	}
	return NewPipelineError(ErrStreamFault, string(f.Kind), cause)
}
