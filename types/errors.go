package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrDevicePermission indicates the input device was denied or unavailable.
	ErrDevicePermission = errors.New("audio device unavailable or permission denied")

	// ErrStreamFault indicates the track was lost, disabled or ended during capture.
	ErrStreamFault = errors.New("audio stream fault")

	// ErrEncodingUnsupported indicates no preferred audio format is supported.
	ErrEncodingUnsupported = errors.New("no supported audio encoding")

	// ErrEmptyRecording indicates finalize produced no audio.
	ErrEmptyRecording = errors.New("recording is empty")

	// ErrUpload indicates the transcription upload failed after all attempts.
	ErrUpload = errors.New("transcription upload failed")

	// ErrWebhook indicates the summarization service rejected the hand-off.
	ErrWebhook = errors.New("summarization webhook failed")

	// ErrPersistence indicates the consultation store returned an error.
	ErrPersistence = errors.New("consultation persistence failed")

	// ErrInvalidSubject indicates start was called without a subject name.
	ErrInvalidSubject = errors.New("subject name is required")

	// ErrSessionBusy indicates a session is already in flight.
	ErrSessionBusy = errors.New("a recording session is already active")

	// ErrUnrecoverable indicates retries are exhausted and no backup exists.
	ErrUnrecoverable = errors.New("recording lost: retries exhausted and no backup available")
)

// PipelineError wraps an underlying error with a pipeline classification.
// It preserves the original error in the chain for inspection via errors.As.
type PipelineError struct {
	// Kind is the sentinel error for classification (e.g., ErrUpload).
	Kind error
	// Op is the stage that failed (e.g., "acquire", "upload", "save").
	Op string
	// Err is the underlying error, if any.
	Err error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *PipelineError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Retryable reports whether the recovery coordinator may restart capture.
func (e *PipelineError) Retryable() bool {
	return errors.Is(e.Kind, ErrStreamFault)
}

// NewPipelineError creates a classified pipeline error.
func NewPipelineError(kind error, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// IsRetryable reports whether err is a retryable pipeline error.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// Message renders a human-readable description for terminal failures.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDevicePermission):
		return "Could not access the microphone. Check that it is connected and that access is allowed."
	case errors.Is(err, ErrEncodingUnsupported):
		return "This device cannot record in any supported audio format."
	case errors.Is(err, ErrEmptyRecording):
		return "No audio was captured. Record again."
	case errors.Is(err, ErrUnrecoverable):
		return "The recording was interrupted repeatedly and no backup could be recovered."
	case errors.Is(err, ErrStreamFault):
		return "The audio stream was interrupted."
	case errors.Is(err, ErrUpload):
		return "The recording could not be sent for transcription."
	case errors.Is(err, ErrWebhook):
		return "The summarization service did not accept the recording."
	case errors.Is(err, ErrPersistence):
		return "The consultation could not be saved."
	case errors.Is(err, ErrSessionBusy):
		return "A recording is already in progress."
	case errors.Is(err, ErrInvalidSubject):
		return "Enter a name before recording."
	default:
		return err.Error()
	}
}
