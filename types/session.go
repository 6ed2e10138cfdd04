// Package types defines core domain types for the dictum capture pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"strings"
	"time"
)

// Pipeline bounds.
const (
	// MaxRecordingSeconds is the hard recording ceiling (30 minutes).
	MaxRecordingSeconds = 30 * 60
	// BackupIntervalSeconds is the periodic snapshot cadence.
	BackupIntervalSeconds = 30
	// MaxRetryAttempts bounds in-place restarts after stream faults.
	MaxRetryAttempts = 3
	// UploadRetries is the number of upload attempts after the first.
	UploadRetries = 2
)

// SessionState is the recording session lifecycle state.
type SessionState string

const (
	// StateIdle means no session is active.
	StateIdle SessionState = "idle"
	// StateRequesting means the device is being acquired.
	StateRequesting SessionState = "requesting"
	// StateRecording means audio is being captured.
	StateRecording SessionState = "recording"
	// StateStopping means capture is being torn down.
	StateStopping SessionState = "stopping"
	// StateFinalizing means the blob is being assembled and delivered.
	StateFinalizing SessionState = "finalizing"
	// StateFailed means the session ended in a terminal failure.
	StateFailed SessionState = "failed"
)

// Busy reports whether a new session may not start in this state.
func (s SessionState) Busy() bool {
	switch s {
	case StateRequesting, StateRecording, StateStopping, StateFinalizing:
		return true
	default:
		return false
	}
}

// StateReason annotates a state transition.
type StateReason string

const (
	ReasonStartRequested StateReason = "start_requested"
	ReasonStarted        StateReason = "started"
	ReasonResumed        StateReason = "resumed"
	ReasonStopRequested  StateReason = "stop_requested"
	ReasonCeiling        StateReason = "ceiling_reached"
	ReasonFault          StateReason = "fault"
	ReasonDeviceDenied   StateReason = "device_denied"
	ReasonNoFormat       StateReason = "no_supported_format"
	ReasonEmpty          StateReason = "empty_recording"
	ReasonExhausted      StateReason = "retries_exhausted"
	ReasonFallback       StateReason = "backup_fallback"
	ReasonRetryRequested StateReason = "retry_requested"
	ReasonDelivered      StateReason = "delivered"
	ReasonDeliveryFailed StateReason = "delivery_failed"
	ReasonReset          StateReason = "reset"
)

// RecordingSession is an immutable view of the active session.
type RecordingSession struct {
	ID               string       `json:"id"`
	Subject          string       `json:"subject"`
	State            SessionState `json:"state"`
	Format           string       `json:"format,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	ElapsedSeconds   int          `json:"elapsed_seconds"`
	RetryCount       int          `json:"retry_count"`
	LastBackupSecond int          `json:"last_backup_second"`
	Segment          int          `json:"segment"`
	ChunkCount       int          `json:"chunk_count"`
}

// SessionMeta carries session identity for logging and storage partitioning.
type SessionMeta struct {
	// SessionID is the canonical session identifier.
	SessionID string
	// Subject is the consultation subject name.
	Subject string
}

// Validate checks that the identity is usable.
func (m *SessionMeta) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id must be non-empty")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return ErrInvalidSubject
	}
	return nil
}
