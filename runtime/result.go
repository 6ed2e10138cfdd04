package runtime

import (
	"time"

	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/types"
)

// Exit codes for hosts that run one session per process.
const (
	ExitCodeCompleted  = 0 // outcome persisted as completed
	ExitCodeError      = 1 // pipeline error
	ExitCodeConfig     = 2 // invalid configuration or arguments
	ExitCodeProcessing = 3 // summarization still processing
)

// Source identifies where a delivered blob came from.
type Source string

const (
	// SourceRecording is a cleanly stopped capture.
	SourceRecording Source = "recording"
	// SourceBackup is the newest snapshot of a failed capture.
	SourceBackup Source = "backup"
	// SourceManual is audio handed in by the caller.
	SourceManual Source = "manual"
)

// Result is the terminal report of a session or a manual delivery.
type Result struct {
	SessionID string
	Subject   string
	Source    Source
	// Outcome is the record handed to the store, if the webhook answered.
	Outcome     *types.ConsultationOutcome
	Disposition handoff.Disposition
	// Err is the terminal pipeline error, nil on success.
	Err error
	// Fault is the stream fault that ended capture, if any.
	Fault error
	// PersistErr is set when the store rejected an otherwise good outcome.
	PersistErr error
	// Backups are retained snapshots, populated only when Err is set.
	Backups         []types.BackupSnapshot
	Message         string
	DurationSeconds int
	// Discarded is set when the controller was reset while delivering.
	Discarded bool
}

// Recoverable reports whether the caller can retry from a retained backup.
func (r *Result) Recoverable() bool {
	return r.Err != nil && len(r.Backups) > 0
}

// Pending reports whether summarization was accepted but not finished.
func (r *Result) Pending() bool {
	return r.Err == nil && r.Disposition == handoff.DispositionPending
}

// ExitCode maps the result onto the host exit code contract.
//
//   - 0: completed
//   - 1: any pipeline error, persistence failure or discarded result
//   - 3: processing
func (r *Result) ExitCode() int {
	switch {
	case r == nil || r.Err != nil || r.PersistErr != nil || r.Discarded:
		return ExitCodeError
	case r.Pending():
		return ExitCodeProcessing
	default:
		return ExitCodeCompleted
	}
}

func (r *Result) describe() string {
	switch {
	case r.Err != nil:
		return types.Message(r.Err)
	case r.PersistErr != nil:
		return types.Message(r.PersistErr)
	case r.Pending():
		return "The recording was received. The summary is still being processed."
	case r.Source == SourceBackup:
		return "The recording was interrupted; the last backup was delivered."
	default:
		return "Consultation saved."
	}
}

// StateChange describes one controller state transition.
type StateChange struct {
	SessionID string
	From      types.SessionState
	To        types.SessionState
	Reason    types.StateReason
	At        time.Time
}

// Listener observes the controller. Methods are called with the controller
// lock held: they must not block and must not call back into the controller.
type Listener interface {
	OnStateChange(change StateChange)
	OnResult(res *Result)
}
