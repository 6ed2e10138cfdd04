// Package runtime implements the recording session controller.
//
// A SessionController drives one session at a time through
// idle → requesting → recording → stopping → finalizing and back to idle,
// or to failed. While recording it owns the device and the chunk buffer,
// runs the 1 Hz session clock and the health probe, takes backup snapshots
// and restarts capture after stream faults. Finished audio is delivered
// through upload, summarization hand-off, persistence and notification.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/dictum/adapter"
	"github.com/pithecene-io/dictum/backup"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/lode"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/monitor"
	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
	"github.com/pithecene-io/dictum/upload"
)

// ErrSessionReset is returned when Reset interrupted the operation.
var ErrSessionReset = errors.New("session was reset")

// ErrNoRetainedBackup is returned by RetryFromBackup when nothing is retained.
var ErrNoRetainedBackup = errors.New("no retained backup to retry")

// Uploader sends a finished blob to the transcription service.
type Uploader interface {
	Upload(ctx context.Context, blob []byte) (*types.UploadReceipt, error)
}

// Handoff submits an uploaded recording for summarization.
type Handoff interface {
	Submit(ctx context.Context, req handoff.Request) (*handoff.Result, error)
}

// AudioArchive stores the delivered blob and returns a fetchable reference.
type AudioArchive interface {
	Store(ctx context.Context, sessionID, filename string, blob []byte) (string, error)
}

var (
	_ Uploader     = (*upload.Client)(nil)
	_ Handoff      = (*handoff.Client)(nil)
	_ AudioArchive = (*lode.Archive)(nil)
)

// Config wires the controller's collaborators.
type Config struct {
	// Source acquires capture devices (required).
	Source device.Source
	// Constraints is the requested capture profile (default device.DefaultConstraints).
	Constraints device.Constraints
	// Formats is the encoding preference order (default device.PreferredFormats).
	Formats []device.Format
	// Probe is the optional input level probe for silence warnings.
	Probe device.AudioLevelProbe
	// SilenceThreshold is the probe level below which input counts as silent.
	SilenceThreshold float64

	// Uploader is the transcription upload client (required).
	Uploader Uploader
	// Handoff is the summarization webhook client (required).
	Handoff Handoff
	// Store persists outcomes (required).
	Store store.ConsultationStore
	// Archive optionally stores the final blob; its reference becomes audio_url.
	Archive AudioArchive
	// Notifier optionally publishes persisted outcomes.
	Notifier adapter.Adapter
	// BackupSink optionally persists snapshots.
	BackupSink backup.Sink
	// Listener optionally observes transitions and results.
	Listener Listener

	// Metrics is optional; all Collector methods are nil-safe.
	Metrics *metrics.Collector
	// Log is the logging collaborator (default log.Nop).
	Log log.Sink

	// TickInterval is the session clock period (default 1s).
	TickInterval time.Duration
	// HealthInterval is the health probe period (default 5s).
	HealthInterval time.Duration
	// BackupIntervalSeconds is the periodic snapshot cadence (default 30).
	BackupIntervalSeconds int
	// MaxRecordingSeconds is the recording ceiling (default 1800).
	MaxRecordingSeconds int
	// MaxRetryAttempts bounds in-place restarts (default 3).
	MaxRetryAttempts int
	// SettleDelay is waited between release and re-acquire on restart
	// (default 1s, negative for none).
	SettleDelay time.Duration

	// Now overrides the clock (default time.Now).
	Now func() time.Time
	// NewID generates session and consultation ids (default uuid.NewString).
	NewID func() string
}

func (c *Config) validate() error {
	switch {
	case c.Source == nil:
		return errors.New("runtime: device source is required")
	case c.Uploader == nil:
		return errors.New("runtime: uploader is required")
	case c.Handoff == nil:
		return errors.New("runtime: handoff is required")
	case c.Store == nil:
		return errors.New("runtime: consultation store is required")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Constraints == (device.Constraints{}) {
		c.Constraints = device.DefaultConstraints()
	}
	if len(c.Formats) == 0 {
		c.Formats = device.PreferredFormats
	}
	if c.Log == nil {
		c.Log = log.Nop
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = monitor.DefaultInterval
	}
	if c.BackupIntervalSeconds <= 0 {
		c.BackupIntervalSeconds = types.BackupIntervalSeconds
	}
	if c.MaxRecordingSeconds <= 0 {
		c.MaxRecordingSeconds = types.MaxRecordingSeconds
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = types.MaxRetryAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}
