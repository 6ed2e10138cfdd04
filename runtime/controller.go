package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/dictum/backup"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/monitor"
	"github.com/pithecene-io/dictum/recovery"
	"github.com/pithecene-io/dictum/types"
)

const source = "runtime"

// SessionController runs recording sessions one at a time. Safe for
// concurrent use.
type SessionController struct {
	cfg      Config
	log      log.Sink
	recovery *recovery.Coordinator

	mu sync.Mutex
	// epoch is bumped by Reset; deliveries from an older epoch are discarded.
	epoch uint64
	// owner is the session id the current state belongs to.
	owner    string
	state    types.SessionState
	active   *activeSession
	last     types.RecordingSession
	retained []types.BackupSnapshot
	result   *Result
}

// activeSession is all mutable capture state of one session. Fields are
// guarded by SessionController.mu.
type activeSession struct {
	meta      types.SessionMeta
	format    device.Format
	startedAt time.Time

	elapsed    int
	retryCount int
	segment    int
	nextSeq    int64
	chunks     []types.AudioChunk

	dev     device.Device
	backups *backup.Manager
	monitor *monitor.Monitor

	// baseCtx outlives the session for background delivery; lifeCtx is
	// cancelled when capture ends for good.
	baseCtx    context.Context
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	cancel     context.CancelFunc
	group      *errgroup.Group

	lastFault error
}

// NewSessionController creates an idle controller.
func NewSessionController(cfg Config) (*SessionController, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	return &SessionController{
		cfg:      cfg,
		log:      cfg.Log,
		recovery: recovery.New(cfg.MaxRetryAttempts, cfg.SettleDelay),
		state:    types.StateIdle,
		last:     types.RecordingSession{State: types.StateIdle},
	}, nil
}

// Start acquires the device and begins recording for subject.
func (c *SessionController) Start(ctx context.Context, subject string) (types.RecordingSession, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return types.RecordingSession{}, types.ErrInvalidSubject
	}

	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return types.RecordingSession{}, types.ErrSessionBusy
	}
	meta := types.SessionMeta{SessionID: c.cfg.NewID(), Subject: subject}
	epoch := c.epoch
	c.owner = meta.SessionID
	c.retained = nil
	c.result = nil
	c.last = types.RecordingSession{ID: meta.SessionID, Subject: subject}
	c.transitionLocked(types.StateRequesting, types.ReasonStartRequested)
	c.mu.Unlock()

	dev, err := c.cfg.Source.Acquire(ctx, c.cfg.Constraints)
	if err != nil {
		return c.failStart(epoch, meta, types.ReasonDeviceDenied,
			types.NewPipelineError(types.ErrDevicePermission, "acquire", err))
	}

	format, ok := device.SelectFormat(dev, c.cfg.Formats)
	if !ok {
		stopDevice(dev, c.log)
		return c.failStart(epoch, meta, types.ReasonNoFormat,
			types.NewPipelineError(types.ErrEncodingUnsupported, "select_format", nil))
	}

	s := c.newActiveSession(ctx, meta, format)

	c.mu.Lock()
	if c.epoch != epoch || c.owner != meta.SessionID || c.state != types.StateRequesting {
		c.mu.Unlock()
		s.lifeCancel()
		stopDevice(dev, c.log)
		return types.RecordingSession{}, ErrSessionReset
	}
	// Published before Start so container headers written during encoder
	// startup are kept.
	c.active = s
	c.mu.Unlock()

	if err := dev.Start(format, &captureHandler{c: c, s: s, segment: 0}); err != nil {
		stopDevice(dev, c.log)
		return c.failStart(epoch, meta, types.ReasonDeviceDenied,
			types.NewPipelineError(types.ErrDevicePermission, "start", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != s || c.state != types.StateRequesting {
		s.lifeCancel()
		go stopDevice(dev, c.log)
		return types.RecordingSession{}, ErrSessionReset
	}
	s.dev = dev
	s.startedAt = c.cfg.Now().UTC()
	c.launchLocked(s)
	c.transitionLocked(types.StateRecording, types.ReasonStarted)
	c.cfg.Metrics.IncSessionStarted()
	c.log.Info(source, "recording started", map[string]any{
		"session_id": meta.SessionID,
		"format":     string(format),
	})
	return c.viewLocked(s), nil
}

func (c *SessionController) newActiveSession(ctx context.Context, meta types.SessionMeta, format device.Format) *activeSession {
	s := &activeSession{
		meta:   meta,
		format: format,
		backups: backup.New(meta, backup.Config{
			IntervalSeconds: c.cfg.BackupIntervalSeconds,
			Sink:            c.cfg.BackupSink,
			Metrics:         c.cfg.Metrics,
			Now:             c.cfg.Now,
		}, c.log),
		monitor: monitor.New(monitor.Config{
			Interval:         c.cfg.HealthInterval,
			SilenceThreshold: c.cfg.SilenceThreshold,
			Probe:            c.cfg.Probe,
		}, c.log),
		baseCtx: context.WithoutCancel(ctx),
	}
	s.backups.SetFormat(string(format))
	s.lifeCtx, s.lifeCancel = context.WithCancel(s.baseCtx)
	s.cancel = func() {}
	return s
}

func (c *SessionController) failStart(epoch uint64, meta types.SessionMeta, reason types.StateReason, err error) (types.RecordingSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.owner != meta.SessionID {
		return types.RecordingSession{}, ErrSessionReset
	}
	if c.active != nil {
		c.active.lifeCancel()
		c.active = nil
	}
	c.transitionLocked(types.StateFailed, reason)
	c.reportLocked(&Result{
		SessionID: meta.SessionID,
		Subject:   meta.Subject,
		Source:    SourceRecording,
		Err:       err,
	})
	c.log.Error(source, "recording could not start", map[string]any{
		"session_id": meta.SessionID,
		"error":      err.Error(),
	})
	return types.RecordingSession{}, err
}

// Stop ends recording and delivers the audio. It is idempotent: when no
// session is recording it returns (nil, nil). The returned error is the
// result's Err, or ErrSessionReset when Reset discarded the session.
func (c *SessionController) Stop(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	return c.stop(ctx, s, types.ReasonStopRequested)
}

func (c *SessionController) stop(ctx context.Context, s *activeSession, reason types.StateReason) (*Result, error) {
	c.mu.Lock()
	if c.active != s || c.state != types.StateRecording {
		c.mu.Unlock()
		return nil, nil
	}
	epoch := c.epoch
	c.transitionLocked(types.StateStopping, reason)
	dev, group := c.haltLocked(s)
	c.mu.Unlock()

	stopDevice(dev, c.log)
	_ = group.Wait()
	retained := s.backups.Snapshots()

	c.mu.Lock()
	if c.epoch != epoch || c.active != s {
		c.mu.Unlock()
		return nil, ErrSessionReset
	}
	c.transitionLocked(types.StateFinalizing, reason)
	blob := types.ConcatChunks(s.chunks)
	chunkCount := len(s.chunks)
	s.chunks = nil
	c.retained = retained
	c.last = c.viewLocked(s)
	c.active = nil

	if len(blob) == 0 {
		c.transitionLocked(types.StateFailed, types.ReasonEmpty)
		res := &Result{
			SessionID:       s.meta.SessionID,
			Subject:         s.meta.Subject,
			Source:          SourceRecording,
			Err:             types.NewPipelineError(types.ErrEmptyRecording, "finalize", nil),
			DurationSeconds: s.elapsed,
		}
		c.reportLocked(res)
		c.mu.Unlock()
		return res, res.Err
	}
	c.mu.Unlock()

	c.log.Info(source, "recording finalized", map[string]any{
		"session_id":  s.meta.SessionID,
		"chunk_count": chunkCount,
		"bytes":       len(blob),
		"elapsed":     s.elapsed,
		"retry_count": s.retryCount,
	})

	res := c.deliver(ctx, delivery{
		epoch:    epoch,
		from:     types.StateFinalizing,
		meta:     s.meta,
		source:   SourceRecording,
		blob:     blob,
		format:   s.format,
		duration: s.elapsed,
	})
	if res.Discarded {
		return res, ErrSessionReset
	}
	return res, res.Err
}

// haltLocked cancels the session tasks and detaches the device. The caller
// stops the returned device and waits on the group outside the lock.
func (c *SessionController) haltLocked(s *activeSession) (device.Device, *errgroup.Group) {
	dev := s.dev
	s.dev = nil
	s.cancel()
	s.lifeCancel()
	group := s.group
	if group == nil {
		group = new(errgroup.Group)
	}
	return dev, group
}

// Reset tears the controller down to Idle. Any delivery still in flight is
// discarded when it completes.
func (c *SessionController) Reset() {
	c.mu.Lock()
	c.epoch++
	s := c.active
	c.active = nil
	var (
		dev   device.Device
		group *errgroup.Group
	)
	if s != nil {
		dev, group = c.haltLocked(s)
		s.chunks = nil
	}
	c.retained = nil
	c.result = nil
	c.last = types.RecordingSession{State: types.StateIdle}
	if c.state != types.StateIdle {
		c.transitionLocked(types.StateIdle, types.ReasonReset)
	}
	c.owner = ""
	c.mu.Unlock()

	stopDevice(dev, c.log)
	if group != nil {
		_ = group.Wait()
	}
}

// Status returns a view of the current or most recent session.
func (c *SessionController) Status() types.RecordingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.viewLocked(c.active)
	}
	view := c.last
	view.State = c.state
	return view
}

// Backups returns the snapshots of the active session, or those retained
// after the last session ended without delivering.
func (c *SessionController) Backups() []types.BackupSnapshot {
	c.mu.Lock()
	active, retained := c.active, c.retained
	c.mu.Unlock()
	if active != nil {
		return active.backups.Snapshots()
	}
	return types.CloneSnapshots(retained)
}

// LastResult returns the most recent terminal result, or nil.
func (c *SessionController) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *SessionController) viewLocked(s *activeSession) types.RecordingSession {
	return types.RecordingSession{
		ID:               s.meta.SessionID,
		Subject:          s.meta.Subject,
		State:            c.state,
		Format:           string(s.format),
		StartedAt:        s.startedAt,
		ElapsedSeconds:   s.elapsed,
		RetryCount:       s.retryCount,
		LastBackupSecond: s.backups.LastBackupSecond(),
		Segment:          s.segment,
		ChunkCount:       len(s.chunks),
	}
}

func (c *SessionController) transitionLocked(to types.SessionState, reason types.StateReason) {
	from := c.state
	c.state = to
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnStateChange(StateChange{
			SessionID: c.owner,
			From:      from,
			To:        to,
			Reason:    reason,
			At:        c.cfg.Now().UTC(),
		})
	}
}

// reportLocked records a terminal result and counts it.
func (c *SessionController) reportLocked(res *Result) {
	if res.Err != nil {
		res.Backups = types.CloneSnapshots(c.retained)
	}
	res.Message = res.describe()
	c.result = res
	switch {
	case res.Err != nil:
		c.cfg.Metrics.IncSessionFailed()
	case res.Pending():
		c.cfg.Metrics.IncSessionPending()
	default:
		c.cfg.Metrics.IncSessionCompleted()
	}
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnResult(res)
	}
}

func stopDevice(dev device.Device, sink log.Sink) {
	if dev == nil {
		return
	}
	if err := dev.Stop(); err != nil {
		sink.Warn(source, "device stop failed", map[string]any{"error": err.Error()})
	}
}
