package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/dictum/adapter"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

// delivery is one blob on its way through upload, hand-off and persistence.
type delivery struct {
	epoch uint64
	// from is the state the controller holds while delivering; it moves to
	// Idle at the end only if nothing else took over meanwhile.
	from     types.SessionState
	meta     types.SessionMeta
	source   Source
	blob     []byte
	format   device.Format
	duration int
	fault    error
}

// deliver uploads the blob, hands it off for summarization and persists the
// outcome. Network calls are not cancelled by Reset; their results are
// discarded when the epoch moved on.
func (c *SessionController) deliver(ctx context.Context, d delivery) *Result {
	res := &Result{
		SessionID:       d.meta.SessionID,
		Subject:         d.meta.Subject,
		Source:          d.source,
		Fault:           d.fault,
		DurationSeconds: d.duration,
	}

	receipt, err := c.cfg.Uploader.Upload(ctx, d.blob)
	if err != nil {
		res.Err = err
		return c.finish(d, res)
	}

	audioRef := receipt.RemoteReference
	if c.cfg.Archive != nil {
		filename := d.meta.SessionID + d.format.Extension()
		ref, err := c.cfg.Archive.Store(ctx, d.meta.SessionID, filename, d.blob)
		if err != nil {
			c.log.Warn(source, "audio archive failed; using upload reference", map[string]any{
				"session_id": d.meta.SessionID,
				"error":      err.Error(),
			})
		} else {
			audioRef = ref
		}
	}

	answer, err := c.cfg.Handoff.Submit(ctx, handoff.Request{
		AudioURL:  audioRef,
		UploadURL: receipt.RemoteReference,
	})
	if err != nil {
		res.Disposition = handoff.DispositionFailed
		res.Err = err
		return c.finish(d, res)
	}
	res.Disposition = answer.Disposition

	if c.stale(d.epoch) {
		return c.finish(d, res)
	}

	now := c.cfg.Now().UTC()
	outcome := &types.ConsultationOutcome{
		ID:              c.cfg.NewID(),
		SessionID:       d.meta.SessionID,
		Subject:         d.meta.Subject,
		AudioReference:  audioRef,
		UploadReference: receipt.RemoteReference,
		DurationSeconds: d.duration,
		CreatedAt:       now,
	}
	switch answer.Disposition {
	case handoff.DispositionCompleted:
		outcome.Complete(answer.Transcription, answer.Summary, now)
	case handoff.DispositionPending:
		outcome.MarkProcessing(now)
	default:
		res.Disposition = handoff.DispositionFailed
		res.Err = types.NewPipelineError(types.ErrWebhook, "handoff",
			fmt.Errorf("unexpected disposition %q", answer.Disposition))
		return c.finish(d, res)
	}
	res.Outcome = outcome

	if err := c.cfg.Store.Save(ctx, outcome); err != nil {
		res.PersistErr = types.NewPipelineError(types.ErrPersistence, "save", err)
		c.cfg.Metrics.IncPersistenceFailure()
		c.log.Error(source, "consultation could not be saved", map[string]any{
			"session_id":      d.meta.SessionID,
			"consultation_id": outcome.ID,
			"error":           err.Error(),
		})
		return c.finish(d, res)
	}

	c.notify(ctx, outcome)
	return c.finish(d, res)
}

func (c *SessionController) notify(ctx context.Context, o *types.ConsultationOutcome) {
	if c.cfg.Notifier == nil {
		return
	}
	if err := c.cfg.Notifier.Publish(ctx, adapter.NewOutcomeEvent(o, c.cfg.Now())); err != nil {
		c.cfg.Metrics.IncNotifyFailure()
		c.log.Warn(source, "outcome notification failed", map[string]any{
			"consultation_id": o.ID,
			"error":           err.Error(),
		})
	}
}

func (c *SessionController) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// finish reports the result unless the controller was reset meanwhile.
func (c *SessionController) finish(d delivery, res *Result) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != d.epoch {
		res.Discarded = true
		res.Message = "Discarded after reset."
		c.log.Warn(source, "delivery result discarded after reset", map[string]any{
			"session_id": d.meta.SessionID,
		})
		return res
	}

	if res.Err == nil {
		c.retained = nil
	}
	c.reportLocked(res)

	if c.owner == d.meta.SessionID && c.state == d.from {
		reason := types.ReasonDelivered
		if res.Err != nil {
			reason = types.ReasonDeliveryFailed
		}
		c.transitionLocked(types.StateIdle, reason)
	}

	fields := map[string]any{
		"session_id": res.SessionID,
		"source":     string(res.Source),
	}
	if res.Outcome != nil {
		fields["consultation_id"] = res.Outcome.ID
		fields["status"] = string(res.Outcome.Status)
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		c.log.Error(source, "delivery failed", fields)
	} else {
		c.log.Info(source, "delivery finished", fields)
	}
	return res
}

// RetryFromBackup delivers the newest snapshot retained after a failed
// session.
func (c *SessionController) RetryFromBackup(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return nil, types.ErrSessionBusy
	}
	if len(c.retained) == 0 {
		c.mu.Unlock()
		return nil, ErrNoRetainedBackup
	}
	snap := c.retained[len(c.retained)-1]
	epoch := c.epoch
	c.owner = snap.SessionID
	c.transitionLocked(types.StateFinalizing, types.ReasonRetryRequested)
	c.mu.Unlock()

	res := c.deliver(ctx, delivery{
		epoch:    epoch,
		from:     types.StateFinalizing,
		meta:     types.SessionMeta{SessionID: snap.SessionID, Subject: snap.Subject},
		source:   SourceBackup,
		blob:     snap.Blob,
		format:   device.Format(snap.Format),
		duration: snap.CapturedAtSecond,
	})
	if res.Discarded {
		return res, ErrSessionReset
	}
	return res, res.Err
}

// Redeliver delivers caller-supplied audio, e.g. a spooled backup read back
// after a crash.
func (c *SessionController) Redeliver(ctx context.Context, subject string, blob []byte, format device.Format) (*Result, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, types.ErrInvalidSubject
	}
	if len(blob) == 0 {
		return nil, types.NewPipelineError(types.ErrEmptyRecording, "redeliver", nil)
	}

	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return nil, types.ErrSessionBusy
	}
	meta := types.SessionMeta{SessionID: c.cfg.NewID(), Subject: subject}
	epoch := c.epoch
	c.owner = meta.SessionID
	c.transitionLocked(types.StateFinalizing, types.ReasonRetryRequested)
	c.mu.Unlock()

	res := c.deliver(ctx, delivery{
		epoch:  epoch,
		from:   types.StateFinalizing,
		meta:   meta,
		source: SourceManual,
		blob:   blob,
		format: format,
	})
	if res.Discarded {
		return res, ErrSessionReset
	}
	return res, res.Err
}

var timeNow = time.Now

// OutcomeStore is a store that can also read records back.
type OutcomeStore interface {
	store.ConsultationStore
	store.Reader
}

// ErrNotProcessing is returned by Reconcile for records that are not
// awaiting completion.
var ErrNotProcessing = errors.New("consultation is not processing")

// Reconcile completes a processing record once the summarization service
// finished asynchronously.
func Reconcile(ctx context.Context, st OutcomeStore, id, transcription, summary string) (*types.ConsultationOutcome, error) {
	o, err := st.Get(ctx, id)
	if err != nil {
		return nil, types.NewPipelineError(types.ErrPersistence, "get", err)
	}
	if o.Status != types.OutcomeProcessing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, o.Status)
	}
	o.Complete(transcription, summary, timeNow().UTC())
	if err := st.Update(ctx, o); err != nil {
		return nil, types.NewPipelineError(types.ErrPersistence, "update", err)
	}
	return o, nil
}
