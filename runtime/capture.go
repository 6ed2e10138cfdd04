package runtime

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/recovery"
	"github.com/pithecene-io/dictum/types"
)

// captureHandler receives encoder output for one capture segment. Output
// from a released segment is dropped.
type captureHandler struct {
	c       *SessionController
	s       *activeSession
	segment int
}

func (h *captureHandler) OnData(data []byte) {
	if len(data) == 0 {
		return
	}
	c, s := h.c, h.s
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != s || s.segment != h.segment {
		return
	}
	switch c.state {
	case types.StateRequesting, types.StateRecording, types.StateStopping:
	default:
		return
	}
	s.nextSeq++
	s.chunks = append(s.chunks, types.AudioChunk{
		Seq:     s.nextSeq,
		Segment: h.segment,
		Data:    data,
	})
}

func (h *captureHandler) OnError(err error) {
	go h.c.handleFault(h.s, types.Fault{
		Kind:    types.FaultDeviceError,
		Segment: h.segment,
		Err:     err,
	})
}

// launchLocked starts the session clock and the health probe for the
// current segment.
func (c *SessionController) launchLocked(s *activeSession) {
	ctx, cancel := context.WithCancel(s.lifeCtx)
	g, gctx := errgroup.WithContext(ctx)
	segment := s.segment

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if !c.tick(s, segment) {
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.monitor.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if !c.checkHealth(s, segment) {
					return nil
				}
			}
		}
	})

	s.cancel = cancel
	s.group = g
}

// tick advances the session clock by one second. It returns false when the
// clock should stop; ceiling stops and faults run on their own goroutine so
// the task never waits on its own group.
func (c *SessionController) tick(s *activeSession, segment int) bool {
	c.mu.Lock()
	if c.active != s || s.segment != segment || c.state != types.StateRecording {
		c.mu.Unlock()
		return false
	}
	s.elapsed++
	elapsed := s.elapsed
	// Chunks are append-only, so this prefix stays valid after unlocking.
	chunks := s.chunks[:len(s.chunks):len(s.chunks)]

	var fault *types.Fault
	if s.dev != nil && !s.dev.Recording() {
		fault = &types.Fault{
			Kind:    types.FaultNotRecording,
			Segment: segment,
			Err:     fmt.Errorf("encoder stopped at %ds", elapsed),
		}
	}
	ceiling := fault == nil && elapsed >= c.cfg.MaxRecordingSeconds
	c.mu.Unlock()

	if snap, took := s.backups.OnTick(elapsed, chunks); took {
		s.backups.Persist(s.lifeCtx, snap)
	}

	switch {
	case fault != nil:
		go c.handleFault(s, *fault)
		return false
	case ceiling:
		c.log.Warn(source, "recording ceiling reached", map[string]any{
			"session_id":      s.meta.SessionID,
			"elapsed_seconds": elapsed,
		})
		go func() { _, _ = c.stop(s.baseCtx, s, types.ReasonCeiling) }()
		return false
	}
	return true
}

// checkHealth runs one monitor check against the live device.
func (c *SessionController) checkHealth(s *activeSession, segment int) bool {
	c.mu.Lock()
	if c.active != s || s.segment != segment || c.state != types.StateRecording || s.dev == nil {
		c.mu.Unlock()
		return false
	}
	dev := s.dev
	c.mu.Unlock()

	v := s.monitor.Check(dev)
	if v.Healthy() {
		return true
	}
	f := *v.Fault
	f.Segment = segment
	go c.handleFault(s, f)
	return false
}

// handleFault routes a stream fault through the recovery policy. Faults
// from a superseded segment or outside Recording are ignored.
func (c *SessionController) handleFault(s *activeSession, f types.Fault) {
	c.mu.Lock()
	if c.active != s || s.segment != f.Segment || c.state != types.StateRecording {
		c.mu.Unlock()
		return
	}
	faultErr := f.AsError()
	s.lastFault = faultErr
	c.cfg.Metrics.IncStreamFault(string(f.Kind))

	action := c.recovery.Decide(s.retryCount, s.backups.Count() > 0)
	c.log.Error(source, "stream fault", map[string]any{
		"session_id":  s.meta.SessionID,
		"kind":        string(f.Kind),
		"segment":     f.Segment,
		"retry_count": s.retryCount,
		"action":      action.String(),
		"error":       faultErr.Error(),
	})

	if action == recovery.ActionRestart {
		s.retryCount++
		elapsed := s.elapsed
		chunks := s.chunks[:len(s.chunks):len(s.chunks)]
		dev := s.dev
		s.dev = nil
		s.cancel()
		group := s.group
		s.segment++
		segment := s.segment
		c.mu.Unlock()

		stopDevice(dev, c.log)
		if group != nil {
			_ = group.Wait()
		}
		// After the wait so a periodic snapshot from the old clock lands first.
		if snap, forced := s.backups.Force(elapsed, chunks); forced {
			s.backups.Persist(s.lifeCtx, snap)
		}
		c.cfg.Metrics.IncRecovery()
		c.resume(s, segment)
		return
	}

	c.exhaustLocked(s, action, faultErr)
}

// resume restarts capture for a new segment, keeping elapsed time, chunks
// and the backup schedule. A failed resume is itself a fault.
func (c *SessionController) resume(s *activeSession, segment int) {
	if err := c.recovery.Settle(s.lifeCtx); err != nil {
		return
	}

	restartFailed := func(err error) {
		c.handleFault(s, types.Fault{Kind: types.FaultRestartFailed, Segment: segment, Err: err})
	}

	dev, err := c.cfg.Source.Acquire(s.lifeCtx, c.cfg.Constraints)
	if err != nil {
		restartFailed(fmt.Errorf("re-acquire: %w", err))
		return
	}
	if !dev.Supports(s.format) {
		stopDevice(dev, c.log)
		restartFailed(fmt.Errorf("format %s no longer supported", s.format))
		return
	}
	if err := dev.Start(s.format, &captureHandler{c: c, s: s, segment: segment}); err != nil {
		stopDevice(dev, c.log)
		restartFailed(fmt.Errorf("restart: %w", err))
		return
	}

	c.mu.Lock()
	if c.active != s || s.segment != segment || c.state != types.StateRecording {
		c.mu.Unlock()
		stopDevice(dev, c.log)
		return
	}
	s.dev = dev
	s.monitor.Reset()
	c.launchLocked(s)
	c.transitionLocked(types.StateRecording, types.ReasonResumed)
	c.log.Info(source, "recording resumed", map[string]any{
		"session_id":      s.meta.SessionID,
		"segment":         segment,
		"retry_count":     s.retryCount,
		"elapsed_seconds": s.elapsed,
	})
	c.mu.Unlock()
}

// exhaustLocked ends capture after the restart budget is spent. It is
// entered with the lock held and releases it. A fallback delivery keeps the
// controller in Finalizing until it finishes, so no new session or manual
// delivery can start meanwhile.
func (c *SessionController) exhaustLocked(s *activeSession, action recovery.Action, faultErr error) {
	epoch := c.epoch
	dev, group := c.haltLocked(s)
	s.chunks = nil
	c.last = c.viewLocked(s)
	c.active = nil
	c.transitionLocked(types.StateFailed, types.ReasonExhausted)

	if action != recovery.ActionFallback {
		c.retained = s.backups.Snapshots()
		c.reportLocked(&Result{
			SessionID:       s.meta.SessionID,
			Subject:         s.meta.Subject,
			Source:          SourceRecording,
			Err:             recovery.Unrecoverable(faultErr),
			Fault:           faultErr,
			DurationSeconds: s.elapsed,
		})
		c.mu.Unlock()
		stopDevice(dev, c.log)
		_ = group.Wait()
		return
	}
	c.transitionLocked(types.StateFinalizing, types.ReasonFallback)
	c.mu.Unlock()

	stopDevice(dev, c.log)
	_ = group.Wait()

	// Read once the clock stopped so a snapshot from its last tick counts.
	retained := s.backups.Snapshots()
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.retained = retained
	if len(retained) == 0 {
		c.transitionLocked(types.StateFailed, types.ReasonExhausted)
		c.reportLocked(&Result{
			SessionID:       s.meta.SessionID,
			Subject:         s.meta.Subject,
			Source:          SourceRecording,
			Err:             recovery.Unrecoverable(faultErr),
			Fault:           faultErr,
			DurationSeconds: s.elapsed,
		})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	latest := retained[len(retained)-1]
	c.cfg.Metrics.IncFallback()
	c.log.Warn(source, "retries exhausted; delivering latest backup", map[string]any{
		"session_id":         s.meta.SessionID,
		"captured_at_second": latest.CapturedAtSecond,
		"bytes":              latest.Size(),
	})
	c.deliver(s.baseCtx, delivery{
		epoch:    epoch,
		from:     types.StateFinalizing,
		meta:     s.meta,
		source:   SourceBackup,
		blob:     latest.Blob,
		format:   device.Format(latest.Format),
		duration: latest.CapturedAtSecond,
		fault:    faultErr,
	})
}
