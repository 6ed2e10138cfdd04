// Package backup implements the periodic snapshot schedule for a recording
// session.
//
// A periodic snapshot is taken on the session clock when the elapsed time is
// a positive multiple of the interval and past the last periodic snapshot.
// Forced snapshots (taken before a recovery restart) may happen at any time
// and leave the periodic schedule untouched. Snapshots are immutable once
// taken; persisting them to a Sink is best effort.
package backup

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/types"
)

const source = "backup"

// Sink durably stores snapshots.
type Sink interface {
	Write(ctx context.Context, snap *types.BackupSnapshot) error
}

// Config configures a Manager.
type Config struct {
	// IntervalSeconds is the periodic cadence (default 30).
	IntervalSeconds int
	// Sink is optional durable storage for snapshots.
	Sink Sink
	// Metrics is optional.
	Metrics *metrics.Collector
	// Now overrides the clock for CreatedAt (default time.Now).
	Now func() time.Time
}

// Manager owns the snapshot list of one session.
type Manager struct {
	cfg  Config
	meta types.SessionMeta
	log  log.Sink

	mu               sync.Mutex
	format           string
	snapshots        []types.BackupSnapshot
	lastBackupSecond int
}

// New creates a manager for the given session.
func New(meta types.SessionMeta, cfg Config, sink log.Sink) *Manager {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = types.BackupIntervalSeconds
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sink == nil {
		sink = log.Nop
	}
	return &Manager{cfg: cfg, meta: meta, log: sink}
}

// SetFormat records the encoding of subsequent snapshots.
func (m *Manager) SetFormat(format string) {
	m.mu.Lock()
	m.format = format
	m.mu.Unlock()
}

// Due reports whether a periodic snapshot should be taken at elapsed.
func (m *Manager) Due(elapsed int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dueLocked(elapsed)
}

func (m *Manager) dueLocked(elapsed int) bool {
	return elapsed > 0 && elapsed%m.cfg.IntervalSeconds == 0 && elapsed > m.lastBackupSecond
}

// OnTick takes a periodic snapshot if one is due. Building the blob copies
// every chunk, so callers must not hold a lock that capture needs. The
// returned snapshot is for Persist and must not be modified.
func (m *Manager) OnTick(elapsed int, chunks []types.AudioChunk) (*types.BackupSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dueLocked(elapsed) {
		return nil, false
	}
	if len(chunks) == 0 {
		m.log.Warn(source, "periodic backup skipped: no audio buffered", map[string]any{
			"elapsed_seconds": elapsed,
		})
		return nil, false
	}

	snap := m.takeLocked(elapsed, chunks, false)
	m.lastBackupSecond = elapsed
	return snap, true
}

// Force takes an out-of-schedule snapshot. It does not move the periodic
// schedule. Returns false when there is nothing to preserve.
func (m *Manager) Force(elapsed int, chunks []types.AudioChunk) (*types.BackupSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(chunks) == 0 {
		return nil, false
	}
	return m.takeLocked(elapsed, chunks, true), true
}

func (m *Manager) takeLocked(elapsed int, chunks []types.AudioChunk, forced bool) *types.BackupSnapshot {
	snap := types.BackupSnapshot{
		SessionID:        m.meta.SessionID,
		Subject:          m.meta.Subject,
		Format:           m.format,
		Blob:             types.ConcatChunks(chunks),
		CapturedAtSecond: elapsed,
		ChunkCount:       len(chunks),
		Forced:           forced,
		CreatedAt:        m.cfg.Now().UTC(),
	}
	m.snapshots = append(m.snapshots, snap)
	m.cfg.Metrics.IncBackupTaken()

	m.log.Info(source, "backup snapshot taken", map[string]any{
		"captured_at_second": elapsed,
		"chunk_count":        snap.ChunkCount,
		"bytes":              len(snap.Blob),
		"forced":             forced,
	})
	return &snap
}

// Persist writes snap to the sink. Failures are logged and counted; they
// never propagate to capture.
func (m *Manager) Persist(ctx context.Context, snap *types.BackupSnapshot) {
	if m.cfg.Sink == nil || snap == nil {
		return
	}
	if err := m.cfg.Sink.Write(ctx, snap); err != nil {
		m.cfg.Metrics.IncBackupFailed()
		m.log.Error(source, "backup persistence failed", map[string]any{
			"captured_at_second": snap.CapturedAtSecond,
			"error":              err.Error(),
		})
	}
}

// Latest returns a copy of the newest snapshot.
func (m *Manager) Latest() (types.BackupSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return types.BackupSnapshot{}, false
	}
	return m.snapshots[len(m.snapshots)-1].Clone(), true
}

// Count returns the number of snapshots taken.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Snapshots returns copies of all snapshots in creation order.
func (m *Manager) Snapshots() []types.BackupSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.CloneSnapshots(m.snapshots)
}

// Periodic returns copies of the scheduled snapshots.
func (m *Manager) Periodic() []types.BackupSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.BackupSnapshot
	for i := range m.snapshots {
		if !m.snapshots[i].Forced {
			out = append(out, m.snapshots[i].Clone())
		}
	}
	return out
}

// LastBackupSecond returns the capture second of the last periodic snapshot.
func (m *Manager) LastBackupSecond() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBackupSecond
}

// Restore moves the periodic schedule forward to last. Used when a session
// resumes from a previously captured state.
func (m *Manager) Restore(last int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last > m.lastBackupSecond {
		m.lastBackupSecond = last
	}
}
