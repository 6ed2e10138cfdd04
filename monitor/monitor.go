// Package monitor implements the stream health watchdog.
//
// Check inspects the device handle in priority order: a missing track, then a
// disabled or ended track, then (best effort) a persistently silent input.
// Only the first two produce a fault; silence is logged as a warning.
package monitor

import (
	"sync"
	"time"

	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/types"
)

const source = "monitor"

// Defaults.
const (
	DefaultInterval         = 5 * time.Second
	DefaultSilenceThreshold = 0.01
	DefaultSilentChecks     = 3
)

// Config configures the monitor.
type Config struct {
	// Interval is the check period, independent of the 1 Hz session clock.
	Interval time.Duration
	// SilenceThreshold is the level below which input counts as silent.
	SilenceThreshold float64
	// SilentChecks is how many consecutive silent readings trigger a warning.
	SilentChecks int
	// Probe is the optional level probe. Nil disables silence detection.
	Probe device.AudioLevelProbe
}

// Verdict is the tagged result of one health check.
type Verdict struct {
	// Fault is set when the stream must be recovered.
	Fault *types.Fault
	// Silent is set when the input has been near zero for SilentChecks readings.
	Silent bool
	// Level is the last probe reading, if any.
	Level float64
}

// Healthy reports whether no fault was detected.
func (v Verdict) Healthy() bool { return v.Fault == nil }

// Monitor checks device health. Safe for concurrent use.
type Monitor struct {
	cfg  Config
	sink log.Sink

	mu        sync.Mutex
	lowStreak int
	warned    bool
}

// New creates a monitor, applying defaults.
func New(cfg Config, sink log.Sink) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SilentChecks <= 0 {
		cfg.SilentChecks = DefaultSilentChecks
	}
	if sink == nil {
		sink = log.Nop
	}
	return &Monitor{cfg: cfg, sink: sink}
}

// Interval returns the configured check period.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Reset clears the silence streak, e.g. after a capture restart.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.lowStreak = 0
	m.warned = false
	m.mu.Unlock()
}

// Check inspects d and returns the verdict.
func (m *Monitor) Check(d device.Device) Verdict {
	tracks := d.Tracks()
	if len(tracks) == 0 {
		return m.fault(types.FaultNoTrack)
	}

	var live device.Track
	for _, t := range tracks {
		if t.State() == device.TrackLive {
			live = t
			break
		}
	}
	if live == nil {
		return m.fault(types.FaultTrackEnded)
	}
	if !live.Enabled() {
		return m.fault(types.FaultTrackDisabled)
	}

	return m.checkLevel()
}

func (m *Monitor) fault(kind types.FaultKind) Verdict {
	m.sink.Error(source, "audio stream fault detected", map[string]any{"kind": string(kind)})
	return Verdict{Fault: &types.Fault{Kind: kind}}
}

func (m *Monitor) checkLevel() Verdict {
	if m.cfg.Probe == nil {
		return Verdict{}
	}
	level, ok := m.cfg.Probe.Level()
	if !ok {
		return Verdict{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if level >= m.cfg.SilenceThreshold {
		m.lowStreak = 0
		m.warned = false
		return Verdict{Level: level}
	}

	m.lowStreak++
	if m.lowStreak < m.cfg.SilentChecks {
		return Verdict{Level: level}
	}
	if !m.warned {
		m.warned = true
		m.sink.Warn(source, "input level persistently near zero", map[string]any{
			"level":  level,
			"checks": m.lowStreak,
		})
	}
	return Verdict{Silent: true, Level: level}
}
