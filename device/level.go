package device

import (
	"encoding/binary"
	"sync"
)

// LevelMeter is an AudioLevelProbe fed with 16-bit little-endian PCM.
// Level reports the peak of the most recent segment.
type LevelMeter struct {
	mu    sync.Mutex
	level float64
	ok    bool
	carry []byte
}

// NewLevelMeter creates a meter with no reading.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

// Observe measures a PCM segment. A trailing odd byte is kept and joined
// with the next segment.
func (m *LevelMeter) Observe(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.carry) > 0 {
		pcm = append(m.carry, pcm...)
		m.carry = nil
	}
	if len(pcm)%2 == 1 {
		m.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return
	}

	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	m.level = min(float64(peak)/32768, 1)
	m.ok = true
}

// Clear drops the current reading.
func (m *LevelMeter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level, m.ok, m.carry = 0, false, nil
}

// Level implements AudioLevelProbe.
func (m *LevelMeter) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, m.ok
}

var _ AudioLevelProbe = (*LevelMeter)(nil)
