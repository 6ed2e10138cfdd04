package device

import (
	"context"
	"slices"
	"sync"
)

// StubSource hands out scriptable StubDevices for testing.
type StubSource struct {
	mu      sync.Mutex
	err     error
	formats []Format
	devices []*StubDevice
}

// NewStubSource creates a source whose devices support all formats.
func NewStubSource() *StubSource {
	return &StubSource{}
}

// SetErr makes subsequent Acquire calls fail with err (nil clears it).
func (s *StubSource) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SetFormats restricts the formats supported by devices acquired afterwards.
// A nil slice means every format is supported.
func (s *StubSource) SetFormats(formats []Format) {
	s.mu.Lock()
	s.formats = formats
	s.mu.Unlock()
}

// Acquire implements Source.
func (s *StubSource) Acquire(ctx context.Context, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	d := &StubDevice{
		constraints: c,
		formats:     s.formats,
		track:       &StubTrack{enabled: true, state: TrackLive},
	}
	s.devices = append(s.devices, d)
	return d, nil
}

// Devices returns every device acquired so far.
func (s *StubSource) Devices() []*StubDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.devices)
}

// Last returns the most recently acquired device, or nil.
func (s *StubSource) Last() *StubDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return nil
	}
	return s.devices[len(s.devices)-1]
}

// StubTrack is a mutable Track.
type StubTrack struct {
	mu      sync.Mutex
	enabled bool
	state   TrackState
}

// Enabled implements Track.
func (t *StubTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// State implements Track.
func (t *StubTrack) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StubDevice is a Device driven by test code.
type StubDevice struct {
	mu          sync.Mutex
	constraints Constraints
	formats     []Format
	track       *StubTrack
	handler     Handler
	format      Format
	recording   bool
	stops       int
}

// Tracks implements Device.
func (d *StubDevice) Tracks() []Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.track == nil {
		return nil
	}
	return []Track{d.track}
}

// Supports implements Device.
func (d *StubDevice) Supports(f Format) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formats == nil || slices.Contains(d.formats, f)
}

// Start implements Device.
func (d *StubDevice) Start(f Format, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.format = f
	d.handler = h
	d.recording = true
	return nil
}

// Recording implements Device.
func (d *StubDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Stop implements Device.
func (d *StubDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.recording = false
	return nil
}

// Emit delivers a data segment to the handler, even after Stop, so tests can
// simulate late encoder output.
func (d *StubDevice) Emit(data []byte) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.OnData(data)
	}
}

// Fail reports an encoder error to the handler.
func (d *StubDevice) Fail(err error) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.OnError(err)
	}
}

// EndTrack marks the track ended.
func (d *StubDevice) EndTrack() {
	d.mu.Lock()
	t := d.track
	d.mu.Unlock()
	if t != nil {
		t.mu.Lock()
		t.state = TrackEnded
		t.mu.Unlock()
	}
}

// DisableTrack marks the track disabled.
func (d *StubDevice) DisableTrack() {
	d.mu.Lock()
	t := d.track
	d.mu.Unlock()
	if t != nil {
		t.mu.Lock()
		t.enabled = false
		t.mu.Unlock()
	}
}

// RemoveTracks detaches every track.
func (d *StubDevice) RemoveTracks() {
	d.mu.Lock()
	d.track = nil
	d.mu.Unlock()
}

// Halt makes the encoder report not recording without a Stop call.
func (d *StubDevice) Halt() {
	d.mu.Lock()
	d.recording = false
	d.mu.Unlock()
}

// StopCount returns how many times Stop was called.
func (d *StubDevice) StopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Format returns the format passed to Start.
func (d *StubDevice) Format() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Constraints returns the constraints the device was acquired with.
func (d *StubDevice) Constraints() Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.constraints
}

// StubProbe replays a fixed sequence of level readings, repeating the last.
type StubProbe struct {
	mu     sync.Mutex
	levels []float64
	next   int
}

// NewStubProbe creates a probe returning levels in order.
func NewStubProbe(levels ...float64) *StubProbe {
	return &StubProbe{levels: levels}
}

// Level implements AudioLevelProbe.
func (p *StubProbe) Level() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.levels) == 0 {
		return 0, false
	}
	i := min(p.next, len(p.levels)-1)
	p.next++
	return p.levels[i], true
}

var (
	_ Source          = (*StubSource)(nil)
	_ Device          = (*StubDevice)(nil)
	_ AudioLevelProbe = (*StubProbe)(nil)
)
