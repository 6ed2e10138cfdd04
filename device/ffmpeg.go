package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegConfig configures microphone capture through an ffmpeg subprocess.
type FFmpegConfig struct {
	// Command is the ffmpeg binary (default "ffmpeg").
	Command string
	// InputFormat is the ffmpeg input device format (default "pulse").
	InputFormat string
	// InputDevice is the input device name (default "default").
	InputDevice string
	// ReadSize is the stdout read buffer size per segment (default 16 KiB).
	ReadSize int
}

// FFmpegSource acquires microphone devices backed by ffmpeg.
type FFmpegSource struct {
	cfg   FFmpegConfig
	meter *LevelMeter
}

// NewFFmpegSource creates a source, applying defaults.
func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 16 * 1024
	}
	return &FFmpegSource{cfg: cfg, meter: NewLevelMeter()}
}

// Probe returns the input level of the current device. Readings are only
// available while capturing uncompressed WAV.
func (s *FFmpegSource) Probe() AudioLevelProbe {
	return s.meter
}

// Acquire resolves the ffmpeg binary. The input device itself is opened by Start.
func (s *FFmpegSource) Acquire(ctx context.Context, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return &ffmpegDevice{cfg: s.cfg, path: path, constraints: c, meter: s.meter}, nil
}

// encoderArgs maps formats to ffmpeg output arguments. MP4 is absent because
// the container cannot be streamed to a pipe without fragmenting.
var encoderArgs = map[Format][]string{
	FormatWebMOpus: {"-c:a", "libopus", "-f", "webm"},
	FormatWebM:     {"-c:a", "libopus", "-f", "webm"},
	FormatOggOpus:  {"-c:a", "libopus", "-f", "ogg"},
	FormatMPEG:     {"-c:a", "libmp3lame", "-f", "mp3"},
	FormatWAV:      {"-c:a", "pcm_s16le", "-f", "wav"},
}

type ffmpegDevice struct {
	cfg         FFmpegConfig
	path        string
	constraints Constraints
	meter       *LevelMeter

	mu       sync.Mutex
	started  bool
	exited   bool
	stopping bool
	process  *os.Process
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	waitErr  chan error
	pumpDone chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (d *ffmpegDevice) Tracks() []Track {
	return []Track{ffmpegTrack{d: d}}
}

func (d *ffmpegDevice) Supports(f Format) bool {
	_, ok := encoderArgs[f]
	return ok
}

func (d *ffmpegDevice) args(f Format) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.InputDevice,
		"-ac", strconv.Itoa(d.constraints.Channels),
		"-ar", strconv.Itoa(d.constraints.SampleRate),
	}
	// ffmpeg has no echo canceller; only noise suppression is applied.
	if d.constraints.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args, encoderArgs[f]...)
	return append(args, "-")
}

func (d *ffmpegDevice) Start(f Format, h Handler) error {
	if !d.Supports(f) {
		return fmt.Errorf("ffmpeg: unsupported format %q", f)
	}

	cmd := exec.Command(d.path, d.args(f)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// An explicit pipe keeps the read end open after Wait so the pump can
	// drain what ffmpeg flushes on exit.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = pw.Close()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	_ = pw.Close()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		d.exited = true
		d.mu.Unlock()
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = stdout.Close()
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String()))
		}
		return errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	d.mu.Lock()
	d.started = true
	d.process = cmd.Process
	d.stdout = stdout
	d.stderr = &stderr
	d.waitErr = waitErr
	d.pumpDone = make(chan struct{})
	d.mu.Unlock()

	d.meter.Clear()
	go d.pump(f, h)
	return nil
}

// pump forwards encoder output until EOF. An EOF that was not requested by
// Stop is reported as a device error.
func (d *ffmpegDevice) pump(f Format, h Handler) {
	defer close(d.pumpDone)
	buf := make([]byte, d.cfg.ReadSize)
	for {
		n, err := d.stdout.Read(buf)
		if n > 0 {
			segment := make([]byte, n)
			copy(segment, buf[:n])
			if f == FormatWAV {
				d.meter.Observe(segment)
			}
			h.OnData(segment)
		}
		if err == nil {
			continue
		}
		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if !stopping {
			h.OnError(fmt.Errorf("ffmpeg stream ended: %w", err))
		}
		return
	}
}

func (d *ffmpegDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.exited && !d.stopping
}

func (d *ffmpegDevice) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		started := d.started
		d.mu.Unlock()
		if !started {
			return
		}

		_ = d.process.Signal(os.Interrupt)

		select {
		case err, ok := <-d.waitErr:
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			_ = d.process.Kill()
			err, ok := <-d.waitErr
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		}

		select {
		case <-d.pumpDone:
		case <-time.After(500 * time.Millisecond):
		}

		if closeErr := d.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if d.stopErr == nil {
				d.stopErr = closeErr
			}
		}

		if d.stopErr != nil && d.stderr.Len() > 0 {
			d.stopErr = fmt.Errorf("%w: %s", d.stopErr, trimOutput(d.stderr.String()))
		}
	})
	return d.stopErr
}

type ffmpegTrack struct {
	d *ffmpegDevice
}

func (t ffmpegTrack) Enabled() bool { return true }

func (t ffmpegTrack) State() TrackState {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.exited {
		return TrackEnded
	}
	return TrackLive
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return string(bytes.TrimSpace([]byte(input)))
}

var (
	_ Source = (*FFmpegSource)(nil)
	_ Device = (*ffmpegDevice)(nil)
)
