package runtime

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/types"
)

func TestNewSessionController_RequiresCollaborators(t *testing.T) {
	if _, err := NewSessionController(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestStart_RejectsBlankSubject(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.c.Start(t.Context(), "   ")
	if !errors.Is(err, types.ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if len(h.src.Devices()) != 0 {
		t.Error("device acquired for invalid subject")
	}
}

func TestStart_BusyWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t)

	if view.State != types.StateRecording {
		t.Fatalf("state = %s, want recording", view.State)
	}
	if view.Subject != "Ana Perez" {
		t.Errorf("subject = %q", view.Subject)
	}
	if view.Format != string(device.FormatWebMOpus) {
		t.Errorf("format = %q, want first preferred", view.Format)
	}

	_, err := h.c.Start(t.Context(), "Someone Else")
	if !errors.Is(err, types.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if len(h.src.Devices()) != 1 {
		t.Errorf("acquired %d devices, want 1", len(h.src.Devices()))
	}
}

func TestStart_RequestsConsultationProfile(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	got := h.src.Last().Constraints()
	if got != device.DefaultConstraints() {
		t.Errorf("constraints = %+v", got)
	}
	if !got.EchoCancellation || !got.NoiseSuppression || got.SampleRate != 48000 || got.Channels != 1 {
		t.Errorf("unexpected profile %+v", got)
	}
}

func TestStart_DeviceDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.src.SetErr(errors.New("permission denied"))

	_, err := h.c.Start(t.Context(), "Ana Perez")
	if !errors.Is(err, types.ErrDevicePermission) {
		t.Fatalf("expected ErrDevicePermission, got %v", err)
	}

	status := h.c.Status()
	if status.State != types.StateFailed {
		t.Errorf("state = %s, want failed", status.State)
	}
	if status.ChunkCount != 0 {
		t.Errorf("chunk count = %d", status.ChunkCount)
	}
	res := h.c.LastResult()
	if res == nil || res.Message == "" {
		t.Fatalf("expected terminal result with message, got %+v", res)
	}
	if snap := h.metrics.Snapshot(); snap.SessionsStarted != 0 || snap.SessionsFailed != 1 {
		t.Errorf("metrics started=%d failed=%d", snap.SessionsStarted, snap.SessionsFailed)
	}

	// A failed session does not block the next one.
	h.src.SetErr(nil)
	h.start(t)
}

func TestStart_NoSupportedFormat(t *testing.T) {
	h := newHarness(t, nil)
	h.src.SetFormats([]device.Format{"audio/flac"})

	_, err := h.c.Start(t.Context(), "Ana Perez")
	if !errors.Is(err, types.ErrEncodingUnsupported) {
		t.Fatalf("expected ErrEncodingUnsupported, got %v", err)
	}
	if got := h.src.Last().StopCount(); got != 1 {
		t.Errorf("device stopped %d times, want 1", got)
	}
	if slices.Contains(h.listener.States(), types.StateRecording) {
		t.Error("entered recording without a format")
	}
	if got := h.c.Status().State; got != types.StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestStart_FallsBackThroughPreferences(t *testing.T) {
	h := newHarness(t, nil)
	h.src.SetFormats([]device.Format{device.FormatWAV, device.FormatMPEG})

	view := h.start(t)
	if view.Format != string(device.FormatMPEG) {
		t.Errorf("format = %q, want %q", view.Format, device.FormatMPEG)
	}
}

func TestStop_CleanSessionTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.record(t, 3)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if res.ExitCode() != ExitCodeCompleted {
		t.Errorf("exit code = %d", res.ExitCode())
	}

	want := []types.SessionState{
		types.StateRequesting,
		types.StateRecording,
		types.StateStopping,
		types.StateFinalizing,
		types.StateIdle,
	}
	if got := h.listener.States(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := h.c.Status(); got.State != types.StateIdle || got.ElapsedSeconds != 3 {
		t.Errorf("status = %+v", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.record(t, 2)
	dev := h.src.Last()

	if _, err := h.c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	res, err := h.c.Stop(t.Context())
	if res != nil || err != nil {
		t.Fatalf("second Stop = (%v, %v), want (nil, nil)", res, err)
	}

	if got := dev.StopCount(); got != 1 {
		t.Errorf("device released %d times, want 1", got)
	}
	if got := h.up.Calls(); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
}

func TestStop_ConcurrentCallsFinalizeOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.record(t, 2)
	dev := h.src.Last()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results int
	)
	for range 4 {
		wg.Go(func() {
			res, _ := h.c.Stop(t.Context())
			if res != nil {
				mu.Lock()
				results++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if results != 1 {
		t.Errorf("got %d results, want 1", results)
	}
	if got := dev.StopCount(); got != 1 {
		t.Errorf("device released %d times, want 1", got)
	}
	if got := h.up.Calls(); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
}

func TestStop_WhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.c.Stop(t.Context())
	if res != nil || err != nil {
		t.Fatalf("Stop = (%v, %v), want (nil, nil)", res, err)
	}
}

func TestStop_EmptyRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.src.Last().Emit(nil)
	dev := h.src.Last()

	res, err := h.c.Stop(t.Context())
	if !errors.Is(err, types.ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
	if types.IsRetryable(err) {
		t.Error("empty recording must not be retryable")
	}
	if res.ExitCode() != ExitCodeError {
		t.Errorf("exit code = %d", res.ExitCode())
	}
	if got := h.c.Status().State; got != types.StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if h.up.Calls() != 0 {
		t.Error("empty recording was uploaded")
	}
	if dev.StopCount() != 1 {
		t.Errorf("device released %d times", dev.StopCount())
	}
}

func TestStop_AcceptsTrailingEncoderOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.record(t, 1)

	// Flushes while stopping are part of the recording.
	h.c.mu.Lock()
	s := h.c.active
	h.c.state = types.StateStopping
	h.c.mu.Unlock()
	h.src.Last().Emit([]byte("tail"))
	h.c.mu.Lock()
	got := len(s.chunks)
	h.c.state = types.StateRecording
	h.c.mu.Unlock()

	if got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
}

func TestReset_DiscardsLateResult(t *testing.T) {
	h := newHarness(t, nil)
	h.hand.entered = make(chan struct{})
	h.hand.gate = make(chan struct{})
	h.start(t)
	h.record(t, 2)

	type stopResult struct {
		res *Result
		err error
	}
	done := make(chan stopResult, 1)
	go func() {
		res, err := h.c.Stop(t.Context())
		done <- stopResult{res, err}
	}()

	<-h.hand.entered
	h.c.Reset()
	close(h.hand.gate)
	got := <-done

	if !errors.Is(got.err, ErrSessionReset) {
		t.Fatalf("expected ErrSessionReset, got %v", got.err)
	}
	if got.res == nil || !got.res.Discarded {
		t.Fatalf("expected discarded result, got %+v", got.res)
	}
	if len(h.store.Records()) != 0 {
		t.Error("discarded result was persisted")
	}
	if len(h.listener.Results()) != 0 {
		t.Error("discarded result was reported")
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestReset_ReleasesActiveSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.record(t, 2)
	dev := h.src.Last()

	h.c.Reset()

	if dev.StopCount() != 1 {
		t.Errorf("device released %d times, want 1", dev.StopCount())
	}
	if got := h.c.Status(); got.State != types.StateIdle || got.ChunkCount != 0 {
		t.Errorf("status after reset = %+v", got)
	}
	if len(h.c.Backups()) != 0 {
		t.Error("backups survived reset")
	}
	// Output from the released device is dropped.
	dev.Emit([]byte("late"))
	h.start(t)
	if got := h.c.Status().ChunkCount; got != 0 {
		t.Errorf("new session has %d chunks", got)
	}
}

func TestStatus_PendingExitCode(t *testing.T) {
	h := newHarness(t, nil)
	h.hand.result = handoff.Result{Disposition: handoff.DispositionPending}
	h.start(t)
	h.record(t, 1)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("pending must not be an error: %v", err)
	}
	if !res.Pending() || res.ExitCode() != ExitCodeProcessing {
		t.Errorf("pending=%v exit=%d", res.Pending(), res.ExitCode())
	}
}
