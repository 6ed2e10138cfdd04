package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/pithecene-io/dictum/adapter"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

func TestDeliver_CompletedPersistsAndNotifies(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, func(c *Config) { c.Notifier = notifier })
	view := h.start(t)
	h.record(t, 12)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	records := h.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != types.OutcomeCompleted || rec.Transcription != "transcript" || rec.Summary != "summary" {
		t.Errorf("record = %+v", rec)
	}
	if rec.SessionID != view.ID || rec.Subject != "Ana Perez" || rec.DurationSeconds != 12 {
		t.Errorf("record identity = %+v", rec)
	}
	if rec.UploadReference != "https://cdn.test/upload/1" || rec.AudioReference != rec.UploadReference {
		t.Errorf("references = %q / %q", rec.AudioReference, rec.UploadReference)
	}
	if res.Outcome == nil || res.Outcome.ID != rec.ID {
		t.Errorf("result outcome = %+v", res.Outcome)
	}

	reqs := h.hand.Requests()
	if len(reqs) != 1 || reqs[0].UploadURL != "https://cdn.test/upload/1" {
		t.Errorf("handoff requests = %+v", reqs)
	}

	if len(notifier.events) != 1 || notifier.events[0].EventType != adapter.EventConsultationCompleted {
		t.Errorf("events = %+v", notifier.events)
	}
	if snap := h.metrics.Snapshot(); snap.SessionsStarted != 1 || snap.SessionsCompleted != 1 {
		t.Errorf("started=%d completed=%d", snap.SessionsStarted, snap.SessionsCompleted)
	}
}

func TestDeliver_PendingSavesProcessingPlaceholder(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, func(c *Config) { c.Notifier = notifier })
	h.hand.result = handoff.Result{Disposition: handoff.DispositionPending, Transcription: "ignored"}
	h.start(t)
	h.record(t, 3)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("pending must not fail: %v", err)
	}
	if !res.Pending() {
		t.Error("expected pending result")
	}
	records := h.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Status != types.OutcomeProcessing || records[0].Transcription != "" || records[0].Summary != "" {
		t.Errorf("placeholder = %+v", records[0])
	}
	if notifier.events[0].EventType != adapter.EventConsultationProcessing {
		t.Errorf("event type = %s", notifier.events[0].EventType)
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if h.metrics.Snapshot().SessionsPending != 1 {
		t.Error("pending session not counted")
	}
}

func TestDeliver_UploadExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.up.failures = 3
	h.start(t)
	h.record(t, 31)

	res, err := h.c.Stop(t.Context())
	if !errors.Is(err, types.ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if len(h.store.Records()) != 0 {
		t.Error("persisted after upload failure")
	}
	if len(h.hand.Requests()) != 0 {
		t.Error("handed off without a receipt")
	}
	if !res.Recoverable() || len(res.Backups) != 1 {
		t.Fatalf("expected one retained backup, got %d", len(res.Backups))
	}
	if res.Message == "" {
		t.Error("missing message")
	}

	// The retained snapshot can be retried once the service is back.
	h.up.mu.Lock()
	h.up.failures = 0
	h.up.mu.Unlock()
	retry, err := h.c.RetryFromBackup(t.Context())
	if err != nil {
		t.Fatalf("RetryFromBackup failed: %v", err)
	}
	if retry.Source != SourceBackup || retry.DurationSeconds != 30 {
		t.Errorf("retry result = %+v", retry)
	}
	if len(h.store.Records()) != 1 {
		t.Errorf("records = %d after retry", len(h.store.Records()))
	}
	if len(h.c.Backups()) != 0 {
		t.Error("backups retained after successful retry")
	}
	if _, err := h.c.RetryFromBackup(t.Context()); !errors.Is(err, ErrNoRetainedBackup) {
		t.Errorf("expected ErrNoRetainedBackup, got %v", err)
	}
}

func TestDeliver_WebhookFailureKeepsBackups(t *testing.T) {
	h := newHarness(t, nil)
	h.hand.err = errors.New("bad gateway")
	h.start(t)
	h.record(t, 30)

	res, err := h.c.Stop(t.Context())
	if !errors.Is(err, types.ErrWebhook) {
		t.Fatalf("expected ErrWebhook, got %v", err)
	}
	if res.Disposition != handoff.DispositionFailed {
		t.Errorf("disposition = %s", res.Disposition)
	}
	if len(h.store.Records()) != 0 {
		t.Error("persisted after webhook failure")
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if len(h.c.Backups()) != 1 {
		t.Errorf("retained backups = %d, want 1", len(h.c.Backups()))
	}
}

func TestDeliver_PersistenceFailureKeepsOutcome(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, func(c *Config) { c.Notifier = notifier })
	h.store.SaveErr = errors.New("disk full")
	h.start(t)
	h.record(t, 2)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("persistence failure is not a pipeline error: %v", err)
	}
	if !errors.Is(res.PersistErr, types.ErrPersistence) {
		t.Errorf("persist err = %v", res.PersistErr)
	}
	if res.Outcome == nil || res.Outcome.Transcription != "transcript" {
		t.Errorf("outcome lost: %+v", res.Outcome)
	}
	if res.ExitCode() != ExitCodeError {
		t.Errorf("exit code = %d", res.ExitCode())
	}
	if len(notifier.events) != 0 {
		t.Error("notified about an unsaved outcome")
	}
	if h.metrics.Snapshot().PersistenceFailure != 1 {
		t.Error("persistence failure not counted")
	}
}

func TestDeliver_NotifyFailureIsWarning(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("redis down")}
	h := newHarness(t, func(c *Config) { c.Notifier = notifier })
	h.start(t)
	h.record(t, 1)

	res, err := h.c.Stop(t.Context())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if res.ExitCode() != ExitCodeCompleted {
		t.Errorf("exit code = %d", res.ExitCode())
	}
	if h.metrics.Snapshot().NotifyFailure != 1 {
		t.Error("notify failure not counted")
	}
	if !h.log.Has("outcome notification failed") {
		t.Error("notify failure not logged")
	}
}

func TestDeliver_ArchiveReferenceBecomesAudioURL(t *testing.T) {
	archive := &fakeArchive{}
	h := newHarness(t, func(c *Config) { c.Archive = archive })
	view := h.start(t)
	h.record(t, 1)

	if _, err := h.c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	want := "https://archive.test/" + view.ID + "/" + view.ID + ".webm"
	if got := h.hand.Requests()[0].AudioURL; got != want {
		t.Errorf("audio url = %q, want %q", got, want)
	}
	if got := h.store.Records()[0].AudioReference; got != want {
		t.Errorf("audio reference = %q", got)
	}
}

func TestDeliver_ArchiveFailureFallsBackToUpload(t *testing.T) {
	archive := &fakeArchive{err: errors.New("bucket missing")}
	h := newHarness(t, func(c *Config) { c.Archive = archive })
	h.start(t)
	h.record(t, 1)

	if _, err := h.c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	req := h.hand.Requests()[0]
	if req.AudioURL != req.UploadURL {
		t.Errorf("audio url = %q, want upload reference", req.AudioURL)
	}
	if archive.calls.Load() != 1 {
		t.Errorf("archive calls = %d", archive.calls.Load())
	}
}

func TestRedeliver(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.c.Redeliver(t.Context(), " ", []byte("x"), device.FormatWAV); !errors.Is(err, types.ErrInvalidSubject) {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	if _, err := h.c.Redeliver(t.Context(), "Ana", nil, device.FormatWAV); !errors.Is(err, types.ErrEmptyRecording) {
		t.Errorf("expected ErrEmptyRecording, got %v", err)
	}

	res, err := h.c.Redeliver(t.Context(), "Ana", []byte("spooled audio"), device.FormatWAV)
	if err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if res.Source != SourceManual {
		t.Errorf("source = %s", res.Source)
	}
	if string(h.up.LastBlob()) != "spooled audio" {
		t.Errorf("uploaded %q", h.up.LastBlob())
	}
	if got := h.c.Status().State; got != types.StateIdle {
		t.Errorf("state = %s", got)
	}
}

func TestRedeliver_BusyWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if _, err := h.c.Redeliver(t.Context(), "Ana", []byte("x"), device.FormatWAV); !errors.Is(err, types.ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	st := store.NewStub()
	placeholder := &types.ConsultationOutcome{
		ID:        "c-1",
		Status:    types.OutcomeProcessing,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	if err := st.Save(t.Context(), placeholder); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Reconcile(t.Context(), st, "c-1", "late transcript", "late summary")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != types.OutcomeCompleted || got.Summary != "late summary" {
		t.Errorf("reconciled = %+v", got)
	}
	if !got.UpdatedAt.After(testEpoch) {
		t.Error("updatedAt not advanced")
	}
	stored, _ := st.Get(t.Context(), "c-1")
	if stored.Transcription != "late transcript" {
		t.Errorf("stored = %+v", stored)
	}

	_, err = Reconcile(t.Context(), st, "c-1", "again", "again")
	if !errors.Is(err, ErrNotProcessing) {
		t.Errorf("expected ErrNotProcessing, got %v", err)
	}

	_, err = Reconcile(t.Context(), st, "missing", "", "")
	if !errors.Is(err, types.ErrPersistence) || !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestResult_Describe(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"completed", Result{Source: SourceRecording}, "saved"},
		{"pending", Result{Disposition: handoff.DispositionPending}, "still being processed"},
		{"backup", Result{Source: SourceBackup}, "last backup"},
		{"error", Result{Err: types.NewPipelineError(types.ErrUpload, "upload", nil)}, "transcription"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.describe(); !strings.Contains(got, tt.want) {
				t.Errorf("describe() = %q, want substring %q", got, tt.want)
			}
		})
	}
}
