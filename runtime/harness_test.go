package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/dictum/adapter"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

// fakeUploader records blobs and fails the first failures calls.
type fakeUploader struct {
	mu       sync.Mutex
	calls    int
	blobs    [][]byte
	failures int
	err      error
}

func (u *fakeUploader) Upload(_ context.Context, blob []byte) (*types.UploadReceipt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.blobs = append(u.blobs, append([]byte(nil), blob...))
	if u.err != nil || u.calls <= u.failures {
		err := u.err
		if err == nil {
			err = errors.New("upload refused")
		}
		return nil, types.NewPipelineError(types.ErrUpload, "upload", err)
	}
	return &types.UploadReceipt{RemoteReference: fmt.Sprintf("https://cdn.test/upload/%d", u.calls)}, nil
}

func (u *fakeUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *fakeUploader) LastBlob() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.blobs) == 0 {
		return nil
	}
	return u.blobs[len(u.blobs)-1]
}

// fakeHandoff answers with a fixed result. When gate is set, Submit signals
// entered and blocks until gate is closed.
type fakeHandoff struct {
	mu       sync.Mutex
	result   handoff.Result
	err      error
	requests []handoff.Request

	entered chan struct{}
	gate    chan struct{}
}

func (h *fakeHandoff) Submit(_ context.Context, req handoff.Request) (*handoff.Result, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	res, err := h.result, h.err
	entered, gate := h.entered, h.gate
	h.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	if err != nil {
		return &handoff.Result{Disposition: handoff.DispositionFailed},
			types.NewPipelineError(types.ErrWebhook, "handoff", err)
	}
	return &res, nil
}

func (h *fakeHandoff) Requests() []handoff.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handoff.Request(nil), h.requests...)
}

type recordingListener struct {
	mu      sync.Mutex
	changes []StateChange
	results []*Result
}

func (l *recordingListener) OnStateChange(change StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, change)
	l.mu.Unlock()
}

func (l *recordingListener) OnResult(res *Result) {
	l.mu.Lock()
	l.results = append(l.results, res)
	l.mu.Unlock()
}

func (l *recordingListener) States() []types.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.SessionState, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.To
	}
	return out
}

func (l *recordingListener) Results() []*Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Result(nil), l.results...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*adapter.OutcomeEvent
	err    error
}

func (n *fakeNotifier) Publish(_ context.Context, ev *adapter.OutcomeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) Close() error { return nil }

type fakeArchive struct {
	err   error
	calls atomic.Int32
}

func (a *fakeArchive) Store(_ context.Context, sessionID, filename string, _ []byte) (string, error) {
	a.calls.Add(1)
	if a.err != nil {
		return "", a.err
	}
	return "https://archive.test/" + sessionID + "/" + filename, nil
}

type harness struct {
	c        *SessionController
	src      *device.StubSource
	store    *store.Stub
	up       *fakeUploader
	hand     *fakeHandoff
	listener *recordingListener
	metrics  *metrics.Collector
	log      *log.Recorder
}

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// newHarness builds a controller whose clock and health tasks never fire on
// their own; tests drive them through tick and checkHealth.
func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		src:      device.NewStubSource(),
		store:    store.NewStub(),
		up:       &fakeUploader{},
		hand:     &fakeHandoff{result: handoff.Result{Disposition: handoff.DispositionCompleted, Transcription: "transcript", Summary: "summary"}},
		listener: &recordingListener{},
		metrics:  metrics.NewCollector("stub", "memory"),
		log:      log.NewRecorder(),
	}
	var ids atomic.Int64
	cfg := Config{
		Source:         h.src,
		Uploader:       h.up,
		Handoff:        h.hand,
		Store:          h.store,
		Listener:       h.listener,
		Metrics:        h.metrics,
		Log:            h.log,
		TickInterval:   time.Hour,
		HealthInterval: time.Hour,
		SettleDelay:    -1,
		Now:            func() time.Time { return testEpoch },
		NewID:          func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewSessionController(cfg)
	if err != nil {
		t.Fatalf("NewSessionController failed: %v", err)
	}
	h.c = c
	t.Cleanup(c.Reset)
	return h
}

func (h *harness) start(t *testing.T) types.RecordingSession {
	t.Helper()
	view, err := h.c.Start(t.Context(), "Ana Perez")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return view
}

// current returns the active session and its segment.
func (h *harness) current(t *testing.T) (*activeSession, int) {
	t.Helper()
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.c.active == nil {
		t.Fatal("no active session")
	}
	return h.c.active, h.c.active.segment
}

// record emits one chunk on the live device and advances the clock, once
// per second.
func (h *harness) record(t *testing.T, seconds int) {
	t.Helper()
	for range seconds {
		s, segment := h.current(t)
		elapsed := h.c.Status().ElapsedSeconds
		h.src.Last().Emit([]byte{byte(elapsed), 0xAA})
		if !h.c.tick(s, segment) {
			t.Fatalf("tick at %ds stopped the clock", elapsed)
		}
	}
}

// fault injects a fault on the current segment and waits for recovery.
func (h *harness) fault(t *testing.T, kind types.FaultKind) {
	t.Helper()
	s, segment := h.current(t)
	h.c.handleFault(s, types.Fault{Kind: kind, Segment: segment})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
