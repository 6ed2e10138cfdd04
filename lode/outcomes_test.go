package lode

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

// sharedFactory returns a StoreFactory that always returns the given store,
// so writers and readers share the same in-memory state.
func sharedFactory(s lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return s, nil }
}

// failingStore is a lode.Store whose writes fail.
type failingStore struct {
	putErr   error
	putCalls int
	putPaths []string
}

func (s *failingStore) Put(_ context.Context, path string, _ io.Reader) error {
	s.putCalls++
	s.putPaths = append(s.putPaths, path)
	return s.putErr
}

func (s *failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (s *failingStore) List(context.Context, string) ([]string, error) { return nil, nil }

func (s *failingStore) Delete(context.Context, string) error { return nil }

func (s *failingStore) ReadRange(context.Context, string, int64, int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) ReaderAt(context.Context, string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*failingStore)(nil)

func newTestStore(t *testing.T) *OutcomeStore {
	t.Helper()
	s, err := NewOutcomeStore(Config{Host: "desk-1"}, sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatalf("NewOutcomeStore: %v", err)
	}
	return s
}

func testOutcome(id string, status types.OutcomeStatus, created time.Time) *types.ConsultationOutcome {
	return &types.ConsultationOutcome{
		ID:              id,
		SessionID:       "sess-" + id,
		Subject:         "Ana Pérez",
		AudioReference:  "https://cdn.example/" + id,
		UploadReference: "https://upload.example/" + id,
		Status:          status,
		DurationSeconds: 65,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestOutcomeStore_SaveGet(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := testOutcome("c1", types.OutcomeCompleted, at)
	o.Transcription = "hola"
	o.Summary = "resumen"

	if err := s.Save(t.Context(), o); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(t.Context(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != o.Subject || got.Summary != "resumen" || got.Status != types.OutcomeCompleted {
		t.Errorf("got %+v", got)
	}
	if got.DurationSeconds != 65 || !got.CreatedAt.Equal(at) {
		t.Errorf("duration/created = %d/%v", got.DurationSeconds, got.CreatedAt)
	}
}

func TestOutcomeStore_UpdateWritesRevision(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := testOutcome("c1", types.OutcomeProcessing, at)
	if err := s.Save(t.Context(), o); err != nil {
		t.Fatalf("Save: %v", err)
	}

	o.Complete("texto", "resumen", at.Add(time.Hour))
	if err := s.Update(t.Context(), o); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(t.Context(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.OutcomeCompleted || got.Transcription != "texto" {
		t.Errorf("after update: %+v", got)
	}

	rec, err := s.latest(t.Context(), "c1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Revision != 2 || rec.Host != "desk-1" || rec.Day != "2026-03-01" {
		t.Errorf("record = rev %d host %q day %q", rec.Revision, rec.Host, rec.Day)
	}

	list, err := s.List(t.Context(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List returned %d records, want 1 (revisions collapsed)", len(list))
	}
}

func TestOutcomeStore_UpdateMissing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(t.Context(), testOutcome("c1", types.OutcomeCompleted, time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	err := s.Update(t.Context(), testOutcome("other", types.OutcomeCompleted, time.Now()))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update missing = %v, want store.ErrNotFound", err)
	}
}

func TestOutcomeStore_ListFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	statuses := []types.OutcomeStatus{types.OutcomeCompleted, types.OutcomeProcessing, types.OutcomeCompleted}
	for i, st := range statuses {
		o := testOutcome(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))
		if err := s.Save(t.Context(), o); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	all, err := s.List(t.Context(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("List all order = %v", ids(all))
	}

	pending, _ := s.List(t.Context(), types.OutcomeProcessing)
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Errorf("List processing = %v", ids(pending))
	}
}

func TestOutcomeStore_WriteFailureClassified(t *testing.T) {
	fs := &failingStore{putErr: errors.New("write /data/dictum: no space left on device")}
	s, err := NewOutcomeStore(Config{}, sharedFactory(fs))
	if err != nil {
		t.Fatalf("NewOutcomeStore: %v", err)
	}

	err = s.Save(t.Context(), testOutcome("c1", types.OutcomeCompleted, time.Now()))
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("Save err = %v, want ErrDiskFull", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" {
		t.Errorf("StorageError = %+v", se)
	}
	if fs.putCalls == 0 {
		t.Error("expected a put attempt")
	}
}

func TestWriteMetrics_QueryLatest(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	first := metrics.Snapshot{SessionsStarted: 1, Device: "ffmpeg", StoreBackend: "fs"}
	second := metrics.Snapshot{
		SessionsStarted:   2,
		SessionsCompleted: 1,
		StreamFaults:      3,
		FaultsByKind:      map[string]int64{"track_ended": 3},
		Device:            "ffmpeg",
		StoreBackend:      "fs",
	}
	if err := s.WriteMetrics(t.Context(), first, at); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	// Consultation records in between must not confuse the query.
	if err := s.Save(t.Context(), testOutcome("c1", types.OutcomeCompleted, at)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.WriteMetrics(t.Context(), second, at.Add(time.Minute)); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}

	rec, err := QueryLatestMetrics(t.Context(), s.Dataset(), "desk-1")
	if err != nil {
		t.Fatalf("QueryLatestMetrics: %v", err)
	}
	if rec.SessionsStarted != 2 || rec.StreamFaults != 3 || rec.FaultsByKind["track_ended"] != 3 {
		t.Errorf("record = %+v", rec)
	}
	if rec.RecordKind != RecordKindMetrics || rec.Day != "2026-03-01" {
		t.Errorf("kind/day = %q/%q", rec.RecordKind, rec.Day)
	}

	if _, err := QueryLatestMetrics(t.Context(), s.Dataset(), "other-host"); !errors.Is(err, ErrNoMetricsFound) {
		t.Errorf("other host err = %v, want ErrNoMetricsFound", err)
	}
}

func TestMatchesPartitionValue(t *testing.T) {
	path := "datasets/dictum/partitions/record_kind=consultation/day=2026-03-01/seg.jsonl"
	if !matchesPartitionValue(path, "record_kind", "consultation") {
		t.Error("expected match")
	}
	if matchesPartitionValue(path, "record_kind", "consult") {
		t.Error("substring must not match")
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct{ in, bucket, prefix string }{
		{"bucket", "bucket", ""},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}
	if err := (&S3Config{}).Validate(); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func ids(list []types.ConsultationOutcome) []string {
	out := make([]string, len(list))
	for i, o := range list {
		out[i] = o.ID
	}
	return out
}
