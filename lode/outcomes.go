package lode

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

// OutcomeStore is a Lode-backed store.ConsultationStore.
// Every Save and Update appends one record; Update bumps the revision.
type OutcomeStore struct {
	dataset lode.Dataset
	config  Config

	mu sync.Mutex // serializes read-modify-write in Update
}

// NewOutcomeStore creates a store over the given factory.
// Use lode.NewMemory() behind a factory for testing.
func NewOutcomeStore(cfg Config, factory lode.StoreFactory) (*OutcomeStore, error) {
	cfg = cfg.withDefaults()
	ds, err := NewDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{dataset: ds, config: cfg}, nil
}

// NewOutcomeStoreFS creates a store rooted at a local directory.
func NewOutcomeStoreFS(cfg Config, root string) (*OutcomeStore, error) {
	return NewOutcomeStore(cfg, lode.NewFSFactory(root))
}

// Dataset returns the underlying dataset.
func (s *OutcomeStore) Dataset() lode.Dataset {
	return s.dataset
}

// Save implements store.ConsultationStore.
func (s *OutcomeStore) Save(ctx context.Context, o *types.ConsultationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, o, 1)
}

// Update implements store.ConsultationStore. The consultation must exist.
func (s *OutcomeStore) Update(ctx context.Context, o *types.ConsultationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.latest(ctx, o.ID)
	if err != nil {
		return err
	}
	return s.write(ctx, o, current.Revision+1)
}

func (s *OutcomeStore) write(ctx context.Context, o *types.ConsultationOutcome, revision int) error {
	record, err := toConsultationRecordMap(o, revision, s.config)
	if err != nil {
		return err
	}
	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, fmt.Sprintf("%s/consultation/%s", s.config.Dataset, o.ID))
	}
	return nil
}

// Get implements store.Reader.
func (s *OutcomeStore) Get(ctx context.Context, id string) (*types.ConsultationOutcome, error) {
	rec, err := s.latest(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec.ConsultationOutcome, nil
}

// List implements store.Reader. Returns the newest revision of every
// consultation, newest consultation first.
func (s *OutcomeStore) List(ctx context.Context, status types.OutcomeStatus) ([]types.ConsultationOutcome, error) {
	seen := make(map[string]struct{})
	var out []types.ConsultationOutcome

	err := s.scan(ctx, func(rec *ConsultationRecord) bool {
		if _, dup := seen[rec.ID]; dup {
			return true
		}
		seen[rec.ID] = struct{}{}
		if status == "" || rec.Status == status {
			out = append(out, rec.ConsultationOutcome)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b types.ConsultationOutcome) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return out, nil
}

func (s *OutcomeStore) latest(ctx context.Context, id string) (*ConsultationRecord, error) {
	var found *ConsultationRecord
	err := s.scan(ctx, func(rec *ConsultationRecord) bool {
		if rec.ID == id {
			found = rec
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return found, nil
}

// scan visits consultation records newest first until fn returns false.
func (s *OutcomeStore) scan(ctx context.Context, fn func(*ConsultationRecord) bool) error {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return WrapReadError(err, s.config.Dataset+"/snapshots")
	}

	// Snapshots are ordered by creation time
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasKind(snap, RecordKindConsultation) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", s.config.Dataset, snap.ID))
		}
		for j := len(data) - 1; j >= 0; j-- {
			m, ok := data[j].(map[string]any)
			if !ok || m["record_kind"] != RecordKindConsultation {
				continue
			}
			var rec ConsultationRecord
			if err := fromMap(m, &rec); err != nil {
				return err
			}
			if !fn(&rec) {
				return nil
			}
		}
	}
	return nil
}

// Close releases store resources.
func (s *OutcomeStore) Close() error {
	return nil
}

var (
	_ store.ConsultationStore = (*OutcomeStore)(nil)
	_ store.Reader            = (*OutcomeStore)(nil)
)
