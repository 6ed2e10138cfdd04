// Package store defines the consultation persistence collaborator.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/pithecene-io/dictum/types"
)

// ErrNotFound is returned when no consultation has the requested id.
var ErrNotFound = errors.New("consultation not found")

// ConsultationStore persists consultation outcomes.
type ConsultationStore interface {
	// Save stores a new outcome.
	Save(ctx context.Context, o *types.ConsultationOutcome) error
	// Update replaces a stored outcome with the same id.
	Update(ctx context.Context, o *types.ConsultationOutcome) error
}

// Reader reads stored outcomes back.
type Reader interface {
	// Get returns the outcome with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*types.ConsultationOutcome, error)
	// List returns outcomes, newest first. An empty status matches all.
	List(ctx context.Context, status types.OutcomeStatus) ([]types.ConsultationOutcome, error)
}

// Stub is an in-memory store for testing. Errors can be injected per call.
type Stub struct {
	mu      sync.Mutex
	records []types.ConsultationOutcome
	saves   int
	updates int

	// SaveErr is returned by Save when set.
	SaveErr error
	// UpdateErr is returned by Update when set.
	UpdateErr error
}

// NewStub creates an empty stub.
func NewStub() *Stub {
	return &Stub{}
}

// Save implements ConsultationStore.
func (s *Stub) Save(_ context.Context, o *types.ConsultationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.records = append(s.records, *o)
	return nil
}

// Update implements ConsultationStore.
func (s *Stub) Update(_ context.Context, o *types.ConsultationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	for i := range s.records {
		if s.records[i].ID == o.ID {
			s.records[i] = *o
			return nil
		}
	}
	return ErrNotFound
}

// Get implements Reader.
func (s *Stub) Get(_ context.Context, id string) (*types.ConsultationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// List implements Reader.
func (s *Stub) List(_ context.Context, status types.OutcomeStatus) ([]types.ConsultationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ConsultationOutcome
	for _, r := range slices.Backward(s.records) {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records returns every stored outcome in save order.
func (s *Stub) Records() []types.ConsultationOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Calls returns how many Save and Update calls were made.
func (s *Stub) Calls() (saves, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.updates
}

var (
	_ ConsultationStore = (*Stub)(nil)
	_ Reader            = (*Stub)(nil)
)
