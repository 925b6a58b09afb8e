// Package storetest provides store wrappers for tests: a Spy that records
// calls to the run store and injects failures.
package storetest

import (
	"context"
	"slices"
	"sync"

	"github.com/mesh-intelligence/qarun/internal/memstore"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// UpsertCall records one UpsertResults invocation.
type UpsertCall struct {
	RunID string
	Batch []types.ResultUpsert
}

// UpdateCall records one UpdateRun invocation.
type UpdateCall struct {
	RunID  string
	Update types.RunUpdate
}

// Spy wraps a Store. Hooks run before the call is delegated; a hook that
// returns an error fails the call without touching the wrapped store.
type Spy struct {
	types.Store

	mu      sync.Mutex
	upserts []UpsertCall
	updates []UpdateCall

	// OnUpsert runs before each UpsertResults.
	OnUpsert func(runID string, batch []types.ResultUpsert) error
	// OnUpdate runs before each UpdateRun.
	OnUpdate func(runID string, update types.RunUpdate) error
}

// NewSpy wraps store. A nil store is replaced by a fresh memstore.
func NewSpy(store types.Store) *Spy {
	if store == nil {
		store = memstore.New()
	}
	return &Spy{Store: store}
}

// UpsertResults records the batch, runs OnUpsert, then delegates.
func (s *Spy) UpsertResults(ctx context.Context, runID string, batch []types.ResultUpsert) (*types.TestRun, error) {
	s.mu.Lock()
	s.upserts = append(s.upserts, UpsertCall{RunID: runID, Batch: slices.Clone(batch)})
	hook := s.OnUpsert
	s.mu.Unlock()

	if hook != nil {
		if err := hook(runID, batch); err != nil {
			return nil, err
		}
	}
	return s.Store.UpsertResults(ctx, runID, batch)
}

// UpdateRun records the update, runs OnUpdate, then delegates.
func (s *Spy) UpdateRun(ctx context.Context, id string, update types.RunUpdate) (*types.TestRun, error) {
	s.mu.Lock()
	s.updates = append(s.updates, UpdateCall{RunID: id, Update: update})
	hook := s.OnUpdate
	s.mu.Unlock()

	if hook != nil {
		if err := hook(id, update); err != nil {
			return nil, err
		}
	}
	return s.Store.UpdateRun(ctx, id, update)
}

// Upserts returns the recorded UpsertResults calls.
func (s *Spy) Upserts() []UpsertCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.upserts)
}

// Updates returns the recorded UpdateRun calls.
func (s *Spy) Updates() []UpdateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

// Calls returns the total number of recorded run writes.
func (s *Spy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts) + len(s.updates)
}

// Reset clears the recorded calls.
func (s *Spy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = nil
	s.updates = nil
}
