// Package memstore is an in-memory implementation of the persistence API.
// It backs the "memory" backend and the engine's tests. Semantics match the
// SQLite store: upserts merge by case id, CLOSED runs reject every mutation,
// and every run method returns a deep copy of the authoritative run.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

var _ types.Store = (*Store)(nil)

// Store holds all entities in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	cases    map[string]types.TestCase
	order    []string
	runs     map[string]*types.TestRun
	modules  map[string]types.Module
	features map[string]types.Feature
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		cases:    make(map[string]types.TestCase),
		runs:     make(map[string]*types.TestRun),
		modules:  make(map[string]types.Module),
		features: make(map[string]types.Feature),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// ListTestCases returns the feature's cases in creation order.
func (s *Store) ListTestCases(_ context.Context, featureID string, includeArchived bool) ([]types.TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.TestCase{}
	for _, id := range s.order {
		tc := s.cases[id]
		if tc.FeatureID != featureID {
			continue
		}
		if tc.IsArchived && !includeArchived {
			continue
		}
		out = append(out, cloneCase(tc))
	}
	return out, nil
}

// CreateTestCases creates one case per spec.
func (s *Store) CreateTestCases(_ context.Context, featureID string, specs []types.TestCaseSpec) ([]types.TestCase, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.TestCase, 0, len(specs))
	for _, spec := range specs {
		tc := types.TestCase{
			ID:             newID(),
			FeatureID:      featureID,
			Name:           spec.Name,
			ExpectedResult: spec.ExpectedResult,
			Steps:          types.SplitSteps(types.JoinSteps(spec.Steps)),
			UpdatedAt:      s.now(),
		}
		s.cases[tc.ID] = tc
		s.order = append(s.order, tc.ID)
		out = append(out, cloneCase(tc))
	}
	return out, nil
}

// UpdateTestCase applies a partial update.
func (s *Store) UpdateTestCase(_ context.Context, id string, patch types.TestCasePatch) (types.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, ok := s.cases[id]
	if !ok {
		return types.TestCase{}, types.ErrNotFound
	}
	tc = cloneCase(tc)
	if err := tc.ApplyPatch(patch); err != nil {
		return types.TestCase{}, err
	}
	tc.UpdatedAt = s.now()
	s.cases[id] = tc
	return cloneCase(tc), nil
}

// GetTestCases returns the known cases among ids, in the order given.
func (s *Store) GetTestCases(_ context.Context, ids []string) ([]types.TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.TestCase{}
	for _, id := range ids {
		if tc, ok := s.cases[id]; ok {
			out = append(out, cloneCase(tc))
		}
	}
	return out, nil
}

// CreateRun stores a new OPEN run.
func (s *Store) CreateRun(_ context.Context, scope types.Scope, meta types.RunMetadata, targets []string) (*types.TestRun, error) {
	if err := meta.Validate(scope); err != nil {
		return nil, err
	}
	run := types.NewTestRun(scope, meta, targets)
	now := s.now()
	run.ID = newID()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.RunDate.IsZero() {
		run.RunDate = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return run.Clone(), nil
}

// GetRun returns a copy of the run.
func (s *Store) GetRun(_ context.Context, id string) (*types.TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return run.Clone(), nil
}

// UpsertResults merges results into the run by case id.
func (s *Store) UpsertResults(ctx context.Context, runID string, results []types.ResultUpsert) (*types.TestRun, error) {
	return s.UpdateRun(ctx, runID, types.RunUpdate{Results: results})
}

// UpdateRun applies the update atomically: on error the stored run is left
// unchanged.
func (s *Store) UpdateRun(_ context.Context, id string, update types.RunUpdate) (*types.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	next := run.Clone()
	if err := next.Apply(update); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.runs[id] = next
	return next.Clone(), nil
}

// ListRuns returns matching runs, newest run date first.
func (s *Store) ListRuns(_ context.Context, filter types.RunFilter) ([]types.TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.TestRun{}
	for _, run := range s.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if filter.FeatureID != "" && run.FeatureID != filter.FeatureID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run.Clone())
	}
	slices.SortFunc(out, func(a, b types.TestRun) int {
		if c := b.RunDate.Compare(a.RunDate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

// ListModules returns the project's modules sorted by name.
func (s *Store) ListModules(_ context.Context, projectID string) ([]types.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.Module{}
	for _, m := range s.modules {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b types.Module) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ListFeatures returns the project's features sorted by name.
func (s *Store) ListFeatures(_ context.Context, projectID string) ([]types.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.Feature{}
	for _, f := range s.features {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b types.Feature) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// GetFeature returns the feature with id.
func (s *Store) GetFeature(_ context.Context, id string) (types.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[id]
	if !ok {
		return types.Feature{}, types.ErrNotFound
	}
	return f, nil
}

// PutModule creates or replaces a module. An empty id is generated.
func (s *Store) PutModule(_ context.Context, m types.Module) (types.Module, error) {
	if m.Name == "" {
		return types.Module{}, types.NewValidationError("name", "must not be empty")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ID] = m
	return m, nil
}

// PutFeature creates or replaces a feature. An empty id is generated.
func (s *Store) PutFeature(_ context.Context, f types.Feature) (types.Feature, error) {
	if f.Name == "" {
		return types.Feature{}, types.NewValidationError("name", "must not be empty")
	}
	if f.ID == "" {
		f.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.ID] = f
	return f, nil
}

func cloneCase(tc types.TestCase) types.TestCase {
	tc.Steps = slices.Clone(tc.Steps)
	if tc.Steps == nil {
		tc.Steps = []string{}
	}
	return tc
}
