// Package catalog manages the test cases of a feature and resolves the initial
// target set of new runs.
package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Store is the slice of the persistence API the catalog needs.
type Store interface {
	types.CaseStore
	GetFeature(ctx context.Context, id string) (types.Feature, error)
}

// Catalog wraps a case store with validation and target resolution.
type Catalog struct {
	store Store
	log   *zap.Logger
}

// New returns a Catalog over store. A nil logger disables logging.
func New(store Store, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{store: store, log: log}
}

// List returns the cases of a feature.
func (c *Catalog) List(ctx context.Context, featureID string, includeArchived bool) ([]types.TestCase, error) {
	if featureID == "" {
		return nil, types.NewValidationError("feature_id", "required")
	}
	cases, err := c.store.ListTestCases(ctx, featureID, includeArchived)
	if err != nil {
		return nil, types.NewPersistenceError("list test cases", err)
	}
	return cases, nil
}

// Create validates specs and creates the cases. Nothing is written when any
// spec is invalid.
func (c *Catalog) Create(ctx context.Context, featureID string, specs []types.TestCaseSpec) ([]types.TestCase, error) {
	if featureID == "" {
		return nil, types.NewValidationError("feature_id", "required")
	}
	if len(specs) == 0 {
		return nil, types.NewValidationError("specs", "at least one test case is required")
	}
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
	}
	created, err := c.store.CreateTestCases(ctx, featureID, specs)
	if err != nil {
		return nil, types.NewPersistenceError("create test cases", err)
	}
	c.log.Info("test cases created", zap.String("feature_id", featureID), zap.Int("count", len(created)))
	return created, nil
}

// Update applies a partial edit to a case.
func (c *Catalog) Update(ctx context.Context, id string, patch types.TestCasePatch) (types.TestCase, error) {
	if id == "" {
		return types.TestCase{}, types.ErrInvalidID
	}
	// Validate locally so a blank name never reaches the store.
	if err := (&types.TestCase{Name: "x"}).ApplyPatch(patch); err != nil {
		return types.TestCase{}, err
	}
	tc, err := c.store.UpdateTestCase(ctx, id, patch)
	if err != nil {
		return types.TestCase{}, types.NewPersistenceError("update test case", err)
	}
	return tc, nil
}

// Archive hides a case from new run target sets.
func (c *Catalog) Archive(ctx context.Context, id string) (types.TestCase, error) {
	archived := true
	return c.Update(ctx, id, types.TestCasePatch{IsArchived: &archived})
}

// Unarchive makes an archived case eligible for new runs again.
func (c *Catalog) Unarchive(ctx context.Context, id string) (types.TestCase, error) {
	archived := false
	return c.Update(ctx, id, types.TestCasePatch{IsArchived: &archived})
}

// TargetSelection describes how a new run's target set is chosen.
type TargetSelection struct {
	// FeatureID selects every non-archived case of the feature when IDs is
	// empty.
	FeatureID string
	// IDs is an explicitly curated list of case ids.
	IDs []string
}

// AllActive selects every non-archived case of a feature.
func AllActive(featureID string) TargetSelection {
	return TargetSelection{FeatureID: featureID}
}

// Explicit selects the given case ids.
func Explicit(ids ...string) TargetSelection {
	return TargetSelection{IDs: ids}
}

// ResolveTargets turns a selection into an ordered, deduplicated list of case
// ids. Explicit ids are checked against the store; unknown and archived ids
// are rejected.
// An empty result is not an error here; callers decide whether their scope
// needs at least one case.
func (c *Catalog) ResolveTargets(ctx context.Context, sel TargetSelection) ([]string, error) {
	if len(sel.IDs) > 0 {
		ids := dedupe(sel.IDs)
		found, err := c.store.GetTestCases(ctx, ids)
		if err != nil {
			return nil, types.NewPersistenceError("resolve targets", err)
		}
		known := make(map[string]bool, len(found))
		for _, tc := range found {
			if sel.FeatureID != "" && tc.FeatureID != sel.FeatureID {
				return nil, types.NewValidationError("targets", fmt.Sprintf("test case %s belongs to another feature", tc.ID))
			}
			if tc.IsArchived {
				return nil, types.NewValidationError("targets", fmt.Sprintf("test case %s is archived", tc.ID))
			}
			known[tc.ID] = true
		}
		for _, id := range ids {
			if !known[id] {
				return nil, types.NewValidationError("targets", "unknown test case "+id)
			}
		}
		return ids, nil
	}
	if sel.FeatureID == "" {
		return []string{}, nil
	}
	cases, err := c.List(ctx, sel.FeatureID, false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cases))
	for _, tc := range cases {
		if tc.IsArchived {
			continue
		}
		ids = append(ids, tc.ID)
	}
	return ids, nil
}

// Lookup fetches display metadata for ids and returns it as a
// coverage.Lookup. Feature names are resolved once per feature.
func (c *Catalog) Lookup(ctx context.Context, ids []string) (coverage.Lookup, error) {
	cases, err := c.store.GetTestCases(ctx, dedupe(ids))
	if err != nil {
		return nil, types.NewPersistenceError("lookup test cases", err)
	}
	featureNames := make(map[string]string)
	info := make(map[string]coverage.CaseInfo, len(cases))
	for _, tc := range cases {
		name, ok := featureNames[tc.FeatureID]
		if !ok {
			f, err := c.store.GetFeature(ctx, tc.FeatureID)
			if err != nil {
				c.log.Debug("feature lookup failed", zap.String("feature_id", tc.FeatureID), zap.Error(err))
			}
			name = f.Name
			featureNames[tc.FeatureID] = name
		}
		info[tc.ID] = coverage.CaseInfo{Name: tc.Name, FeatureID: tc.FeatureID, FeatureName: name}
	}
	return func(id string) (coverage.CaseInfo, bool) {
		ci, ok := info[id]
		return ci, ok
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
