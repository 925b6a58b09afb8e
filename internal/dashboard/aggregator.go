// Package dashboard computes read-only rollups across the runs and features
// of a project: feature health badges, coverage ranking, run listings and
// documentation gap reports. Nothing here writes to the store.
package dashboard

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// fanout bounds concurrent per-feature case queries.
const fanout = 8

// Store is the read side of the persistence API the aggregator needs.
type Store interface {
	ListFeatures(ctx context.Context, projectID string) ([]types.Feature, error)
	ListModules(ctx context.Context, projectID string) ([]types.Module, error)
	ListTestCases(ctx context.Context, featureID string, includeArchived bool) ([]types.TestCase, error)
	ListRuns(ctx context.Context, filter types.RunFilter) ([]types.TestRun, error)
}

// Badge selects features by health classification.
type Badge string

// Health badges. BadgeAny disables filtering.
const (
	BadgeAny      Badge = ""
	BadgeMissing  Badge = "missing"
	BadgeFailures Badge = "failures"
	BadgeFullPass Badge = "full-pass"
)

// HealthFilter narrows FeatureHealth results.
type HealthFilter struct {
	Badge    Badge
	ModuleID string
}

// Order is a sort direction.
type Order int

// Sort directions for CoverageRanking.
const (
	Ascending Order = iota
	Descending
)

// FeatureHealth is the rollup of one feature over the latest result of each
// of its active cases.
type FeatureHealth struct {
	FeatureID     string           `json:"feature_id"`
	FeatureName   string           `json:"feature_name"`
	ModuleID      string           `json:"module_id,omitempty"`
	Coverage      coverage.Summary `json:"coverage"`
	CoverageRatio float64          `json:"coverage_ratio"`
	HasMissing    bool             `json:"has_missing"`
	HasFailures   bool             `json:"has_failures"`
	HasFullPass   bool             `json:"has_full_pass"`
}

// Matches reports whether the feature carries badge.
func (h FeatureHealth) Matches(b Badge) bool {
	switch b {
	case BadgeMissing:
		return h.HasMissing
	case BadgeFailures:
		return h.HasFailures
	case BadgeFullPass:
		return h.HasFullPass
	default:
		return true
	}
}

// RunSummary is a run listing row with precomputed counts.
type RunSummary struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Scope       types.Scope      `json:"scope"`
	FeatureID   string           `json:"feature_id,omitempty"`
	Environment string           `json:"environment"`
	RunBy       string           `json:"run_by"`
	RunDate     string           `json:"run_date"`
	Status      types.RunStatus  `json:"status"`
	Coverage    coverage.Summary `json:"coverage"`
}

// DescriptionGap is a module or feature with no description.
type DescriptionGap struct {
	EntityType types.EntityType `json:"entity_type"`
	ID         string           `json:"id"`
	Name       string           `json:"name"`
}

// Options configures an Aggregator.
type Options struct {
	PageSize int
	Logger   *zap.Logger
}

// Aggregator answers dashboard queries.
type Aggregator struct {
	store    Store
	pageSize int
	log      *zap.Logger
}

// New returns an Aggregator over store.
func New(store Store, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Aggregator{store: store, pageSize: opts.PageSize, log: opts.Logger}
}

// FeatureHealth classifies every feature of the project, ordered by name.
func (a *Aggregator) FeatureHealth(ctx context.Context, projectID string, req PageRequest, filter HealthFilter) (Page[FeatureHealth], error) {
	all, err := a.health(ctx, projectID)
	if err != nil {
		return Page[FeatureHealth]{}, err
	}
	out := make([]FeatureHealth, 0, len(all))
	for _, h := range all {
		if filter.ModuleID != "" && h.ModuleID != filter.ModuleID {
			continue
		}
		if h.Matches(filter.Badge) {
			out = append(out, h)
		}
	}
	return paginate(out, req, a.pageSize), nil
}

// CoverageRanking orders features by executed/total over the latest result
// per case. Ties are broken by feature name.
func (a *Aggregator) CoverageRanking(ctx context.Context, projectID string, req PageRequest, order Order) (Page[FeatureHealth], error) {
	all, err := a.health(ctx, projectID)
	if err != nil {
		return Page[FeatureHealth]{}, err
	}
	slices.SortStableFunc(all, func(x, y FeatureHealth) int {
		c := cmp.Compare(x.CoverageRatio, y.CoverageRatio)
		if order == Descending {
			c = -c
		}
		return cmp.Or(c, cmp.Compare(x.FeatureName, y.FeatureName))
	})
	return paginate(all, req, a.pageSize), nil
}

// OpenRuns lists the project's OPEN runs, newest first.
func (a *Aggregator) OpenRuns(ctx context.Context, projectID string, req PageRequest) (Page[RunSummary], error) {
	runs, err := a.store.ListRuns(ctx, types.RunFilter{ProjectID: projectID, Status: types.RunStatusOpen})
	if err != nil {
		return Page[RunSummary]{}, types.NewPersistenceError("list runs", err)
	}
	out := make([]RunSummary, 0, len(runs))
	for i := range runs {
		out = append(out, Summarize(&runs[i]))
	}
	return paginate(out, req, a.pageSize), nil
}

// FullPassRuns lists runs whose every targeted case PASSED, newest first.
func (a *Aggregator) FullPassRuns(ctx context.Context, projectID string, req PageRequest) (Page[RunSummary], error) {
	runs, err := a.store.ListRuns(ctx, types.RunFilter{ProjectID: projectID})
	if err != nil {
		return Page[RunSummary]{}, types.NewPersistenceError("list runs", err)
	}
	out := []RunSummary{}
	for i := range runs {
		s := Summarize(&runs[i])
		if s.Coverage.FullPass() {
			out = append(out, s)
		}
	}
	return paginate(out, req, a.pageSize), nil
}

// MissingDescriptions lists modules and features with a blank description.
// An empty entity type selects both.
func (a *Aggregator) MissingDescriptions(ctx context.Context, projectID string, req PageRequest, entity types.EntityType) (Page[DescriptionGap], error) {
	out := []DescriptionGap{}
	if entity == "" || entity == types.EntityModule {
		modules, err := a.store.ListModules(ctx, projectID)
		if err != nil {
			return Page[DescriptionGap]{}, types.NewPersistenceError("list modules", err)
		}
		for _, m := range modules {
			if strings.TrimSpace(m.Description) == "" {
				out = append(out, DescriptionGap{EntityType: types.EntityModule, ID: m.ID, Name: m.Name})
			}
		}
	}
	if entity == "" || entity == types.EntityFeature {
		features, err := a.store.ListFeatures(ctx, projectID)
		if err != nil {
			return Page[DescriptionGap]{}, types.NewPersistenceError("list features", err)
		}
		for _, f := range features {
			if strings.TrimSpace(f.Description) == "" {
				out = append(out, DescriptionGap{EntityType: types.EntityFeature, ID: f.ID, Name: f.Name})
			}
		}
	}
	return paginate(out, req, a.pageSize), nil
}

// FeaturesWithoutTestCases lists features that have no active case.
func (a *Aggregator) FeaturesWithoutTestCases(ctx context.Context, projectID string, req PageRequest) (Page[types.Feature], error) {
	features, err := a.store.ListFeatures(ctx, projectID)
	if err != nil {
		return Page[types.Feature]{}, types.NewPersistenceError("list features", err)
	}
	cases, err := a.loadCases(ctx, features)
	if err != nil {
		return Page[types.Feature]{}, err
	}
	out := []types.Feature{}
	for _, f := range features {
		if len(cases[f.ID]) == 0 {
			out = append(out, f)
		}
	}
	return paginate(out, req, a.pageSize), nil
}

// Summarize projects a run into a listing row.
func Summarize(run *types.TestRun) RunSummary {
	return RunSummary{
		ID:          run.ID,
		Name:        run.Name,
		Scope:       run.Scope,
		FeatureID:   run.FeatureID,
		Environment: run.Environment,
		RunBy:       run.RunBy,
		RunDate:     run.RunDate.Format("2006-01-02"),
		Status:      run.Status,
		Coverage:    coverage.ForRun(run),
	}
}

// health computes FeatureHealth for every feature, ordered by name.
func (a *Aggregator) health(ctx context.Context, projectID string) ([]FeatureHealth, error) {
	features, err := a.store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, types.NewPersistenceError("list features", err)
	}
	runs, err := a.store.ListRuns(ctx, types.RunFilter{ProjectID: projectID})
	if err != nil {
		return nil, types.NewPersistenceError("list runs", err)
	}
	cases, err := a.loadCases(ctx, features)
	if err != nil {
		return nil, err
	}

	out := make([]FeatureHealth, 0, len(features))
	for _, f := range features {
		ids := make([]string, 0, len(cases[f.ID]))
		for _, tc := range cases[f.ID] {
			ids = append(ids, tc.ID)
		}
		sum := coverage.Compute(ids, latestResults(f.ID, ids, runs))
		if len(ids) == 0 {
			// No active cases: nothing to cover, nothing executed.
			sum = coverage.Summary{MissingIDs: []string{}}
		}
		h := FeatureHealth{
			FeatureID:     f.ID,
			FeatureName:   f.Name,
			ModuleID:      f.ModuleID,
			Coverage:      sum,
			CoverageRatio: sum.Ratio(),
			HasMissing:    sum.MissingCases > 0,
			HasFailures:   sum.NotWorking > 0,
		}
		h.HasFullPass = !h.HasMissing && !h.HasFailures && sum.ExecutedCases > 0
		out = append(out, h)
	}
	slices.SortStableFunc(out, func(x, y FeatureHealth) int {
		return cmp.Or(cmp.Compare(x.FeatureName, y.FeatureName), cmp.Compare(x.FeatureID, y.FeatureID))
	})
	a.log.Debug("feature health computed",
		zap.String("project_id", projectID),
		zap.Int("features", len(out)),
		zap.Int("runs", len(runs)))
	return out, nil
}

// latestResults picks, for each case, the result of the newest run that
// covers the feature. runs must be ordered newest first.
func latestResults(featureID string, ids []string, runs []types.TestRun) map[string]types.Result {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	latest := make(map[string]types.Result, len(ids))
	for i := range runs {
		run := &runs[i]
		if run.Scope == types.ScopeFeature && run.FeatureID != featureID {
			continue
		}
		for id, res := range run.Results {
			if !want[id] || !res.Evaluation.IsSet() {
				continue
			}
			if _, seen := latest[id]; !seen {
				latest[id] = res
			}
		}
		if len(latest) == len(want) {
			break
		}
	}
	return latest
}

// loadCases fetches the active cases of every feature concurrently.
func (a *Aggregator) loadCases(ctx context.Context, features []types.Feature) (map[string][]types.TestCase, error) {
	var mu sync.Mutex
	out := make(map[string][]types.TestCase, len(features))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, f := range features {
		g.Go(func() error {
			cases, err := a.store.ListTestCases(gctx, f.ID, false)
			if err != nil {
				return types.NewPersistenceError("list test cases", err)
			}
			mu.Lock()
			out[f.ID] = cases
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
