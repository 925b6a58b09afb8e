package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) types.Store

// RunConformance checks that a Store implementation honours the persistence
// contract: upsert-by-case merges, implicit admission, CLOSED immutability,
// and the error classes callers branch on.
func RunConformance(t *testing.T, newStore Factory) {
	t.Run("TestCases", func(t *testing.T) { testCases(t, newStore(t)) })
	t.Run("CreateRun", func(t *testing.T) { testCreateRun(t, newStore(t)) })
	t.Run("UpsertResults", func(t *testing.T) { testUpsertResults(t, newStore(t)) })
	t.Run("UpdateRun", func(t *testing.T) { testUpdateRun(t, newStore(t)) })
	t.Run("ClosedRunIsImmutable", func(t *testing.T) { testClosedRun(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("Directory", func(t *testing.T) { testDirectory(t, newStore(t)) })
}

func seedFeature(t *testing.T, s types.Store, project, name string) types.Feature {
	t.Helper()
	f, err := s.PutFeature(context.Background(), types.Feature{ProjectID: project, Name: name})
	require.NoError(t, err)
	return f
}

func seedCases(t *testing.T, s types.Store, featureID string, names ...string) []string {
	t.Helper()
	specs := make([]types.TestCaseSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, types.TestCaseSpec{Name: n})
	}
	cases, err := s.CreateTestCases(context.Background(), featureID, specs)
	require.NoError(t, err)
	ids := make([]string, 0, len(cases))
	for _, tc := range cases {
		ids = append(ids, tc.ID)
	}
	return ids
}

func seedRun(t *testing.T, s types.Store, featureID string, targets []string) *types.TestRun {
	t.Helper()
	run, err := s.CreateRun(context.Background(), types.ScopeFeature,
		types.RunMetadata{ProjectID: "p1", FeatureID: featureID, Name: "smoke", RunBy: "qa"}, targets)
	require.NoError(t, err)
	return run
}

func testCases(t *testing.T, s types.Store) {
	ctx := context.Background()
	f := seedFeature(t, s, "p1", "Checkout")

	created, err := s.CreateTestCases(ctx, f.ID, []types.TestCaseSpec{
		{Name: "pay by card", ExpectedResult: "order placed", Steps: []string{"add item", "", "pay"}},
		{Name: "pay by voucher"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotEmpty(t, created[0].ID)
	assert.Equal(t, f.ID, created[0].FeatureID)
	assert.Equal(t, []string{"add item", "pay"}, created[0].Steps, "blank steps dropped")
	assert.False(t, created[0].IsArchived)

	archived := true
	got, err := s.UpdateTestCase(ctx, created[1].ID, types.TestCasePatch{IsArchived: &archived})
	require.NoError(t, err)
	assert.True(t, got.IsArchived)
	assert.Equal(t, "pay by voucher", got.Name, "patch leaves other fields")

	active, err := s.ListTestCases(ctx, f.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created[0].ID, active[0].ID)

	all, err := s.ListTestCases(ctx, f.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, created[0].ID, all[0].ID, "creation order")
	assert.Equal(t, created[1].ID, all[1].ID)

	byID, err := s.GetTestCases(ctx, []string{created[1].ID, "unknown", created[0].ID})
	require.NoError(t, err)
	require.Len(t, byID, 2, "unknown ids skipped")
	assert.Equal(t, created[1].ID, byID[0].ID)

	name := "x"
	_, err = s.UpdateTestCase(ctx, "unknown", types.TestCasePatch{Name: &name})
	assert.ErrorIs(t, err, types.ErrNotFound)

	blank := " "
	_, err = s.UpdateTestCase(ctx, created[0].ID, types.TestCasePatch{Name: &blank})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.CreateTestCases(ctx, f.ID, []types.TestCaseSpec{{Name: "ok"}, {Name: ""}})
	assert.ErrorIs(t, err, types.ErrValidation)
	all, err = s.ListTestCases(ctx, f.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2, "invalid batch commits nothing")

	empty, err := s.ListTestCases(ctx, "no-such-feature", true)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testCreateRun(t *testing.T, s types.Store) {
	ctx := context.Background()
	f := seedFeature(t, s, "p1", "Checkout")
	ids := seedCases(t, s, f.ID, "A", "B")
	date := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)

	run, err := s.CreateRun(ctx, types.ScopeFeature, types.RunMetadata{
		ProjectID: "p1", FeatureID: f.ID, Name: "nightly", Environment: "ci",
		Notes: "first pass", RunBy: "qa", RunDate: date,
	}, []string{ids[0], ids[1], ids[0]})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, types.RunStatusOpen, run.Status)
	assert.Equal(t, types.ScopeFeature, run.Scope)
	assert.Equal(t, []string{ids[0], ids[1]}, run.TargetTestCaseIDs, "deduplicated")
	assert.Empty(t, run.Results)
	assert.Equal(t, "first pass", run.Notes)
	assert.True(t, date.Equal(run.RunDate), "run date %v", run.RunDate)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.TargetTestCaseIDs, got.TargetTestCaseIDs)
	assert.Equal(t, "nightly", got.Name)

	undated, err := s.CreateRun(ctx, types.ScopeProject,
		types.RunMetadata{ProjectID: "p1", Name: "release", Environment: "prod"}, []string{ids[1]})
	require.NoError(t, err)
	assert.False(t, undated.RunDate.IsZero(), "run date defaults to now")
	assert.Empty(t, undated.FeatureID)

	_, err = s.CreateRun(ctx, types.ScopeProject, types.RunMetadata{ProjectID: "p1", Name: "release"}, []string{ids[0]})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.GetRun(ctx, "unknown")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testUpsertResults(t *testing.T, s types.Store) {
	ctx := context.Background()
	f := seedFeature(t, s, "p1", "Checkout")
	ids := seedCases(t, s, f.ID, "A", "B", "C", "D")
	run := seedRun(t, s, f.ID, ids[:3])

	batch := []types.ResultUpsert{
		{TestCaseID: ids[0], Evaluation: types.EvaluationPassed},
		{TestCaseID: ids[1], Evaluation: types.EvaluationNotWorking, Comment: "crash"},
	}
	got, err := s.UpsertResults(ctx, run.ID, batch)
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "crash", got.Results[ids[1]].Comment)

	again, err := s.UpsertResults(ctx, run.ID, batch)
	require.NoError(t, err)
	assert.Len(t, again.Results, 2, "resending a batch is safe")

	got, err = s.UpsertResults(ctx, run.ID, []types.ResultUpsert{
		{TestCaseID: ids[1], Evaluation: types.EvaluationMinorIssue, Comment: "slow"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EvaluationMinorIssue, got.Results[ids[1]].Evaluation)
	assert.Equal(t, "slow", got.Results[ids[1]].Comment)
	assert.Equal(t, types.EvaluationPassed, got.Results[ids[0]].Evaluation, "other rows untouched")

	got, err = s.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: ids[3], Evaluation: types.EvaluationPassed}})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1], ids[2], ids[3]}, got.TargetTestCaseIDs, "untargeted case admitted")

	got, err = s.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: ids[2], Comment: "draft"}})
	require.NoError(t, err)
	_, hasC := got.Results[ids[2]]
	assert.False(t, hasC, "no row without an evaluation")

	_, err = s.UpsertResults(ctx, run.ID, []types.ResultUpsert{
		{TestCaseID: ids[2], Evaluation: types.EvaluationPassed},
		{TestCaseID: ids[0], Evaluation: "BROKEN"},
	})
	assert.ErrorIs(t, err, types.ErrValidation)
	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	_, hasC = stored.Results[ids[2]]
	assert.False(t, hasC, "failed batch is atomic")
	assert.Equal(t, types.EvaluationPassed, stored.Results[ids[0]].Evaluation)

	for id := range stored.Results {
		assert.True(t, stored.HasTarget(id), "results keys are targets")
	}

	_, err = s.UpsertResults(ctx, "unknown", batch)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testUpdateRun(t *testing.T, s types.Store) {
	ctx := context.Background()
	f := seedFeature(t, s, "p1", "Checkout")
	ids := seedCases(t, s, f.ID, "A", "B", "C")
	run := seedRun(t, s, f.ID, ids[:2])

	_, err := s.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: ids[1], Evaluation: types.EvaluationPassed}})
	require.NoError(t, err)

	got, err := s.UpdateRun(ctx, run.ID, types.RunUpdate{AddTargets: []string{ids[2], ids[0]}})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1], ids[2]}, got.TargetTestCaseIDs)
	assert.Empty(t, got.Results[ids[2]].Evaluation, "adding a target creates no result")

	got, err = s.UpdateRun(ctx, run.ID, types.RunUpdate{RemoveTargets: []string{ids[1]}})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[2]}, got.TargetTestCaseIDs)
	assert.Empty(t, got.Results, "removing a target discards its result")

	got, err = s.UpdateRun(ctx, run.ID, types.RunUpdate{
		Results: []types.ResultUpsert{{TestCaseID: ids[0], Evaluation: types.EvaluationMinorIssue, Comment: "typo"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "typo", got.Results[ids[0]].Comment)

	closed := types.RunStatusClosed
	got, err = s.UpdateRun(ctx, run.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusClosed, got.Status)

	open := types.RunStatusOpen
	_, err = s.UpdateRun(ctx, run.ID, types.RunUpdate{Status: &open})
	assert.ErrorIs(t, err, types.ErrInvalidState, "no reopen")
}

func testClosedRun(t *testing.T, s types.Store) {
	ctx := context.Background()
	f := seedFeature(t, s, "p1", "Checkout")
	ids := seedCases(t, s, f.ID, "A", "B", "C")
	run := seedRun(t, s, f.ID, ids[:2])

	_, err := s.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: ids[0], Evaluation: types.EvaluationPassed}})
	require.NoError(t, err)
	closed := types.RunStatusClosed
	before, err := s.UpdateRun(ctx, run.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)

	mutations := []struct {
		name string
		do   func() error
	}{
		{"upsert", func() error {
			_, err := s.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: ids[1], Evaluation: types.EvaluationPassed}})
			return err
		}},
		{"add target", func() error {
			_, err := s.UpdateRun(ctx, run.ID, types.RunUpdate{AddTargets: []string{ids[2]}})
			return err
		}},
		{"remove target", func() error {
			_, err := s.UpdateRun(ctx, run.ID, types.RunUpdate{RemoveTargets: []string{ids[0]}})
			return err
		}},
		{"close again", func() error {
			_, err := s.UpdateRun(ctx, run.ID, types.RunUpdate{Status: &closed, AddTargets: []string{ids[2]}})
			return err
		}},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			err := m.do()
			assert.ErrorIs(t, err, types.ErrInvalidState)
			assert.ErrorIs(t, err, types.ErrRunClosed)

			after, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, before.TargetTestCaseIDs, after.TargetTestCaseIDs)
			assert.Equal(t, len(before.Results), len(after.Results))
			assert.Equal(t, before.Results[ids[0]].Evaluation, after.Results[ids[0]].Evaluation)
			assert.Equal(t, types.RunStatusClosed, after.Status)
		})
	}
}

func testListRuns(t *testing.T, s types.Store) {
	ctx := context.Background()
	f1 := seedFeature(t, s, "p1", "Checkout")
	f2 := seedFeature(t, s, "p1", "Search")
	a := seedCases(t, s, f1.ID, "A")
	b := seedCases(t, s, f2.ID, "B")

	mk := func(featureID string, targets []string, day int) *types.TestRun {
		run, err := s.CreateRun(ctx, types.ScopeFeature, types.RunMetadata{
			ProjectID: "p1", FeatureID: featureID, Name: "run",
			RunDate: time.Date(2026, 1, day, 8, 0, 0, 0, time.UTC),
		}, targets)
		require.NoError(t, err)
		return run
	}
	r1 := mk(f1.ID, a, 1)
	r2 := mk(f1.ID, a, 3)
	r3 := mk(f2.ID, b, 2)
	closed := types.RunStatusClosed
	_, err := s.UpdateRun(ctx, r1.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)

	ids := func(runs []types.TestRun) []string {
		out := []string{}
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := s.ListRuns(ctx, types.RunFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, r3.ID, r1.ID}, ids(all), "newest run date first")

	feature, err := s.ListRuns(ctx, types.RunFilter{FeatureID: f1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, r1.ID}, ids(feature))

	open, err := s.ListRuns(ctx, types.RunFilter{ProjectID: "p1", Status: types.RunStatusOpen})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, r3.ID}, ids(open))

	none, err := s.ListRuns(ctx, types.RunFilter{ProjectID: "p9"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testDirectory(t *testing.T, s types.Store) {
	ctx := context.Background()

	m, err := s.PutModule(ctx, types.Module{ProjectID: "p1", Name: "Core", Description: "shared"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	_, err = s.PutModule(ctx, types.Module{ProjectID: "p1", Name: "Billing"})
	require.NoError(t, err)

	modules, err := s.ListModules(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "Billing", modules[0].Name, "sorted by name")

	fz, err := s.PutFeature(ctx, types.Feature{ProjectID: "p1", ModuleID: m.ID, Name: "Zebra"})
	require.NoError(t, err)
	_, err = s.PutFeature(ctx, types.Feature{ProjectID: "p1", Name: "Alpha"})
	require.NoError(t, err)
	_, err = s.PutFeature(ctx, types.Feature{ProjectID: "p2", Name: "Other"})
	require.NoError(t, err)

	features, err := s.ListFeatures(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, "Alpha", features[0].Name)
	assert.Equal(t, "Zebra", features[1].Name)

	got, err := s.GetFeature(ctx, fz.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ModuleID)

	fz.Description = "striped"
	_, err = s.PutFeature(ctx, fz)
	require.NoError(t, err)
	got, err = s.GetFeature(ctx, fz.ID)
	require.NoError(t, err)
	assert.Equal(t, "striped", got.Description, "put replaces")

	_, err = s.GetFeature(ctx, "unknown")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.PutFeature(ctx, types.Feature{ProjectID: "p1"})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = s.PutModule(ctx, types.Module{ProjectID: "p1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}
