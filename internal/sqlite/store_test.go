package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/qarun/internal/storetest"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) types.Store {
		return openStore(t, t.TempDir())
	})
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := openStore(t, dir)

	_, err := os.Stat(filepath.Join(dir, DBFile))
	require.NoError(t, err)
	assert.Equal(t, dir, s.DataDir())

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestOpenLocksDataDir(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, err := Open(dir, nil)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	again, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	f, err := s.PutFeature(ctx, types.Feature{ProjectID: "p1", Name: "Checkout"})
	require.NoError(t, err)
	cases, err := s.CreateTestCases(ctx, f.ID, []types.TestCaseSpec{{Name: "Pay", Steps: []string{"open cart", "", "pay"}}})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, types.ScopeFeature,
		types.RunMetadata{ProjectID: "p1", FeatureID: f.ID, Name: "R1"}, []string{cases[0].ID})
	require.NoError(t, err)
	_, err = s.UpsertResults(ctx, run.ID, []types.ResultUpsert{
		{TestCaseID: cases[0].ID, Evaluation: types.EvaluationNotWorking, Comment: "timeout"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{cases[0].ID}, got.TargetTestCaseIDs)
	res := got.Results[cases[0].ID]
	assert.Equal(t, types.EvaluationNotWorking, res.Evaluation)
	assert.Equal(t, "timeout", res.Comment)

	stored, err := s.ListTestCases(ctx, f.ID, false)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"open cart", "pay"}, stored[0].Steps)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, t.TempDir())

	m, err := src.PutModule(ctx, types.Module{ProjectID: "p1", Name: "Payments", Description: "money"})
	require.NoError(t, err)
	f, err := src.PutFeature(ctx, types.Feature{ProjectID: "p1", ModuleID: m.ID, Name: "Checkout"})
	require.NoError(t, err)
	cases, err := src.CreateTestCases(ctx, f.ID, []types.TestCaseSpec{
		{Name: "A", ExpectedResult: "ok"},
		{Name: "B", Steps: []string{"one", "two"}},
	})
	require.NoError(t, err)
	archived := true
	_, err = src.UpdateTestCase(ctx, cases[1].ID, types.TestCasePatch{IsArchived: &archived})
	require.NoError(t, err)

	run, err := src.CreateRun(ctx, types.ScopeFeature,
		types.RunMetadata{ProjectID: "p1", FeatureID: f.ID, Name: "R1"}, []string{cases[0].ID})
	require.NoError(t, err)
	_, err = src.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: cases[0].ID, Evaluation: types.EvaluationPassed}})
	require.NoError(t, err)
	closed := types.RunStatusClosed
	_, err = src.UpdateRun(ctx, run.ID, types.RunUpdate{Status: &closed})
	require.NoError(t, err)

	snap := t.TempDir()
	counts, err := src.Export(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, SnapshotCounts{Modules: 1, Features: 1, TestCases: 2, TestRuns: 1}, counts)
	for _, name := range []string{ModulesJSONL, FeaturesJSONL, TestCasesJSONL, TestRunsJSONL} {
		_, err := os.Stat(filepath.Join(snap, name))
		require.NoError(t, err, name)
	}

	dst := openStore(t, t.TempDir())
	counts, err = dst.Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, SnapshotCounts{Modules: 1, Features: 1, TestCases: 2, TestRuns: 1}, counts)

	wantRun, err := src.GetRun(ctx, run.ID)
	require.NoError(t, err)
	gotRun, err := dst.GetRun(ctx, run.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(wantRun, gotRun); diff != "" {
		t.Errorf("imported run mismatch (-want +got):\n%s", diff)
	}

	wantCases, err := src.ListTestCases(ctx, f.ID, true)
	require.NoError(t, err)
	gotCases, err := dst.ListTestCases(ctx, f.ID, true)
	require.NoError(t, err)
	if diff := cmp.Diff(wantCases, gotCases); diff != "" {
		t.Errorf("imported cases mismatch (-want +got):\n%s", diff)
	}

	// The imported run is still CLOSED.
	_, err = dst.UpsertResults(ctx, run.ID, []types.ResultUpsert{{TestCaseID: cases[0].ID, Evaluation: types.EvaluationNotWorking}})
	require.ErrorIs(t, err, types.ErrRunClosed)
}

func TestImportSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := "{\"id\":\"m1\",\"project_id\":\"p1\",\"name\":\"Core\"}\n" +
		"not json\n" +
		"\n" +
		"{\"id\":\"\",\"name\":\"no id\"}\n" +
		"{\"id\":\"m2\",\"project_id\":\"p1\",\"name\":\"Auth\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModulesJSONL), []byte(content), 0o644))

	s := openStore(t, t.TempDir())
	counts, err := s.Import(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, SnapshotCounts{Modules: 2}, counts)

	mods, err := s.ListModules(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "Auth", mods[0].Name)
	assert.Equal(t, "Core", mods[1].Name)
}

func TestImportIsAtomic(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// The second run has an unknown scope, which the schema rejects.
	runs := "{\"id\":\"r1\",\"project_id\":\"p1\",\"scope\":\"PROJECT\",\"name\":\"ok\",\"status\":\"OPEN\",\"target_test_case_ids\":[]}\n" +
		"{\"id\":\"r2\",\"project_id\":\"p1\",\"scope\":\"GALAXY\",\"name\":\"bad\",\"status\":\"OPEN\",\"target_test_case_ids\":[]}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, TestRunsJSONL), []byte(runs), 0o644))

	s := openStore(t, t.TempDir())
	_, err := s.Import(ctx, dir)
	require.ErrorIs(t, err, types.ErrPersistence)

	_, err = s.GetRun(ctx, "r1")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestReadJSONLMissingFile(t *testing.T) {
	records, err := readJSONL(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWriteJSONLReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("old\nold\nold\n"), 0o644))

	records, err := marshalRecords([]types.Module{{ID: "m1", Name: "Core"}})
	require.NoError(t, err)
	require.NoError(t, writeJSONL(path, records))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"m1\",\"project_id\":\"\",\"name\":\"Core\",\"description\":\"\"}\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}
