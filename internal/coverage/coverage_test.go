package coverage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

func results(pairs ...string) map[string]types.Result {
	m := make(map[string]types.Result)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = types.Result{TestCaseID: pairs[i], Evaluation: types.Evaluation(pairs[i+1])}
	}
	return m
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		targets []string
		results map[string]types.Result
		want    Summary
	}{
		{
			name:    "empty run",
			targets: nil,
			results: nil,
			want:    Summary{MissingIDs: []string{}},
		},
		{
			name:    "two of three evaluated",
			targets: []string{"A", "B", "C"},
			results: results("A", "PASSED", "B", "NOT_WORKING"),
			want: Summary{
				TotalCases:    3,
				ExecutedCases: 2,
				MissingCases:  1,
				MissingIDs:    []string{"C"},
				Passed:        1,
				NotWorking:    1,
				PassRate:      1.0 / 3.0,
			},
		},
		{
			name:    "all passed",
			targets: []string{"A", "B"},
			results: results("A", "PASSED", "B", "PASSED"),
			want: Summary{
				TotalCases:    2,
				ExecutedCases: 2,
				MissingIDs:    []string{},
				Passed:        2,
				PassRate:      1,
			},
		},
		{
			name:    "nothing executed has zero pass rate",
			targets: []string{"A", "B"},
			results: nil,
			want: Summary{
				TotalCases:   2,
				MissingCases: 2,
				MissingIDs:   []string{"A", "B"},
			},
		},
		{
			name:    "result without evaluation is not executed",
			targets: []string{"A"},
			results: map[string]types.Result{"A": {TestCaseID: "A", Comment: "draft"}},
			want: Summary{
				TotalCases:   1,
				MissingCases: 1,
				MissingIDs:   []string{"A"},
			},
		},
		{
			name:    "falls back to results when targets unknown",
			targets: []string{},
			results: results("A", "MINOR_ISSUE", "B", "PASSED"),
			want: Summary{
				TotalCases:    2,
				ExecutedCases: 2,
				MissingIDs:    []string{},
				Passed:        1,
				MinorIssues:   1,
				PassRate:      0.5,
			},
		},
		{
			name:    "results outside targets are ignored",
			targets: []string{"A"},
			results: results("A", "PASSED", "Z", "NOT_WORKING"),
			want: Summary{
				TotalCases:    1,
				ExecutedCases: 1,
				MissingIDs:    []string{},
				Passed:        1,
				PassRate:      1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.targets, tt.results)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Compute() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, max(0, got.TotalCases-got.ExecutedCases), got.MissingCases)
		})
	}
}

func TestComputeScenarioPassRate(t *testing.T) {
	s := Compute([]string{"A", "B", "C"}, results("A", "PASSED", "B", "NOT_WORKING"))

	assert.Equal(t, 2, s.ExecutedCases)
	assert.Equal(t, 1, s.MissingCases)
	assert.Equal(t, 33, Percent(s.PassRate))
	assert.Equal(t, 1, s.Failed())
	assert.False(t, s.FullPass())
	assert.InDelta(t, 2.0/3.0, s.Ratio(), 1e-9)
}

func TestForRun(t *testing.T) {
	run := types.NewTestRun(types.ScopeFeature, types.RunMetadata{ProjectID: "p", FeatureID: "f"}, []string{"A", "B", "C"})
	assert.NoError(t, run.ApplyResult(types.ResultUpsert{TestCaseID: "D", Evaluation: types.EvaluationPassed}))

	s := ForRun(run)

	assert.Equal(t, 4, s.TotalCases)
	assert.Equal(t, 3, s.MissingCases)
	assert.Equal(t, Summary{MissingIDs: []string{}}, ForRun(nil))
}

func TestDescribe(t *testing.T) {
	s := Summary{MissingIDs: []string{"A", "B"}}
	lookup := func(id string) (CaseInfo, bool) {
		if id == "A" {
			return CaseInfo{Name: "Login", FeatureID: "f1", FeatureName: "Auth"}, true
		}
		return CaseInfo{}, false
	}

	got := Describe(s, lookup)

	want := []MissingCase{
		{ID: "A", Name: "Login", FeatureID: "f1", FeatureName: "Auth"},
		{ID: "B"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Describe() mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, Describe(s, nil), 2)
}

func TestNormalizePassRate(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.42, 42},
		{42, 42},
		{1, 100},
		{0, 0},
		{0.005, 1},
		{99.6, 100},
		{-3, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePassRate(tt.in), "NormalizePassRate(%v)", tt.in)
	}
}
