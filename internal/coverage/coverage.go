// Package coverage derives coverage and pass-rate metrics from a run's target
// set and results. Every function here is pure; nothing is cached across a
// mutation.
package coverage

import (
	"math"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

// Summary holds the derived metrics of one run.
type Summary struct {
	TotalCases    int      `json:"total_cases"`
	ExecutedCases int      `json:"executed_cases"`
	MissingCases  int      `json:"missing_cases"`
	MissingIDs    []string `json:"missing_ids"`
	Passed        int      `json:"passed"`
	MinorIssues   int      `json:"minor_issues"`
	NotWorking    int      `json:"not_working"`

	// PassRate is a ratio in [0, 1]. Use Percent for display.
	PassRate float64 `json:"pass_rate"`
}

// MissingCase is a target without a result, enriched for display.
type MissingCase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	FeatureID   string `json:"feature_id"`
	FeatureName string `json:"feature_name"`
}

// CaseInfo is the display metadata a Lookup returns.
type CaseInfo struct {
	Name        string
	FeatureID   string
	FeatureName string
}

// Lookup resolves display metadata for a test case id.
type Lookup func(id string) (CaseInfo, bool)

// Compute derives the summary from targets and results.
//
// The total falls back to the number of results when the target set is empty,
// to tolerate partially hydrated historical runs. In that mode every result
// counts toward the executed and per-evaluation totals.
func Compute(targets []string, results map[string]types.Result) Summary {
	s := Summary{MissingIDs: []string{}}

	universe := targets
	if len(universe) == 0 {
		universe = make([]string, 0, len(results))
		for id := range results {
			universe = append(universe, id)
		}
	}
	s.TotalCases = len(universe)

	for _, id := range universe {
		res, ok := results[id]
		if !ok || !res.Evaluation.IsSet() {
			s.MissingIDs = append(s.MissingIDs, id)
			continue
		}
		s.ExecutedCases++
		switch res.Evaluation {
		case types.EvaluationPassed:
			s.Passed++
		case types.EvaluationMinorIssue:
			s.MinorIssues++
		case types.EvaluationNotWorking:
			s.NotWorking++
		}
	}

	s.MissingCases = max(0, s.TotalCases-s.ExecutedCases)
	if s.ExecutedCases > 0 && s.TotalCases > 0 {
		s.PassRate = float64(s.Passed) / float64(s.TotalCases)
	}
	return s
}

// ForRun computes the summary of run. A nil run yields the zero summary.
func ForRun(run *types.TestRun) Summary {
	if run == nil {
		return Compute(nil, nil)
	}
	return Compute(run.TargetTestCaseIDs, run.Results)
}

// FullPass reports whether every targeted case was executed and passed.
func (s Summary) FullPass() bool {
	return s.TotalCases > 0 && s.Passed == s.TotalCases
}

// Failed returns the number of NOT_WORKING results.
func (s Summary) Failed() int {
	return s.NotWorking
}

// Ratio returns executed/total, or 0 for an empty run.
func (s Summary) Ratio() float64 {
	if s.TotalCases == 0 {
		return 0
	}
	return float64(s.ExecutedCases) / float64(s.TotalCases)
}

// Describe enriches the summary's missing ids with display metadata. Ids the
// lookup does not know are returned with an empty name.
func Describe(s Summary, lookup Lookup) []MissingCase {
	out := make([]MissingCase, 0, len(s.MissingIDs))
	for _, id := range s.MissingIDs {
		mc := MissingCase{ID: id}
		if lookup != nil {
			if info, ok := lookup(id); ok {
				mc.Name = info.Name
				mc.FeatureID = info.FeatureID
				mc.FeatureName = info.FeatureName
			}
		}
		out = append(out, mc)
	}
	return out
}

// Percent converts a ratio in [0, 1] to a whole percentage.
func Percent(ratio float64) int {
	return int(math.Round(ratio * 100))
}

// NormalizePassRate converts a rate of unknown unit to a whole percentage.
// Values at or below 1 are read as ratios, larger values as percentages.
// A literal 1 therefore means 100%, never 1%; values produced by this module
// are always ratios and should go through Percent instead.
func NormalizePassRate(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v <= 1 {
		return Percent(v)
	}
	return int(math.Round(v))
}
