package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/internal/dashboard"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan, color.Bold)
	faint  = color.New(color.Faint)
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return systemError(fmt.Errorf("marshal JSON: %w", err))
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// output writes v as JSON in --json mode, otherwise calls human.
func (a *app) output(w io.Writer, v any, human func()) error {
	if a.flags.jsonMode {
		return printJSON(w, v)
	}
	human()
	return nil
}

// evaluationColor picks the color for an evaluation.
func evaluationColor(e types.Evaluation) *color.Color {
	switch e {
	case types.EvaluationPassed:
		return green
	case types.EvaluationMinorIssue:
		return yellow
	case types.EvaluationNotWorking:
		return red
	}
	return faint
}

func printEvaluation(w io.Writer, e types.Evaluation) {
	if !e.IsSet() {
		faint.Fprint(w, "-")
		return
	}
	evaluationColor(e).Fprint(w, string(e))
}

// printCoverage writes the one-line coverage summary of a run.
func printCoverage(w io.Writer, s coverage.Summary) {
	fmt.Fprintf(w, "Coverage:  %d/%d executed, %d missing\n", s.ExecutedCases, s.TotalCases, s.MissingCases)
	fmt.Fprint(w, "Results:   ")
	green.Fprintf(w, "%d passed", s.Passed)
	fmt.Fprint(w, ", ")
	yellow.Fprintf(w, "%d minor", s.MinorIssues)
	fmt.Fprint(w, ", ")
	red.Fprintf(w, "%d not working", s.NotWorking)
	fmt.Fprintln(w)
	fmt.Fprint(w, "Pass rate: ")
	printPercent(w, s.PassRate)
	fmt.Fprintln(w)
}

func printPercent(w io.Writer, ratio float64) {
	pct := coverage.Percent(ratio)
	switch {
	case pct >= 90:
		green.Fprintf(w, "%d%%", pct)
	case pct >= 50:
		yellow.Fprintf(w, "%d%%", pct)
	default:
		red.Fprintf(w, "%d%%", pct)
	}
}

// printBadges writes the health badges of a feature.
func printBadges(w io.Writer, h dashboard.FeatureHealth) {
	var badges []string
	if h.HasFullPass {
		badges = append(badges, green.Sprint("[full-pass]"))
	}
	if h.HasFailures {
		badges = append(badges, red.Sprint("[failures]"))
	}
	if h.HasMissing {
		badges = append(badges, yellow.Sprint("[missing]"))
	}
	fmt.Fprint(w, strings.Join(badges, " "))
}

// printPageFooter writes the paging line under a listing.
func printPageFooter[T any](w io.Writer, p dashboard.Page[T]) {
	if p.Total <= p.PageSize && p.Page <= 1 {
		return
	}
	pages := (p.Total + p.PageSize - 1) / p.PageSize
	faint.Fprintf(w, "page %d of %d (%d total)\n", p.Page, max(pages, 1), p.Total)
}

// joinSteps renders steps as a numbered list.
func joinSteps(steps []string) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
	}
	return b.String()
}
