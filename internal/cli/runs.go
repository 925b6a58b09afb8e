package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/internal/catalog"
	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/internal/lifecycle"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// runView is the JSON shape of run show.
type runView struct {
	Run      *types.TestRun         `json:"run"`
	Coverage coverage.Summary       `json:"coverage"`
	Missing  []coverage.MissingCase `json:"missing,omitempty"`
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"runs"},
		Short:   "Create, record and close test runs",
	}
	cmd.AddCommand(
		newRunCreateCmd(a),
		newRunListCmd(a),
		newRunShowCmd(a),
		newRunTargetCmd(a, true),
		newRunTargetCmd(a, false),
		newRunEvalCmd(a),
		newRunCommentCmd(a),
		newRunCloseCmd(a),
	)
	return cmd
}

func newRunCreateCmd(a *app) *cobra.Command {
	var (
		scope, date, fromFeature string
		meta                     types.RunMetadata
		caseIDs                  []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an OPEN run over a set of test cases",
		Long: `Create a feature-scope run (--feature) or a project-scope run (--scope project).

A feature run targets every active case of the feature unless --case is given.
A project run needs --name, --env and at least one --case or --from-feature.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := lifecycle.RunSpec{Metadata: meta}
			spec.Metadata.ProjectID = a.cfg.Project
			switch strings.ToLower(scope) {
			case "feature":
				spec.Scope = types.ScopeFeature
			case "project":
				spec.Scope = types.ScopeProject
			default:
				return userError(fmt.Errorf("unknown scope %q (want feature or project)", scope))
			}
			if date != "" {
				d, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return userError(fmt.Errorf("--date: %w", err))
				}
				spec.Metadata.RunDate = d
			}
			switch {
			case len(caseIDs) > 0:
				spec.Selection = catalog.Explicit(caseIDs...)
			case fromFeature != "":
				spec.Selection = catalog.AllActive(fromFeature)
			case spec.Scope == types.ScopeFeature:
				spec.Selection = catalog.AllActive(spec.Metadata.FeatureID)
			}

			m, err := a.manager()
			if err != nil {
				return err
			}
			run, err := m.CreateRun(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), run, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Created run %s %q with %d cases\n", run.ID, run.Name, len(run.TargetTestCaseIDs))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "feature", "run scope: feature or project")
	f.StringVar(&meta.FeatureID, "feature", "", "feature id (feature scope)")
	f.StringVar(&meta.Name, "name", "", "run name (default \"Run <date>\" for feature runs)")
	f.StringVar(&meta.Environment, "env", "", "environment under test")
	f.StringVar(&meta.Notes, "notes", "", "free-form notes")
	f.StringVar(&meta.RunBy, "by", "", "who runs it")
	f.StringVar(&date, "date", "", "run date as YYYY-MM-DD (default today)")
	f.StringArrayVar(&caseIDs, "case", nil, "target case id (repeatable)")
	f.StringVar(&fromFeature, "from-feature", "", "target every active case of this feature")
	return cmd
}

func newRunListCmd(a *app) *cobra.Command {
	var featureID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			runs, err := s.ListRuns(cmd.Context(), types.RunFilter{
				ProjectID: a.cfg.Project,
				FeatureID: featureID,
				Status:    types.RunStatus(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), runs, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSCOPE\tSTATUS\tDATE\tCOVERAGE")
				for i := range runs {
					r := &runs[i]
					sum := coverage.ForRun(r)
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\n", r.ID, r.Name, r.Scope, r.Status,
						r.RunDate.Format(time.DateOnly), sum.ExecutedCases, sum.TotalCases)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&featureID, "feature", "", "only runs of this feature")
	cmd.Flags().StringVar(&status, "status", "", "only OPEN or CLOSED runs")
	return cmd
}

func newRunShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its results and coverage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			run, sum, err := m.Get(ctx, args[0])
			if err != nil {
				return err
			}
			missing, err := m.Missing(ctx, run)
			if err != nil {
				return err
			}
			view := runView{Run: run, Coverage: sum, Missing: missing}
			if a.flags.jsonMode {
				return printJSON(cmd.OutOrStdout(), view)
			}
			lookup, err := m.Catalog().Lookup(ctx, run.TargetTestCaseIDs)
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), view, lookup)
			return nil
		},
	}
}

func printRun(w io.Writer, v runView, lookup coverage.Lookup) {
	run := v.Run
	fmt.Fprintf(w, "ID:        %s\n", run.ID)
	fmt.Fprintf(w, "Name:      %s\n", run.Name)
	fmt.Fprintf(w, "Scope:     %s\n", run.Scope)
	if run.FeatureID != "" {
		fmt.Fprintf(w, "Feature:   %s\n", run.FeatureID)
	}
	fmt.Fprint(w, "Status:    ")
	if run.IsOpen() {
		cyan.Fprintln(w, run.Status)
	} else {
		faint.Fprintln(w, run.Status)
	}
	fmt.Fprintf(w, "Date:      %s\n", run.RunDate.Format(time.DateOnly))
	if run.Environment != "" {
		fmt.Fprintf(w, "Env:       %s\n", run.Environment)
	}
	if run.RunBy != "" {
		fmt.Fprintf(w, "Run by:    %s\n", run.RunBy)
	}
	printCoverage(w, v.Coverage)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tNAME\tEVALUATION\tCOMMENT")
	for _, id := range run.TargetTestCaseIDs {
		name := ""
		if info, ok := lookup(id); ok {
			name = info.Name
		}
		res := run.Results[id]
		var eval strings.Builder
		printEvaluation(&eval, res.Evaluation)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, name, eval.String(), res.Comment)
	}
	tw.Flush()
}

func newRunTargetCmd(a *app, add bool) *cobra.Command {
	use, short := "add-case <run-id> <case-id>", "Add a test case to an OPEN run's target set"
	if !add {
		use, short = "remove-case <run-id> <case-id>", "Remove a test case and its result from an OPEN run"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), args[0], func(ctx context.Context, s *lifecycle.Session) error {
				if add {
					return s.AddTargetCase(ctx, args[1])
				}
				return s.RemoveTargetCase(ctx, args[1])
			}, cmd.OutOrStdout())
		},
	}
}

func newRunEvalCmd(a *app) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "eval <run-id> <case-id> <evaluation>",
		Short: "Record an evaluation (PASSED, MINOR_ISSUE or NOT_WORKING)",
		Long: `Record an evaluation for a test case. A case outside the target set is
admitted into it. PASS, MINOR and FAIL are accepted as shorthands.
--comment is rejected together with PASSED.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := types.ParseEvaluation(strings.TrimSpace(args[2]))
			if err != nil {
				return err
			}
			if !e.IsSet() {
				return types.NewValidationError("evaluation", "required")
			}
			withComment := cmd.Flags().Changed("comment")
			return a.withSession(cmd.Context(), args[0], func(ctx context.Context, s *lifecycle.Session) error {
				if err := s.Evaluate(args[1], e); err != nil {
					return err
				}
				if withComment {
					if err := s.SetComment(args[1], comment); err != nil {
						return err
					}
				}
				return s.Flush(ctx)
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment for a non-passing evaluation")
	return cmd
}

func newRunCommentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <run-id> <case-id> <text>",
		Short: "Set the comment of an evaluated case",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), args[0], func(ctx context.Context, s *lifecycle.Session) error {
				run := s.Run()
				if res, ok := run.Results[args[1]]; !ok || !res.Evaluation.IsSet() {
					return types.NewValidationError("evaluation", "record an evaluation before commenting")
				}
				if err := s.SetComment(args[1], args[2]); err != nil {
					return err
				}
				return s.CommitComment(ctx, args[1])
			}, cmd.OutOrStdout())
		},
	}
}

func newRunCloseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <run-id>",
		Short: "Close a run; it becomes read-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			run, err := m.Close(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sum := coverage.ForRun(run)
			return a.output(cmd.OutOrStdout(), runView{Run: run, Coverage: sum}, func() {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Closed %s\n", run.ID)
				printCoverage(w, sum)
			})
		},
	}
}

// withSession opens an editing session on runID, runs fn and prints the
// resulting coverage. The session is always disposed; fn must flush.
func (a *app) withSession(ctx context.Context, runID string, fn func(context.Context, *lifecycle.Session) error, w io.Writer) error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	s, err := m.Open(ctx, runID)
	if err != nil {
		return err
	}
	defer s.Dispose()

	if err := fn(ctx, s); err != nil {
		if errors.Is(err, types.ErrRunClosed) {
			return userError(fmt.Errorf("run %s is closed: %w", runID, err))
		}
		return err
	}
	run := s.Run()
	sum := s.Coverage()
	return a.output(w, runView{Run: run, Coverage: sum}, func() {
		printCoverage(w, sum)
	})
}
