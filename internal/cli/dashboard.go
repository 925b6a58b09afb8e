package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/internal/coverage"
	"github.com/mesh-intelligence/qarun/internal/dashboard"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

func newDashboardCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash"},
		Short:   "Project-wide health and coverage rollups",
	}
	cmd.AddCommand(
		newHealthCmd(a),
		newCoverageCmd(a),
		newRunListingCmd(a, "open", "List OPEN runs, newest first", (*dashboard.Aggregator).OpenRuns),
		newRunListingCmd(a, "full-pass", "List runs where every targeted case PASSED", (*dashboard.Aggregator).FullPassRuns),
		newGapsCmd(a),
		newUntestedCmd(a),
	)
	return cmd
}

// pageFlags binds --page and --page-size to req.
func pageFlags(cmd *cobra.Command, req *dashboard.PageRequest) {
	cmd.Flags().IntVar(&req.Page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 0, "items per page (default from config)")
}

func newHealthCmd(a *app) *cobra.Command {
	var (
		req    dashboard.PageRequest
		filter dashboard.HealthFilter
		badge  string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Classify every feature by its latest results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch b := dashboard.Badge(strings.ToLower(badge)); b {
			case dashboard.BadgeAny, dashboard.BadgeMissing, dashboard.BadgeFailures, dashboard.BadgeFullPass:
				filter.Badge = b
			default:
				return userError(fmt.Errorf("unknown badge %q (want missing, failures or full-pass)", badge))
			}
			agg, err := a.aggregator()
			if err != nil {
				return err
			}
			page, err := agg.FeatureHealth(cmd.Context(), a.cfg.Project, req, filter)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), page, func() {
				printHealth(cmd.OutOrStdout(), page)
			})
		},
	}
	cmd.Flags().StringVar(&badge, "badge", "", "only features with this badge: missing, failures or full-pass")
	cmd.Flags().StringVar(&filter.ModuleID, "module", "", "only features of this module")
	pageFlags(cmd, &req)
	return cmd
}

func newCoverageCmd(a *app) *cobra.Command {
	var (
		req   dashboard.PageRequest
		order string
	)
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Rank features by coverage of their latest results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var o dashboard.Order
			switch strings.ToLower(order) {
			case "asc", "ascending":
				o = dashboard.Ascending
			case "desc", "descending":
				o = dashboard.Descending
			default:
				return userError(fmt.Errorf("unknown order %q (want asc or desc)", order))
			}
			agg, err := a.aggregator()
			if err != nil {
				return err
			}
			page, err := agg.CoverageRanking(cmd.Context(), a.cfg.Project, req, o)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), page, func() {
				printHealth(cmd.OutOrStdout(), page)
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "asc", "sort direction: asc or desc")
	pageFlags(cmd, &req)
	return cmd
}

func printHealth(w io.Writer, page dashboard.Page[dashboard.FeatureHealth]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tNAME\tCOVERAGE\tPASS RATE\tBADGES")
	for _, h := range page.Items {
		var rate, badges strings.Builder
		printPercent(&rate, h.Coverage.PassRate)
		printBadges(&badges, h)
		fmt.Fprintf(tw, "%s\t%s\t%d/%d (%d%%)\t%s\t%s\n", h.FeatureID, h.FeatureName,
			h.Coverage.ExecutedCases, h.Coverage.TotalCases, coverage.Percent(h.CoverageRatio),
			rate.String(), badges.String())
	}
	tw.Flush()
	printPageFooter(w, page)
}

type runListing func(*dashboard.Aggregator, context.Context, string, dashboard.PageRequest) (dashboard.Page[dashboard.RunSummary], error)

func newRunListingCmd(a *app, use, short string, query runListing) *cobra.Command {
	var req dashboard.PageRequest
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agg, err := a.aggregator()
			if err != nil {
				return err
			}
			page, err := query(agg, cmd.Context(), a.cfg.Project, req)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), page, func() {
				w := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSCOPE\tDATE\tENV\tCOVERAGE\tPASS RATE")
				for _, r := range page.Items {
					var rate strings.Builder
					printPercent(&rate, r.Coverage.PassRate)
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n", r.ID, r.Name, r.Scope, r.RunDate,
						r.Environment, r.Coverage.ExecutedCases, r.Coverage.TotalCases, rate.String())
				}
				tw.Flush()
				printPageFooter(w, page)
			})
		},
	}
	pageFlags(cmd, &req)
	return cmd
}

func newGapsCmd(a *app) *cobra.Command {
	var (
		req    dashboard.PageRequest
		entity string
	)
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List modules and features without a description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			et := types.EntityType(strings.ToLower(entity))
			switch et {
			case "", types.EntityModule, types.EntityFeature:
			default:
				return userError(fmt.Errorf("unknown entity %q (want module or feature)", entity))
			}
			agg, err := a.aggregator()
			if err != nil {
				return err
			}
			page, err := agg.MissingDescriptions(cmd.Context(), a.cfg.Project, req, et)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), page, func() {
				w := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tID\tNAME")
				for _, g := range page.Items {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", g.EntityType, g.ID, g.Name)
				}
				tw.Flush()
				printPageFooter(w, page)
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "module or feature (default both)")
	pageFlags(cmd, &req)
	return cmd
}

func newUntestedCmd(a *app) *cobra.Command {
	var req dashboard.PageRequest
	cmd := &cobra.Command{
		Use:   "untested",
		Short: "List features with no active test case",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agg, err := a.aggregator()
			if err != nil {
				return err
			}
			page, err := agg.FeaturesWithoutTestCases(cmd.Context(), a.cfg.Project, req)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), page, func() {
				w := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tMODULE")
				for _, f := range page.Items {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Name, f.ModuleID)
				}
				tw.Flush()
				printPageFooter(w, page)
			})
		},
	}
	pageFlags(cmd, &req)
	return cmd
}
