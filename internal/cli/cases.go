package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

func newCaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "case",
		Aliases: []string{"cases"},
		Short:   "Manage a feature's test cases",
	}
	cmd.AddCommand(
		newCaseAddCmd(a),
		newCaseListCmd(a),
		newCaseEditCmd(a),
		newCaseArchiveCmd(a, true),
		newCaseArchiveCmd(a, false),
	)
	return cmd
}

func newCaseAddCmd(a *app) *cobra.Command {
	var spec types.TestCaseSpec
	cmd := &cobra.Command{
		Use:   "add <feature-id> <name>",
		Short: "Create a test case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			spec.Name = args[1]
			created, err := m.Catalog().Create(cmd.Context(), args[0], []types.TestCaseSpec{spec})
			if err != nil {
				return err
			}
			tc := created[0]
			return a.output(cmd.OutOrStdout(), tc, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Created test case %s (%s)\n", tc.Name, tc.ID)
			})
		},
	}
	cmd.Flags().StringVar(&spec.ExpectedResult, "expected", "", "expected result")
	cmd.Flags().StringArrayVar(&spec.Steps, "step", nil, "test step (repeatable, in order)")
	return cmd
}

func newCaseListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <feature-id>",
		Short: "List a feature's test cases in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			cases, err := m.Catalog().List(cmd.Context(), args[0], all)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), cases, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tSTATE")
				for _, tc := range cases {
					state := "active"
					if tc.IsArchived {
						state = faint.Sprint("archived")
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", tc.ID, tc.Name, len(tc.Steps), state)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived cases")
	return cmd
}

func newCaseEditCmd(a *app) *cobra.Command {
	var (
		name, expected string
		steps          []string
	)
	cmd := &cobra.Command{
		Use:   "edit <case-id>",
		Short: "Change a test case's name, expected result or steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch types.TestCasePatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("expected") {
				patch.ExpectedResult = &expected
			}
			if flags.Changed("step") {
				patch.Steps = steps
			}
			if patch.Name == nil && patch.ExpectedResult == nil && patch.Steps == nil {
				return userError(errors.New("nothing to change: pass --name, --expected or --step"))
			}

			m, err := a.manager()
			if err != nil {
				return err
			}
			tc, err := m.Catalog().Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), tc, func() {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Updated %s\n", tc.ID)
				fmt.Fprintf(w, "Name:      %s\n", tc.Name)
				fmt.Fprintf(w, "Expected:  %s\n", tc.ExpectedResult)
				if len(tc.Steps) > 0 {
					fmt.Fprint(w, "Steps:\n"+joinSteps(tc.Steps))
				}
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&expected, "expected", "", "new expected result")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "replacement step list (repeatable)")
	return cmd
}

func newCaseArchiveCmd(a *app, archive bool) *cobra.Command {
	use, short, verb := "archive <case-id>", "Archive a test case", "Archived"
	if !archive {
		use, short, verb = "unarchive <case-id>", "Restore an archived test case", "Unarchived"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			c := m.Catalog()
			op := c.Unarchive
			if archive {
				op = c.Archive
			}
			tc, err := op(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), tc, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, tc.ID)
			})
		},
	}
}
