package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

func newModuleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage modules",
	}

	var desc string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			m, err := s.PutModule(cmd.Context(), types.Module{ProjectID: a.cfg.Project, Name: args[0], Description: desc})
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), m, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Created module %s (%s)\n", m.Name, m.ID)
			})
		},
	}
	add.Flags().StringVar(&desc, "description", "", "module description")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the project's modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			modules, err := s.ListModules(cmd.Context(), a.cfg.Project)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), modules, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
				for _, m := range modules {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
				}
				tw.Flush()
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newFeatureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage features",
	}

	var desc, moduleID string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			f, err := s.PutFeature(cmd.Context(), types.Feature{
				ProjectID:   a.cfg.Project,
				ModuleID:    moduleID,
				Name:        args[0],
				Description: desc,
			})
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), f, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Created feature %s (%s)\n", f.Name, f.ID)
			})
		},
	}
	add.Flags().StringVar(&desc, "description", "", "feature description")
	add.Flags().StringVar(&moduleID, "module", "", "owning module id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the project's features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.store()
			if err != nil {
				return err
			}
			features, err := s.ListFeatures(cmd.Context(), a.cfg.Project)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), features, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tMODULE")
				for _, f := range features {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Name, f.ModuleID)
				}
				tw.Flush()
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
