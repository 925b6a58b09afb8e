package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/pkg/sqlite"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

// localStore returns the sqlite store; snapshots need direct file access.
func (a *app) localStore(op string) (sqlite.Store, error) {
	if a.cfg.Backend != types.BackendSQLite {
		return nil, userError(fmt.Errorf("%s requires the sqlite backend (configured: %s)", op, a.cfg.Backend))
	}
	h, err := a.store()
	if err != nil {
		return nil, err
	}
	return h.local, nil
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every module, feature, case and run to JSONL files in dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.localStore("export")
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return userError(err)
			}
			counts, err := s.Export(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), counts, func() {
				printCounts(cmd, "Exported", dir, counts)
			})
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load JSONL files from dir, replacing records with the same id",
		Long: `Load modules, features, test cases and runs from the JSONL files written by
export. The import runs in one transaction: a record that violates a
constraint rolls back the whole import. Unreadable lines are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.localStore("import")
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return userError(err)
			}
			counts, err := s.Import(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), counts, func() {
				printCounts(cmd, "Imported", dir, counts)
			})
		},
	}
}

func printCounts(cmd *cobra.Command, verb, dir string, c sqlite.SnapshotCounts) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d modules, %d features, %d test cases, %d runs (%s)\n",
		verb, c.Modules, c.Features, c.TestCases, c.TestRuns, dir)
}
