package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/internal/paths"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long:  "Create the configuration directory and config.yaml, then open the\nconfigured backend once so the sqlite schema is migrated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// setup already wrote config.yaml if it was missing.
			if _, err := a.store(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Config:  %s\n", paths.ConfigFile(a.configDir))
			if a.cfg.Backend == types.BackendSQLite {
				dir, err := paths.ResolveDataDir(a.flags.dataDir, a.cfg.DataDir)
				if err != nil {
					return systemError(err)
				}
				fmt.Fprintf(w, "Data:    %s\n", dir)
			}
			fmt.Fprintf(w, "Backend: %s\n", a.cfg.Backend)
			fmt.Fprintln(w, "qarun initialized successfully")
			return nil
		},
	}
}
