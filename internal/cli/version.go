package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/qarun/pkg/qarun"
)

const modulePath = "github.com/mesh-intelligence/qarun"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the qarun version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "qarun v%s\nmodule: %s\n", qarun.Version, modulePath)
			return nil
		},
	}
}
