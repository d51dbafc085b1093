package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildpulse/crmsync/internal/buildinfo"
)

// Command prints build metadata
func Command(info *buildinfo.Info) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
}
