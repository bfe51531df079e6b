package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/bankstream/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command(info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\nsystem id: %s\n", info, info.GetSystemID())
			return err
		},
	}

	return cmd
}
