package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/pkg/peer"
	"github.com/sidkik/sharedfs/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of sharedfs.",
		Long: "Print the version of sharedfs, as a git commit hash, and the " +
			"version of the peer protocol it speaks.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "local version:    %s\n", version.Version)
			fmt.Fprintf(stdout, "protocol version: %s\n", peer.ProtocolVersion)
		},
	}
}
