package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/sharedfs/cmd/config"
	"github.com/sidkik/sharedfs/cmd/ls"
	"github.com/sidkik/sharedfs/cmd/mount"
	"github.com/sidkik/sharedfs/cmd/replica"
	signalCmd "github.com/sidkik/sharedfs/cmd/signal"
	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "SHAREDFS_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "sharedfs",
		Short:        "Share a local directory with peers, without a central server",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		ls.New(),
		mount.New(),
		replica.New(),
		signalCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
