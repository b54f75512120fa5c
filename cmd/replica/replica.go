package replica

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/pkg/config"
	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/drive"
	"github.com/sidkik/sharedfs/pkg/errors"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `replica` command.
func New() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "replica [path]",
		Short: "Print the record the peers of the room share for a path",
		Long: "Join the room configured in ~/.sharedfs.yaml without mounting a " +
			"directory, wait for the peers' updates to settle, and print the " +
			"record of the path as JSON.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}

			userConfig, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			clock := clockwork.NewRealClock()
			cfg := util.DriveConfig(userConfig)
			cfg.Clock = clock
			d := drive.New(cfg)
			defer d.Dispose()
			if err := read(context.Background(), clock, d, p, wait); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second,
		"How long to wait for updates from peers.")
	return cmd
}

// The time without merged updates after which the replica is considered
// settled.
const settleTime = time.Second

// read joins the room, and prints the record of `p` once no update has been
// merged for `settleTime`, or `wait` elapsed.
func read(ctx context.Context, clock clockwork.Clock, d *drive.Drive, p string, wait time.Duration) error {
	changes := make(chan struct{}, 1)
	disconnect := d.FileChanged().Connect(func(contents.ChangedArgs) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer disconnect()

	if err := d.JoinRoom(ctx); err != nil {
		return errors.WithContext(err, "join room")
	}

	deadline := clock.After(wait)
	quiet := clock.NewTimer(wait)
	defer quiet.Stop()
waitLoop:
	for {
		select {
		case <-changes:
			quiet.Reset(settleTime)
		case <-quiet.Chan():
			break waitLoop
		case <-deadline:
			break waitLoop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	record, err := d.Get(ctx, p, nil)
	if err != nil {
		return errors.WithContext(err, "get")
	}
	log.WithField("path", p).Debug("Read replicated record")

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}
