package mount

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/pkg/config"
	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/drive"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/factory"
	"github.com/sidkik/sharedfs/pkg/fswatch"
	"github.com/sidkik/sharedfs/pkg/metrics"
	"github.com/sidkik/sharedfs/pkg/peer"
)

// The interval to poll the filesystem for any changes that need to be
// mirrored.
const pollSeconds = 15

// New creates a new `mount` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <directory>",
		Short: "Share a local directory with the peers of a room",
		Long: `Mirror the directory into the room configured in ~/.sharedfs.yaml.
The directory is mirrored again whenever it changes, until interrupted.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(dir string) error {
	userConfig, err := config.ParseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return errors.WithContext(err, "get absolute path")
	}

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return errors.NewFriendlyError("%q isn't a directory.", dir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	awareness := peer.NewAwareness(clock)
	if err := awareness.SetLocalState(map[string]string{"name": localName()}); err != nil {
		return errors.WithContext(err, "set awareness")
	}

	cfg := util.DriveConfig(userConfig)
	cfg.Awareness = awareness
	cfg.Clock = clock
	d := drive.New(cfg)
	defer d.Dispose()
	factory.RegisterDefaults(d.SharedModelFactory())

	if err := d.BindRoot(ctx, afero.NewBasePathFs(afero.NewOsFs(), root)); err != nil {
		return errors.WithContext(err, "bind root")
	}

	disconnect := d.FileChanged().Connect(func(args contents.ChangedArgs) {
		log.WithField("type", args.Type).Debug("Merged update from peers")
	})
	defer disconnect()

	if userConfig.MetricsAddress != "" {
		go serveMetrics(ctx, userConfig.MetricsAddress)
	}

	fileWatcher, closeWatcher, err := watch(root)
	if err != nil {
		return errors.WithContext(err, "watch files")
	}
	defer closeWatcher()

	fmt.Printf("Sharing %s in room %q. Hit Ctrl-C to stop.\n", root, cfg.Room)
	mounter{drive: d, fileWatcher: fileWatcher, clock: clock}.run(ctx)
	return nil
}

// watch returns a channel that receives a value when the directory changes.
// If there are too many files to watch, a nil channel is returned and the
// directory is only polled.
func watch(root string) (<-chan struct{}, func(), error) {
	watcher, err := fswatch.Watch(root)
	if err == nil {
		return watcher.Changes(), func() {
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}
		}, nil
	}

	if strings.Contains(errors.RootCause(err).Error(), "too many open files") {
		log.Warnf("Too many files to automatically watch for changes. "+
			"sharedfs will poll for changes every %d seconds instead.", pollSeconds)
		return nil, func() {}, nil
	}
	return nil, nil, err
}

type mounter struct {
	drive       *drive.Drive
	fileWatcher <-chan struct{}
	clock       clockwork.Clock
}

// run mirrors the directory once, and then again after every change until
// `ctx` is done.
func (m mounter) run(ctx context.Context) {
	ticker := m.clock.NewTicker(pollSeconds * time.Second)
	defer ticker.Stop()

	for {
		start := m.clock.Now()
		if err := m.drive.Walk(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Failed to mirror directory")
		} else {
			log.WithField("duration", m.clock.Since(start)).Debug("Mirrored directory")
		}

		select {
		case <-ctx.Done():
			return
		case <-m.fileWatcher:
		case <-ticker.Chan():
		}
	}
}

func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			log.WithError(err).Debug("Failed to close metrics server")
		}
	}()

	log.WithField("address", address).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Metrics server failed")
	}
}

func localName() string {
	name := "anonymous"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}

	if host, err := os.Hostname(); err == nil {
		name += "@" + host
	}
	return name
}
