package signal

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/metrics"
	"github.com/sidkik/sharedfs/pkg/signaling"
)

const shutdownTimeout = 5 * time.Second

// New creates a new `signal` command.
func New() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Run a signaling server peers can meet through",
		Long: "Serve the signaling protocol over websockets on /, and Prometheus " +
			"metrics on /metrics.",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, address); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&address, "address", ":4444", "The address to listen on.")
	return cmd
}

func newHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", signaling.NewServer())
	return mux
}

func run(ctx context.Context, address string) error {
	server := &http.Server{Addr: address, Handler: newHandler()}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	log.WithField("address", address).Info("Serving signaling")

	select {
	case err := <-errs:
		return errors.WithContext(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown doesn't wait for hijacked websocket connections.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.WithContext(err, "shutdown")
	}
	return nil
}
