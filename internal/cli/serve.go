package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harun/devq/internal/observability"
	"github.com/harun/devq/pkg/inbox"
	"github.com/harun/devq/pkg/script"
)

var (
	servePIDFile string
	serveInbox   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher as a long-running service",
	Long: `Run the dispatcher until SIGINT or SIGTERM. Script files dropped into the
inbox directory are submitted as they arrive, and Prometheus metrics are
served when metrics are enabled. On shutdown, queued commands are drained
within dispatcher.stop_timeout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", defaultPIDFilePath(), "PID file used by stop and status")
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "inbox directory (overrides inbox.dir)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if isRunning(servePIDFile) {
		return fmt.Errorf("devq is already running (PID file: %s)", servePIDFile)
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if serveInbox != "" {
		a.cfg.Inbox.Dir = serveInbox
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := writePIDFile(servePIDFile); err != nil {
		return err
	}
	defer os.Remove(servePIDFile)

	logger := a.log.Component("serve")

	// The dispatcher outlives ctx so queued commands can drain after a signal.
	if err := a.start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Inbox.Dir != "" {
		loader, err := script.NewLoader(a.log.GetZerolog())
		if err != nil {
			return err
		}
		zl := a.log.GetZerolog()
		watcher, err := inbox.NewWatcher(inbox.Config{
			Dir:                a.cfg.Inbox.Dir,
			StabilityThreshold: a.cfg.Inbox.StabilityThreshold,
			Handler:            a.inboxHandler(loader),
			Logger:             &zl,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if a.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.httpHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info().
		Str("dispatcher_id", a.dispatcher.ID()).
		Str("inbox", a.cfg.Inbox.Dir).
		Bool("metrics", a.cfg.Metrics.Enabled).
		Msg("devq serving")

	runErr := g.Wait()

	logger.Info().Int("pending", a.dispatcher.PendingCount()).Msg("Shutting down")
	stopErr := a.stop(context.Background())

	stats := a.dispatcher.Stats()
	logger.Info().
		Int64("submitted", stats.Submitted).
		Int64("succeeded", stats.Succeeded).
		Int64("failed", stats.Failed).
		Int64("cancelled", stats.Cancelled).
		Msg("devq stopped")

	return errors.Join(runErr, stopErr)
}

// inboxHandler submits every step of an inbox script and waits for them.
// A script with any failed command is archived as failed.
func (a *app) inboxHandler(loader *script.Loader) inbox.Handler {
	return func(ctx context.Context, path string) error {
		s, err := loader.LoadFile(path)
		if err != nil {
			return err
		}

		sub, err := submitScript(ctx, a.dispatcher, a.registry, s, "inbox:"+filepath.Base(path))
		if err != nil {
			return err
		}
		if err := sub.wait(ctx); err != nil {
			return fmt.Errorf("script %s interrupted: %w", s.Name, err)
		}
		if n := sub.failed(); n > 0 {
			return fmt.Errorf("script %s: %d of %d commands failed", s.Name, n, len(sub.handles))
		}
		return nil
	}
}

// httpHandler serves /metrics and a /healthz endpoint reporting queue state.
func (a *app) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok worker=%s pending=%d in_flight=%t\n",
			a.dispatcher.WorkerState(), a.dispatcher.PendingCount(), a.dispatcher.InFlight())
	})
	return mux
}
