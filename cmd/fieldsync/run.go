package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
	"github.com/mschirtzinger/fieldsync/internal/status"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon",
	Long: `Run the sync daemon until interrupted.

Sync is active while the app is in the foreground and a user is signed in.
The signed-in user is read from the session file and followed as it changes.
The daemon starts in the foreground unless --background is given; a host app
moves it with POST /foreground and POST /background on the status server.

Status endpoints (when status.enabled):
  GET  /health    liveness
  GET  /status    current sync status as JSON
  GET  /ws        websocket stream of status transitions
  GET  /metrics   Prometheus metrics
  POST /sync      request a sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		background, _ := cmd.Flags().GetBool("background")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var srv *status.Server
		var coord *lifecycle.Coordinator
		if cfg.Status.Enabled {
			srv = status.NewServer(&status.Config{
				Addr:      cfg.Status.Addr,
				Lifecycle: lifecycleRef{&coord},
				Logger:    logger,
			})
		}
		coord = lifecycle.NewCoordinator(sessionFactory(srv), logger)

		watcher, err := lifecycle.NewSessionWatcher(cfg.SessionFile, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()

		if srv != nil {
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Printf("%s Status server on http://%s\n", renderAccent("●"), srv.Addr())
		}

		if err := coord.SetForeground(ctx, !background); err != nil {
			logger.Warn("failed to enter foreground", zap.Error(err))
		}

		monitor := lifecycle.NewReachabilityMonitor(coord, cfg.Lifecycle.ProbeInterval, coord.SetReachable, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id, ok := <-watcher.Updates():
					if !ok {
						return nil
					}
					if err := coord.SetUser(gctx, id); err != nil {
						logger.Error("failed to apply session change", zap.Error(err))
					}
				}
			}
		})

		fmt.Println(renderMuted("Press Ctrl+C to stop..."))
		_ = g.Wait()

		fmt.Println("\nShutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		err = coord.Shutdown(shutdownCtx)
		if srv != nil {
			if serr := srv.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
		return err
	},
}

// lifecycleRef lets the status server be built before the coordinator that
// depends on it.
type lifecycleRef struct {
	coord **lifecycle.Coordinator
}

func (r lifecycleRef) State() lifecycle.Phase { return (*r.coord).State() }
func (r lifecycleRef) Reachable() bool        { return (*r.coord).Reachable() }

func (r lifecycleRef) SetForeground(ctx context.Context, foreground bool) error {
	return (*r.coord).SetForeground(ctx, foreground)
}

func init() {
	runCmd.Flags().Bool("background", false, "Start in the background state")
	rootCmd.AddCommand(runCmd)
}
