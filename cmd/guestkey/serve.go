package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"guestkey/internal/api"
	"guestkey/internal/failover"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as the primary node",
	Long: `Run the calendar reconciler, the scheduled maintenance jobs and the
operator API. When failover.peer_url is set, heartbeats are sent to the
standby on every interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.pipeline.Start(ctx); err != nil {
			return err
		}
		sender := failover.NewSender(a.cfg.Node.Name, a.cfg.Failover, a.snapshot)
		go sender.Run(ctx)

		return a.serve(ctx, a.apiServer(func() string { return "primary" }))
	},
}

var standbyCmd = &cobra.Command{
	Use:   "standby",
	Short: "Run as the standby node",
	Long: `Receive heartbeats from the primary and watch their age. When the last
heartbeat is older than failover.threshold_hours the standby activates its own
reconciler and scheduler, and deactivates them again once the primary is back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		hbStore, err := failover.OpenStore(a.cfg.Failover.StorePath)
		if err != nil {
			return fmt.Errorf("failed to open heartbeat store: %w", err)
		}
		defer hbStore.Close()

		// Dormant until the watchdog activates the pipeline.
		a.tracker.SetActive(false)

		if a.cfg.Failover.Token == "" {
			a.logger.Warn().Msg("no heartbeat token configured, receiver accepts unauthenticated heartbeats")
		}

		watchdog := failover.NewWatchdog(
			a.cfg.Node.Name,
			hbStore,
			a.cfg.Failover.Threshold,
			a.cfg.Failover.CheckInterval,
			failover.Callbacks{
				OnActivate: func(ctx context.Context) error {
					if err := a.pipeline.Start(ctx); err != nil {
						return err
					}
					a.tracker.SetActive(true)
					return nil
				},
				OnDeactivate: func(ctx context.Context) error {
					a.tracker.SetActive(false)
					return a.pipeline.Stop(ctx)
				},
			},
			a.messenger.SendAlert,
		)
		go watchdog.Run(ctx)

		receiver := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Failover.ReceiverPort),
			Handler:           api.NewHeartbeatRouter(a.cfg.Server, failover.NewReceiver(hbStore, a.cfg.Failover.Token)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return a.serve(ctx, a.apiServer(func() string { return string(watchdog.Role()) }), receiver)
	},
}

func (a *app) apiServer(role func() string) *http.Server {
	router := api.NewRouter(a.cfg.Server, api.Deps{
		Store:     a.store,
		Operator:  a.orch,
		Messenger: a.messenger,
		Tracker:   a.tracker,
		WebPush:   a.webpush,
		Node:      a.cfg.Node.Name,
		Role:      role,
	})
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Bind, a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs the servers until ctx is cancelled or one of them fails, then
// shuts everything down.
func (a *app) serve(ctx context.Context, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutdown signal received, stopping services")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server %s shutdown: %w", srv.Addr, err))
			}
		}
		if err := a.pipeline.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err == nil {
		a.logger.Info().Msg("server gracefully stopped")
	}
	return err
}
