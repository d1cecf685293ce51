package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/pagecache/internal/admin"
	"github.com/oriys/pagecache/internal/cache"
	"github.com/oriys/pagecache/internal/logging"
	"github.com/oriys/pagecache/internal/metrics"
	"github.com/oriys/pagecache/internal/observability"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the admin and invalidation daemon",
		Long:  "Serve backend status and metrics over HTTP and apply invalidation events from the Redis bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			site := cfg.SiteKey()
			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			errCh := make(chan error, 2)

			if cfg.Bus.Addr != "" {
				rdb := busClient(cfg)
				defer rdb.Close()
				bus := cache.NewInvalidationBus(rdb, cfg.Bus.Channel)
				defer bus.Close()
				go func() {
					if err := bus.Listen(ctx, client, site, nil); err != nil {
						errCh <- fmt.Errorf("invalidation bus: %w", err)
					}
				}()
			}

			httpServer := &http.Server{
				Addr:              cfg.Daemon.HTTPAddr,
				Handler:           admin.New(client, site),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logging.Op().Info("pagecache daemon started", "addr", cfg.Daemon.HTTPAddr, "site", site, "backend", client.Kind(), "alive", client.Alive())
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logging.Op().Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown daemon: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("pagecache daemon error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "listen", ":9180", "Admin HTTP listen address")
	return cmd
}
