package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyo-ipam/pkg/config"
)

func newServeCommand() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background workers",
		Long: `Run the long-lived side of froyo-ipam against the configured store:
  - Resume tasks left unfinished by a previous process once their
    handler lease expires
  - Reclaim released addresses after their retention
  - Purge expired terminal tasks
  - Reload policy files when they change
  - Serve Prometheus metrics

Allocation commands started from other processes sharing the same
SQLite store are awaited through the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := a.Close(stopCtx); err != nil {
					log.Warn().Err(err).Msg("shutdown was not clean")
				}
				log.Info().Msg("Stopped")
			}()

			if len(a.cfg.Inventory) > 0 {
				inv, err := config.LoadInventory(ctx, a.cfg.Inventory)
				if err != nil {
					return err
				}
				if _, err := a.service.Seed(ctx, inv); err != nil {
					return err
				}
			}

			if a.cfg.Runtime.ResumeOnStart {
				if _, err := a.runtime.Resume(ctx); err != nil {
					return fmt.Errorf("failed to resume tasks: %w", err)
				}
			}

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if a.policy != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				loader, err := a.policy.Watch(ctx, a.cfg.Policy.Paths)
				if err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
				defer loader.StopWatching()
			}

			log.Info().
				Str("store", a.cfg.Store.Driver).
				Dur("reclaim_interval", a.cfg.Allocator.ReclaimInterval).
				Dur("purge_interval", a.cfg.Runtime.PurgeInterval).
				Dur("handler_lease", a.cfg.Runtime.HandlerLease).
				Msg("Serving")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.service.Reclaimer().Run(gctx, a.cfg.Allocator.ReclaimInterval)
				return nil
			})
			if a.cfg.Runtime.ResumeOnStart {
				g.Go(func() error {
					ticker := time.NewTicker(a.cfg.Runtime.HandlerLease)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							if _, err := a.runtime.Resume(gctx); err != nil {
								log.Warn().Err(err).Msg("resume failed")
							}
						}
					}
				})
			}
			g.Go(func() error {
				ticker := time.NewTicker(a.cfg.Runtime.PurgeInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if _, err := a.runtime.PurgeExpired(gctx); err != nil {
							log.Warn().Err(err).Msg("purge failed")
						}
					}
				}
			})
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running handlers on shutdown")

	return cmd
}
