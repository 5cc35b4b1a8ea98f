package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/logger"
	"github.com/Shugur-Network/pool/internal/pool"
	"github.com/Shugur-Network/pool/internal/workers"
)

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local event store against the relays",
		Long:  "Runs a negentropy reconciliation session against every configured relay, then downloads or uploads the difference per --direction.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilterFlag(cmd)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			direction, err := parseDirection(cfg.Sync.Direction)
			if err != nil {
				return err
			}
			if flagDir, _ := cmd.Flags().GetString("direction"); cmd.Flags().Changed("direction") {
				if direction, err = parseDirection(flagDir); err != nil {
					return err
				}
			}

			log := logger.New("cli")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, err := buildStore(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.SyncItems(ctx, filter)
			if err != nil {
				return err
			}
			poolItems := make([]pool.SyncItem, 0, len(items))
			for _, item := range items {
				poolItems = append(poolItems, pool.SyncItem{ID: item.ID, CreatedAt: item.CreatedAt})
			}
			log.Info("local set loaded", zap.Int("events", len(poolItems)))

			p, err := buildPool(log)
			if err != nil {
				return err
			}
			defer p.Shutdown()
			metricsSrv := startMetrics(log, p)
			waitForConnections(ctx, p)

			opts := pool.SyncOptions{
				Direction:      direction,
				DryRun:         dryRun,
				Source:         store,
				RoundTimeout:   cfg.Sync.RoundTimeout,
				MaxRounds:      cfg.Sync.MaxRounds,
				Buckets:        cfg.Sync.Buckets,
				FrameSizeLimit: cfg.Sync.FrameSizeLimit,
				Progress: func(pr pool.SyncProgress) {
					log.Debug("sync progress",
						zap.String("relay", pr.Relay),
						zap.Int("rounds", pr.Rounds),
						zap.Int("have", pr.Have),
						zap.Int("need", pr.Need))
				},
			}

			// One session per relay, fanned out over a small worker pool.
			relays := p.Relays()
			wp := workers.NewWorkerPool(4, len(relays))
			var mu sync.Mutex
			failures := 0
			for _, relay := range relays {
				relay := relay
				wp.Submit(func() {
					res, err := p.Sync(ctx, relay, filter, poolItems, opts)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures++
						fmt.Printf("%s: sync failed: %v\n", relay, err)
						return
					}
					fmt.Printf("%s: %d rounds, missing here %d, missing there %d\n",
						relay, res.Rounds, len(res.Need), len(res.Have))
					if len(res.Fetched) > 0 {
						if err := store.SaveEvents(ctx, res.Fetched); err != nil {
							log.Warn("failed to save fetched events", zap.Error(err))
						} else {
							fmt.Printf("%s: downloaded %d events\n", relay, len(res.Fetched))
						}
					}
					if res.Published > 0 {
						fmt.Printf("%s: uploaded %d events\n", relay, res.Published)
					}
				})
			}
			wp.Stop()

			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if failures == len(relays) {
				return fmt.Errorf("sync failed on every relay")
			}
			return nil
		},
	}
	syncCmd.Flags().String("filter", "{}", "Nostr filter as JSON")
	syncCmd.Flags().String("direction", "down", "Sync direction: down, up or both")
	syncCmd.Flags().Bool("dry-run", false, "Compute the diff without transferring events")
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "Overall sync deadline")
	rootCmd.AddCommand(syncCmd)
}

func parseDirection(raw string) (pool.SyncDirection, error) {
	switch raw {
	case "down":
		return pool.SyncDown, nil
	case "up":
		return pool.SyncUp, nil
	case "both":
		return pool.SyncBoth, nil
	default:
		return pool.SyncDown, fmt.Errorf("invalid direction %q: want down, up or both", raw)
	}
}
