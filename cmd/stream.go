package main

import (
	"encoding/json"
	"fmt"
	"os"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/logger"
	"github.com/Shugur-Network/pool/internal/pool"
)

func init() {
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream events matching a filter from all relays",
		Long:  "Opens a standing subscription on every configured relay and prints de-duplicated matching events as JSON lines until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilterFlag(cmd)
			if err != nil {
				return err
			}
			save, _ := cmd.Flags().GetBool("save")

			log := logger.New("cli")
			p, err := buildPool(log)
			if err != nil {
				return err
			}
			defer p.Shutdown()
			metricsSrv := startMetrics(log, p)

			ctx := cmd.Context()
			store, err := buildStore(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sub := p.Notifications()
			defer sub.Close()

			if _, err := p.Subscribe([]nostr.Filter{filter}, nil, pool.SubscribeOptions{}); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					if metricsSrv != nil {
						_ = metricsSrv.Shutdown(ctx)
					}
					return nil
				case note, ok := <-sub.C():
					if !ok {
						return nil
					}
					switch n := note.(type) {
					case pool.EventNotification:
						if err := enc.Encode(n.Event); err != nil {
							return err
						}
						if save {
							if err := store.SaveEvent(ctx, n.Event); err != nil {
								log.Warn("failed to save event", zap.Error(err))
							}
						}
					case pool.RelayStatusNotification:
						log.Info("relay status changed",
							zap.String("relay", n.Relay),
							zap.String("status", n.Status.String()))
					case pool.NoticeNotification:
						log.Warn("relay notice",
							zap.String("relay", n.Relay),
							zap.String("message", n.Message))
					case pool.AuthFailedNotification:
						log.Warn("relay rejected auth",
							zap.String("relay", n.Relay),
							zap.String("reason", n.Reason))
					case pool.MissedNotification:
						log.Warn("consumer fell behind", zap.Uint64("missed", n.Count))
					}
				}
			}
		},
	}
	streamCmd.Flags().String("filter", "{}", "Nostr filter as JSON")
	streamCmd.Flags().Bool("save", false, "Save streamed events to the local store")
	rootCmd.AddCommand(streamCmd)
}

// parseFilterFlag decodes the --filter JSON flag.
func parseFilterFlag(cmd *cobra.Command) (nostr.Filter, error) {
	raw, _ := cmd.Flags().GetString("filter")
	var filter nostr.Filter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		return nostr.Filter{}, fmt.Errorf("invalid filter: %w", err)
	}
	return filter, nil
}
