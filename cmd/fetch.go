package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/logger"
)

func init() {
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch stored events matching a filter",
		Long:  "Runs a one-shot query against every configured relay, waits for end-of-stored-events and prints the de-duplicated result as JSON lines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilterFlag(cmd)
			if err != nil {
				return err
			}
			save, _ := cmd.Flags().GetBool("save")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			log := logger.New("cli")
			p, err := buildPool(log)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			waitForConnections(ctx, p)

			events, err := p.FetchEvents(ctx, []nostr.Filter{filter}, nil)
			if err != nil {
				log.Warn("fetch ended early", zap.Error(err), zap.Int("events", len(events)))
			}

			enc := json.NewEncoder(os.Stdout)
			for _, evt := range events {
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}

			if save && len(events) > 0 {
				store, err := buildStore(ctx, log)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.SaveEvents(ctx, events); err != nil {
					return fmt.Errorf("save events: %w", err)
				}
			}
			return nil
		},
	}
	fetchCmd.Flags().String("filter", "{}", "Nostr filter as JSON")
	fetchCmd.Flags().Bool("save", false, "Save fetched events to the local store")
	fetchCmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for results")
	rootCmd.AddCommand(fetchCmd)

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Count events matching a filter on each relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilterFlag(cmd)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			log := logger.New("cli")
			p, err := buildPool(log)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			waitForConnections(ctx, p)

			for _, relay := range p.Relays() {
				count, err := p.Count(ctx, filter, relay)
				if err != nil {
					fmt.Printf("%s: count failed: %v\n", relay, err)
					continue
				}
				fmt.Printf("%s: %d\n", relay, count)
			}
			return nil
		},
	}
	countCmd.Flags().String("filter", "{}", "Nostr filter as JSON")
	countCmd.Flags().Duration("timeout", 15*time.Second, "How long to wait for counts")
	rootCmd.AddCommand(countCmd)
}
