package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/Shugur-Network/pool/internal/logger"
	"github.com/Shugur-Network/pool/internal/pool"
)

func init() {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event to all relays",
		Long:  "Signs and publishes an event to every configured relay and prints each relay's verdict.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("cli")

			p, err := buildPool(log)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			// After buildPool so the persisted identity can back --content
			// signing when no key was configured.
			evt, err := buildEventFromFlags(cmd)
			if err != nil {
				return err
			}

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// Give the dials a moment before the first send; publish
			// itself still waits for each relay's OK.
			waitForConnections(ctx, p)

			results, err := p.Publish(ctx, evt, nil)
			if err != nil {
				return err
			}
			accepted := 0
			for relay, res := range results {
				switch res.Status {
				case pool.PublishAccepted:
					accepted++
					fmt.Printf("%s: accepted\n", relay)
				case pool.PublishRejected:
					fmt.Printf("%s: rejected (%s)\n", relay, res.Reason)
				case pool.PublishFailed:
					fmt.Printf("%s: failed (%v)\n", relay, res.Err)
				}
			}
			if accepted == 0 {
				return fmt.Errorf("no relay accepted event %s", evt.ID)
			}
			return nil
		},
	}
	publishCmd.Flags().String("content", "", "Content of a kind-1 note to publish")
	publishCmd.Flags().Int("kind", 1, "Event kind when composing from --content")
	publishCmd.Flags().String("event", "", "Path to a pre-signed event JSON file (- for stdin)")
	publishCmd.Flags().Duration("timeout", 15*time.Second, "How long to wait for relay verdicts")
	rootCmd.AddCommand(publishCmd)
}

// buildEventFromFlags loads a pre-signed event or composes and signs one from
// --content.
func buildEventFromFlags(cmd *cobra.Command) (*nostr.Event, error) {
	if path, _ := cmd.Flags().GetString("event"); path != "" {
		var raw []byte
		var err error
		if path == "-" {
			raw, err = os.ReadFile("/dev/stdin")
		} else {
			raw, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		var evt nostr.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		return &evt, nil
	}

	content, _ := cmd.Flags().GetString("content")
	if content == "" {
		return nil, fmt.Errorf("either --event or --content is required")
	}
	if cfg.Pool.SecretKey == "" {
		return nil, fmt.Errorf("composing an event requires a secret key (--seckey)")
	}
	kind, _ := cmd.Flags().GetInt("kind")

	evt := &nostr.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
	}
	if err := evt.Sign(cfg.Pool.SecretKey); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return evt, nil
}

// waitForConnections polls briefly until at least one relay is connected or
// the context expires.
func waitForConnections(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, url := range p.Relays() {
			if state, err := p.RelayStatus(url); err == nil && state == pool.StateConnected {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
