package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/config"
	"github.com/Shugur-Network/pool/internal/health"
	"github.com/Shugur-Network/pool/internal/identity"
	"github.com/Shugur-Network/pool/internal/logger"
	"github.com/Shugur-Network/pool/internal/metrics"
	"github.com/Shugur-Network/pool/internal/pool"
	"github.com/Shugur-Network/pool/internal/storage"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the relay pool
var rootCmd = &cobra.Command{
	Use:   "pool",
	Short: "pool is a multi-relay Nostr client",
	Long:  `Connects to a set of Nostr relays at once: stream, publish, fetch and reconcile events across all of them.`,
	Example: `
  pool stream --relay wss://relay.damus.io --filter '{"kinds":[1]}'
  pool publish --relay wss://relay.damus.io --content "hello"
  pool sync --relay wss://relay.damus.io --filter '{"kinds":[1]}' --dry-run`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		// Load configuration (use nil logger to avoid sync issues)
		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("relay") {
			cfg.Pool.Relays, _ = flags.GetStringSlice("relay")
		}
		if flags.Changed("db-url") {
			cfg.Database.URL, _ = flags.GetString("db-url")
		}
		if flags.Changed("seckey") {
			cfg.Pool.SecretKey, _ = flags.GetString("seckey")
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return err
			}
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
			cfg.Metrics.Enabled = true
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildPool assembles a pool from the loaded configuration and connects it
// to every configured relay.
func buildPool(log *zap.Logger) (*pool.Pool, error) {
	if len(cfg.Pool.Relays) == 0 {
		return nil, fmt.Errorf("no relays configured: pass --relay or set pool.RELAYS")
	}

	opts := pool.Options{
		DedupCapacity:      cfg.Pool.DedupCacheSize,
		NotificationBuffer: cfg.Pool.NotificationBuffer,
		Logger:             log,
	}
	secretKey := cfg.Pool.SecretKey
	if secretKey == "" {
		// No configured key: fall back to the persisted client identity
		// so relays demanding auth see a stable pubkey across runs.
		id, err := identity.GetOrCreateClientIdentity()
		if err != nil {
			return nil, fmt.Errorf("load client identity: %w", err)
		}
		secretKey = id.SecretKey
		cfg.Pool.SecretKey = secretKey
		log.Debug("using persisted client identity", zap.String("pubkey", id.PublicKey))
	}
	signer, err := pool.NewKeySigner(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	opts.Signer = signer

	p, err := pool.New(opts)
	if err != nil {
		return nil, err
	}

	relayOpts := pool.RelayOptions{
		Reconnect:            cfg.Pool.Reconnect,
		RetryInterval:        cfg.Pool.RetryInterval,
		AdjustRetryInterval:  cfg.Pool.AdjustRetryInterval,
		QueueWhileConnecting: cfg.Pool.QueueWhileConnecting,
		WriteRateLimit:       cfg.Pool.WriteRateLimit,
		WriteRateBurst:       cfg.Pool.WriteRateBurst,
		PingInterval:         cfg.Pool.PingInterval,
	}
	for _, url := range cfg.Pool.Relays {
		if err := p.AddRelay(url, relayOpts); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("add relay %s: %w", url, err)
		}
	}
	return p, nil
}

// buildStore opens the configured local event store, falling back to the
// in-memory one when no database is configured.
func buildStore(ctx context.Context, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.URL == "" {
		log.Debug("no database configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenPostgres(ctx, cfg.Database.URL, log)
}

// startMetrics brings up the metrics and health endpoint when enabled.
func startMetrics(log *zap.Logger, p *pool.Pool) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	metrics.RegisterMetrics()
	srv := metrics.NewServer(cfg.Metrics.Port, log)
	srv.Handle("/health", health.NewChecker(p, log, config.Version).Handler())
	srv.Start()
	return srv
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().StringSlice("relay", nil, "Relay URL to use (repeatable)")
	rootCmd.PersistentFlags().String("db-url", "", "Local event store URL (postgresql://...)")
	rootCmd.PersistentFlags().String("seckey", "", "64-character hex secret key for signing and NIP-42 auth")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Int("metrics-port", 2112, "Port for the Prometheus metrics server")

	// A simple version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pool",
		Long:  "Print the version number of pool along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)
}
