// Command mnemo is the local-first study library store and its
// cross-device sync engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnemo-dev/mnemo/internal/config"
	"github.com/mnemo-dev/mnemo/internal/events"
	"github.com/mnemo-dev/mnemo/internal/store"
	"github.com/mnemo-dev/mnemo/internal/syncer"
	"github.com/mnemo-dev/mnemo/internal/transport"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Local-first study library with cross-device sync",
	Long: `mnemo keeps your cards, review history, notes, and projects in a
local SQLite database and synchronizes them across devices through a
sync server using last-write-wins merge.

All commands work offline; sync runs on demand or in the background.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.mnemo/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the configured database.
func openStore(ctx context.Context, logger *log.Logger) (*store.Store, error) {
	return store.Open(ctx, cfg.DBPath(), &store.Options{Logger: logger})
}

// resolveClientID returns the configured device id, or generates one and
// persists it in the store's meta table on first run.
func resolveClientID(ctx context.Context, st *store.Store) (string, error) {
	if cfg.Sync.ClientID != "" {
		return cfg.Sync.ClientID, nil
	}

	id, ok, err := st.Meta(ctx, "client_id")
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = uuid.NewString()
	if err := st.SetMeta(ctx, "client_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// buildSyncer wires the transport, state manager, and orchestrator for
// the configured endpoint. The transport is left nil when sync is not
// configured; the orchestrator then reports StatusDisabled.
func buildSyncer(ctx context.Context, st *store.Store, bus *events.Bus, logger *log.Logger) (*syncer.Syncer, error) {
	clientID, err := resolveClientID(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client id: %w", err)
	}

	var tr transport.Transport
	if cfg.Sync.Configured() {
		token := cfg.Sync.Token
		httpClient, err := transport.NewHTTPClient(transport.HTTPConfig{
			BaseURL: cfg.Sync.Endpoint,
			Token: func(ctx context.Context) (string, error) {
				return token, nil
			},
			Timeout: cfg.Sync.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build transport: %w", err)
		}
		tr = httpClient
	}

	state := syncer.NewStateManager(st)
	return syncer.New(st, tr, state, bus, syncer.Config{
		ClientID: clientID,
		Enabled:  cfg.Sync.Enabled,
		Retry: syncer.RetryPolicy{
			BaseDelay:   cfg.Sync.Retry.BaseDelay,
			Multiplier:  cfg.Sync.Retry.Multiplier,
			Jitter:      cfg.Sync.Retry.Jitter,
			MaxDelay:    cfg.Sync.Retry.MaxDelay,
			MaxAttempts: cfg.Sync.Retry.MaxAttempts,
		},
		Logger: logger,
	}), nil
}
