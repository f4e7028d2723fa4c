package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-dev/mnemo/internal/store"
	"github.com/mnemo-dev/mnemo/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single pull→merge→push cycle against the configured sync
server.

The cycle pulls rows changed since the last checkpoint, merges them
with last-write-wins, pushes pending local changes, and persists the
new checkpoint. If a sync is already running (e.g. the daemon), this
reports busy and exits.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		sy, err := buildSyncer(ctx, st, nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		res := sy.Sync(ctx)
		fmt.Println(res.Describe())
		if !res.Success() {
			// A scheduled retry belongs to the daemon; one-shot syncs
			// exit without waiting for it.
			sy.CancelRetry()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync checkpoint and pending changes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		state := syncer.NewStateManager(st)
		cp, err := state.Checkpoint(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading checkpoint: %v\n", err)
			os.Exit(1)
		}
		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending changes: %v\n", err)
			os.Exit(1)
		}
		counts, err := st.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting records: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Database:        %s\n", st.Path())
		fmt.Printf("Sync enabled:    %v (configured: %v)\n", cfg.Sync.Enabled, cfg.Sync.Configured())
		fmt.Printf("Server version:  %d\n", cp.LastSyncedVersion)
		if cp.LastSyncTime > 0 {
			fmt.Printf("Last sync:       %s\n", time.UnixMilli(cp.LastSyncTime).Format(time.RFC1123))
		} else {
			fmt.Printf("Last sync:       never\n")
		}
		if cp.LastError != "" {
			fmt.Printf("Last error:      %s\n", cp.LastError)
		}
		if cp.RetryCount > 0 {
			fmt.Printf("Retry count:     %d\n", cp.RetryCount)
		}
		fmt.Printf("Pending changes: %d\n", pending)
		fmt.Printf("Records:\n")
		for _, table := range store.TableOrder {
			fmt.Printf("  %-12s %d\n", table, counts[table])
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
