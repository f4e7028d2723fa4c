package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mnemo-dev/mnemo/internal/daemon"
	"github.com/mnemo-dev/mnemo/internal/dashboard"
	"github.com/mnemo-dev/mnemo/internal/events"
	"github.com/mnemo-dev/mnemo/internal/syncer"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon:
  1. Syncs once at startup
  2. Syncs on a configurable interval
  3. Watches the database for writes by other mnemo processes and
     schedules a debounced sync
  4. Optionally serves the local status dashboard

Logs rotate through ` + "`daemon.log`" + ` in the data directory unless
--foreground directs them to stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if !daemonForeground {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.DaemonLogPath(),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			})
		}

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		bus := events.NewBus(logger)
		defer bus.Close()

		sy, err := buildSyncer(ctx, st, bus, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if cfg.Dashboard.Enabled {
			state := syncer.NewStateManager(st)
			srv := dashboard.NewServer(bus, st, state, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := srv.Stop(); err != nil {
					logger.Printf("WARNING: dashboard stop: %v", err)
				}
			}()
		}

		d, err := daemon.New(sy, cfg.DBPath(), &daemon.Config{
			SyncInterval:     cfg.Daemon.SyncInterval,
			DebounceInterval: cfg.Daemon.DebounceInterval,
			Logger:           logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false,
		"log to stderr instead of the rotating log file")
	rootCmd.AddCommand(daemonCmd)
}
