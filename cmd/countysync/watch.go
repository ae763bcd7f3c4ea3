package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parcelworks/countysync/internal/daemon"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the source database and sync on change",
	Long: `Run an initial sync, then watch the source database file and re-run the
delta sync whenever it changes. Rapid rewrites are debounced into a single
run; runs never overlap.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWatch(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond,
		"quiet period after the last source change before syncing")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context) error {
	source := viper.GetString("source")
	if source == "" {
		return fmt.Errorf("no source database configured (use --source or COUNTYSYNC_SOURCE)")
	}

	logger := newRunLogger(viper.GetString("logs-dir"), "[daemon] ")

	d, err := daemon.New(source, func(ctx context.Context) error {
		report, err := runSync(ctx)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}, &daemon.Config{
		DebounceInterval: watchDebounce,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Start(ctx)
}
