package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notmuch-gmail/notmuch-gmail/internal/lockfile"
	"github.com/notmuch-gmail/notmuch-gmail/internal/scheduler"
)

var watchNow bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Synchronize periodically on a schedule",
	Long: `Run in the foreground and perform a pull on the configured cron
schedule ([watch] schedule, default every 10 minutes). A pull still in
progress when the next tick fires is not interrupted; the tick is skipped.

The instance lock is held for the whole watch session, so concurrent pull
invocations exit immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := lockfile.Acquire(cfg.LockFile())
		if err != nil {
			return fmt.Errorf("acquire %s: %w", cfg.LockFile(), err)
		}
		defer lock.Release()

		sched := scheduler.New(func(ctx context.Context) error {
			summary, err := runPull(ctx)
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		}).WithLogger(logger)

		if err := sched.Schedule(cfg.Watch.Schedule); err != nil {
			return fmt.Errorf("invalid watch schedule %q: %w", cfg.Watch.Schedule, err)
		}
		sched.Start()

		if watchNow {
			if err := sched.TriggerNow(); err != nil {
				logger.Warn("initial pull not started", "error", err)
			}
		}

		logger.Info("watching", "schedule", cfg.Watch.Schedule)
		<-cmd.Context().Done()

		logger.Info("shutting down")
		<-sched.Stop().Done()
		return cmd.Context().Err()
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run a pull immediately, then follow the schedule")
	rootCmd.AddCommand(watchCmd)
}
