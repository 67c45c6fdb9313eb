package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/notmuch-gmail/notmuch-gmail/internal/auth"
	"github.com/notmuch-gmail/notmuch-gmail/internal/gmail"
	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
	"github.com/notmuch-gmail/notmuch-gmail/internal/lockfile"
	"github.com/notmuch-gmail/notmuch-gmail/internal/state"
	"github.com/notmuch-gmail/notmuch-gmail/internal/store"
	"github.com/notmuch-gmail/notmuch-gmail/internal/sync"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Synchronize the Gmail account once",
	Long: `Run one synchronization pass: detect remote and local changes since
the last run, fetch new messages into the maildir, reconcile tag changes on
both sides and push local modifications back to Gmail.

Only one instance may run at a time; if another pull or watch holds the
lock, the command reports it and exits successfully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := lockfile.Acquire(cfg.LockFile())
		if err != nil {
			return fmt.Errorf("acquire %s: %w", cfg.LockFile(), err)
		}
		defer lock.Release()

		summary, err := runPull(cmd.Context())
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil
	},
}

// runPull assembles the engine from the loaded configuration and runs a
// single synchronization pass. The caller must hold the instance lock.
func runPull(ctx context.Context) (*sync.Summary, error) {
	provider := auth.New(cfg.OAuthFile()).WithLogger(logger)
	tokenSource, err := provider.TokenSource(ctx)
	if err != nil {
		return nil, err
	}

	client := gmail.NewClient(tokenSource,
		gmail.WithLogger(logger),
		gmail.WithHTTPTimeout(time.Duration(cfg.Core.HTTPTimeout)*time.Second),
	)

	mapper := labels.New(cfg.MapperOptions())

	st, err := store.Open(cfg.IndexFile(), cfg.MaildirRoot(),
		store.WithLogger(logger),
		store.WithIgnoreTags(mapper.LocalIgnore()),
	)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	defer st.Close()

	engine := sync.New(client, st, state.New(cfg.Core.StatusDir), mapper, &sync.Options{
		PushLocalTags:  cfg.Core.PushLocalTags,
		LocalWins:      cfg.Core.LocalWins,
		IndexBatchSize: cfg.Core.IndexBatchSize,
	}).WithLogger(logger).WithProgress(newCLIProgress())

	return engine.Run(ctx)
}

func printSummary(s *sync.Summary) {
	mode := "incremental"
	if s.FullScan {
		mode = "full scan"
	}
	fmt.Printf("Done in %s (%s).\n", formatDuration(s.Duration), mode)
	fmt.Printf("  Fetched: %d (%s) | Retagged: %d | Pushed: %d | Deleted: %d\n",
		s.Fetched, humanSize(s.BytesFetched), s.TagsApplied, s.TagsPushed, s.Deleted)
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
