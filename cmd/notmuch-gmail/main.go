package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/notmuch-gmail/notmuch-gmail/cmd/notmuch-gmail/cmd"
	"github.com/notmuch-gmail/notmuch-gmail/internal/lockfile"
)

const (
	exitCodeError       = 1
	exitCodeInterrupted = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, lockfile.ErrAlreadyRunning) {
			// Another instance holds the lock; the work is being done.
			return 0
		}
		if isSignalCanceled(err, ctx) {
			return exitCodeInterrupted
		}
		return exitCodeError
	}
	return 0
}

func isSignalCanceled(err error, ctx context.Context) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled
}
