package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/notmuch-gmail/notmuch-gmail/internal/sync"
)

// CLIProgress implements sync.Progress for terminal output. On a TTY it
// redraws a single counter line; otherwise it stays quiet and leaves
// reporting to the structured log.
type CLIProgress struct {
	tty       bool
	startTime time.Time
	lastPrint time.Time
	phase     sync.Phase
	dirty     bool // a progress line is on screen and needs a newline
}

func newCLIProgress() *CLIProgress {
	return &CLIProgress{tty: isatty.IsTerminal(os.Stdout.Fd())}
}

func (p *CLIProgress) OnPhase(phase sync.Phase, total int) {
	if p.startTime.IsZero() {
		p.startTime = time.Now()
	}
	p.finishLine()
	p.phase = phase
	if !p.tty || total == 0 {
		return
	}
	fmt.Printf("%s (%d)...\n", phaseLabel(phase), total)
}

func (p *CLIProgress) OnProgress(phase sync.Phase, done, total int) {
	if !p.tty {
		return
	}
	// Throttle redraws to every 2 seconds, but always show the last item.
	if done < total && time.Since(p.lastPrint) < 2*time.Second {
		return
	}
	p.lastPrint = time.Now()

	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(done) / elapsed.Seconds()
	}
	fmt.Printf("\r  %s: %d/%d | Rate: %.1f/s | Elapsed: %s    ",
		phaseLabel(phase), done, total, rate, formatDuration(elapsed))
	p.dirty = true
}

func (p *CLIProgress) OnComplete(summary *sync.Summary) {
	p.finishLine()
}

// finishLine terminates a redrawn progress line before other output.
func (p *CLIProgress) finishLine() {
	if p.dirty {
		fmt.Println()
		p.dirty = false
	}
}

func phaseLabel(phase sync.Phase) string {
	switch phase {
	case sync.PhaseDetect:
		return "Detecting changes"
	case sync.PhaseFetch:
		return "Fetching messages"
	case sync.PhaseMerge:
		return "Reconciling tags"
	case sync.PhaseDelete:
		return "Deleting messages"
	}
	return string(phase)
}

// formatDuration formats a duration as "Xm Ys" or "Xh Ym" for readability.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// humanSize renders a byte count with a binary unit suffix.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
