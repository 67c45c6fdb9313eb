package sync

import "time"

// Phase identifies the stage of a run for progress reporting.
type Phase string

const (
	PhaseDetect Phase = "detect"
	PhaseFetch  Phase = "fetch"
	PhaseMerge  Phase = "merge"
	PhaseDelete Phase = "delete"
)

// Progress reports run progress to the caller.
type Progress interface {
	// OnPhase is called when a run enters a new phase. total is the
	// number of items the phase will process, or 0 when unknown.
	OnPhase(phase Phase, total int)

	// OnProgress is called per processed item within a phase.
	OnProgress(phase Phase, done, total int)

	// OnComplete is called when the run finishes successfully.
	OnComplete(summary *Summary)
}

// Summary contains statistics about a completed run.
type Summary struct {
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FullScan       bool // change detection fell back to a full scan
	Fetched        int  // new remote messages stored and indexed
	TagsPushed     int  // messages whose labels were modified remotely
	TagsApplied    int  // messages retagged locally
	Deleted        int  // messages deleted locally
	LocalOnly      int  // purely local messages detected (not pushed yet)
	BytesFetched   int64
	FinalHistoryID uint64
}

// NullProgress is a no-op progress reporter.
type NullProgress struct{}

func (NullProgress) OnPhase(phase Phase, total int)          {}
func (NullProgress) OnProgress(phase Phase, done, total int) {}
func (NullProgress) OnComplete(summary *Summary)             {}
