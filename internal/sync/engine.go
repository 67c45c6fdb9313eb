// Package sync implements the synchronization engine: change detection,
// conflict resolution and the reconciliation run that converges the local
// store and the remote account.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/notmuch-gmail/notmuch-gmail/internal/gmail"
	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
	"github.com/notmuch-gmail/notmuch-gmail/internal/state"
	"github.com/notmuch-gmail/notmuch-gmail/internal/store"
)

// Options configure a run.
type Options struct {
	// PushLocalTags pushes local tag changes to the remote side. When
	// false, remote changes always overwrite local ones.
	PushLocalTags bool

	// LocalWins resolves conflicting changes in favor of the local side.
	// Only meaningful together with PushLocalTags.
	LocalWins bool

	// IndexBatchSize is the number of fetched messages indexed per
	// transaction (default 100).
	IndexBatchSize int
}

// DefaultOptions returns the defaults used without configuration.
func DefaultOptions() *Options {
	return &Options{
		PushLocalTags:  true,
		IndexBatchSize: 100,
	}
}

// Engine reconciles the local store with the remote account.
type Engine struct {
	client   gmail.API
	store    *store.Store
	state    *state.Store
	mapper   *labels.Mapper
	logger   *slog.Logger
	progress Progress
	opts     *Options
}

// New creates an Engine.
func New(client gmail.API, st *store.Store, wm *state.Store, mapper *labels.Mapper, opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.IndexBatchSize < 1 {
		opts.IndexBatchSize = 1
	}
	return &Engine{
		client:   client,
		store:    st,
		state:    wm,
		mapper:   mapper,
		logger:   slog.Default(),
		progress: NullProgress{},
		opts:     opts,
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithProgress sets the progress reporter.
func (e *Engine) WithProgress(p Progress) *Engine {
	e.progress = p
	return e
}

// Run performs one reconciliation: refresh the label catalog, detect
// changes (incremental, falling back to a full scan), fetch new remote
// messages, merge tag changes under the conflict policy, delete locally
// what vanished remotely, and advance the watermarks. Watermarks are only
// written after everything they summarize has succeeded.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartTime: time.Now()}

	e.logger.Info("fetching label catalog")
	if err := e.refreshLabels(ctx); err != nil {
		return nil, fmt.Errorf("refresh labels: %w", err)
	}

	cs, err := e.detect(ctx, summary)
	if err != nil {
		return nil, err
	}
	summary.LocalOnly = len(cs.LocalNew)
	e.logger.Info("changes detected",
		"remote_new", len(cs.RemoteNew),
		"remote_updated", len(cs.RemoteUpdated),
		"remote_deleted", len(cs.RemoteDeleted),
		"local_updated", len(cs.LocalUpdated),
		"local_only", len(cs.LocalNew))

	if len(cs.RemoteNew) > 0 {
		e.logger.Info("fetching new messages", "count", len(cs.RemoteNew))
		hist, err := e.fetch(ctx, cs.RemoteNew, summary)
		if err != nil {
			return nil, fmt.Errorf("fetch new messages: %w", err)
		}
		if hist > cs.HistoryID {
			cs.HistoryID = hist
		}
	}

	if len(cs.LocalUpdated) > 0 || len(cs.RemoteUpdated) > 0 {
		hist, err := e.merge(ctx, cs, summary)
		if err != nil {
			return nil, fmt.Errorf("merge tag changes: %w", err)
		}
		if hist > cs.HistoryID {
			cs.HistoryID = hist
		}
	}

	if len(cs.RemoteDeleted) > 0 {
		e.logger.Info("deleting local messages", "count", len(cs.RemoteDeleted))
		e.progress.OnPhase(PhaseDelete, len(cs.RemoteDeleted))
		if err := e.store.Delete(cs.RemoteDeleted); err != nil {
			return nil, fmt.Errorf("delete local messages: %w", err)
		}
		summary.Deleted = len(cs.RemoteDeleted)
	}

	if err := e.advanceWatermarks(cs.HistoryID); err != nil {
		return nil, err
	}

	summary.EndTime = time.Now()
	summary.Duration = summary.EndTime.Sub(summary.StartTime)
	summary.FinalHistoryID = cs.HistoryID
	e.progress.OnComplete(summary)
	return summary, nil
}

// refreshLabels replaces the mapper's catalog with the account's labels.
func (e *Engine) refreshLabels(ctx context.Context) error {
	catalog, err := e.client.ListLabels(ctx)
	if err != nil {
		return err
	}
	idToName := make(map[string]string, len(catalog))
	for _, l := range catalog {
		idToName[l.ID] = l.Name
	}
	e.mapper.ReplaceCatalog(idToName)
	return nil
}

// detect tries the incremental strategy and falls back to a full scan
// when there is no watermark or the change log no longer reaches it.
func (e *Engine) detect(ctx context.Context, summary *Summary) (*ChangeSet, error) {
	lastHistory, ok, err := e.state.HistoryID()
	if err != nil {
		return nil, err
	}
	if ok {
		e.logger.Info("fetching changes", "since_history", lastHistory)
		cs, err := e.detectIncremental(ctx, lastHistory)
		if err == nil {
			return cs, nil
		}
		if !errors.Is(err, gmail.ErrHistoryTooOld) {
			return nil, fmt.Errorf("detect changes: %w", err)
		}
		e.logger.Info("history too old, full scan required")
	} else {
		e.logger.Info("no previous sync, full scan required")
	}

	summary.FullScan = true
	cs, err := e.detectFull(ctx)
	if err != nil {
		return nil, fmt.Errorf("full scan: %w", err)
	}
	return cs, nil
}

// fetch retrieves each new message in raw form, delivers it to the
// maildir and indexes in chunks of IndexBatchSize so tag sets appear
// atomically. Returns the highest history ID observed.
func (e *Engine) fetch(ctx context.Context, ids map[string]bool, summary *Summary) (uint64, error) {
	list := sortedIDs(ids)
	e.progress.OnPhase(PhaseFetch, len(list))

	var maxHist uint64
	batch := make(map[string]labels.TagSet, e.opts.IndexBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		e.logger.Info("updating index", "messages", len(batch))
		if err := e.store.Index(batch); err != nil {
			return err
		}
		batch = make(map[string]labels.TagSet, e.opts.IndexBatchSize)
		return nil
	}

	n := 0
	err := e.client.FetchRaw(ctx, list, func(msg *gmail.RawMessage) error {
		n++
		e.progress.OnProgress(PhaseFetch, n, len(list))
		if msg.HistoryID > maxHist {
			maxHist = msg.HistoryID
		}
		tags, err := e.mapper.MessageTags(msg.LabelIDs)
		if errors.Is(err, labels.ErrNoSync) {
			return nil
		}
		if err != nil {
			return err
		}
		path, err := e.store.StoreMessage(msg.Raw, msg.ID, msg.InternalDate)
		if err != nil {
			return err
		}
		summary.Fetched++
		summary.BytesFetched += int64(len(msg.Raw))
		batch[path] = tags
		if len(batch) >= e.opts.IndexBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return maxHist, flush()
}

// merge resolves conflicting tag changes, pushes the surviving local side
// to the remote account and applies the surviving remote side to the
// local store. Returns the highest history ID observed while pushing.
func (e *Engine) merge(ctx context.Context, cs *ChangeSet, summary *Summary) (uint64, error) {
	e.logger.Info("resolving conflicts")
	e.progress.OnPhase(PhaseMerge, len(cs.LocalUpdated)+len(cs.RemoteUpdated))

	var conflicts []string
	for id := range cs.LocalUpdated {
		if _, ok := cs.RemoteUpdated[id]; ok {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		if e.opts.PushLocalTags && e.opts.LocalWins {
			e.logger.Info("dropping remote changes for conflicts", "count", len(conflicts))
			for _, id := range conflicts {
				delete(cs.RemoteUpdated, id)
			}
		} else {
			e.logger.Info("dropping local changes for conflicts", "count", len(conflicts))
			for _, id := range conflicts {
				delete(cs.LocalUpdated, id)
			}
		}
	}

	var maxHist uint64
	if e.opts.PushLocalTags && len(cs.LocalUpdated) > 0 {
		e.logger.Info("pushing local tag changes", "count", len(cs.LocalUpdated))
		hist, err := e.pushTags(ctx, cs.LocalUpdated, summary)
		if err != nil {
			return 0, err
		}
		maxHist = hist
	}
	if len(cs.RemoteUpdated) > 0 {
		e.logger.Info("applying remote tag changes", "count", len(cs.RemoteUpdated))
		if err := e.store.ApplyTags(cs.RemoteUpdated); err != nil {
			return 0, err
		}
		summary.TagsApplied = len(cs.RemoteUpdated)
	}
	return maxHist, nil
}

// pushTags fetches the current remote tag set for each locally changed
// message, diffs it against the local set and pushes the resulting label
// modifications. Fetching first keeps the push from clobbering remote
// label changes it never considered. Labels missing from the catalog are
// created on demand.
func (e *Engine) pushTags(ctx context.Context, updated map[string]labels.TagSet, summary *Summary) (uint64, error) {
	ids := make([]string, 0, len(updated))
	for id := range updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var maxHist uint64
	ops := make(map[string]gmail.LabelMod)
	err := e.client.FetchMinimal(ctx, ids, func(msg *gmail.MinimalMessage) error {
		if msg.HistoryID > maxHist {
			maxHist = msg.HistoryID
		}
		remoteTags, err := e.mapper.MessageTags(msg.LabelIDs)
		if errors.Is(err, labels.ErrNoSync) {
			return nil
		}
		if err != nil {
			return err
		}
		localTags := updated[msg.ID]

		var mod gmail.LabelMod
		for _, tag := range localTags.Subtract(remoteTags).Sorted() {
			id, err := e.labelIDForTag(ctx, tag)
			if err != nil {
				return err
			}
			mod.Add = append(mod.Add, id)
		}
		for _, tag := range remoteTags.Subtract(localTags).Sorted() {
			id, err := e.labelIDForTag(ctx, tag)
			if err != nil {
				return err
			}
			mod.Remove = append(mod.Remove, id)
		}

		if len(mod.Add) == 0 && len(mod.Remove) == 0 {
			e.logger.Debug("message unchanged remotely", "id", msg.ID)
			return nil
		}
		e.logger.Debug("label modification", "id", msg.ID, "add", mod.Add, "remove", mod.Remove)
		ops[msg.ID] = mod
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resolve remote tags: %w", err)
	}

	if len(ops) == 0 {
		return maxHist, nil
	}
	e.logger.Info("pushing label changes", "count", len(ops))
	n := 0
	err = e.client.ModifyLabels(ctx, ops, func(id string) error {
		n++
		summary.TagsPushed++
		e.progress.OnProgress(PhaseMerge, n, len(ops))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("push label changes: %w", err)
	}
	return maxHist, nil
}

// labelIDForTag resolves a tag to a remote label ID, creating the label
// on the account when it does not exist yet.
func (e *Engine) labelIDForTag(ctx context.Context, tag string) (string, error) {
	name := e.mapper.TagToLabel(tag)
	if id, ok := e.mapper.LabelID(name); ok {
		return id, nil
	}
	label, err := e.client.CreateLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	e.logger.Info("created label", "name", name, "id", label.ID)
	e.mapper.AddLabel(label.ID, label.Name)
	return label.ID, nil
}

// advanceWatermarks persists the history position and the local index
// revision. The history watermark never moves backwards, so an empty run
// cannot regress a prior sync.
func (e *Engine) advanceWatermarks(historyID uint64) error {
	prev, ok, err := e.state.HistoryID()
	if err != nil {
		return err
	}
	if ok && historyID < prev {
		historyID = prev
	}
	if historyID > 0 {
		if err := e.state.SetHistoryID(historyID); err != nil {
			return fmt.Errorf("save history watermark: %w", err)
		}
	}

	rev, err := e.store.Revision()
	if err != nil {
		return err
	}
	if err := e.state.SetLocalRevision(rev); err != nil {
		return fmt.Errorf("save revision watermark: %w", err)
	}
	return nil
}

func sortedIDs(ids map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
