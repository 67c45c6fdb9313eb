package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/notmuch-gmail/notmuch-gmail/internal/gmail"
	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
)

// ChangeSet is the unified output of change detection: what moved on each
// side since the last run.
type ChangeSet struct {
	LocalUpdated  map[string]labels.TagSet // gmail id -> new local tags
	LocalNew      map[string]labels.TagSet // path -> tags, outside Gmail's ownership
	RemoteUpdated map[string]labels.TagSet // gmail id -> new remote tags
	RemoteNew     map[string]bool
	RemoteDeleted map[string]bool

	// HistoryID is the highest history position observed while detecting.
	HistoryID uint64
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		LocalUpdated:  make(map[string]labels.TagSet),
		LocalNew:      make(map[string]labels.TagSet),
		RemoteUpdated: make(map[string]labels.TagSet),
		RemoteNew:     make(map[string]bool),
		RemoteDeleted: make(map[string]bool),
	}
}

// detectIncremental folds the remote change log from lastHistory into a
// ChangeSet. Membership events win over label events for the same message;
// no-sync messages are dropped. Returns gmail.ErrHistoryTooOld when the
// server no longer retains the start point.
func (e *Engine) detectIncremental(ctx context.Context, lastHistory uint64) (*ChangeSet, error) {
	cs := newChangeSet()
	maxID := lastHistory

	err := e.client.ListHistory(ctx, lastHistory, func(rec gmail.HistoryRecord) error {
		if rec.ID > maxID {
			maxID = rec.ID
		}
		for _, m := range rec.MessagesAdded {
			if e.noSync(m) {
				continue
			}
			delete(cs.RemoteUpdated, m.ID)
			delete(cs.RemoteDeleted, m.ID)
			cs.RemoteNew[m.ID] = true
		}
		for _, m := range rec.MessagesDeleted {
			if e.noSync(m) {
				continue
			}
			delete(cs.RemoteUpdated, m.ID)
			delete(cs.RemoteNew, m.ID)
			cs.RemoteDeleted[m.ID] = true
		}
		for _, group := range [][]gmail.HistoryMessage{rec.LabelsAdded, rec.LabelsRemoved} {
			for _, m := range group {
				if cs.RemoteNew[m.ID] || cs.RemoteDeleted[m.ID] {
					continue
				}
				tags, err := e.mapper.MessageTags(m.LabelIDs)
				if errors.Is(err, labels.ErrNoSync) {
					continue
				}
				if err != nil {
					return err
				}
				cs.RemoteUpdated[m.ID] = tags
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs.HistoryID = maxID
	if err := e.detectLocal(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// detectFull reconstructs a ChangeSet by comparing the complete remote ID
// space against the local index. The remote listing and the local scan
// overlap; the tag comparison for surviving messages then runs over the
// batch endpoint.
func (e *Engine) detectFull(ctx context.Context) (*ChangeSet, error) {
	cs := newChangeSet()

	var (
		allRemote  = make(map[string]bool)
		knownLocal map[string]labels.TagSet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pages := 0
		return e.client.ListAllIDs(gctx, e.noSyncQuery(), func(estimate int64, ids []string) error {
			pages++
			for _, id := range ids {
				allRemote[id] = true
			}
			e.logger.Debug("listed remote ids", "page", pages, "ids", len(ids), "estimate", estimate)
			return nil
		})
	})
	g.Go(func() error {
		var err error
		knownLocal, err = e.store.AllGmailIDs()
		if err != nil {
			return fmt.Errorf("scan local messages: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for id := range allRemote {
		if _, ok := knownLocal[id]; !ok {
			cs.RemoteNew[id] = true
		}
	}
	for id := range knownLocal {
		if !allRemote[id] {
			cs.RemoteDeleted[id] = true
		}
	}

	// Surviving messages: compare current remote tags with the last seen
	// local set to recover label changes the lost history would have told
	// us about.
	var survivors []string
	for id := range knownLocal {
		if allRemote[id] {
			survivors = append(survivors, id)
		}
	}
	sort.Strings(survivors)

	e.progress.OnPhase(PhaseDetect, len(survivors))
	n := 0
	err := e.client.FetchMinimal(ctx, survivors, func(msg *gmail.MinimalMessage) error {
		n++
		e.progress.OnProgress(PhaseDetect, n, len(survivors))
		if msg.HistoryID > cs.HistoryID {
			cs.HistoryID = msg.HistoryID
		}
		tags, err := e.mapper.MessageTags(msg.LabelIDs)
		if errors.Is(err, labels.ErrNoSync) {
			return nil
		}
		if err != nil {
			return err
		}
		if !tags.Equal(knownLocal[msg.ID]) {
			cs.RemoteUpdated[msg.ID] = tags
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.detectLocal(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// detectLocal fills the local side of a ChangeSet from the index revision
// recorded by the last run. Without one there are no local changes to
// consider; everything local is already the product of a remote sync.
func (e *Engine) detectLocal(cs *ChangeSet) error {
	lastRev, ok, err := e.state.LocalRevision()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	gmailChanged, localOnly, err := e.store.ChangedSince(lastRev)
	if err != nil {
		return fmt.Errorf("detect local changes: %w", err)
	}
	cs.LocalUpdated = gmailChanged
	cs.LocalNew = localOnly
	return nil
}

// noSync reports whether a history message reference is out of sync scope.
func (e *Engine) noSync(m gmail.HistoryMessage) bool {
	_, err := e.mapper.MessageTags(m.LabelIDs)
	return errors.Is(err, labels.ErrNoSync)
}

// noSyncQuery builds the listing query excluding no-sync labels.
func (e *Engine) noSyncQuery() string {
	var terms []string
	for _, l := range e.mapper.NoSyncLabels() {
		terms = append(terms, "-in:"+l)
	}
	return strings.Join(terms, " ")
}
