package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
	"github.com/notmuch-gmail/notmuch-gmail/internal/testutil"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "index.sqlite"), filepath.Join(dir, "gmail"), opts...)
	testutil.MustNoErr(t, err, "open store")
	t.Cleanup(func() { s.Close() })
	return s
}

// storeAndIndex delivers a message file and indexes it with the given tags.
func storeAndIndex(t *testing.T, s *Store, id string, tags ...string) string {
	t.Helper()
	path, err := s.StoreMessage([]byte("From: test\r\n\r\nbody"), id, 1500000000000)
	testutil.MustNoErr(t, err, "store message")
	testutil.MustNoErr(t, s.Index(map[string]labels.TagSet{path: labels.NewTagSet(tags...)}), "index message")
	return path
}

func TestIndexAndAllGmailIDs(t *testing.T) {
	s := newTestStore(t)
	storeAndIndex(t, s, "a1", "inbox", "unread")
	storeAndIndex(t, s, "b2", "inbox")

	got, err := s.AllGmailIDs()
	testutil.MustNoErr(t, err, "all gmail ids")

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	testutil.AssertStrings(t, got["a1"].Sorted(), "inbox", "unread")
	testutil.AssertStrings(t, got["b2"].Sorted(), "inbox")
}

func TestIndexIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	path := storeAndIndex(t, s, "a1", "inbox")

	// Re-indexing the same path must replace, not duplicate.
	err := s.Index(map[string]labels.TagSet{path: labels.NewTagSet("inbox", "starred")})
	testutil.MustNoErr(t, err, "re-index")

	got, err := s.AllGmailIDs()
	testutil.MustNoErr(t, err, "all gmail ids")
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	testutil.AssertStrings(t, got["a1"].Sorted(), "inbox", "starred")
}

func TestIgnoreTagsFilteredOnRead(t *testing.T) {
	s := newTestStore(t, WithIgnoreTags(labels.NewTagSet("new", "attachment")))
	storeAndIndex(t, s, "a1", "inbox", "new", "attachment")

	got, err := s.AllGmailIDs()
	testutil.MustNoErr(t, err, "all gmail ids")
	testutil.AssertStrings(t, got["a1"].Sorted(), "inbox")

	gmail, _, err := s.ChangedSince(0)
	testutil.MustNoErr(t, err, "changed since")
	testutil.AssertStrings(t, gmail["a1"].Sorted(), "inbox")
}

func TestChangedSince(t *testing.T) {
	s := newTestStore(t)
	storeAndIndex(t, s, "a1", "inbox")

	rev, err := s.Revision()
	testutil.MustNoErr(t, err, "revision")

	gmail, _, err := s.ChangedSince(rev)
	testutil.MustNoErr(t, err, "changed since")
	if len(gmail) != 0 {
		t.Fatalf("no changes expected after revision %d, got %v", rev, gmail)
	}

	storeAndIndex(t, s, "b2", "inbox", "unread")

	gmail, _, err = s.ChangedSince(rev)
	testutil.MustNoErr(t, err, "changed since")
	if len(gmail) != 1 {
		t.Fatalf("got %d changed messages, want 1", len(gmail))
	}
	testutil.AssertStrings(t, gmail["b2"].Sorted(), "inbox", "unread")
}

func TestChangedSinceSplitsLocalMessages(t *testing.T) {
	s := newTestStore(t)
	storeAndIndex(t, s, "a1", "inbox")

	// A file outside the gmail.<id> pattern is purely local.
	localPath := filepath.Join(t.TempDir(), "1500000000.host:2,S")
	err := s.Index(map[string]labels.TagSet{localPath: labels.NewTagSet("sent")})
	testutil.MustNoErr(t, err, "index local message")

	gmail, local, err := s.ChangedSince(0)
	testutil.MustNoErr(t, err, "changed since")
	if _, ok := gmail["a1"]; !ok {
		t.Error("gmail message a1 missing from gmail changes")
	}
	testutil.AssertStrings(t, local[localPath].Sorted(), "sent")
}

func TestApplyTags(t *testing.T) {
	s := newTestStore(t)
	storeAndIndex(t, s, "a1", "inbox", "unread")

	err := s.ApplyTags(map[string]labels.TagSet{"a1": labels.NewTagSet("inbox", "starred")})
	testutil.MustNoErr(t, err, "apply tags")

	got, err := s.AllGmailIDs()
	testutil.MustNoErr(t, err, "all gmail ids")
	testutil.AssertStrings(t, got["a1"].Sorted(), "inbox", "starred")
}

func TestApplyTagsMissingMessage(t *testing.T) {
	s := newTestStore(t)

	// Unknown messages are skipped with a warning, not an error.
	err := s.ApplyTags(map[string]labels.TagSet{"deadbeef": labels.NewTagSet("inbox")})
	testutil.MustNoErr(t, err, "apply tags on missing message")
}

func TestApplyTagsBumpsRevision(t *testing.T) {
	s := newTestStore(t)
	storeAndIndex(t, s, "a1", "inbox")

	rev, err := s.Revision()
	testutil.MustNoErr(t, err, "revision")

	err = s.ApplyTags(map[string]labels.TagSet{"a1": labels.NewTagSet("archive")})
	testutil.MustNoErr(t, err, "apply tags")

	gmail, _, err := s.ChangedSince(rev)
	testutil.MustNoErr(t, err, "changed since")
	if _, ok := gmail["a1"]; !ok {
		t.Error("retagged message should appear in ChangedSince")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	path := storeAndIndex(t, s, "a1", "inbox")

	err := s.Delete(map[string]bool{"a1": true})
	testutil.MustNoErr(t, err, "delete")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file %s should be unlinked", path)
	}
	got, err := s.AllGmailIDs()
	testutil.MustNoErr(t, err, "all gmail ids")
	if len(got) != 0 {
		t.Errorf("index should be empty, got %v", got)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)

	// Deleting a message never seen is not an error.
	err := s.Delete(map[string]bool{"deadbeef": true})
	testutil.MustNoErr(t, err, "delete absent message")

	// Deleting one whose file is already gone is not an error either.
	path := storeAndIndex(t, s, "a1", "inbox")
	testutil.MustNoErr(t, os.Remove(path), "remove file")
	err = s.Delete(map[string]bool{"a1": true})
	testutil.MustNoErr(t, err, "delete message without file")
}

func TestRevisionMonotonic(t *testing.T) {
	s := newTestStore(t)

	before, err := s.Revision()
	testutil.MustNoErr(t, err, "revision")

	storeAndIndex(t, s, "a1", "inbox")
	storeAndIndex(t, s, "b2", "inbox")

	after, err := s.Revision()
	testutil.MustNoErr(t, err, "revision")
	if after <= before {
		t.Errorf("revision did not advance: before=%d after=%d", before, after)
	}
}
