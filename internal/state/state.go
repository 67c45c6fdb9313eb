// Package state persists the synchronization watermarks under the status
// directory: the last consumed Gmail history ID and the last seen local
// index revision.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	historyIDFile = "last_history_id"
	localRevFile  = "last_notmuch_rev"
)

// Store reads and writes watermark files. Each value is a decimal integer,
// newline-terminated, replaced atomically so a crashed run leaves the
// previous watermark in place.
type Store struct {
	dir string
}

// New returns a Store rooted at the given status directory. The directory
// is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// HistoryID returns the last consumed history ID. ok is false when no
// prior sync recorded one (missing or unreadable file).
func (s *Store) HistoryID() (id uint64, ok bool, err error) {
	return s.read(historyIDFile)
}

// SetHistoryID records the history ID consumed by a completed run.
func (s *Store) SetHistoryID(id uint64) error {
	return s.write(historyIDFile, id)
}

// LocalRevision returns the local index revision recorded by the last run.
// ok is false when no prior sync recorded one.
func (s *Store) LocalRevision() (rev uint64, ok bool, err error) {
	return s.read(localRevFile)
}

// SetLocalRevision records the local index revision at the end of a run.
func (s *Store) SetLocalRevision(rev uint64) error {
	return s.write(localRevFile, rev)
}

func (s *Store) read(name string) (uint64, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading %s: %w", name, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		// Unparseable watermark means no usable prior sync.
		return 0, false, nil
	}
	return v, true, nil
}

func (s *Store) write(name string, v uint64) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating status dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := fmt.Fprintf(tmp, "%d\n", v); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}
