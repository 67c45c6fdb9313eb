// Package store is the local mail store: a maildir holding one file per
// Gmail message and a SQLite tag index over it.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
)

//go:embed schema.sql
var schemaFS embed.FS

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// Store provides the tag index and the maildir beneath it.
type Store struct {
	db         *sql.DB
	maildir    string // root holding tmp/, new/, cur/
	ignoreTags labels.TagSet
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithIgnoreTags sets the local ignore list. Ignored tags are subtracted
// from every tag set returned by ChangedSince and AllGmailIDs; they are
// never filtered on write.
func WithIgnoreTags(tags labels.TagSet) Option {
	return func(s *Store) {
		s.ignoreTags = tags
	}
}

// Open opens or creates the tag index at indexPath for the maildir rooted
// at maildirRoot, and initializes the schema.
func Open(indexPath, maildirRoot string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", indexPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{
		db:         db,
		maildir:    maildirRoot,
		ignoreTags: labels.NewTagSet(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx executes fn within a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// bumpRevision advances the global revision counter within tx and returns
// the new value, which the caller stamps onto every touched message.
func bumpRevision(tx *sql.Tx) (uint64, error) {
	if _, err := tx.Exec(`UPDATE revision SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	var rev uint64
	if err := tx.QueryRow(`SELECT value FROM revision WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Revision returns the current index revision.
func (s *Store) Revision() (uint64, error) {
	var rev uint64
	if err := s.db.QueryRow(`SELECT value FROM revision WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// ChangedSince returns the messages modified after rev, split into
// Gmail-owned messages (keyed by Gmail ID) and purely local ones (keyed by
// file path). Local-ignored tags are subtracted from every returned set.
func (s *Store) ChangedSince(rev uint64) (gmail map[string]labels.TagSet, local map[string]labels.TagSet, err error) {
	return s.search(`WHERE m.lastmod > ?`, rev)
}

// AllGmailIDs returns every Gmail-owned message with its tag set,
// local-ignored tags subtracted.
func (s *Store) AllGmailIDs() (map[string]labels.TagSet, error) {
	gmail, _, err := s.search("")
	return gmail, err
}

func (s *Store) search(where string, args ...any) (map[string]labels.TagSet, map[string]labels.TagSet, error) {
	query := `
		SELECT m.path, m.gmail_id, t.tag
		FROM messages m
		LEFT JOIN message_tags t ON t.message_id = m.id ` + where

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("search index: %w", err)
	}
	defer rows.Close()

	gmail := make(map[string]labels.TagSet)
	local := make(map[string]labels.TagSet)
	for rows.Next() {
		var path, tag string
		var gmailID sql.NullString
		var tagVal sql.NullString
		if err := rows.Scan(&path, &gmailID, &tagVal); err != nil {
			return nil, nil, fmt.Errorf("scan index row: %w", err)
		}
		if tagVal.Valid {
			tag = tagVal.String
		}

		var set labels.TagSet
		if gmailID.Valid {
			if set = gmail[gmailID.String]; set == nil {
				set = labels.NewTagSet()
				gmail[gmailID.String] = set
			}
		} else {
			if set = local[path]; set == nil {
				set = labels.NewTagSet()
				local[path] = set
			}
		}
		if tag != "" && !s.ignoreTags.Has(tag) {
			set.Add(tag)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("search index: %w", err)
	}
	return gmail, local, nil
}

// Index adds messages to the tag index, one transaction for the whole
// batch. Re-indexing an already indexed path replaces its tag set, so the
// operation is idempotent. Each message's tags appear atomically.
func (s *Store) Index(batch map[string]labels.TagSet) error {
	if len(batch) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		rev, err := bumpRevision(tx)
		if err != nil {
			return err
		}
		for path, tags := range batch {
			gmailID := sql.NullString{}
			if id, ok := ParseGmailFile(filepath.Base(path)); ok {
				gmailID = sql.NullString{String: id, Valid: true}
			}
			var msgID int64
			err := tx.QueryRow(`
				INSERT INTO messages (path, gmail_id, lastmod) VALUES (?, ?, ?)
				ON CONFLICT(path) DO UPDATE SET gmail_id = excluded.gmail_id, lastmod = excluded.lastmod
				RETURNING id`,
				path, gmailID, rev).Scan(&msgID)
			if err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			if err := replaceTags(tx, msgID, tags); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
		}
		return nil
	})
}

// ApplyTags replaces each message's tag set with the given one, one
// transaction per message. Messages missing from the index are logged at
// Warn and skipped. No ignore filtering happens here; the caller supplies
// exactly the intended set.
func (s *Store) ApplyTags(updates map[string]labels.TagSet) error {
	n := 0
	for id, tags := range updates {
		n++
		err := s.withTx(func(tx *sql.Tx) error {
			var msgID int64
			err := tx.QueryRow(`SELECT id FROM messages WHERE gmail_id = ?`, id).Scan(&msgID)
			if err == sql.ErrNoRows {
				s.logger.Warn("message not found in index",
					"n", n, "total", len(updates), "file", FileName(id))
				return nil
			}
			if err != nil {
				return fmt.Errorf("find message %s: %w", id, err)
			}
			rev, err := bumpRevision(tx)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE messages SET lastmod = ? WHERE id = ?`, rev, msgID); err != nil {
				return fmt.Errorf("touch message %s: %w", id, err)
			}
			if err := replaceTags(tx, msgID, tags); err != nil {
				return fmt.Errorf("retag message %s: %w", id, err)
			}
			s.logger.Info("message tags updated",
				"n", n, "total", len(updates), "id", id, "tags", tags)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes each message from the index and unlinks its maildir file.
// Absence on either side is not an error.
func (s *Store) Delete(ids map[string]bool) error {
	for id := range ids {
		var path sql.NullString
		err := s.withTx(func(tx *sql.Tx) error {
			err := tx.QueryRow(`SELECT path FROM messages WHERE gmail_id = ?`, id).Scan(&path)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return fmt.Errorf("find message %s: %w", id, err)
			}
			if _, err := bumpRevision(tx); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM messages WHERE gmail_id = ?`, id); err != nil {
				return fmt.Errorf("deindex message %s: %w", id, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The file may live in new/ or cur/ depending on whether a mail
		// client moved it. Try the indexed path first.
		candidates := []string{
			filepath.Join(s.maildir, "new", FileName(id)),
			filepath.Join(s.maildir, "cur", FileName(id)),
		}
		if path.Valid {
			candidates = append([]string{path.String}, candidates...)
		}
		removed := false
		for _, p := range candidates {
			if err := os.Remove(p); err == nil {
				removed = true
				break
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("unlink %s: %w", p, err)
			}
		}
		if !removed {
			s.logger.Warn("message file already gone", "id", id)
		}
	}
	return nil
}

func replaceTags(tx *sql.Tx, msgID int64, tags labels.TagSet) error {
	if _, err := tx.Exec(`DELETE FROM message_tags WHERE message_id = ?`, msgID); err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	values := make([]string, 0, len(tags))
	args := make([]any, 0, 2*len(tags))
	for _, tag := range tags.Sorted() {
		values = append(values, "(?, ?)")
		args = append(args, msgID, tag)
	}
	_, err := tx.Exec(
		`INSERT INTO message_tags (message_id, tag) VALUES `+strings.Join(values, ","),
		args...)
	return err
}
