package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// gmailFileRE matches the synthetic maildir name of a Gmail-owned message.
// Standard maildir flags are accepted on read; files are written without
// flags. Anything else in the maildir is purely local.
var gmailFileRE = regexp.MustCompile(`^gmail\.([0-9a-f]+):2,([PRSDTF]*)$`)

// FileName returns the maildir file name for a Gmail message ID.
func FileName(id string) string {
	return "gmail." + id + ":2,"
}

// ParseGmailFile extracts the Gmail message ID from a maildir base name.
func ParseGmailFile(name string) (id string, ok bool) {
	m := gmailFileRE.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// StoreMessage writes raw message bytes into the maildir: the file is
// created in tmp/ and renamed into new/, so readers never observe a
// partial message. File times are set to the remote internal timestamp
// (milliseconds since epoch). Directories are created on demand, owner
// access only.
func (s *Store) StoreMessage(raw []byte, id string, internalTS int64) (string, error) {
	name := FileName(id)
	tmpDir := filepath.Join(s.maildir, "tmp")
	newDir := filepath.Join(s.maildir, "new")
	for _, dir := range []string{tmpDir, newDir, filepath.Join(s.maildir, "cur")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create maildir: %w", err)
		}
	}

	tmpPath := filepath.Join(tmpDir, name)
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", tmpPath, err)
	}

	path := filepath.Join(newDir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("deliver %s: %w", name, err)
	}

	when := time.UnixMilli(internalTS)
	if err := os.Chtimes(path, when, when); err != nil {
		// Not worth failing the fetch over; the index carries the date.
		s.logger.Debug("set file times", "path", path, "error", err)
	}
	return path, nil
}
