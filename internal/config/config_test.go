package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeConfig writes a config document into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notmuch-gmail-config")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// Point the notmuch fallback at nothing so the mail root is ~/mail.
	t.Setenv("NOTMUCH_CONFIG", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir() error = %v", err)
	}
	wantDB := filepath.Join(home, "mail")
	if cfg.Core.NotmuchDB != wantDB {
		t.Errorf("Core.NotmuchDB = %q, want %q", cfg.Core.NotmuchDB, wantDB)
	}
	if want := filepath.Join(wantDB, ".notmuch-gmail"); cfg.Core.StatusDir != want {
		t.Errorf("Core.StatusDir = %q, want %q", cfg.Core.StatusDir, want)
	}

	if !cfg.Core.PushLocalTags {
		t.Error("Core.PushLocalTags = false, want true")
	}
	if cfg.Core.LocalWins {
		t.Error("Core.LocalWins = true, want false")
	}
	if !cfg.Core.UploadDrafts {
		t.Error("Core.UploadDrafts = false, want true")
	}
	if cfg.Core.UploadSent {
		t.Error("Core.UploadSent = true, want false")
	}
	if cfg.Core.HTTPTimeout != 5 {
		t.Errorf("Core.HTTPTimeout = %d, want 5", cfg.Core.HTTPTimeout)
	}
	if cfg.Core.IndexBatchSize != 100 {
		t.Errorf("Core.IndexBatchSize = %d, want 100", cfg.Core.IndexBatchSize)
	}

	if diff := cmp.Diff([]string{"CHATS"}, cfg.Ignore.NoSync); diff != "" {
		t.Errorf("Ignore.NoSync mismatch (-want +got):\n%s", diff)
	}
	wantRemote := []string{
		"CATEGORY_FORUMS", "CATEGORY_PERSONAL", "CATEGORY_PROMOTIONS",
		"CATEGORY_SOCIAL", "CATEGORY_UPDATES",
	}
	if diff := cmp.Diff(wantRemote, cfg.Ignore.Remote); diff != "" {
		t.Errorf("Ignore.Remote mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"attachment", "new", "signed"}, cfg.Ignore.Local); diff != "" {
		t.Errorf("Ignore.Local mismatch (-want +got):\n%s", diff)
	}

	if got := cfg.Translate["STARRED"]; got != "starred" {
		t.Errorf("Translate[STARRED] = %q, want starred", got)
	}
	if cfg.Watch.Schedule != "*/10 * * * *" {
		t.Errorf("Watch.Schedule = %q, want default", cfg.Watch.Schedule)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("NOTMUCH_CONFIG", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config"))
	if err != nil {
		t.Fatalf("Load() with missing file error = %v", err)
	}
	if !cfg.Core.PushLocalTags {
		t.Error("missing file should produce defaults")
	}
}

func TestLoadFullDocument(t *testing.T) {
	mailRoot := t.TempDir()
	path := writeConfig(t, `
[core]
notmuch_db = `+mailRoot+`
status_dir = /var/lib/notmuch-gmail
push_local_tags = False
local_wins = True
upload_sent = True
http_timeout = 0
index_batch_size = 25

[ignore_labels]
no_sync =
	CHATS
	MUTED
local = new

[labels_translate]
STARRED = flagged
Receipts = receipt

[watch]
schedule = */5 * * * *
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Core.NotmuchDB != mailRoot {
		t.Errorf("Core.NotmuchDB = %q, want %q", cfg.Core.NotmuchDB, mailRoot)
	}
	// Absolute status_dir is not joined to the mail root.
	if cfg.Core.StatusDir != "/var/lib/notmuch-gmail" {
		t.Errorf("Core.StatusDir = %q, want absolute override", cfg.Core.StatusDir)
	}
	if cfg.Core.PushLocalTags {
		t.Error("Core.PushLocalTags = true, want false")
	}
	if !cfg.Core.LocalWins {
		t.Error("Core.LocalWins = false, want true")
	}
	if !cfg.Core.UploadSent {
		t.Error("Core.UploadSent = false, want true")
	}
	if cfg.Core.HTTPTimeout != 0 {
		t.Errorf("Core.HTTPTimeout = %d, want 0", cfg.Core.HTTPTimeout)
	}
	if cfg.Core.IndexBatchSize != 25 {
		t.Errorf("Core.IndexBatchSize = %d, want 25", cfg.Core.IndexBatchSize)
	}

	// Python-style continuation lines.
	if diff := cmp.Diff([]string{"CHATS", "MUTED"}, cfg.Ignore.NoSync); diff != "" {
		t.Errorf("Ignore.NoSync mismatch (-want +got):\n%s", diff)
	}
	// Explicit value replaces the default list entirely.
	if diff := cmp.Diff([]string{"new"}, cfg.Ignore.Local); diff != "" {
		t.Errorf("Ignore.Local mismatch (-want +got):\n%s", diff)
	}
	// Absent key keeps the default.
	if len(cfg.Ignore.Remote) != 5 {
		t.Errorf("Ignore.Remote = %v, want the 5 defaults", cfg.Ignore.Remote)
	}

	// Overrides merge over the default translation.
	if got := cfg.Translate["STARRED"]; got != "flagged" {
		t.Errorf("Translate[STARRED] = %q, want flagged", got)
	}
	if got := cfg.Translate["Receipts"]; got != "receipt" {
		t.Errorf("Translate[Receipts] = %q, want receipt", got)
	}
	if got := cfg.Translate["INBOX"]; got != "inbox" {
		t.Errorf("Translate[INBOX] = %q, want inbox (default kept)", got)
	}

	if cfg.Watch.Schedule != "*/5 * * * *" {
		t.Errorf("Watch.Schedule = %q, want */5 * * * *", cfg.Watch.Schedule)
	}
}

func TestLoadEmptyListClearsDefault(t *testing.T) {
	t.Setenv("NOTMUCH_CONFIG", filepath.Join(t.TempDir(), "missing"))
	path := writeConfig(t, `
[ignore_labels]
no_sync =
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Ignore.NoSync) != 0 {
		t.Errorf("Ignore.NoSync = %v, want empty (explicitly cleared)", cfg.Ignore.NoSync)
	}
}

func TestNotmuchFallback(t *testing.T) {
	mailRoot := t.TempDir()
	nmConfig := writeConfig(t, `
[database]
path = `+mailRoot+`
`)
	t.Setenv("NOTMUCH_CONFIG", nmConfig)

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Core.NotmuchDB != mailRoot {
		t.Errorf("Core.NotmuchDB = %q, want notmuch database.path %q", cfg.Core.NotmuchDB, mailRoot)
	}
	if want := filepath.Join(mailRoot, ".notmuch-gmail"); cfg.Core.StatusDir != want {
		t.Errorf("Core.StatusDir = %q, want %q", cfg.Core.StatusDir, want)
	}
}

func TestDefaultPathEnv(t *testing.T) {
	t.Setenv("NOTMUCH_GMAIL_CONFIG", "/etc/notmuch-gmail.conf")
	if got := DefaultPath(); got != "/etc/notmuch-gmail.conf" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{Core: CoreConfig{
		NotmuchDB: "/home/user/mail",
		StatusDir: "/home/user/mail/.notmuch-gmail",
	}}

	if got := cfg.MaildirRoot(); got != "/home/user/mail/gmail" {
		t.Errorf("MaildirRoot() = %q", got)
	}
	if got := cfg.IndexFile(); got != "/home/user/mail/.notmuch-gmail/index.sqlite" {
		t.Errorf("IndexFile() = %q", got)
	}
	if got := cfg.OAuthFile(); got != "/home/user/mail/.notmuch-gmail/oauth.json" {
		t.Errorf("OAuthFile() = %q", got)
	}
	if got := cfg.LockFile(); got != "/home/user/mail/.notmuch-gmail/lock" {
		t.Errorf("LockFile() = %q", got)
	}
}

func TestDefaultConfigTemplateMatchesDefaults(t *testing.T) {
	t.Setenv("NOTMUCH_CONFIG", filepath.Join(t.TempDir(), "missing"))

	// Every value in the template is commented out, so loading it must
	// produce exactly the built-in defaults.
	fromTemplate, err := Load(writeConfig(t, DefaultConfig))
	if err != nil {
		t.Fatalf("Load(template) error = %v", err)
	}
	defaults, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}

	fromTemplate.Path = ""
	defaults.Path = ""
	if diff := cmp.Diff(defaults, fromTemplate); diff != "" {
		t.Errorf("template defaults differ from built-ins (-want +got):\n%s", diff)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir() error = %v", err)
	}

	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"~", home},
		{"~/foo", filepath.Join(home, "foo")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
	}
	for _, tc := range tests {
		if got := expandPath(tc.input); got != tc.want {
			t.Errorf("expandPath(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
