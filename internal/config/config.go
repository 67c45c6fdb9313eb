// Package config loads the notmuch-gmail configuration document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/notmuch-gmail/notmuch-gmail/internal/labels"
)

// CoreConfig holds the [core] section.
type CoreConfig struct {
	NotmuchDB      string // local mail root; holds the gmail maildir
	StatusDir      string // persistent engine state; resolved absolute
	PushLocalTags  bool
	LocalWins      bool
	UploadDrafts   bool
	UploadSent     bool
	HTTPTimeout    int // seconds; 0 means system default
	IndexBatchSize int // messages indexed per transaction during fetch
}

// IgnoreConfig holds the [ignore_labels] section.
type IgnoreConfig struct {
	NoSync []string // Gmail labels whose messages are never synced
	Remote []string // Gmail labels stripped on ingest
	Local  []string // local tags never compared or propagated
}

// WatchConfig holds the [watch] section.
type WatchConfig struct {
	Schedule string // cron expression for watch mode
}

// Config represents the notmuch-gmail configuration.
type Config struct {
	Core      CoreConfig
	Ignore    IgnoreConfig
	Translate map[string]string // Gmail label name -> local tag
	Watch     WatchConfig

	// Path the configuration was loaded from (informational).
	Path string
}

// DefaultPath returns the default configuration file location.
// Respects the NOTMUCH_GMAIL_CONFIG environment variable.
func DefaultPath() string {
	if p := os.Getenv("NOTMUCH_GMAIL_CONFIG"); p != "" {
		return p
	}
	return expandPath("~/.notmuch-gmail-config")
}

// Load reads the configuration from the specified file. If path is empty,
// DefaultPath is used. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = expandPath(path)

	// The document follows Python configparser conventions: values may
	// continue over indented lines.
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
		Loose:                      true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	core := file.Section("core")
	cfg := &Config{
		Core: CoreConfig{
			NotmuchDB:      core.Key("notmuch_db").MustString(""),
			StatusDir:      core.Key("status_dir").MustString("./.notmuch-gmail"),
			PushLocalTags:  core.Key("push_local_tags").MustBool(true),
			LocalWins:      core.Key("local_wins").MustBool(false),
			UploadDrafts:   core.Key("upload_drafts").MustBool(true),
			UploadSent:     core.Key("upload_sent").MustBool(false),
			HTTPTimeout:    core.Key("http_timeout").MustInt(5),
			IndexBatchSize: core.Key("index_batch_size").MustInt(100),
		},
		Path: path,
	}
	if cfg.Core.IndexBatchSize < 1 {
		cfg.Core.IndexBatchSize = 1
	}

	if cfg.Core.NotmuchDB == "" {
		cfg.Core.NotmuchDB = notmuchDatabasePath()
	}
	cfg.Core.NotmuchDB = expandPath(cfg.Core.NotmuchDB)

	// A relative status_dir is resolved against the mail root.
	cfg.Core.StatusDir = expandPath(cfg.Core.StatusDir)
	if !filepath.IsAbs(cfg.Core.StatusDir) {
		cfg.Core.StatusDir = filepath.Join(cfg.Core.NotmuchDB, cfg.Core.StatusDir)
	}
	cfg.Core.StatusDir = filepath.Clean(cfg.Core.StatusDir)

	ignore := file.Section("ignore_labels")
	cfg.Ignore = IgnoreConfig{
		NoSync: listKey(ignore, "no_sync", "CHATS"),
		Remote: listKey(ignore, "remote", `
			CATEGORY_FORUMS
			CATEGORY_PERSONAL
			CATEGORY_PROMOTIONS
			CATEGORY_SOCIAL
			CATEGORY_UPDATES`),
		Local: listKey(ignore, "local", `
			attachment
			new
			signed`),
	}

	cfg.Translate = labels.DefaultTranslate()
	if sec, err := file.GetSection("labels_translate"); err == nil {
		for _, key := range sec.Keys() {
			cfg.Translate[key.Name()] = key.String()
		}
	}

	cfg.Watch = WatchConfig{
		Schedule: file.Section("watch").Key("schedule").MustString("*/10 * * * *"),
	}

	return cfg, nil
}

// MapperOptions returns the label policy for building a labels.Mapper.
func (c *Config) MapperOptions() labels.Options {
	return labels.Options{
		Translate:    c.Translate,
		NoSync:       c.Ignore.NoSync,
		RemoteIgnore: c.Ignore.Remote,
		LocalIgnore:  c.Ignore.Local,
	}
}

// MaildirRoot returns the maildir holding Gmail-owned messages.
func (c *Config) MaildirRoot() string {
	return filepath.Join(c.Core.NotmuchDB, "gmail")
}

// IndexFile returns the path of the local tag index database.
func (c *Config) IndexFile() string {
	return filepath.Join(c.Core.StatusDir, "index.sqlite")
}

// OAuthFile returns the path of the stored OAuth2 credentials.
func (c *Config) OAuthFile() string {
	return filepath.Join(c.Core.StatusDir, "oauth.json")
}

// LockFile returns the path of the single-instance lock file.
func (c *Config) LockFile() string {
	return filepath.Join(c.Core.StatusDir, "lock")
}

// notmuchDatabasePath reads the mail root from the user's notmuch
// configuration, falling back to ~/mail.
func notmuchDatabasePath() string {
	path := os.Getenv("NOTMUCH_CONFIG")
	if path == "" {
		path = expandPath("~/.notmuch-config")
	}
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
		Loose:                      true,
	}, path)
	if err != nil {
		return expandPath("~/mail")
	}
	if p := file.Section("database").Key("path").String(); p != "" {
		return expandPath(p)
	}
	return expandPath("~/mail")
}

// listKey splits a whitespace-separated list value. The fallback applies
// only when the key is absent; an explicitly empty value clears the list.
func listKey(sec *ini.Section, name, fallback string) []string {
	if sec.HasKey(name) {
		return strings.Fields(sec.Key(name).String())
	}
	return strings.Fields(fallback)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
