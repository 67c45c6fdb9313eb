// Package labels translates between Gmail labels and local tags and applies
// the ignore and no-sync policy.
package labels

import (
	"errors"
	"sort"
)

// ErrNoSync marks a message whose labels place it outside synchronization.
// Callers drop such messages from the change stream without logging an error.
var ErrNoSync = errors.New("message excluded from sync")

// DefaultTranslate returns the default label-to-tag bijection: the Gmail
// SYSTEM labels mapped to their lowercase tags.
func DefaultTranslate() map[string]string {
	return map[string]string{
		"INBOX":     "inbox",
		"SPAM":      "spam",
		"TRASH":     "trash",
		"UNREAD":    "unread",
		"STARRED":   "starred",
		"IMPORTANT": "important",
		"SENT":      "sent",
		"DRAFT":     "draft",
	}
}

// Options configure a Mapper. Translate entries must form a bijection;
// the lists are label names (NoSync, RemoteIgnore) or tag names (LocalIgnore).
type Options struct {
	Translate    map[string]string
	NoSync       []string
	RemoteIgnore []string
	LocalIgnore  []string
}

// Mapper is the pure, in-memory translation layer between remote label
// IDs/names and local tags. It holds mirrors of the remote label catalog
// (id→name and name→id) which the Gmail client refreshes and extends.
// Not safe for concurrent use.
type Mapper struct {
	labelToTag   map[string]string
	tagToLabel   map[string]string
	idToName     map[string]string
	nameToID     map[string]string
	noSync       map[string]bool
	remoteIgnore map[string]bool
	localIgnore  TagSet
}

// New returns a Mapper for the given policy. A nil Translate map selects
// DefaultTranslate.
func New(opts Options) *Mapper {
	translate := opts.Translate
	if translate == nil {
		translate = DefaultTranslate()
	}
	m := &Mapper{
		labelToTag:   make(map[string]string, len(translate)),
		tagToLabel:   make(map[string]string, len(translate)),
		idToName:     make(map[string]string),
		nameToID:     make(map[string]string),
		noSync:       make(map[string]bool, len(opts.NoSync)),
		remoteIgnore: make(map[string]bool, len(opts.RemoteIgnore)),
		localIgnore:  NewTagSet(opts.LocalIgnore...),
	}
	for label, tag := range translate {
		m.labelToTag[label] = tag
		m.tagToLabel[tag] = label
	}
	for _, l := range opts.NoSync {
		m.noSync[l] = true
	}
	for _, l := range opts.RemoteIgnore {
		m.remoteIgnore[l] = true
	}
	return m
}

// ReplaceCatalog replaces the label catalog mirrors with the given
// id→name mapping.
func (m *Mapper) ReplaceCatalog(idToName map[string]string) {
	m.idToName = make(map[string]string, len(idToName))
	m.nameToID = make(map[string]string, len(idToName))
	for id, name := range idToName {
		m.idToName[id] = name
		m.nameToID[name] = id
	}
}

// AddLabel inserts a single label into the catalog mirrors.
func (m *Mapper) AddLabel(id, name string) {
	m.idToName[id] = name
	m.nameToID[name] = id
}

// LabelName resolves a label ID to its name.
func (m *Mapper) LabelName(id string) (string, bool) {
	name, ok := m.idToName[id]
	return name, ok
}

// LabelID resolves a label name to its ID.
func (m *Mapper) LabelID(name string) (string, bool) {
	id, ok := m.nameToID[name]
	return id, ok
}

// LabelToTag translates a label name to its tag, or returns the name
// verbatim when no translation exists.
func (m *Mapper) LabelToTag(name string) string {
	if tag, ok := m.labelToTag[name]; ok {
		return tag
	}
	return name
}

// TagToLabel translates a tag to its label name, or returns the tag
// verbatim when no translation exists. It does not consult the catalog;
// creating missing labels server-side is the Gmail client's job.
func (m *Mapper) TagToLabel(tag string) string {
	if label, ok := m.tagToLabel[tag]; ok {
		return label
	}
	return tag
}

// MessageTags computes the local tag set for a message carrying the given
// label IDs. It returns ErrNoSync when any label is in the no-sync list.
// Labels missing from the catalog are skipped (they can vanish between the
// catalog refresh and a fetch), as are remote-ignored labels and tags in
// the local ignore list.
func (m *Mapper) MessageTags(labelIDs []string) (TagSet, error) {
	tags := NewTagSet()
	for _, id := range labelIDs {
		name, ok := m.idToName[id]
		if !ok {
			continue
		}
		if m.noSync[name] {
			return nil, ErrNoSync
		}
		if m.remoteIgnore[name] {
			continue
		}
		tag := m.LabelToTag(name)
		if m.localIgnore[tag] {
			continue
		}
		tags.Add(tag)
	}
	return tags, nil
}

// NoSyncLabels returns the no-sync label names in lexical order, for
// building list queries.
func (m *Mapper) NoSyncLabels() []string {
	out := make([]string, 0, len(m.noSync))
	for l := range m.noSync {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// LocalIgnore returns a copy of the local ignore tag set.
func (m *Mapper) LocalIgnore() TagSet {
	return m.localIgnore.Clone()
}
