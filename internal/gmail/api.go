// Package gmail provides a typed Gmail REST client with quota-aware rate
// limiting and an adaptive batched transport.
package gmail

import "context"

// LabelReader provides access to the account's label catalog.
type LabelReader interface {
	// ListLabels returns all labels defined on the account.
	ListLabels(ctx context.Context) ([]Label, error)

	// CreateLabel creates a user label and returns it.
	CreateLabel(ctx context.Context, name string) (Label, error)
}

// MessageReader provides read access to messages and the change log.
type MessageReader interface {
	// ListAllIDs streams every message ID matching the query, including
	// spam and trash, invoking fn once per page with the server's result
	// size estimate. A non-nil error from fn stops the listing.
	ListAllIDs(ctx context.Context, query string, fn func(sizeEstimate int64, ids []string) error) error

	// ListHistory streams change records issued after startID, invoking
	// fn once per record. Returns ErrHistoryTooOld when the server no
	// longer retains the requested start point.
	ListHistory(ctx context.Context, startID uint64, fn func(HistoryRecord) error) error

	// FetchMinimal retrieves id, historyId and labelIds for each message,
	// invoking fn once per retrieved message in arbitrary order. Messages
	// the server rejects per-item (400/404) are skipped.
	FetchMinimal(ctx context.Context, ids []string, fn func(*MinimalMessage) error) error

	// FetchRaw is FetchMinimal plus the raw message bytes, internal date
	// and size estimate.
	FetchRaw(ctx context.Context, ids []string, fn func(*RawMessage) error) error
}

// MessageWriter provides label modification on messages.
type MessageWriter interface {
	// ModifyLabels applies each modification, invoking fn once per
	// modified message in arbitrary order.
	ModifyLabels(ctx context.Context, ops map[string]LabelMod, fn func(id string) error) error
}

// API is the Gmail surface the sync engine depends on.
// It enables mocking for tests without hitting the real API.
type API interface {
	LabelReader
	MessageReader
	MessageWriter
}

// Label represents a Gmail label.
type Label struct {
	ID   string
	Name string
	Type string // "system" or "user"
}

// MinimalMessage is the minimal form of a message: identity, change-log
// position and label membership.
type MinimalMessage struct {
	ID        string
	HistoryID uint64
	LabelIDs  []string
}

// RawMessage is the raw form: the minimal fields plus the message bytes.
type RawMessage struct {
	ID           string
	HistoryID    uint64
	LabelIDs     []string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // decoded from base64url
}

// LabelMod is one label modification: label IDs to add and remove.
type LabelMod struct {
	Add    []string
	Remove []string
}

// HistoryRecord is a single entry of the account change log.
type HistoryRecord struct {
	ID              uint64
	MessagesAdded   []HistoryMessage
	MessagesDeleted []HistoryMessage
	LabelsAdded     []HistoryMessage
	LabelsRemoved   []HistoryMessage
}

// HistoryMessage is a message reference inside a history record, carrying
// the message's full label set at the time the record was served.
type HistoryMessage struct {
	ID       string
	LabelIDs []string
}

// Profile identifies the authenticated account.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	HistoryID     uint64
}
