package gmail

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Labels to return
	Labels []Label

	// Messages indexed by ID. Fetches read from here and ModifyLabels
	// mutates the stored label sets, so tests can assert remote state.
	Messages map[string]*RawMessage

	// Message list pages - each page is a list of message IDs. When nil,
	// a single page with every message ID (sorted) is served.
	MessagePages [][]string

	// History records served after the requested start point
	HistoryRecords []HistoryRecord

	// HistoryTooOld makes ListHistory fail with ErrHistoryTooOld
	HistoryTooOld bool

	// Error injection
	LabelsError      error
	CreateLabelError error
	ListError        error
	FetchError       map[string]error // Per-message fatal errors
	HistoryError     error
	ModifyError      error

	// Call tracking for assertions
	LabelsCalls      int
	CreateLabelCalls []string
	ListCalls        int
	LastQuery        string // Last query passed to ListAllIDs
	FetchMinimalIDs  [][]string
	FetchRawIDs      [][]string
	HistoryCalls     []uint64
	ModifyCalls      []map[string]LabelMod

	nextLabelID int
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:   make(map[string]*RawMessage),
		FetchError: make(map[string]error),
	}
}

// ListLabels returns the mock labels.
func (m *MockAPI) ListLabels(ctx context.Context) ([]Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++

	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	if m.Labels == nil {
		return []Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "UNREAD", Name: "UNREAD", Type: "system"},
		}, nil
	}
	return m.Labels, nil
}

// CreateLabel records the creation and adds the label to the catalog.
func (m *MockAPI) CreateLabel(ctx context.Context, name string) (Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateLabelCalls = append(m.CreateLabelCalls, name)

	if m.CreateLabelError != nil {
		return Label{}, m.CreateLabelError
	}

	m.nextLabelID++
	label := Label{
		ID:   fmt.Sprintf("Label_%d", m.nextLabelID),
		Name: name,
		Type: "user",
	}
	m.Labels = append(m.Labels, label)
	return label, nil
}

// ListAllIDs serves the configured pages, or every stored message as one page.
func (m *MockAPI) ListAllIDs(ctx context.Context, query string, fn func(sizeEstimate int64, ids []string) error) error {
	m.mu.Lock()
	m.ListCalls++
	m.LastQuery = query

	if m.ListError != nil {
		m.mu.Unlock()
		return m.ListError
	}

	pages := m.MessagePages
	if pages == nil {
		ids := make([]string, 0, len(m.Messages))
		for id := range m.Messages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		pages = [][]string{ids}
	}
	total := int64(0)
	for _, p := range pages {
		total += int64(len(p))
	}
	m.mu.Unlock()

	for _, page := range pages {
		if err := fn(total, page); err != nil {
			return err
		}
	}
	return nil
}

// ListHistory serves the configured history records.
func (m *MockAPI) ListHistory(ctx context.Context, startID uint64, fn func(HistoryRecord) error) error {
	m.mu.Lock()
	m.HistoryCalls = append(m.HistoryCalls, startID)

	if m.HistoryError != nil {
		m.mu.Unlock()
		return m.HistoryError
	}
	if m.HistoryTooOld {
		m.mu.Unlock()
		return fmt.Errorf("start point %d: %w", startID, ErrHistoryTooOld)
	}
	records := m.HistoryRecords
	m.mu.Unlock()

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// FetchMinimal serves the minimal form of each stored message, in the
// requested order. Unknown IDs are skipped like the real client skips
// server-rejected messages.
func (m *MockAPI) FetchMinimal(ctx context.Context, ids []string, fn func(*MinimalMessage) error) error {
	m.mu.Lock()
	m.FetchMinimalIDs = append(m.FetchMinimalIDs, ids)
	msgs := make([]*MinimalMessage, 0, len(ids))
	for _, id := range ids {
		if err, ok := m.FetchError[id]; ok && err != nil {
			m.mu.Unlock()
			return err
		}
		msg, ok := m.Messages[id]
		if !ok {
			continue
		}
		msgs = append(msgs, &MinimalMessage{
			ID:        msg.ID,
			HistoryID: msg.HistoryID,
			LabelIDs:  append([]string(nil), msg.LabelIDs...),
		})
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// FetchRaw serves the raw form of each stored message, in the requested
// order. Unknown IDs are skipped.
func (m *MockAPI) FetchRaw(ctx context.Context, ids []string, fn func(*RawMessage) error) error {
	m.mu.Lock()
	m.FetchRawIDs = append(m.FetchRawIDs, ids)
	msgs := make([]*RawMessage, 0, len(ids))
	for _, id := range ids {
		if err, ok := m.FetchError[id]; ok && err != nil {
			m.mu.Unlock()
			return err
		}
		msg, ok := m.Messages[id]
		if !ok {
			continue
		}
		msgs = append(msgs, msg)
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// ModifyLabels records the call and applies each modification to the
// stored message's label set. Unknown IDs are skipped.
func (m *MockAPI) ModifyLabels(ctx context.Context, ops map[string]LabelMod, fn func(id string) error) error {
	m.mu.Lock()
	m.ModifyCalls = append(m.ModifyCalls, ops)

	if m.ModifyError != nil {
		m.mu.Unlock()
		return m.ModifyError
	}

	modified := make([]string, 0, len(ops))
	for id, mod := range ops {
		msg, ok := m.Messages[id]
		if !ok {
			continue
		}
		msg.LabelIDs = applyLabelMod(msg.LabelIDs, mod)
		modified = append(modified, id)
	}
	sort.Strings(modified)
	m.mu.Unlock()

	for _, id := range modified {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func applyLabelMod(labelIDs []string, mod LabelMod) []string {
	kept := make([]string, 0, len(labelIDs)+len(mod.Add))
	for _, id := range labelIDs {
		removed := false
		for _, r := range mod.Remove {
			if id == r {
				removed = true
				break
			}
		}
		if !removed {
			kept = append(kept, id)
		}
	}
	for _, a := range mod.Add {
		present := false
		for _, id := range kept {
			if id == a {
				present = true
				break
			}
		}
		if !present {
			kept = append(kept, a)
		}
	}
	return kept
}

// Reset clears all call tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LabelsCalls = 0
	m.CreateLabelCalls = nil
	m.ListCalls = 0
	m.LastQuery = ""
	m.FetchMinimalIDs = nil
	m.FetchRawIDs = nil
	m.HistoryCalls = nil
	m.ModifyCalls = nil
}

// Verify MockAPI implements the API interface.
var _ API = (*MockAPI)(nil)
