package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL  = "https://gmail.googleapis.com/gmail/v1"
	defaultBatchURL = "https://gmail.googleapis.com/batch/gmail/v1"
	maxRetries      = 10  // Covers ~5 minutes of network outages
	maxBackoff      = 600 // Max backoff in seconds
	listPageSize    = 64  // Page size for message ID listings
)

// ErrHistoryTooOld indicates the server no longer retains change records
// for the requested start point, so only a full scan can catch up.
var ErrHistoryTooOld = errors.New("change history expired")

// Client implements the Gmail API interface over REST.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	clock       Clock
	userID      string // "me" for authenticated user
	baseURL     string
	batchURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithHTTPTimeout sets the per-request HTTP timeout. Zero means no timeout.
func WithHTTPTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		userID:     "me",
		logger:     slog.Default(),
		clock:      realClock{},
		baseURL:    defaultBaseURL,
		batchURL:   defaultBatchURL,
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	// Default rate limiter if not set
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	// Acquire rate limit tokens
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		// Create a new reader for each attempt to ensure body can be re-read on retry
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		// Check for success
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		// Handle specific error codes
		switch resp.StatusCode {
		case 429: // Rate limited
			// Log at Debug level since rate limiting is expected during high-volume syncs
			// and the retry logic handles it automatically
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			// Throttle the rate limiter to back off
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 403: // Could be rate limit or permission error
			// Gmail returns 403 for quota exceeded with "rateLimitExceeded" reason
			if isRateLimitError(respBody) {
				// Log at Debug level since quota throttling is expected during high-volume syncs
				// and the retry logic handles it automatically
				c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
				// Throttle the rate limiter - quota errors need longer backoff
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue // Retry with backoff
			}
			// Actual permission error - don't retry
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case 500, 502, 503, 504: // Server errors
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401: // Unauthorized - token might be expired
			// oauth2.Client should auto-refresh, but if it fails, don't retry
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case 404: // Not found
			return nil, &NotFoundError{Path: path}

		default: // Other client errors - don't retry
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential: 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 600, 600...
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}

	// Full jitter: random value between 0 and base
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// Gmail API JSON response types (unexported, used only for JSON unmarshaling).

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	HistoryID     string `json:"historyId"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type listMessagesResponse struct {
	Messages           []gmailMessageRef `json:"messages"`
	NextPageToken      string            `json:"nextPageToken"`
	ResultSizeEstimate int64             `json:"resultSizeEstimate"`
}

type minimalMessageResponse struct {
	ID        string   `json:"id"`
	HistoryID string   `json:"historyId"`
	LabelIDs  []string `json:"labelIds"`
}

type rawMessageResponse struct {
	ID           string   `json:"id"`
	HistoryID    string   `json:"historyId"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"` // base64url encoded (unpadded)
}

type historyMessageChange struct {
	Message minimalMessageResponse `json:"message"`
}

type historyEntry struct {
	ID              string                 `json:"id"`
	MessagesAdded   []historyMessageChange `json:"messagesAdded"`
	MessagesDeleted []historyMessageChange `json:"messagesDeleted"`
	LabelsAdded     []historyMessageChange `json:"labelsAdded"`
	LabelsRemoved   []historyMessageChange `json:"labelsRemoved"`
}

type listHistoryResponse struct {
	History       []historyEntry `json:"history"`
	NextPageToken string         `json:"nextPageToken"`
	HistoryID     string         `json:"historyId"`
}

// decodeBase64URL decodes a base64url-encoded string, tolerating optional padding.
// Gmail typically returns unpadded base64url, but this function handles both cases.
// If padding is present, it validates that padding is correct (rejects malformed padding).
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		// Input has padding - use URLEncoding which validates padding correctness
		return base64.URLEncoding.DecodeString(s)
	}
	// No padding - use RawURLEncoding for unpadded base64url
	return base64.RawURLEncoding.DecodeString(s)
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, err := c.request(ctx, OpProfile, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		HistoryID:     historyID,
	}, nil
}

// ListLabels returns all labels defined on the account.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	labels := make([]Label, len(resp.Labels))
	for i, l := range resp.Labels {
		labels[i] = Label(l)
	}
	return labels, nil
}

// CreateLabel creates a user label with default visibility and returns it.
func (c *Client) CreateLabel(ctx context.Context, name string) (Label, error) {
	body := struct {
		Name                  string `json:"name"`
		LabelListVisibility   string `json:"labelListVisibility"`
		MessageListVisibility string `json:"messageListVisibility"`
	}{Name: name, LabelListVisibility: "labelShow", MessageListVisibility: "show"}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return Label{}, fmt.Errorf("marshal label: %w", err)
	}

	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsCreate, "POST", path, bodyBytes)
	if err != nil {
		return Label{}, err
	}

	var resp gmailLabel
	if err := json.Unmarshal(data, &resp); err != nil {
		return Label{}, fmt.Errorf("parse label: %w", err)
	}
	return Label(resp), nil
}

// ListAllIDs streams every message ID matching the query, spam and trash
// included, one page at a time.
func (c *Client) ListAllIDs(ctx context.Context, query string, fn func(sizeEstimate int64, ids []string) error) error {
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("maxResults", strconv.Itoa(listPageSize))
		params.Set("includeSpamTrash", "true")
		params.Set("fields", "nextPageToken,resultSizeEstimate,messages/id")
		if query != "" {
			params.Set("q", query)
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
		data, err := c.request(ctx, OpMessagesList, "GET", path, nil)
		if err != nil {
			return err
		}

		var resp listMessagesResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("parse messages: %w", err)
		}

		ids := make([]string, len(resp.Messages))
		for i, m := range resp.Messages {
			ids[i] = m.ID
		}
		if err := fn(resp.ResultSizeEstimate, ids); err != nil {
			return err
		}

		if resp.NextPageToken == "" {
			return nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListHistory streams change records issued after startID. A 404 from the
// server means the start point fell out of the retention window; that is
// reported as ErrHistoryTooOld.
func (c *Client) ListHistory(ctx context.Context, startID uint64, fn func(HistoryRecord) error) error {
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("startHistoryId", strconv.FormatUint(startID, 10))
		for _, ht := range []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"} {
			params.Add("historyTypes", ht)
		}
		params.Set("fields", "nextPageToken,historyId,history(id,messagesAdded/message(id,labelIds),messagesDeleted/message(id,labelIds),labelsAdded/message(id,labelIds),labelsRemoved/message(id,labelIds))")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/users/%s/history?%s", c.userID, params.Encode())
		data, err := c.request(ctx, OpHistoryList, "GET", path, nil)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return fmt.Errorf("start point %d: %w", startID, ErrHistoryTooOld)
			}
			return err
		}

		var resp listHistoryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("parse history: %w", err)
		}

		for _, entry := range resp.History {
			if err := fn(mapHistoryEntry(entry)); err != nil {
				return err
			}
		}

		if resp.NextPageToken == "" {
			return nil
		}
		pageToken = resp.NextPageToken
	}
}

// mapHistoryEntry converts a JSON history entry to the domain type.
func mapHistoryEntry(h historyEntry) HistoryRecord {
	id, _ := strconv.ParseUint(h.ID, 10, 64)
	return HistoryRecord{
		ID:              id,
		MessagesAdded:   mapHistoryMessages(h.MessagesAdded),
		MessagesDeleted: mapHistoryMessages(h.MessagesDeleted),
		LabelsAdded:     mapHistoryMessages(h.LabelsAdded),
		LabelsRemoved:   mapHistoryMessages(h.LabelsRemoved),
	}
}

func mapHistoryMessages(changes []historyMessageChange) []HistoryMessage {
	if len(changes) == 0 {
		return nil
	}
	out := make([]HistoryMessage, len(changes))
	for i, c := range changes {
		out[i] = HistoryMessage{
			ID:       c.Message.ID,
			LabelIDs: c.Message.LabelIDs,
		}
	}
	return out
}

// FetchMinimal retrieves the minimal form of each message through the batch
// endpoint. Messages rejected per-item by the server are logged and skipped.
func (c *Client) FetchMinimal(ctx context.Context, ids []string, fn func(*MinimalMessage) error) error {
	items := make([]batchItem, len(ids))
	for i, id := range ids {
		params := url.Values{}
		params.Set("format", "minimal")
		params.Set("fields", "id,historyId,labelIds")
		items[i] = batchItem{
			id:     id,
			method: "GET",
			path:   fmt.Sprintf("/users/%s/messages/%s?%s", c.userID, id, params.Encode()),
		}
	}

	return c.runBatch(ctx, OpMessagesGet, items, func(id string, payload []byte, err error) error {
		if err != nil {
			return c.skipBadMessage(id, err)
		}

		var resp minimalMessageResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("parse message %s: %w", id, err)
		}
		historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)

		return fn(&MinimalMessage{
			ID:        resp.ID,
			HistoryID: historyID,
			LabelIDs:  resp.LabelIDs,
		})
	})
}

// FetchRaw retrieves the raw form of each message through the batch endpoint.
// Messages rejected per-item by the server are logged and skipped.
func (c *Client) FetchRaw(ctx context.Context, ids []string, fn func(*RawMessage) error) error {
	items := make([]batchItem, len(ids))
	for i, id := range ids {
		params := url.Values{}
		params.Set("format", "raw")
		params.Set("fields", "id,historyId,labelIds,internalDate,sizeEstimate,raw")
		items[i] = batchItem{
			id:     id,
			method: "GET",
			path:   fmt.Sprintf("/users/%s/messages/%s?%s", c.userID, id, params.Encode()),
		}
	}

	return c.runBatch(ctx, OpMessagesGetRaw, items, func(id string, payload []byte, err error) error {
		if err != nil {
			return c.skipBadMessage(id, err)
		}

		var resp rawMessageResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("parse message %s: %w", id, err)
		}

		rawBytes, err := decodeBase64URL(resp.Raw)
		if err != nil {
			return fmt.Errorf("decode raw MIME for %s: %w", id, err)
		}

		historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)
		internalDate, _ := strconv.ParseInt(resp.InternalDate, 10, 64)

		return fn(&RawMessage{
			ID:           resp.ID,
			HistoryID:    historyID,
			LabelIDs:     resp.LabelIDs,
			InternalDate: internalDate,
			SizeEstimate: resp.SizeEstimate,
			Raw:          rawBytes,
		})
	})
}

// ModifyLabels applies each label modification through the batch endpoint.
// Messages rejected per-item by the server are logged and skipped.
func (c *Client) ModifyLabels(ctx context.Context, ops map[string]LabelMod, fn func(id string) error) error {
	items := make([]batchItem, 0, len(ops))
	for id, mod := range ops {
		body := struct {
			AddLabelIDs    []string `json:"addLabelIds,omitempty"`
			RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
		}{AddLabelIDs: mod.Add, RemoveLabelIDs: mod.Remove}

		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal modify for %s: %w", id, err)
		}
		items = append(items, batchItem{
			id:     id,
			method: "POST",
			path:   fmt.Sprintf("/users/%s/messages/%s/modify?fields=id", c.userID, id),
			body:   bodyBytes,
		})
	}

	return c.runBatch(ctx, OpMessagesModify, items, func(id string, payload []byte, err error) error {
		if err != nil {
			return c.skipBadMessage(id, err)
		}
		return fn(id)
	})
}

// skipBadMessage swallows per-message batch errors so one vanished or
// malformed message cannot fail a whole run. Anything else propagates.
func (c *Client) skipBadMessage(id string, err error) error {
	var bad *BadMessageError
	if errors.As(err, &bad) {
		c.logger.Warn("skipping message", "id", id, "error", err)
		return nil
	}
	return err
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
// Gmail returns 403 with "rateLimitExceeded" for quota exceeded instead of 429.
func isRateLimitError(body []byte) bool {
	// Check for common rate limit indicators in the response
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		// Also check for userRateLimitExceeded which is another variant
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}
