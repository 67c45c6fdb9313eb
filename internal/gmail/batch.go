package gmail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	maxBatchSize       = 50 // Gmail caps batched sub-requests at 100; stay well under
	maxBatchConnErrors = 10
	minRateLimitPause  = 30 // Seconds; floor for the pause after a rate limit
	goodBatchStreak    = 10 // Clean batches before speeding back up
)

// BadMessageError marks a per-message failure (HTTP 400 or 404 on one
// sub-request). The message is skipped rather than failing the run.
type BadMessageError struct {
	ID   string
	Code int
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("message %s: rejected by server (%d)", e.ID, e.Code)
}

// StatusError is a non-2xx response from the batch endpoint itself.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Code, e.Body)
}

// batchItem is one sub-request of a batch: a method and path relative to
// the API root, with an optional JSON body.
type batchItem struct {
	id     string
	method string
	path   string
	body   []byte
}

// batchFunc receives the outcome of one sub-request. err is a
// *BadMessageError for per-message rejections. Returning a non-nil error
// aborts the run.
type batchFunc func(id string, payload []byte, err error) error

// subResponse is one parsed sub-response of a batch reply.
type subResponse struct {
	id      string
	status  int
	payload []byte
}

// batchState holds the adaptive pacing counters for one batch run.
// Clean batches shrink the pause and grow the batch; rate limits do the
// opposite; connection errors only grow the pause.
type batchState struct {
	size        int
	maxSize     int
	goodBatches int
	connErrors  int
	pause       int // seconds before the next submission
}

func newBatchState(maxSize int) *batchState {
	return &batchState{size: maxSize, maxSize: maxSize}
}

// succeed records a fully processed batch.
func (s *batchState) succeed() {
	s.connErrors = 0
	if s.goodBatches > goodBatchStreak {
		s.pause /= 2
		s.size *= 2
		if s.size > s.maxSize {
			s.size = s.maxSize
		}
		s.goodBatches = 0
	} else {
		s.goodBatches++
	}
}

// rateLimited slows down after a 403/429: longer pause, smaller batches.
func (s *batchState) rateLimited() {
	s.pause = 1 + 2*s.pause
	if s.pause < minRateLimitPause {
		s.pause = minRateLimitPause
	}
	s.size /= 2
	if s.size < 1 {
		s.size = 1
	}
}

// connError records a transport failure and reports whether another
// attempt is allowed.
func (s *batchState) connError() bool {
	s.connErrors++
	s.pause = 1 + 2*s.pause
	return s.connErrors <= maxBatchConnErrors
}

// runBatch drives items through the batch endpoint, invoking cb exactly
// once per item. Rate limits requeue the affected chunk with a longer pause
// and smaller batches; transport errors requeue with a longer pause up to
// maxBatchConnErrors consecutive failures; any other HTTP error is fatal.
func (c *Client) runBatch(ctx context.Context, op Operation, items []batchItem, cb batchFunc) error {
	if len(items) == 0 {
		return nil
	}

	state := newBatchState(maxBatchSize)
	pending := items

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state.pause > 0 {
			d := time.Duration(state.pause) * time.Second
			c.logger.Debug("pausing between batches", "pause", d, "size", state.size, "pending", len(pending))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(d):
			}
		}

		n := state.size
		if n > len(pending) {
			n = len(pending)
		}
		chunk := pending[:n]

		// Pay for the whole chunk up front
		if err := c.rateLimiter.AcquireN(ctx, op, n); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}

		subs, err := c.postBatch(ctx, chunk)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				if se.Code == 429 || (se.Code == 403 && isRateLimitError([]byte(se.Body))) {
					state.rateLimited()
					c.logger.Debug("batch rate limited", "status", se.Code, "pause", state.pause, "size", state.size)
					// Throttle the shared limiter so single requests back off too
					c.rateLimiter.Throttle(time.Duration(state.pause) * time.Second)
					continue
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !state.connError() {
				return fmt.Errorf("batch: too many connection errors: %w", err)
			}
			c.logger.Debug("batch connection error", "error", err, "errors", state.connErrors, "pause", state.pause)
			continue
		}

		// The full reply parsed cleanly, so callbacks cannot be
		// double-delivered by a later retry of this chunk.
		limited := -1
		for i, sub := range subs {
			var cbErr error
			switch {
			case sub.status >= 200 && sub.status < 300:
				cbErr = cb(sub.id, sub.payload, nil)
			case sub.status == 400 || sub.status == 404:
				cbErr = cb(sub.id, nil, &BadMessageError{ID: sub.id, Code: sub.status})
			case sub.status == 429 || (sub.status == 403 && isRateLimitError(sub.payload)):
				limited = i
			default:
				return fmt.Errorf("message %s: %w", sub.id, &StatusError{Code: sub.status, Body: string(sub.payload)})
			}
			if cbErr != nil {
				return cbErr
			}
			if limited >= 0 {
				break
			}
		}
		if limited >= 0 {
			// The server rate-limited an individual sub-request inside an
			// otherwise successful reply. Messages delivered before it stay
			// delivered; the limited one and everything after it are retried
			// in the next, slower batch.
			state.rateLimited()
			c.logger.Debug("batch sub-response rate limited",
				"id", subs[limited].id, "status", subs[limited].status,
				"pause", state.pause, "size", state.size)
			c.rateLimiter.Throttle(time.Duration(state.pause) * time.Second)
			pending = pending[limited:]
			continue
		}

		state.succeed()
		pending = pending[n:]
	}

	return nil
}

// postBatch sends one multipart/mixed batch request and parses the reply
// into exactly one subResponse per item, in item order. A non-2xx outer
// status is returned as *StatusError; every other failure is a transport
// error, safe to retry since nothing was dispatched.
func (c *Client) postBatch(ctx context.Context, chunk []batchItem) ([]subResponse, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	apiRoot := u.Path

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, item := range chunk {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<"+item.id+">")
		h.Set("Content-Transfer-Encoding", "binary")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create batch part: %w", err)
		}

		fmt.Fprintf(part, "%s %s%s HTTP/1.1\r\n", item.method, apiRoot, item.path)
		if item.body != nil {
			fmt.Fprintf(part, "Content-Type: application/json\r\n")
			fmt.Fprintf(part, "Content-Length: %d\r\n", len(item.body))
		}
		fmt.Fprintf(part, "\r\n")
		if item.body != nil {
			part.Write(item.body)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close batch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.batchURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+w.Boundary())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	mediaType, mparams, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parse batch content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch content type %q", mediaType)
	}

	byID := make(map[string]subResponse, len(chunk))
	mr := multipart.NewReader(resp.Body, mparams["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}
		sub, err := readSubResponse(part)
		if err != nil {
			return nil, err
		}
		byID[sub.id] = sub
	}

	subs := make([]subResponse, len(chunk))
	for i, item := range chunk {
		sub, ok := byID[item.id]
		if !ok {
			return nil, fmt.Errorf("batch reply missing message %s (%d of %d parts)", item.id, len(byID), len(chunk))
		}
		subs[i] = sub
	}
	return subs, nil
}

// readSubResponse parses one application/http part of a batch reply.
func readSubResponse(part *multipart.Part) (subResponse, error) {
	id := parseContentID(part.Header.Get("Content-ID"))
	if id == "" {
		return subResponse{}, fmt.Errorf("batch part missing Content-ID")
	}

	hr, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return subResponse{}, fmt.Errorf("parse sub-response %s: %w", id, err)
	}
	payload, err := io.ReadAll(hr.Body)
	hr.Body.Close()
	if err != nil {
		return subResponse{}, fmt.Errorf("read sub-response %s: %w", id, err)
	}

	return subResponse{id: id, status: hr.StatusCode, payload: payload}, nil
}

// parseContentID extracts the request ID from a Content-ID header. The
// server echoes "<id>" back as "<response-id>".
func parseContentID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimPrefix(s, "response-")
}
