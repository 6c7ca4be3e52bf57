package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteAPI is the notification REST surface the Store depends on.
type RemoteAPI interface {
	UnreadCount(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// HTTPError is a non-2xx response of the notification API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// API is the HTTP implementation of RemoteAPI for one credential.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewAPI builds a client for baseURL authenticated with token.
// A nil httpClient gets one with a short timeout; REST reads fail closed.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// UnreadCount reads the server unread counter. Both {"data": n} and {"count": n} are accepted.
func (c *API) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Data  *json.Number `json:"data"`
		Count *json.Number `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications/my-count", nil, &out); err != nil {
		return 0, err
	}
	raw := out.Data
	if raw == nil {
		raw = out.Count
	}
	if raw == nil {
		return 0, errors.New("notify: count response has neither data nor count")
	}
	n, err := raw.Int64()
	if err != nil {
		return 0, fmt.Errorf("notify: bad count %q: %w", raw.String(), err)
	}
	return max(int(n), 0), nil
}

// List reads the most recent notifications. Entries are normalized like push payloads,
// except that entries without an id get a content-derived id that is stable across reads.
func (c *API) List(ctx context.Context, limit int) ([]Notification, error) {
	path := "/notifications/my-notifications"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	now := c.now()
	items := make([]Notification, 0, len(out.Data))
	for _, raw := range out.Data {
		items = append(items, normalizeListEntry(raw, now))
	}
	return items, nil
}

// MarkRead flags one notification read on the server. Idempotent.
func (c *API) MarkRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodGet, "/notifications/read/"+url.PathEscape(id), nil, nil)
}

// MarkAllRead flags every notification of the caller read on the server.
func (c *API) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/read-all", nil, nil)
}

func (c *API) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, backoff(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, backoff(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payload)
	}
}

// decodeHTTPError accepts {"error":{"code","message"}} and flat {"code","message"} bodies.
func decodeHTTPError(status int, payload []byte) *HTTPError {
	var body struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &body)

	out := &HTTPError{StatusCode: status, Code: body.Code, Message: body.Message}
	if body.Error != nil {
		out.Code, out.Message = body.Error.Code, body.Error.Message
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// backoff doubles base per attempt (attempt starts at 1), capped at maxDelay.
func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
