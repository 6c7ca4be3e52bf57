// Package notify is the client side of the notification system: the push channel adapter
// (websocket with a long-poll fallback), the REST client and the Notification Store that
// reconciles both sources into one local view.
package notify

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"marketsync/cmd/identity/ids"
)

const (
	defaultTitle = "New notification"
	defaultType  = "general"

	// fallbackIDPrefix marks ids generated locally for payloads without one.
	// They are only meaningful for the current session.
	fallbackIDPrefix = "local-"
)

// Notification is one entry of the local notification list.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// IsLocalID reports whether id was generated on this client.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, fallbackIDPrefix)
}

func notificationID(n Notification) string { return n.ID }

func notificationTime(n Notification) time.Time { return n.CreatedAt }

// NormalizeNotification builds a Notification from a server-controlled payload.
// It never fails: malformed or missing fields get safe defaults, unknown fields land in Data.
// A payload without an id gets a time-based local id.
func NormalizeNotification(raw json.RawMessage, now time.Time) Notification {
	return normalize(raw, now, func(map[string]any) string {
		return fallbackIDPrefix + ids.MustULID(now)
	})
}

// normalizeListEntry is NormalizeNotification for REST list entries. An entry without an id
// gets a local id derived from its content, so re-reading the list yields the same id.
func normalizeListEntry(raw json.RawMessage, now time.Time) Notification {
	return normalize(raw, now, contentID)
}

func normalize(raw json.RawMessage, now time.Time, fallbackID func(map[string]any) string) Notification {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		fields = nil
	}
	n := normalizeFields(fields, now)
	if n.ID == "" {
		n.ID = fallbackID(fields)
	}
	return n
}

// contentID hashes the fields that identify an entry as the server sent them.
func contentID(fields map[string]any) string {
	h, _ := blake2b.New(16, nil)
	for _, k := range []string{"type", "title", "message", "created_at"} {
		fmt.Fprintf(h, "%s=%v\x00", k, fields[k])
	}
	return fallbackIDPrefix + hex.EncodeToString(h.Sum(nil))
}

func normalizeFields(fields map[string]any, now time.Time) Notification {
	n := Notification{
		ID:        idString(fields["id"]),
		UserID:    idString(fields["user_id"]),
		Title:     stringField(fields["title"]),
		Message:   stringField(fields["message"]),
		Type:      strings.TrimSpace(stringField(fields["type"])),
		IsRead:    boolField(fields["is_read"]),
		CreatedAt: timeField(fields["created_at"]),
	}

	if strings.TrimSpace(n.Title) == "" {
		n.Title = defaultTitle
	}
	if n.Type == "" {
		n.Type = defaultType
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	for k, v := range fields {
		switch k {
		case "id", "user_id", "title", "message", "type", "is_read", "created_at":
			continue
		case "data":
			if m, ok := v.(map[string]any); ok {
				for dk, dv := range m {
					n.setData(dk, dv)
				}
				continue
			}
		}
		n.setData(k, v)
	}
	return n
}

func (n *Notification) setData(k string, v any) {
	if n.Data == nil {
		n.Data = make(map[string]any)
	}
	n.Data[k] = v
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func boolField(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		return t.String() != "0"
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

// timeField accepts RFC 3339 strings and unix timestamps (seconds or milliseconds).
func timeField(v any) time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return unixTime(n)
		}
		if f, err := t.Float64(); err == nil {
			return unixTime(int64(f))
		}
	case float64:
		return unixTime(int64(t))
	}
	return time.Time{}
}

// Values above 1e11 cannot be seconds before year 5000; treat them as milliseconds.
func unixTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
