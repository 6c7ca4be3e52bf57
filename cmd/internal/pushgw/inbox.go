package pushgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"marketsync/cmd/identity/ids"
	v1 "marketsync/contracts/push/v1"
)

// Public, stable errors for callers.
var (
	ErrNotFound     = errors.New("pushgw: not found")
	ErrInvalidInput = errors.New("pushgw: invalid input")
)

// Notification is the server-side notification record, serialized as-is on the wire.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Inbox is an in-memory, per-user notification store with a cursor-ordered event log.
//
// Every Add appends one new_notification envelope to the user's log; long-poll readers
// wait on a per-user wake channel that is closed and replaced on append.
type Inbox struct {
	ids *ids.Generator
	now func() time.Time

	mu    sync.Mutex
	users map[string]*userInbox
}

type userInbox struct {
	items  []Notification // oldest first
	seq    uint64
	events []loggedEvent // ordered by seq
	wake   chan struct{}
}

type loggedEvent struct {
	seq uint64
	env v1.Envelope
}

// InboxOption configures Inbox behavior.
type InboxOption func(*Inbox)

// WithInboxClock overrides the clock used for created_at defaults.
func WithInboxClock(now func() time.Time) InboxOption {
	return func(in *Inbox) {
		if now != nil {
			in.now = now
		}
	}
}

// NewInbox constructs an empty Inbox.
func NewInbox(opts ...InboxOption) *Inbox {
	in := &Inbox{
		ids:   ids.NewGenerator(),
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]*userInbox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in
}

func (in *Inbox) user(userID string) *userInbox {
	u := in.users[userID]
	if u == nil {
		u = &userInbox{wake: make(chan struct{})}
		in.users[userID] = u
	}
	return u
}

// Add stores n for userID, assigning id/created_at/type defaults, and logs its push envelope.
func (in *Inbox) Add(userID string, n Notification) (Notification, v1.Envelope, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Notification{}, v1.Envelope{}, fmt.Errorf("%w: missing user_id", ErrInvalidInput)
	}
	if utf8.RuneCountInString(n.Title) > maxTitleChars || utf8.RuneCountInString(n.Message) > maxMessageChars {
		return Notification{}, v1.Envelope{}, fmt.Errorf("%w: title or message too long", ErrInvalidInput)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.now()
	if n.ID == "" {
		id, err := in.ids.New(now)
		if err != nil {
			return Notification{}, v1.Envelope{}, err
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if strings.TrimSpace(n.Type) == "" {
		n.Type = "general"
	}
	n.UserID = userID
	n.IsRead = false

	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, v1.Envelope{}, err
	}
	envID, err := in.ids.New(now)
	if err != nil {
		return Notification{}, v1.Envelope{}, err
	}
	env := v1.Envelope{V: v1.Version, Type: v1.TypeNewNotification, ID: envID, TS: now, Payload: payload}

	u := in.user(userID)
	u.items = append(u.items, n)
	if len(u.items) > maxInboxItems {
		u.items = u.items[len(u.items)-maxInboxItems:]
	}

	u.seq++
	u.events = append(u.events, loggedEvent{seq: u.seq, env: env})
	if len(u.events) > maxInboxItems {
		u.events = u.events[len(u.events)-maxInboxItems:]
	}

	close(u.wake)
	u.wake = make(chan struct{})

	return n, env, nil
}

// List returns up to limit notifications of userID, newest first.
func (in *Inbox) List(userID string, limit int) []Notification {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	u := in.users[userID]
	if u == nil {
		return []Notification{}
	}

	out := make([]Notification, 0, min(limit, len(u.items)))
	for i := len(u.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, u.items[i])
	}
	return out
}

// UnreadCount returns the number of unread notifications of userID.
func (in *Inbox) UnreadCount(userID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	u := in.users[userID]
	if u == nil {
		return 0
	}
	n := 0
	for _, it := range u.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

// MarkRead flags one notification read. Marking an already-read notification succeeds.
func (in *Inbox) MarkRead(userID, id string) (Notification, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	u := in.users[userID]
	if u == nil {
		return Notification{}, ErrNotFound
	}
	for i := range u.items {
		if u.items[i].ID == id {
			u.items[i].IsRead = true
			return u.items[i], nil
		}
	}
	return Notification{}, ErrNotFound
}

// MarkAllRead flags every notification of userID read and returns how many changed.
func (in *Inbox) MarkAllRead(userID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	u := in.users[userID]
	if u == nil {
		return 0
	}
	changed := 0
	for i := range u.items {
		if !u.items[i].IsRead {
			u.items[i].IsRead = true
			changed++
		}
	}
	return changed
}

// Head returns the latest cursor of userID.
func (in *Inbox) Head(userID string) uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()

	if u := in.users[userID]; u != nil {
		return u.seq
	}
	return 0
}

// Since returns the envelopes logged after cursor and the cursor to resume from.
func (in *Inbox) Since(userID string, cursor uint64) ([]v1.Envelope, uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	events, next, _ := in.sinceLocked(userID, cursor)
	return events, next
}

func (in *Inbox) sinceLocked(userID string, cursor uint64) ([]v1.Envelope, uint64, <-chan struct{}) {
	u := in.user(userID)

	// A cursor ahead of the log comes from an earlier process; resume from the head.
	if cursor > u.seq {
		cursor = u.seq
	}

	out := make([]v1.Envelope, 0)
	for _, ev := range u.events {
		if ev.seq > cursor {
			out = append(out, ev.env)
		}
	}
	return out, u.seq, u.wake
}

// Wait blocks until an envelope after cursor exists or ctx is done.
// On ctx done it returns no events and the cursor to resume from.
func (in *Inbox) Wait(ctx context.Context, userID string, cursor uint64) ([]v1.Envelope, uint64) {
	for {
		in.mu.Lock()
		events, next, wake := in.sinceLocked(userID, cursor)
		in.mu.Unlock()

		if len(events) > 0 {
			return events, next
		}

		select {
		case <-ctx.Done():
			return []v1.Envelope{}, next
		case <-wake:
		}
	}
}
