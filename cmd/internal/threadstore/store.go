// Package threadstore is the adapter over the shared, path-addressed conversation store.
//
// Paths:
//
//	conversations/{conversationId}                      participants + summary fields
//	conversations/{conversationId}/messages/{messageId} message fields
//
// Every live subscription re-delivers the full bounded snapshot on each change, never a delta.
package threadstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultLimit bounds a message subscription to the most recent messages.
	DefaultLimit = 100

	// MaxLimit caps caller-supplied limits.
	MaxLimit = 1000

	// MaxTextChars is the max message text length (runes).
	MaxTextChars = 4000

	// IDDelimiter joins the sorted participant pair into a conversation id.
	IDDelimiter = "_"
)

// Public, stable errors for callers.
var (
	ErrNotFound       = errors.New("threadstore: not found")
	ErrInvalidInput   = errors.New("threadstore: invalid input")
	ErrEmptyText      = errors.New("threadstore: empty message text")
	ErrTextTooLong    = errors.New("threadstore: message text too long")
	ErrNotParticipant = errors.New("threadstore: not a conversation participant")
	ErrClosed         = errors.New("threadstore: store closed")
)

// Conversation is the record stored at conversations/{id}.
// Participants never change after creation and ID is derived from them.
type Conversation struct {
	ID              string
	Participants    []string
	LastMessage     string
	LastMessageID   string
	LastMessageTime time.Time
	LastSenderID    string
	LastMessageRead bool
}

// Counterpart returns the participant that is not viewer.
// ok is false when the record has no such participant.
func (c Conversation) Counterpart(viewer string) (string, bool) {
	for _, p := range c.Participants {
		p = strings.TrimSpace(p)
		if p != "" && p != viewer {
			return p, true
		}
	}
	return "", false
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && slices.Contains(c.Participants, userID)
}

// Message is the record stored at conversations/{cid}/messages/{id}.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	// CreatedAt is zero while the write is still being committed.
	CreatedAt time.Time
	IsRead    bool
}

// Snapshot is one delivery of a message subscription.
// A non-nil Err is terminal: no further snapshots follow on that subscription.
type Snapshot struct {
	ConversationID string
	Messages       []Message
	Err            error
}

// Store is the remote thread store contract.
type Store interface {
	// ReadConversation is a point read. It returns ErrNotFound when the record is absent.
	ReadConversation(ctx context.Context, id string) (Conversation, error)

	// EnsureConversation creates the record for a participant pair if absent and returns it.
	EnsureConversation(ctx context.Context, participants []string) (Conversation, error)

	// SubscribeMessages registers a live subscription bounded to the most recent limit messages.
	// The current snapshot is delivered immediately. The subscription ends on Unsubscribe or when ctx is done.
	SubscribeMessages(ctx context.Context, conversationID string, limit int) (*Subscription, error)

	// WriteMessage appends a message and updates the conversation summary in one logical operation.
	WriteMessage(ctx context.Context, conversationID string, m Message) (string, error)

	// MarkRead flips is_read for one message. Marking an already-read message is a no-op.
	MarkRead(ctx context.Context, conversationID, messageID string) error

	Close() error
}

// ---- ids & paths ----

// ConversationID derives the conversation id from a participant pair.
func ConversationID(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + IDDelimiter + b
}

// NormalizeParticipants validates a participant pair and returns it sorted.
func NormalizeParticipants(participants []string) ([]string, error) {
	if len(participants) != 2 {
		return nil, fmt.Errorf("%w: want exactly 2 participants, got %d", ErrInvalidInput, len(participants))
	}
	a := strings.TrimSpace(participants[0])
	b := strings.TrimSpace(participants[1])
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: empty participant", ErrInvalidInput)
	}
	if a == b {
		return nil, fmt.Errorf("%w: participants must differ", ErrInvalidInput)
	}
	if strings.Contains(a, IDDelimiter) || strings.Contains(b, IDDelimiter) {
		return nil, fmt.Errorf("%w: participant contains %q", ErrInvalidInput, IDDelimiter)
	}
	if b < a {
		a, b = b, a
	}
	return []string{a, b}, nil
}

// ConversationPath returns the path of the conversation record.
func ConversationPath(conversationID string) string {
	return "conversations/" + conversationID
}

// MessagesPath returns the path of the message collection of a conversation.
func MessagesPath(conversationID string) string {
	return ConversationPath(conversationID) + "/messages"
}

// MessagePath returns the path of one message record.
func MessagePath(conversationID, messageID string) string {
	return MessagesPath(conversationID) + "/" + messageID
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// validateWrite checks a message against its parent conversation before any mutation.
func validateWrite(conv Conversation, m Message) error {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: max=%d chars", ErrTextTooLong, MaxTextChars)
	}
	if !conv.HasParticipant(m.SenderID) || !conv.HasParticipant(m.ReceiverID) {
		return ErrNotParticipant
	}
	if m.SenderID == m.ReceiverID {
		return fmt.Errorf("%w: sender equals receiver", ErrInvalidInput)
	}
	return nil
}

func summaryTime(m Message, now time.Time) time.Time {
	if m.CreatedAt.IsZero() {
		return now
	}
	return m.CreatedAt
}

// ---- subscriptions ----

// Subscription is a live, bounded view over one conversation's messages.
//
// C is latest-wins: a snapshot not yet received is replaced by a newer one,
// since each snapshot supersedes the previous. C is closed after Unsubscribe or after a terminal error.
type Subscription struct {
	ConversationID string
	C              <-chan Snapshot

	feed *feed
	stop func()
	once sync.Once
}

func newSubscription(conversationID string) *Subscription {
	f := newFeed()
	return &Subscription{ConversationID: conversationID, C: f.ch, feed: f}
}

// Unsubscribe stops delivery. It is safe to call multiple times and from multiple goroutines.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.feed.close()
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *Subscription) publish(msgs []Message) bool {
	return s.feed.publish(Snapshot{ConversationID: s.ConversationID, Messages: msgs})
}

func (s *Subscription) fail(err error) {
	s.feed.fail(Snapshot{ConversationID: s.ConversationID, Err: err})
}

// feed is a single-slot mailbox that keeps only the newest value.
type feed struct {
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

func newFeed() *feed {
	return &feed{ch: make(chan Snapshot, 1)}
}

func (f *feed) publish(s Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	// Only publishers hold mu, so after the drain the buffered send cannot block.
	select {
	case <-f.ch:
	default:
	}
	f.ch <- s
	return true
}

func (f *feed) fail(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- s
	f.closed = true
	close(f.ch)
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	// Drop a pending snapshot so nothing is delivered after Unsubscribe returns.
	select {
	case <-f.ch:
	default:
	}
	f.closed = true
	close(f.ch)
}
