package threadstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"marketsync/cmd/identity/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// MemoryStore is an in-process Store with live subscriptions.
// It backs tests and THREAD_BACKEND=memory.
type MemoryStore struct {
	ids *ids.Generator
	now func() time.Time

	mu     sync.Mutex
	convs  map[string]*memConv
	nextID int
	closed bool
}

type memConv struct {
	exists bool
	conv   Conversation
	msgs   []Message // ordered by id (creation order)
	subs   map[int]memSub
}

type memSub struct {
	sub   *Subscription
	limit int
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for summary timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ids:   ids.NewGenerator(),
		now:   func() time.Time { return time.Now().UTC() },
		convs: make(map[string]*memConv),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close terminates every live subscription.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	var subs []*Subscription
	for _, c := range s.convs {
		for _, ms := range c.subs {
			subs = append(subs, ms.sub)
		}
	}
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *MemoryStore) conv(id string) *memConv {
	c := s.convs[id]
	if c == nil {
		c = &memConv{subs: make(map[int]memSub)}
		s.convs[id] = c
	}
	return c
}

// ReadConversation returns a copy of the conversation record.
func (s *MemoryStore) ReadConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[strings.TrimSpace(id)]
	if c == nil || !c.exists {
		return Conversation{}, ErrNotFound
	}
	return copyConversation(c.conv), nil
}

// EnsureConversation creates the conversation for participants if absent.
func (s *MemoryStore) EnsureConversation(ctx context.Context, participants []string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	pair, err := NormalizeParticipants(participants)
	if err != nil {
		return Conversation{}, err
	}
	id := ConversationID(pair[0], pair[1])

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Conversation{}, ErrClosed
	}

	c := s.conv(id)
	if !c.exists {
		c.exists = true
		c.conv = Conversation{ID: id, Participants: pair}
	}
	return copyConversation(c.conv), nil
}

// PutConversation stores a raw conversation record as-is, bypassing participant validation.
// It exists to seed degraded records (e.g. a participant list missing the counterpart).
func (s *MemoryStore) PutConversation(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conv.ID)
	c.exists = true
	c.conv = copyConversation(conv)
}

// SubscribeMessages registers a live subscription and delivers the current snapshot.
func (s *MemoryStore) SubscribeMessages(ctx context.Context, conversationID string, limit int) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	c := s.conv(conversationID)
	key := s.nextID
	s.nextID++

	sub := newSubscription(conversationID)
	c.subs[key] = memSub{sub: sub, limit: limit}
	sub.publish(boundedCopy(c.msgs, limit))

	// stopAfter is assigned under mu; stop reads it under mu, so an AfterFunc
	// firing immediately still observes it.
	var stopAfter func() bool
	sub.stop = func() {
		s.mu.Lock()
		delete(c.subs, key)
		sa := stopAfter
		s.mu.Unlock()
		if sa != nil {
			sa()
		}
	}
	stopAfter = context.AfterFunc(ctx, sub.Unsubscribe)
	s.mu.Unlock()

	return sub, nil
}

// WriteMessage appends m and updates the summary, then fans out fresh snapshots.
func (s *MemoryStore) WriteMessage(ctx context.Context, conversationID string, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	c := s.convs[strings.TrimSpace(conversationID)]
	if c == nil || !c.exists {
		return "", ErrNotFound
	}
	if err := validateWrite(c.conv, m); err != nil {
		return "", err
	}

	now := s.now()
	id, err := s.ids.New(now)
	if err != nil {
		return "", err
	}

	m.ID = id
	m.IsRead = false
	c.msgs = append(c.msgs, m)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	c.conv.LastMessage = m.Text
	c.conv.LastMessageID = id
	c.conv.LastMessageTime = summaryTime(m, now)
	c.conv.LastSenderID = m.SenderID
	c.conv.LastMessageRead = false

	s.fanoutLocked(c)
	return id, nil
}

// MarkRead flips is_read; already-read messages produce no new snapshot.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	c := s.convs[strings.TrimSpace(conversationID)]
	if c == nil {
		return ErrNotFound
	}
	i := slices.IndexFunc(c.msgs, func(m Message) bool { return m.ID == messageID })
	if i < 0 {
		return ErrNotFound
	}
	if c.msgs[i].IsRead {
		return nil
	}

	c.msgs[i].IsRead = true
	if c.conv.LastMessageID == messageID {
		c.conv.LastMessageRead = true
	}

	s.fanoutLocked(c)
	return nil
}

// Interrupt terminates every live subscription of a conversation with err,
// the way a remote store reports a revoked or broken listener.
func (s *MemoryStore) Interrupt(conversationID string, err error) {
	s.mu.Lock()
	c := s.convs[conversationID]
	var subs []*Subscription
	if c != nil {
		for key, ms := range c.subs {
			subs = append(subs, ms.sub)
			delete(c.subs, key)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

func (s *MemoryStore) fanoutLocked(c *memConv) {
	for _, ms := range c.subs {
		ms.sub.publish(boundedCopy(c.msgs, ms.limit))
	}
}

func boundedCopy(msgs []Message, limit int) []Message {
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}
	return append([]Message(nil), msgs[start:]...)
}

func copyConversation(c Conversation) Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}
