package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"marketsync/cmd/internal/threadstore"
)

type countingStore struct {
	*threadstore.MemoryStore

	mu        sync.Mutex
	markCalls map[string]int
	writes    int
	reads     int
	markErr   error
	readErr   error
	writeErr  error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: threadstore.NewMemoryStore(), markCalls: make(map[string]int)}
}

func (s *countingStore) ReadConversation(ctx context.Context, id string) (threadstore.Conversation, error) {
	s.mu.Lock()
	s.reads++
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return threadstore.Conversation{}, err
	}
	return s.MemoryStore.ReadConversation(ctx, id)
}

func (s *countingStore) WriteMessage(ctx context.Context, id string, m threadstore.Message) (string, error) {
	s.mu.Lock()
	s.writes++
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.MemoryStore.WriteMessage(ctx, id, m)
}

func (s *countingStore) MarkRead(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	s.markCalls[messageID]++
	err := s.markErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.MarkRead(ctx, conversationID, messageID)
}

func (s *countingStore) marks(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCalls[id]
}

func (s *countingStore) totalMarks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.markCalls {
		n += c
	}
	return n
}

func (s *countingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func mustConversation(t *testing.T, st threadstore.Store, a, b string) threadstore.Conversation {
	t.Helper()

	conv, err := st.EnsureConversation(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	return conv
}

func TestEngine_SendRoundTrip(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")

	e := NewEngine(testLogger(), st, "1")
	h, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	if got := e.View().ReceiverID; got != "2" {
		t.Fatalf("receiver=%q want=2", got)
	}

	if _, err := e.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(e.View().Messages) == 1 })

	m := e.View().Messages[0]
	if m.SenderID != "1" || m.ReceiverID != "2" || m.Text != "hello" || m.IsRead {
		t.Fatalf("unexpected message: %+v", m)
	}
	if st.totalMarks() != 0 {
		t.Fatalf("sender must never mark its own message read, marks=%d", st.totalMarks())
	}
}

func TestEngine_ReadReceiptTrigger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")

	now := time.Now()
	toViewer, _ := st.MemoryStore.WriteMessage(ctx, conv.ID, threadstore.Message{SenderID: "1", ReceiverID: "2", Text: "a", CreatedAt: now})
	alreadyRead, _ := st.MemoryStore.WriteMessage(ctx, conv.ID, threadstore.Message{SenderID: "1", ReceiverID: "2", Text: "b", CreatedAt: now.Add(time.Second)})
	toOther, _ := st.MemoryStore.WriteMessage(ctx, conv.ID, threadstore.Message{SenderID: "2", ReceiverID: "1", Text: "c", CreatedAt: now.Add(2 * time.Second)})
	if err := st.MemoryStore.MarkRead(ctx, conv.ID, alreadyRead); err != nil {
		t.Fatalf("seed mark read: %v", err)
	}

	e := NewEngine(testLogger(), st, "2")
	h, err := e.Activate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		v := e.View()
		return len(v.Messages) == 3 && v.Messages[0].IsRead
	})
	h.Close()
	e.Wait()

	if got := st.marks(toViewer); got != 1 {
		t.Fatalf("markRead calls for unread message=%d want=1", got)
	}
	if got := st.marks(alreadyRead); got != 0 {
		t.Fatalf("markRead calls for already-read message=%d want=0", got)
	}
	if got := st.marks(toOther); got != 0 {
		t.Fatalf("markRead calls for message to other participant=%d want=0", got)
	}
}

func TestEngine_ReadReceiptFailureIsRetriedOnNextSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newCountingStore()
	st.markErr = errors.New("permission denied")
	conv := mustConversation(t, st, "1", "2")

	id, _ := st.MemoryStore.WriteMessage(ctx, conv.ID, threadstore.Message{SenderID: "1", ReceiverID: "2", Text: "a", CreatedAt: time.Now()})

	e := NewEngine(testLogger(), st, "2")
	h, err := e.Activate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	waitFor(t, 2*time.Second, func() bool { return st.marks(id) == 1 })
	e.Wait()

	if got := e.View().State; got != StateSubscribed {
		t.Fatalf("failed receipt must not affect state, got %v", got)
	}

	if _, err := st.MemoryStore.WriteMessage(ctx, conv.ID, threadstore.Message{SenderID: "1", ReceiverID: "2", Text: "b", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return st.marks(id) == 2 })
}

func TestEngine_SnapshotsAreSortedWithUndatedLast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")

	base := time.Now()
	for _, m := range []threadstore.Message{
		{SenderID: "1", ReceiverID: "2", Text: "late", CreatedAt: base.Add(2 * time.Second)},
		{SenderID: "1", ReceiverID: "2", Text: "pending"},
		{SenderID: "1", ReceiverID: "2", Text: "early", CreatedAt: base},
	} {
		if _, err := st.MemoryStore.WriteMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	e := NewEngine(testLogger(), st, "1")
	h, err := e.Activate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	waitFor(t, 2*time.Second, func() bool { return len(e.View().Messages) == 3 })

	var texts []string
	for _, m := range e.View().Messages {
		texts = append(texts, m.Text)
	}
	if got := strings.Join(texts, ","); got != "early,late,pending" {
		t.Fatalf("order=%s want=early,late,pending", got)
	}
}

func TestEngine_DiscardsStaleSnapshot(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	e := NewEngine(testLogger(), st, "1")

	e.mu.Lock()
	e.gen = 7
	e.convID = "1_2"
	e.state = StateSubscribed
	e.mu.Unlock()

	t0 := time.Now()
	newer := threadstore.Snapshot{ConversationID: "1_2", Messages: []threadstore.Message{
		{ID: "a", SenderID: "2", ReceiverID: "1", Text: "a", CreatedAt: t0, IsRead: true},
		{ID: "b", SenderID: "2", ReceiverID: "1", Text: "b", CreatedAt: t0.Add(time.Second), IsRead: true},
	}}
	older := threadstore.Snapshot{ConversationID: "1_2", Messages: []threadstore.Message{
		{ID: "a", SenderID: "2", ReceiverID: "1", Text: "a", CreatedAt: t0, IsRead: true},
	}}

	e.apply(7, newer)
	e.apply(7, older)

	if got := len(e.View().Messages); got != 2 {
		t.Fatalf("stale snapshot regressed the view: len=%d want=2", got)
	}

	// Same max timestamp is not stale (e.g. a read flag flip).
	flipped := threadstore.Snapshot{ConversationID: "1_2", Messages: append([]threadstore.Message(nil), newer.Messages...)}
	flipped.Messages[1].Text = "b2"
	e.apply(7, flipped)
	if got := e.View().Messages[1].Text; got != "b2" {
		t.Fatalf("equal-time snapshot not applied, text=%q", got)
	}

	// Snapshots of another generation are ignored.
	e.apply(6, threadstore.Snapshot{ConversationID: "1_2"})
	if got := len(e.View().Messages); got != 2 {
		t.Fatalf("old generation snapshot applied: len=%d", got)
	}
}

func TestEngine_UndatedWindowIsNotStale(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	e := NewEngine(testLogger(), st, "1", WithLimit(1))

	e.mu.Lock()
	e.gen = 3
	e.convID = "1_2"
	e.state = StateSubscribed
	e.mu.Unlock()

	t0 := time.Now()
	e.apply(3, threadstore.Snapshot{ConversationID: "1_2", Messages: []threadstore.Message{
		{ID: "a", SenderID: "2", ReceiverID: "1", Text: "dated", CreatedAt: t0, IsRead: true},
	}})
	// With a one-message window the newest write is still pending its timestamp.
	e.apply(3, threadstore.Snapshot{ConversationID: "1_2", Messages: []threadstore.Message{
		{ID: "b", SenderID: "1", ReceiverID: "2", Text: "pending"},
	}})

	v := e.View()
	if len(v.Messages) != 1 || v.Messages[0].Text != "pending" {
		t.Fatalf("messages=%+v want the pending write", v.Messages)
	}

	// The dated maximum still guards against older snapshots.
	e.apply(3, threadstore.Snapshot{ConversationID: "1_2", Messages: []threadstore.Message{
		{ID: "z", SenderID: "2", ReceiverID: "1", Text: "old", CreatedAt: t0.Add(-time.Minute), IsRead: true},
	}})
	if got := e.View().Messages[0].Text; got != "pending" {
		t.Fatalf("older snapshot applied, text=%q", got)
	}
}

func TestEngine_MissingRecipient(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	st.PutConversation(threadstore.Conversation{ID: "1_2", Participants: []string{"1"}})

	e := NewEngine(testLogger(), st, "1")
	h, err := e.Activate(context.Background(), "1_2")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	if got := e.View().ReceiverID; got != "" {
		t.Fatalf("receiver=%q want unresolved", got)
	}
	if _, err := e.Send(context.Background(), "hi"); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	if st.writeCount() != 0 {
		t.Fatalf("rejected send reached the store")
	}
}

func TestEngine_AbsentConversationIsDegraded(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	e := NewEngine(testLogger(), st, "1")

	h, err := e.Activate(context.Background(), "1_3")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	v := e.View()
	if v.State != StateSubscribed || v.ReceiverID != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if _, err := e.Send(context.Background(), "hi"); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestEngine_SendValidation(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")
	e := NewEngine(testLogger(), st, "1")

	if _, err := e.Send(context.Background(), "hi"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	h, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	cases := []struct {
		text string
		want error
	}{
		{text: "", want: ErrEmptyMessage},
		{text: " \t\n ", want: ErrEmptyMessage},
		{text: strings.Repeat("x", 4001), want: ErrMessageTooLong},
	}
	for _, tc := range cases {
		if _, err := e.Send(context.Background(), tc.text); !errors.Is(err, tc.want) {
			t.Fatalf("Send(%q...) err=%v want=%v", tc.text[:min(len(tc.text), 8)], err, tc.want)
		}
	}
	if st.writeCount() != 0 {
		t.Fatalf("rejected sends reached the store: writes=%d", st.writeCount())
	}
}

func TestEngine_SendDraft(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")
	e := NewEngine(testLogger(), st, "1")

	h, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	e.SetDraft("hello")

	st.mu.Lock()
	st.writeErr = errors.New("unavailable")
	st.mu.Unlock()

	if _, err := e.SendDraft(context.Background()); err == nil {
		t.Fatalf("expected send error")
	}
	if got := e.Draft(); got != "hello" {
		t.Fatalf("draft after failure=%q want=hello", got)
	}
	if got := len(e.View().Messages); got != 0 {
		t.Fatalf("failed send mutated local list: len=%d", got)
	}

	st.mu.Lock()
	st.writeErr = nil
	st.mu.Unlock()

	if _, err := e.SendDraft(context.Background()); err != nil {
		t.Fatalf("send draft: %v", err)
	}
	if got := e.Draft(); got != "" {
		t.Fatalf("draft after success=%q want empty", got)
	}
}

func TestEngine_StaleHandleCloseIsNoop(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	a := mustConversation(t, st, "1", "2")
	b := mustConversation(t, st, "1", "3")

	e := NewEngine(testLogger(), st, "1")
	h1, err := e.Activate(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("activate a: %v", err)
	}
	h2, err := e.Activate(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("activate b: %v", err)
	}

	h1.Close()
	h1.Close()

	v := e.View()
	if v.ConversationID != b.ID || v.State != StateSubscribed {
		t.Fatalf("stale close tore down the current activation: %+v", v)
	}

	// Writes to the previous conversation never reach the view.
	if _, err := st.MemoryStore.WriteMessage(context.Background(), a.ID, threadstore.Message{SenderID: "2", ReceiverID: "1", Text: "old", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := e.Send(context.Background(), "new"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(e.View().Messages) == 1 })
	if got := e.View().Messages[0].Text; got != "new" {
		t.Fatalf("view shows message from previous conversation: %q", got)
	}

	h2.Close()
	h2.Close()
	if got := e.View().State; got != StateClosed {
		t.Fatalf("state=%v want=closed", got)
	}
	if _, err := e.Send(context.Background(), "x"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after close, got %v", err)
	}
}

func TestEngine_SubscriptionErrorIsTerminal(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")
	e := NewEngine(testLogger(), st, "1")

	h, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer h.Close()

	boom := errors.New("listener revoked")
	st.Interrupt(conv.ID, boom)

	waitFor(t, 2*time.Second, func() bool { return e.View().State == StateError })
	if got := e.View().Err; !errors.Is(got, boom) {
		t.Fatalf("err=%v want=%v", got, boom)
	}

	// Re-activating recovers.
	h2, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	defer h2.Close()
	if got := e.View().State; got != StateSubscribed {
		t.Fatalf("state=%v want=subscribed", got)
	}
}

func TestEngine_ResolveFailure(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	st.readErr = errors.New("unavailable")
	e := NewEngine(testLogger(), st, "1")

	if _, err := e.Activate(context.Background(), "1_2"); err == nil {
		t.Fatalf("expected activation error")
	}
	if got := e.View().State; got != StateError {
		t.Fatalf("state=%v want=error", got)
	}
}

func TestEngine_OnChange(t *testing.T) {
	t.Parallel()

	st := newCountingStore()
	conv := mustConversation(t, st, "1", "2")

	var (
		mu     sync.Mutex
		states []State
	)
	e := NewEngine(testLogger(), st, "1", WithOnChange(func(v View) {
		mu.Lock()
		states = append(states, v.State)
		mu.Unlock()
		panic("observer bug")
	}))

	h, err := e.Activate(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != StateResolvingParticipant || !slices.Contains(states, StateClosed) {
		t.Fatalf("unexpected state sequence: %v", states)
	}
}
