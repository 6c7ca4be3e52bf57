// Package conversation keeps the local view of one open message thread in sync with the thread store.
//
// Lifecycle: Activate(conversationID) resolves the counterpart, subscribes to the bounded message
// snapshot and returns a Handle. Closing the handle (or Deactivate) unsubscribes exactly once.
// Activating another conversation first tears down the previous subscription.
//
// Concurrency guarantees:
//   - All state lives behind one mutex; snapshots are applied by a single pump goroutine per activation.
//   - Every activation carries a generation number. Work belonging to an older generation
//     (late snapshots, stale handles, slow resolves) is dropped.
//   - Read receipts are fire-and-forget goroutines; failures are logged and never retried here.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"marketsync/cmd/internal/metrics"
	"marketsync/cmd/internal/reconcile"
	"marketsync/cmd/internal/threadstore"
)

const (
	// DefaultReadTimeout bounds a single read-receipt call.
	DefaultReadTimeout = 5 * time.Second
)

// Public, stable errors for callers.
var (
	ErrEmptyMessage     = errors.New("conversation: empty message")
	ErrMessageTooLong   = errors.New("conversation: message too long")
	ErrMissingRecipient = errors.New("conversation: missing recipient")
	ErrNotActive        = errors.New("conversation: no active conversation")
	ErrSuperseded       = errors.New("conversation: activation superseded")
)

// State is the engine state for the active conversation.
type State int

const (
	StateIdle State = iota
	StateResolvingParticipant
	StateSubscribed
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingParticipant:
		return "resolving_participant"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// View is an immutable copy of the engine state.
type View struct {
	ConversationID string
	State          State
	// ReceiverID is empty while the counterpart is unresolved.
	ReceiverID string
	Messages   []threadstore.Message
	Draft      string
	Err        error
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOnChange registers an observer called after every state change.
// It may be called from multiple goroutines and must not block.
func WithOnChange(fn func(View)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// WithLimit bounds the message subscription (default threadstore.DefaultLimit).
func WithLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.limit = limit
		}
	}
}

// WithClock overrides the clock used for createdAt on send.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithReadTimeout overrides the per-call read-receipt timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.readTimeout = d
		}
	}
}

// Engine synchronizes one open conversation for one viewer.
type Engine struct {
	log         *slog.Logger
	store       threadstore.Store
	viewerID    string
	metrics     *metrics.Metrics
	onChange    func(View)
	limit       int
	now         func() time.Time
	readTimeout time.Duration

	mu       sync.Mutex
	gen      uint64
	state    State
	convID   string
	receiver string
	messages []threadstore.Message
	maxTS    time.Time
	err      error
	draft    string
	sub      *threadstore.Subscription
	cancel   context.CancelFunc
	// inflight maps message id -> generation of the pending read receipt.
	inflight map[string]uint64

	receipts sync.WaitGroup
}

// NewEngine constructs an idle engine for viewerID.
func NewEngine(log *slog.Logger, store threadstore.Store, viewerID string, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:         log,
		store:       store,
		viewerID:    strings.TrimSpace(viewerID),
		limit:       threadstore.DefaultLimit,
		now:         func() time.Time { return time.Now().UTC() },
		readTimeout: DefaultReadTimeout,
		inflight:    make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Handle is the disposable result of one activation.
type Handle struct {
	e   *Engine
	gen uint64
	// ConversationID is the activated conversation.
	ConversationID string
}

// Close tears down the activation if it is still the current one.
// Closing a handle superseded by a later Activate is a no-op. Safe to call multiple times.
func (h *Handle) Close() {
	if h == nil || h.e == nil {
		return
	}
	h.e.teardown(h.gen)
}

// Activate makes conversationID the open conversation.
//
// A missing conversation record is not an error: the engine subscribes anyway and stays degraded,
// rejecting sends with ErrMissingRecipient. Any other resolve or subscribe failure moves the engine
// to StateError and is returned.
func (e *Engine) Activate(ctx context.Context, conversationID string) (*Handle, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", threadstore.ErrInvalidInput)
	}

	e.mu.Lock()
	prev, prevCancel := e.resetLocked()
	e.gen++
	gen := e.gen
	e.state = StateResolvingParticipant
	e.convID = conversationID
	e.mu.Unlock()

	stopPrevious(prev, prevCancel)
	e.notify()

	e.log.Info("conversation.activate", "conversation_id", conversationID, "viewer_id", e.viewerID)

	conv, err := e.store.ReadConversation(ctx, conversationID)
	receiver := ""
	switch {
	case err == nil:
		if r, ok := conv.Counterpart(e.viewerID); ok {
			receiver = r
		}
	case errors.Is(err, threadstore.ErrNotFound):
	default:
		return nil, e.failActivation(gen, fmt.Errorf("resolve participant: %w", err))
	}
	if receiver == "" {
		e.log.Warn("conversation.receiver.unresolved", "conversation_id", conversationID, "viewer_id", e.viewerID)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil, ErrSuperseded
	}
	e.receiver = receiver
	e.mu.Unlock()

	// The subscription outlives the activation call; it ends on teardown.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := e.store.SubscribeMessages(subCtx, conversationID, e.limit)
	if err != nil {
		cancel()
		return nil, e.failActivation(gen, fmt.Errorf("subscribe messages: %w", err))
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		sub.Unsubscribe()
		cancel()
		return nil, ErrSuperseded
	}
	e.sub = sub
	e.cancel = cancel
	e.state = StateSubscribed
	e.mu.Unlock()

	go e.pump(gen, sub)
	e.notify()

	return &Handle{e: e, gen: gen, ConversationID: conversationID}, nil
}

// Deactivate tears down the current activation, if any.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.teardown(gen)
}

func (e *Engine) teardown(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.convID == "" {
		e.mu.Unlock()
		return
	}
	convID := e.convID
	sub, cancel := e.resetLocked()
	e.gen++
	e.state = StateClosed
	e.mu.Unlock()

	stopPrevious(sub, cancel)
	e.log.Info("conversation.deactivate", "conversation_id", convID)
	e.notify()
}

// resetLocked clears per-conversation state and detaches the live subscription.
func (e *Engine) resetLocked() (*threadstore.Subscription, context.CancelFunc) {
	sub, cancel := e.sub, e.cancel
	e.sub, e.cancel = nil, nil
	e.convID = ""
	e.receiver = ""
	e.messages = nil
	e.maxTS = time.Time{}
	e.err = nil
	e.draft = ""
	return sub, cancel
}

func stopPrevious(sub *threadstore.Subscription, cancel context.CancelFunc) {
	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) failActivation(gen uint64, err error) error {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrSuperseded
	}
	e.state = StateError
	e.err = err
	convID := e.convID
	e.mu.Unlock()

	e.log.Error("conversation.activate.failed", "conversation_id", convID, "err", err)
	e.notify()
	return err
}

func (e *Engine) pump(gen uint64, sub *threadstore.Subscription) {
	for snap := range sub.C {
		e.safeApply(gen, snap)
	}
}

func (e *Engine) safeApply(gen uint64, snap threadstore.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("conversation.panic",
				"conversation_id", snap.ConversationID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	e.apply(gen, snap)
}

// apply materializes one snapshot: sort, stale check, full replace, then read receipts.
func (e *Engine) apply(gen uint64, snap threadstore.Snapshot) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}

	if snap.Err != nil {
		e.state = StateError
		e.err = snap.Err
		e.mu.Unlock()

		e.metrics.SubscriptionError()
		e.log.Warn("conversation.subscription.error", "conversation_id", snap.ConversationID, "err", snap.Err)
		e.notify()
		return
	}

	msgs := append([]threadstore.Message(nil), snap.Messages...)
	reconcile.SortByTime(msgs, messageTime)
	incoming := reconcile.MaxTime(msgs, messageTime)

	// A window of undated pending writes carries no time to compare.
	undated := incoming.IsZero() && len(msgs) > 0
	if !undated && reconcile.IsStale(e.maxTS, incoming) {
		current := e.maxTS
		e.mu.Unlock()

		e.metrics.SnapshotStale()
		e.log.Debug("conversation.snapshot.stale",
			"conversation_id", snap.ConversationID,
			"current_max", current,
			"incoming_max", incoming,
		)
		return
	}

	e.messages = msgs
	if !undated {
		e.maxTS = incoming
	}

	var unread []string
	for _, m := range msgs {
		if m.ID == "" || m.IsRead || m.ReceiverID != e.viewerID {
			continue
		}
		if _, pending := e.inflight[m.ID]; pending {
			continue
		}
		e.inflight[m.ID] = gen
		unread = append(unread, m.ID)
	}
	convID := e.convID
	e.receipts.Add(len(unread))
	e.mu.Unlock()

	e.metrics.SnapshotApplied()
	e.notify()

	for _, id := range unread {
		go e.markRead(gen, convID, id)
	}
}

func (e *Engine) markRead(gen uint64, conversationID, messageID string) {
	defer e.receipts.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("conversation.panic", "conversation_id", conversationID, "message_id", messageID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
	defer cancel()

	err := e.store.MarkRead(ctx, conversationID, messageID)

	e.mu.Lock()
	if e.inflight[messageID] == gen {
		delete(e.inflight, messageID)
	}
	e.mu.Unlock()

	if err != nil {
		e.metrics.ReadReceipt("error")
		e.log.Warn("conversation.read_receipt.failed",
			"conversation_id", conversationID,
			"message_id", messageID,
			"err", err,
		)
		return
	}
	e.metrics.ReadReceipt("ok")
}

// Send writes text as a new message from the viewer to the resolved counterpart.
// Validation failures return before any store call. The local list is not touched:
// the message appears through the next snapshot.
func (e *Engine) Send(ctx context.Context, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > threadstore.MaxTextChars {
		return "", fmt.Errorf("%w: max=%d chars", ErrMessageTooLong, threadstore.MaxTextChars)
	}

	e.mu.Lock()
	convID, receiver, state := e.convID, e.receiver, e.state
	e.mu.Unlock()

	if convID == "" || state == StateIdle || state == StateClosed {
		return "", ErrNotActive
	}
	if receiver == "" {
		return "", ErrMissingRecipient
	}

	id, err := e.store.WriteMessage(ctx, convID, threadstore.Message{
		SenderID:   e.viewerID,
		ReceiverID: receiver,
		Text:       text,
		CreatedAt:  e.now(),
		IsRead:     false,
	})
	if err != nil {
		e.metrics.MessageSent("error")
		e.log.Warn("conversation.send.failed", "conversation_id", convID, "err", err)
		return "", err
	}

	e.metrics.MessageSent("ok")
	e.log.Debug("conversation.send.ok", "conversation_id", convID, "message_id", id)
	return id, nil
}

// SetDraft replaces the pending input text.
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
	e.notify()
}

// Draft returns the pending input text.
func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// SendDraft sends the draft and clears it on success. On failure the draft is kept for retry.
func (e *Engine) SendDraft(ctx context.Context) (string, error) {
	e.mu.Lock()
	draft, gen := e.draft, e.gen
	e.mu.Unlock()

	id, err := e.Send(ctx, draft)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	// Keep edits made while the write was in flight.
	if e.gen == gen && e.draft == draft {
		e.draft = ""
	}
	e.mu.Unlock()
	e.notify()
	return id, nil
}

// View returns a copy of the current state.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() View {
	return View{
		ConversationID: e.convID,
		State:          e.state,
		ReceiverID:     e.receiver,
		Messages:       append([]threadstore.Message(nil), e.messages...),
		Draft:          e.draft,
		Err:            e.err,
	}
}

// Wait blocks until every read receipt issued so far has finished.
// Call it after Deactivate; receipts started concurrently with Wait may not be covered.
func (e *Engine) Wait() {
	e.receipts.Wait()
}

func (e *Engine) notify() {
	if e.onChange == nil {
		return
	}
	v := e.View()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("conversation.panic", "conversation_id", v.ConversationID, "where", "on_change", "panic", r)
		}
	}()
	e.onChange(v)
}

func messageTime(m threadstore.Message) time.Time { return m.CreatedAt }
