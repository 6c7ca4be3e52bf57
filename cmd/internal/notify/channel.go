package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/cmd/internal/metrics"
	"marketsync/cmd/security/token"
	v1 "marketsync/contracts/push/v1"
)

var (
	// ErrUnauthorized ends a session whose credential the server rejected.
	ErrUnauthorized = errors.New("notify: credential rejected")
	// ErrRetriesExhausted ends a session after too many consecutive failed connects.
	ErrRetriesExhausted = errors.New("notify: connect retries exhausted")
	// ErrUserMismatch is a handshake for another user than requested.
	ErrUserMismatch = errors.New("notify: user mismatch")
	// ErrInvalidInput rejects a Connect without user id or credential.
	ErrInvalidInput = errors.New("notify: invalid input")
)

const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
	DefaultPollWait    = 25 * time.Second

	eventBuffer = 64
)

// SessionState is the connection state of a Session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// EventKind names a channel event.
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventConnectError EventKind = "connect_error"
	EventDisconnect   EventKind = "disconnect"
	EventNotification EventKind = "new_notification"
)

// Event is delivered on Session.Events. Notification is set for EventNotification only.
type Event struct {
	Kind         EventKind
	Transport    string
	Notification Notification
	Err          error
}

// ChannelOptions configures a Channel. Zero values select defaults.
type ChannelOptions struct {
	// PushURL is the gateway base URL (http, https, ws or wss).
	PushURL string
	// PollFallback enables the long-poll transport when the websocket handshake fails.
	PollFallback bool
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollWait     time.Duration
	HTTPClient   *http.Client
}

// Channel owns the single push connection of the process.
// Connect replaces the previous session, so at most one is open at a time.
type Channel struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	transports []transport
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration

	mu      sync.Mutex
	current *Session
}

// ChannelOption customizes a Channel.
type ChannelOption func(*Channel)

// WithChannelMetrics records lifecycle events on m.
func WithChannelMetrics(m *metrics.Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel builds a Channel for opts.PushURL.
func NewChannel(log *slog.Logger, opts ChannelOptions, options ...ChannelOption) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := endpointURL(opts.PushURL, true, "/"); err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No client timeout: long polls are bounded by their context.
		hc = &http.Client{}
	}
	wait := opts.PollWait
	if wait <= 0 {
		wait = DefaultPollWait
	}

	c := &Channel{
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: opts.MaxRetries,
		backoffMin: opts.BackoffBase,
		backoffMax: opts.BackoffMax,
	}
	switch {
	case opts.MaxRetries < 0:
		c.maxRetries = 0
	case opts.MaxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	}
	if c.backoffMin <= 0 {
		c.backoffMin = DefaultBackoffBase
	}
	if c.backoffMax <= 0 {
		c.backoffMax = DefaultBackoffMax
	}

	c.transports = []transport{&wsTransport{base: opts.PushURL, httpClient: hc}}
	if opts.PollFallback {
		c.transports = append(c.transports, &pollTransport{base: opts.PushURL, httpClient: hc, wait: wait})
	}

	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Connect opens a session for userID. A live session for the same user and credential is returned
// as is; any other prior session is disconnected first.
// The session connects in the background; observe it through Events.
func (c *Channel) Connect(ctx context.Context, userID, credential string) (*Session, error) {
	userID, credential = strings.TrimSpace(userID), strings.TrimSpace(credential)
	if userID == "" || credential == "" {
		return nil, fmt.Errorf("%w: user id and credential are required", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil {
		if prev.userID == userID && prev.credential == credential && !prev.finished() {
			return prev, nil
		}
		prev.Disconnect()
		c.current = nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ch:         c,
		userID:     userID,
		credential: credential,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	c.current = s

	c.log.Info("notify.channel.open",
		"user_id", userID,
		"credential_fp", token.Fingerprint(credential),
	)
	go s.run(runCtx)
	return s, nil
}

// Current returns the open session, if any.
func (c *Channel) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close disconnects the current session. Safe to call repeatedly.
func (c *Channel) Close() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s != nil {
		s.Disconnect()
	}
}

// Session is one user's push connection, reconnecting until it is disconnected,
// its credential is rejected or retries run out.
type Session struct {
	ch         *Channel
	userID     string
	credential string

	state  atomic.Int32
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	errMu sync.Mutex
	err   error
}

// UserID returns the user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// Events delivers lifecycle and notification events. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current connection state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Err returns the error that ended the session (nil after Disconnect).
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Disconnect closes the connection and releases Events. Safe on an ended session.
func (s *Session) Disconnect() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
	s.ch.metrics.SetChannelState(int(st))
}

func (s *Session) emit(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventConnect, EventConnectError, EventDisconnect:
		s.ch.metrics.ChannelEvent(string(ev.Kind))
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) run(ctx context.Context) {
	log := s.ch.log.With("user_id", s.userID)
	defer func() {
		s.setState(StateDisconnected)
		close(s.events)
		close(s.done)
	}()

	failures := 0
	for {
		s.setState(StateConnecting)
		st, name, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn("notify.channel.connect_error", "attempt", failures, "err", err)
			if !s.emit(ctx, Event{Kind: EventConnectError, Err: err}) {
				return
			}
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUserMismatch) {
				s.fail(err)
				return
			}
			if failures > s.ch.maxRetries {
				s.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
				log.Error("notify.channel.retries_exhausted", "attempts", failures)
				return
			}
			if waitWithContext(ctx, backoff(s.ch.backoffMin, s.ch.backoffMax, failures)) != nil {
				return
			}
			continue
		}

		failures = 0
		s.setState(StateConnected)
		log.Info("notify.channel.connect", "transport", name)
		if !s.emit(ctx, Event{Kind: EventConnect, Transport: name}) {
			st.close()
			return
		}

		err = s.pump(ctx, st)
		st.close()
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		log.Info("notify.channel.disconnect", "transport", name, "err", err)
		if !s.emit(ctx, Event{Kind: EventDisconnect, Transport: name, Err: err}) {
			return
		}
	}
}

// dial tries every transport in order. Authorization failures stop the fallback.
func (s *Session) dial(ctx context.Context) (stream, string, error) {
	var errs []error
	for _, t := range s.ch.transports {
		st, err := t.open(ctx, s.userID, s.credential)
		if err == nil {
			return st, t.name(), nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUserMismatch) || ctx.Err() != nil {
			return nil, "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.name(), err))
	}
	return nil, "", errors.Join(errs...)
}

func (s *Session) pump(ctx context.Context, st stream) error {
	for {
		env, err := st.next(ctx)
		if err != nil {
			return err
		}
		if env.Type != v1.TypeNewNotification {
			if env.Type == v1.TypeError {
				s.ch.log.Debug("notify.channel.server_error", "user_id", s.userID, "payload", string(env.Payload))
			}
			continue
		}
		n := NormalizeNotification(env.Payload, s.ch.now())
		if !s.emit(ctx, Event{Kind: EventNotification, Notification: n}) {
			return ctx.Err()
		}
	}
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}
