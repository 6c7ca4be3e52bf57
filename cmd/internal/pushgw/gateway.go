// Package pushgw is the development push gateway: the server side of the notification channel.
//
// It serves the notification REST endpoints, a websocket push channel and a long-poll fallback,
// all backed by an in-memory Inbox and a per-user fanout Hub.
package pushgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"marketsync/cmd/identity/ids"
	v1 "marketsync/contracts/push/v1"
)

// Options configures the Gateway. Zero values select defaults.
type Options struct {
	// AllowedOrigins is the browser origin allowlist for websocket upgrades.
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header (native clients send none).
	OriginRequired bool

	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	SendQueueSize    int

	// PollWait is the default long-poll wait when the client does not pass one.
	PollWait time.Duration
}

// Gateway serves the notification REST API, the websocket channel and the long-poll fallback.
type Gateway struct {
	log   *slog.Logger
	inbox *Inbox
	hub   *Hub
	auth  Authenticator
	rl    *RateLimiter

	originRequired bool
	allowedOrigins []string
	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout     time.Duration
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	sendQueueSize    int
	pollWait         time.Duration
}

// NewGateway constructs a gateway. Nil inbox/hub fall back to fresh in-memory instances.
func NewGateway(log *slog.Logger, inbox *Inbox, hub *Hub, auth Authenticator, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if inbox == nil {
		inbox = NewInbox()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &Gateway{
		log:              log,
		inbox:            inbox,
		hub:              hub,
		auth:             auth,
		rl:               NewRateLimiter(createRateEvents, createRateWindow),
		originRequired:   opts.OriginRequired,
		allowedOrigins:   opts.AllowedOrigins,
		writeTimeout:     orDefault(opts.WriteTimeout, defaultWriteTimeout),
		heartbeatEvery:   orDefault(opts.HeartbeatEvery, heartbeatInterval),
		heartbeatTimeout: orDefault(opts.HeartbeatTimeout, heartbeatTimeout),
		sendQueueSize:    opts.SendQueueSize,
		pollWait:         orDefault(opts.PollWait, defaultPollWait),
	}
	if g.sendQueueSize <= 0 {
		g.sendQueueSize = defaultSendQueueSize
	}
	if g.sendQueueSize < minSendQueueSize {
		g.sendQueueSize = minSendQueueSize
	}
	if g.pollWait > maxPollWait {
		g.pollWait = maxPollWait
	}

	// websocket.Accept enforces its own origin policy (same-host, or OriginPatterns for cross-origin).
	// Patterns are derived from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	return g
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Inbox returns the backing inbox.
func (g *Gateway) Inbox() *Inbox { return g.inbox }

// Register mounts every gateway route on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	if g == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /notifications/my-count", g.handleCount)
	mux.HandleFunc("GET /notifications/my-notifications", g.handleList)
	mux.HandleFunc("GET /notifications/read/{id}", g.handleRead)
	mux.HandleFunc("POST /notifications/read-all", g.handleReadAll)
	mux.HandleFunc("POST /notifications", g.handleCreate)
	mux.HandleFunc("GET /notifications/poll", g.handlePoll)
	mux.HandleFunc("POST /notifications/sessions/drop", g.handleDropSessions)
	mux.HandleFunc("GET /notifications/ws", g.HandleWS)
}

// Publish stores a notification for userID and pushes it to every live session.
func (g *Gateway) Publish(userID string, n Notification) (Notification, error) {
	stored, env, err := g.inbox.Add(userID, n)
	if err != nil {
		return Notification{}, err
	}
	delivered := g.hub.Publish(stored.UserID, env)
	g.log.Info("pushgw.notification.created",
		"user_id", stored.UserID,
		"notification_id", stored.ID,
		"type", stored.Type,
		"delivered", delivered,
	)
	return stored, nil
}

// ---- REST ----

func (g *Gateway) authUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if g.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authenticator not configured")
		return "", false
	}
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential")
		return "", false
	}
	return userID, true
}

func (g *Gateway) handleCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, g.inbox.UnreadCount(userID))
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeData(w, http.StatusOK, g.inbox.List(userID, limit))
}

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	n, err := g.inbox.MarkRead(userID, strings.TrimSpace(r.PathValue("id")))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "mark read failed")
		return
	}
	writeData(w, http.StatusOK, n)
}

func (g *Gateway) handleReadAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, map[string]int{"updated": g.inbox.MarkAllRead(userID)})
}

// handleDropSessions closes every live push session of the caller (dev: exercises client reconnects).
func (g *Gateway) handleDropSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, map[string]int{"dropped": g.hub.Drop(userID)})
}

type createRequest struct {
	UserID  string         `json:"user_id"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	callerID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	if !g.rl.Allow(callerID, time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many notifications")
		return
	}

	var req createRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = callerID
	}

	n, err := g.Publish(target, Notification{
		Title:   req.Title,
		Message: req.Message,
		Type:    req.Type,
		Data:    req.Data,
	})
	if errors.Is(err, ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "create failed")
		return
	}
	writeData(w, http.StatusCreated, n)
}

// handlePoll is the long-poll fallback of the push channel.
// An empty cursor returns immediately with the current head, which establishes the session.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if want := strings.TrimSpace(q.Get("user_id")); want != "" && want != userID {
		writeError(w, http.StatusForbidden, "user_mismatch", "user_id does not match credential")
		return
	}

	rawCursor := strings.TrimSpace(q.Get("cursor"))
	if rawCursor == "" {
		writeJSON(w, http.StatusOK, v1.PollResponse{
			Events: []v1.Envelope{},
			Cursor: strconv.FormatUint(g.inbox.Head(userID), 10),
		})
		return
	}
	cursor, err := strconv.ParseUint(rawCursor, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_cursor", "cursor is not valid")
		return
	}

	wait := g.pollWait
	if raw := strings.TrimSpace(q.Get("wait")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "bad_wait", "wait must be a duration")
			return
		}
		wait = min(d, maxPollWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	events, next := g.inbox.Wait(ctx, userID, cursor)
	writeJSON(w, http.StatusOK, v1.PollResponse{
		Events: events,
		Cursor: strconv.FormatUint(next, 10),
	})
}

// ---- websocket ----

// HandleWS upgrades an authenticated request to a push session.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, ok := g.authUser(w, r)
	if !ok {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
		return
	}
	if want := strings.TrimSpace(r.URL.Query().Get("user_id")); want != "" && want != userID {
		g.log.Info("ws.reject.user_mismatch", "user_id", userID, "requested", want)
		writeError(w, http.StatusForbidden, "user_mismatch", "user_id does not match credential")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := ids.NewULID(now)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(userID, sessionID, g.sendQueueSize, now)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(userID, sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// hello_ack is queued before Join so it is always the first frame.
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, UserID: userID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, now)) {
		shutdown(websocket.StatusInternalError, "hello failed")
		return
	}
	g.hub.Join(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "session closed")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// The channel is server -> client only; the read loop keeps control frames flowing
	// and answers anything else with an error envelope. Dead peers are detected by the heartbeat.
readLoop:
	for {
		env, err := readEnvelope(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}
		g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	stats := client.Stats()
	g.log.Info("pushgw.session.end",
		"user_id", userID,
		"session_id", sessionID,
		"queued", stats.Queued,
		"dropped", stats.Dropped,
		"duration_ms", time.Since(client.ConnectedAt).Milliseconds(),
	)

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.Offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := ids.NewULID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated hosts of the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}
