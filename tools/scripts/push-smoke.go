// Package main provides a CI-friendly smoke test for the development push gateway.
//
// It validates:
//   - websocket handshake, subprotocol selection and hello_ack
//   - create -> new_notification fanout to the live session
//   - unread count before and after a single read receipt
//   - long-poll handshake cursor
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	v1 "marketsync/contracts/push/v1"
)

const maxReadBytes = 64 << 10

type smoke struct {
	base    *url.URL
	token   string
	userID  string
	timeout time.Duration
	verbose bool
	http    *http.Client
}

func main() {
	var (
		baseURL = pflag.String("url", "http://127.0.0.1:8080", "gateway base URL")
		token   = pflag.String("token", "tok-1", "bearer token (must be listed in MARKETSYNC_DEV_TOKENS)")
		userID  = pflag.String("user", "u1", "user id the token maps to")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid --url %q", *baseURL)
	}

	s := &smoke{
		base:    base,
		token:   *token,
		userID:  *userID,
		timeout: *timeout,
		verbose: *verbose,
		http:    &http.Client{Timeout: *timeout},
	}
	root := context.Background()

	conn, sessionID := s.mustConnect(root)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logf("connected: session=%s", sessionID)

	before := s.mustCount(root)

	var created struct {
		ID string `json:"id"`
	}
	s.mustDo(root, http.MethodPost, "/notifications", map[string]any{
		"title": "smoke", "message": "push smoke test", "type": "smoke",
	}, http.StatusCreated, &created)
	if created.ID == "" {
		fatalf("create: empty id")
	}

	pushed := s.mustReadNotification(root, conn)
	if pushed != created.ID {
		fatalf("fanout: got id=%s want=%s", pushed, created.ID)
	}

	if got := s.mustCount(root); got != before+1 {
		fatalf("count after create=%d want=%d", got, before+1)
	}
	s.mustDo(root, http.MethodGet, "/notifications/read/"+url.PathEscape(created.ID), nil, http.StatusOK, nil)
	if got := s.mustCount(root); got != before {
		fatalf("count after read=%d want=%d", got, before)
	}

	var poll v1.PollResponse
	s.mustDo(root, http.MethodGet, "/notifications/poll?user_id="+url.QueryEscape(s.userID), nil, http.StatusOK, &poll)
	if poll.Cursor == "" {
		fatalf("poll handshake: empty cursor")
	}

	fmt.Printf("OK: session=%s notification=%s cursor=%s\n", sessionID, created.ID, poll.Cursor)
}

func (s *smoke) mustConnect(parent context.Context) (*websocket.Conn, string) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	u := *s.base
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[u.Scheme]
	u.Path += "/notifications/ws"
	u.RawQuery = url.Values{"user_id": {s.userID}}.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + s.token}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	env := mustRead(ctx, conn)
	if env.Type != v1.TypeHelloAck {
		fatalf("first envelope type=%q want=%q", env.Type, v1.TypeHelloAck)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("hello_ack payload: %v", err)
	}
	if ack.SessionID == "" || ack.UserID != s.userID {
		fatalf("hello_ack=%+v want user %s", ack, s.userID)
	}
	return conn, ack.SessionID
}

func (s *smoke) mustReadNotification(parent context.Context, conn *websocket.Conn) string {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	for {
		env := mustRead(ctx, conn)
		if env.Type != v1.TypeNewNotification {
			s.logf("skip: type=%s", env.Type)
			continue
		}
		var n struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			fatalf("new_notification payload: %v", err)
		}
		return n.ID
	}
}

func (s *smoke) mustCount(parent context.Context) int {
	var out int
	s.mustDo(parent, http.MethodGet, "/notifications/my-count", nil, http.StatusOK, &out)
	return out
}

// mustDo performs one REST call and decodes the "data" member into out.
func (s *smoke) mustDo(parent context.Context, method, path string, body any, wantStatus int, out any) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("%s %s: encode: %v", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, rdr)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, raw)
	}
	s.logf("%s %s -> %d", method, path, resp.StatusCode)
	if out == nil {
		return
	}

	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		fatalf("%s %s: decode: %v", method, path, err)
	}
	src := wrapped.Data
	if len(src) == 0 {
		src = raw
	}
	if err := json.Unmarshal(src, out); err != nil {
		fatalf("%s %s: decode data: %v", method, path, err)
	}
}

func mustRead(ctx context.Context, conn *websocket.Conn) v1.Envelope {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fatalf("read: timed out")
		}
		fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		fatalf("read: unexpected message type %v", typ)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("read: decode envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		fatalf("read: invalid envelope: %v", err)
	}
	return env
}

func (s *smoke) logf(format string, args ...any) {
	if s.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
