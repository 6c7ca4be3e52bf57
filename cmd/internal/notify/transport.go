package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "marketsync/contracts/push/v1"
)

const (
	transportWS   = "websocket"
	transportPoll = "poll"

	maxFrameBytes    = 64 << 10
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 2 * time.Second
)

// stream yields push envelopes of one established connection.
type stream interface {
	next(ctx context.Context) (v1.Envelope, error)
	close()
}

// transport establishes authenticated streams.
type transport interface {
	name() string
	open(ctx context.Context, userID, credential string) (stream, error)
}

// endpointURL maps a gateway base URL (http, https, ws or wss) onto path with the wanted scheme family.
func endpointURL(base string, websocketScheme bool, path string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("notify: bad push url: %w", err)
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("notify: unsupported push url scheme %q", u.Scheme)
	}
	switch {
	case websocketScheme && secure:
		u.Scheme = "wss"
	case websocketScheme:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u, nil
}

// handshakeError maps a rejected handshake status onto the package errors.
func handshakeError(status int, detail string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUserMismatch, detail)
	default:
		return fmt.Errorf("notify: handshake rejected with status %d", status)
	}
}

// ---- websocket ----

type wsTransport struct {
	base       string
	httpClient *http.Client
}

func (t *wsTransport) name() string { return transportWS }

func (t *wsTransport) open(ctx context.Context, userID, credential string) (stream, error) {
	u, err := endpointURL(t.base, true, "/notifications/ws")
	if err != nil {
		return nil, err
	}
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+credential)
	conn, resp, err := websocket.Dial(hctx, u.String(), &websocket.DialOptions{
		HTTPClient:   t.httpClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, handshakeError(resp.StatusCode, "websocket handshake")
		}
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("notify: server negotiated subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := &wsStream{conn: conn}
	hello, err := s.next(hctx)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("notify: waiting for hello_ack: %w", err)
	}
	if err := checkHello(hello, userID); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func checkHello(env v1.Envelope, userID string) error {
	if env.Type != v1.TypeHelloAck {
		return fmt.Errorf("notify: first frame is %q, want %q", env.Type, v1.TypeHelloAck)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return fmt.Errorf("notify: bad hello_ack: %w", err)
	}
	if ack.UserID != userID {
		return fmt.Errorf("%w: session opened for %q", ErrUserMismatch, ack.UserID)
	}
	return nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) next(ctx context.Context) (v1.Envelope, error) {
	for {
		mt, data, err := s.conn.Read(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A garbled frame must not end the session.
			continue
		}
		if env.Validate() != nil {
			continue
		}
		return env, nil
	}
}

func (s *wsStream) close() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		_ = s.conn.CloseNow()
	}
}

// ---- long-poll ----

type pollTransport struct {
	base       string
	httpClient *http.Client
	wait       time.Duration
}

func (t *pollTransport) name() string { return transportPoll }

func (t *pollTransport) open(ctx context.Context, userID, credential string) (stream, error) {
	u, err := endpointURL(t.base, false, "/notifications/poll")
	if err != nil {
		return nil, err
	}
	s := &pollStream{
		url:        u,
		userID:     userID,
		credential: credential,
		httpClient: t.httpClient,
		wait:       t.wait,
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// An empty cursor returns the current head right away; it doubles as the handshake.
	resp, err := s.poll(hctx, "")
	if err != nil {
		return nil, err
	}
	s.cursor = resp.Cursor
	return s, nil
}

type pollStream struct {
	url        *url.URL
	userID     string
	credential string
	httpClient *http.Client
	wait       time.Duration

	cursor  string
	pending []v1.Envelope
}

func (s *pollStream) next(ctx context.Context) (v1.Envelope, error) {
	for len(s.pending) == 0 {
		resp, err := s.poll(ctx, s.cursor)
		if err != nil {
			return v1.Envelope{}, err
		}
		s.cursor = resp.Cursor
		for _, env := range resp.Events {
			if env.Validate() == nil {
				s.pending = append(s.pending, env)
			}
		}
	}
	env := s.pending[0]
	s.pending = s.pending[1:]
	return env, nil
}

func (s *pollStream) poll(ctx context.Context, cursor string) (v1.PollResponse, error) {
	q := url.Values{"user_id": {s.userID}}
	if cursor != "" {
		q.Set("cursor", cursor)
		q.Set("wait", s.wait.String())
	}
	u := *s.url
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return v1.PollResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.credential)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return v1.PollResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return v1.PollResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return v1.PollResponse{}, handshakeError(resp.StatusCode, decodeHTTPError(resp.StatusCode, body).Message)
	}

	var out v1.PollResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return v1.PollResponse{}, fmt.Errorf("notify: bad poll response: %w", err)
	}
	if out.Cursor == "" {
		return v1.PollResponse{}, errors.New("notify: poll response without cursor")
	}
	return out, nil
}

func (s *pollStream) close() {}
