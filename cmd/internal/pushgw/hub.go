package pushgw

import (
	"log/slog"
	"sync"

	v1 "marketsync/contracts/push/v1"
)

// Hub fans push envelopes out to every live session of a user.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Publish is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client // user_id -> session_id -> client
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Join registers a client under its user.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.SessionID == "" || client.UserID == "" {
		return
	}

	h.mu.Lock()
	sessions := h.users[client.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client)
		h.users[client.UserID] = sessions
	}
	sessions[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("pushgw.session.join", "user_id", client.UserID, "session_id", client.SessionID)
}

// Leave removes a session and signals shutdown for that client.
func (h *Hub) Leave(userID, sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	if sessions := h.users[userID]; sessions != nil {
		cl = sessions[sessionID]
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	// Removal happens before Close so a publisher never holds a client being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("pushgw.session.leave", "user_id", userID, "session_id", sessionID)
}

// Drop closes every session of userID and returns how many were closed.
func (h *Hub) Drop(userID string) int {
	if h == nil {
		return 0
	}

	h.mu.Lock()
	sessions := h.users[userID]
	delete(h.users, userID)
	h.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	if len(sessions) > 0 {
		h.log.Info("pushgw.session.drop", "user_id", userID, "sessions", len(sessions))
	}
	return len(sessions)
}

// Sessions returns the number of live sessions of a user.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish delivers env to every session of userID and returns how many accepted it.
// Non-blocking: if a session queue is full or the client is shutting down, it is dropped.
func (h *Hub) Publish(userID string, env v1.Envelope) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.users[userID] {
		if c.Offer(env) {
			delivered++
			continue
		}
		h.log.Warn("pushgw.publish.dropped", "user_id", userID, "session_id", c.SessionID)
	}
	return delivered
}
