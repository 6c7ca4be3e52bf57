package pushgw

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "marketsync/contracts/push/v1"
)

// Client is one live push session of a user.
//
// Send is never closed: publishers may still hold the client after it left the hub.
// Done is closed exactly once by Close.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	queued  atomic.Uint64
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// ClientStats counts envelopes offered to a session.
type ClientStats struct {
	Queued  uint64
	Dropped uint64
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int, now time.Time) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: now,
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Offer queues env without blocking. It reports false when the session is closing or its queue is full.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		c.queued.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Stats returns the counters of Offer outcomes.
func (c *Client) Stats() ClientStats {
	return ClientStats{Queued: c.queued.Load(), Dropped: c.dropped.Load()}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the session goroutines to stop. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
