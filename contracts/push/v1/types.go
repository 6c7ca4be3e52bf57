// Package v1 defines the push channel protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the channel adapter and the development gateway to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "marketsync.push.v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck confirms an authenticated session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeNewNotification pushes one notification (server -> client).
	// The payload is server-controlled and only loosely typed.
	TypeNewNotification = "new_notification"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
// Unknown types are rejected so that callers can skip them explicitly.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHelloAck, TypeNewNotification, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload is sent once after the server accepted the credential.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PollResponse is returned by the long-poll fallback endpoint.
// Cursor is opaque to clients and must be echoed on the next poll.
type PollResponse struct {
	Events []Envelope `json:"events"`
	Cursor string     `json:"cursor"`
}
