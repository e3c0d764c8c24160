// Package v1 defines the murmur Feed Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the feed service and chat clients to keep the wire protocol authoritative.
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

// Subprotocol is the websocket subprotocol negotiated by clients and the gateway.
const Subprotocol = "murmur.feed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe opens a topic subscription (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms the subscription is live (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe releases a topic subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeChange carries one row-level change on a subscribed topic (server -> client).
	TypeChange = "change"

	// Store writes and reads (client -> server). Answered by TypeResult or TypeError.
	TypeMessageInsert  = "message_insert"
	TypeMessageStatus  = "message_status"
	TypeMessageEdit    = "message_edit"
	TypeReactionInsert = "reaction_insert"
	TypeReactionDelete = "reaction_delete"
	TypeHistoryFetch   = "history_fetch"
	TypeReactionFetch  = "reaction_fetch"

	// TypeResult answers a request envelope (server -> client).
	TypeResult = "result"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
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
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeChange,
		TypeResult,
		TypeError:
		return nil
	case TypeMessageInsert,
		TypeMessageStatus,
		TypeMessageEdit,
		TypeReactionInsert,
		TypeReactionDelete,
		TypeHistoryFetch,
		TypeReactionFetch:
		if strings.TrimSpace(e.ID) == "" {
			return errors.New("missing field: id")
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Session payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload carries the session id and the resolved user id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload names the topic for subscribe, subscribe_ack and unsubscribe.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// ErrorPayload is a generic error response payload.
// An error with Topic set and no ReplyTo reports that the server ended that subscription.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// Error codes (wire-stable).
const (
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeRateLimited  = "rate_limited"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ---- Request payloads ----

// MessageInsert creates a durable message row.
type MessageInsert struct {
	TempID     string      `json:"temp_id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Ciphertext Ciphertext  `json:"ciphertext"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// StatusUpdate is a guarded status write.
// When ID is empty it applies to every message from SenderID to ReceiverID whose status is From.
type StatusUpdate struct {
	ID         string `json:"id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// MessageEdit replaces the content of a message, guarded by (ID, SenderID).
type MessageEdit struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"sender_id"`
	Ciphertext Ciphertext `json:"ciphertext"`
}

// HistoryFetch requests the most recent messages between two users, oldest first.
type HistoryFetch struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
	Limit int    `json:"limit,omitempty"`
}

// ReactionFetch requests every reaction row of a message.
type ReactionFetch struct {
	MessageID string `json:"message_id"`
}

// ResultPayload answers any request envelope.
type ResultPayload struct {
	Messages     []MessageRecord  `json:"messages,omitempty"`
	Reactions    []ReactionRecord `json:"reactions,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
}
