// Package v1 defines the Parley Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
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

// Subprotocol is the websocket subprotocol clients must offer at upgrade.
const Subprotocol = "parley.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe requests delivery for a channel or conversation topic
	// (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms an accepted subscription (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe stops delivery for a topic (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeMessageCreated broadcasts a newly persisted message
	// (server -> topic subscribers).
	TypeMessageCreated = "message_created"
	// TypeMessageUpdated broadcasts an edit or a soft delete; deletes carry
	// the full message with deleted=true and placeholder content
	// (server -> topic subscribers).
	TypeMessageUpdated = "message_updated"

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
		TypeMessageCreated,
		TypeMessageUpdated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload requests delivery for one topic. Topics follow the
// "chat:{id}:messages" / "chat:{id}:messages:update" shape; subscribing to
// the base topic implies the update topic. Kind disambiguates the container
// ("channel" or "conversation", default "channel") since topics carry only
// the id.
type SubscribePayload struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind,omitempty"`
}

// SubscribeAckPayload confirms an accepted subscription.
type SubscribeAckPayload struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind,omitempty"`
}

// UnsubscribePayload stops delivery for one topic.
type UnsubscribePayload struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind,omitempty"`
}

// MessagePayload carries a full message record on created and updated
// broadcasts. Message is the server's canonical JSON message shape and is
// kept opaque here so the contract does not chase the storage model.
type MessagePayload struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
