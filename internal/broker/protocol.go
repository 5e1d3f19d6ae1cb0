// Package broker delivers broadcast events to WebSocket subscribers. It
// tracks client filters, isolates slow consumers behind bounded per
// connection buffers, and enforces the heartbeat liveness policy.
package broker

import (
	"transcriptd/internal/types"
)

// Client-to-server message types.
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientPing        = "ping"
)

// Server-to-client message types. Pipeline events reuse the types.EventType
// names (message_added, conversation_started, conversation_ended).
const (
	ServerConnectionEstablished = "connection_established"
	ServerSubscriptionConfirmed = "subscription_confirmed"
	ServerPong                  = "pong"
	ServerError                 = "error"
)

// WebSocket close codes. 4xxx codes are application-defined; shutdown uses
// the standard going-away code and slow consumers the policy violation code.
const (
	CloseAuthFailure  = 4401
	CloseRateLimited  = 4429
	CloseShutdown     = 1001
	CloseSlowConsumer = 1008
)

// ClientMessage is the envelope for everything a client sends.
type ClientMessage struct {
	Type      string        `json:"type"`
	Filter    *types.Filter `json:"filter,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type       string        `json:"type"`
	ClientID   string        `json:"clientId,omitempty"`
	ServerTime int64         `json:"serverTime,omitempty"`
	Filter     *types.Filter `json:"filter,omitempty"`
	Payload    any           `json:"payload,omitempty"`
	Timestamp  int64         `json:"timestamp,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
}
