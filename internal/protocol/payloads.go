// ABOUTME: Typed payload structs for each frame op, plus the GatewayEvent shape.
// ABOUTME: Field names match the wire contract exactly; ids are encoded addresses.

package protocol

import (
	"encoding/json"

	"github.com/quetel/bridge/internal/message"
)

// ServerInfo identifies the gateway in the hello frame.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HelloData is the first frame a server sends on connect.
type HelloData struct {
	SessionID    string     `json:"sessionId"`
	HeartbeatMs  int        `json:"heartbeatMs"`
	Server       ServerInfo `json:"server"`
	Capabilities []string   `json:"capabilities"`
	// Resume is reserved; no server currently honors it.
	Resume bool `json:"resume"`
}

// Scope is the set of instance ids a client is authorized for.
type Scope struct {
	Instances []int64 `json:"instances"`
}

// IdentifyData is the client's response to hello.
type IdentifyData struct {
	Token          string   `json:"token"`
	Name           string   `json:"name,omitempty"`
	AdapterVersion string   `json:"adapterVersion,omitempty"`
	Scope          Scope    `json:"scope"`
	Capabilities   []string `json:"capabilities"`
}

// Identity names the bot/user the session acts as.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// PairSnapshot is one forwarding pair in the ready snapshot.
type PairSnapshot struct {
	QQRoomID   int64 `json:"qqRoomId"`
	TGChatID   int64 `json:"tgChatId"`
	TGThreadID int64 `json:"tgThreadId,omitempty"`
}

// InstanceSnapshot is one known instance and its forwarding pairs.
type InstanceSnapshot struct {
	ID    int64          `json:"id"`
	Pairs []PairSnapshot `json:"pairs"`
}

// ReadyData completes the handshake after a successful identify.
type ReadyData struct {
	Self      Identity           `json:"self"`
	Instances []InstanceSnapshot `json:"instances"`
}

// CallData asks the server to perform a named action.
type CallData struct {
	ID         string          `json:"id"`
	InstanceID *int64          `json:"instanceId,omitempty"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params"`
}

// ResultData answers a prior call, matched by ID.
type ResultData struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorData      `json:"error,omitempty"`
}

// ErrorData is a non-fatal diagnostic, either standalone in an error
// frame or embedded in a failed result.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventMessageCreated is the only event type currently defined.
const EventMessageCreated = "message.created"

// Actor is the author of an event's message.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// EventMessage is the message body inside a message.created event.
// Native is an opaque passthrough of the platform's raw object; the
// protocol does not interpret it.
type EventMessage struct {
	MessageID string            `json:"messageId"`
	Platform  string            `json:"platform"`
	ThreadID  *int64            `json:"threadId"`
	Native    json.RawMessage   `json:"native,omitempty"`
	Segments  []message.Segment `json:"segments"`
	Timestamp int64             `json:"timestamp"`
}

// GatewayEvent is the payload of an event frame. Seq increases
// monotonically per process for every published event, before scope
// filtering, so consumers can detect gaps.
type GatewayEvent struct {
	Seq        uint64       `json:"seq"`
	Type       string       `json:"type"`
	InstanceID int64        `json:"instanceId"`
	ChannelID  string       `json:"channelId"`
	ThreadID   *int64       `json:"threadId"`
	Actor      Actor        `json:"actor"`
	Message    EventMessage `json:"message"`
}
