// Package peer moves public memories between nodes.
//
// Nodes exchange JSON messages over a websocket. A broadcast pushes one
// entry, a request asks for everything the peer may be missing, and a
// response answers either. Incoming entries go through an Inbox, which
// applies them in causal order and hands concurrent versions to the
// conflict guard instead of overwriting.
package peer

import (
	"time"

	"github.com/rcliao/memory-mesh/internal/model"
)

// MessageType names a protocol message.
type MessageType string

const (
	TypeBroadcast MessageType = "broadcast"
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
)

// Message is the single wire envelope.
type Message struct {
	Type MessageType `json:"type"`
	From string      `json:"from,omitempty"`

	// broadcast
	Entry *model.MemoryEntry `json:"entry,omitempty"`

	// request
	Since     time.Time `json:"since,omitempty"`
	KnownKeys []string  `json:"known_keys,omitempty"`

	// response
	Entries []model.MemoryEntry `json:"entries,omitempty"`
	Result  ApplyResult         `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ApplyResult says what an inbox did with one entry.
type ApplyResult string

const (
	Applied    ApplyResult = "applied"
	Ignored    ApplyResult = "ignored"
	Conflicted ApplyResult = "conflicted"
)
