package protocol

import (
	"context"
	"time"
)

// EventKind discriminates handle lifecycle and message events.
type EventKind string

const (
	EventPairingCode   EventKind = "pairing_code"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailure   EventKind = "auth_failure"
	EventMessage       EventKind = "message"
)

// Event is a single item on a handle's event stream. Exactly the fields for
// its Kind are set.
type Event struct {
	Kind        EventKind
	PairingCode string          // EventPairingCode
	AuthBlob    []byte          // EventAuthenticated
	Reason      string          // EventDisconnected, EventAuthFailure
	Message     *InboundMessage // EventMessage
}

// InboundMessage is a message received on a live connection.
type InboundMessage struct {
	ExternalID  string
	Sender      string // counterpart address
	SenderName  string
	Body        string
	Timestamp   time.Time
	HasMedia    bool
	FromSelf    bool
	IsGroup     bool
	IsBroadcast bool
}

// Thread is a conversation thread as reported by the protocol client during
// a history import.
type Thread struct {
	ID      string
	Address string
	Name    string
	IsGroup bool
}

// ThreadMessage is a historical message within a thread.
type ThreadMessage struct {
	ExternalID string
	Body       string
	FromSelf   bool
	Timestamp  time.Time
	HasMedia   bool
}

// Handle is the opaque per-tenant protocol connection. Implementations must
// close the Events channel after Destroy.
type Handle interface {
	// Initialize starts the connection. Pairing and readiness are reported
	// asynchronously on Events.
	Initialize(ctx context.Context) error

	// SendMessage delivers body to the counterpart address and returns the
	// protocol-assigned message id.
	SendMessage(ctx context.Context, address, body string) (string, error)

	// ListThreads returns the known non-group and group conversation
	// threads. May legitimately be empty right after connecting.
	ListThreads(ctx context.Context) ([]Thread, error)

	// FetchThreadMessages returns up to limit of the thread's most recent
	// messages.
	FetchThreadMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)

	// Destroy tears the connection down and releases its resources.
	Destroy() error

	Events() <-chan Event
}

// Factory creates handles. The session registry is its only caller.
type Factory interface {
	NewHandle(tenantID string) (Handle, error)
}
