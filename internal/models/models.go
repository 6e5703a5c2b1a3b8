package models

import "time"

// ConnectionStatus is the lifecycle state of a tenant's WhatsApp connection.
type ConnectionStatus string

const (
	StatusInitializing   ConnectionStatus = "initializing"
	StatusPairingPending ConnectionStatus = "pairing_pending"
	StatusAuthenticated  ConnectionStatus = "authenticated"
	StatusConnected      ConnectionStatus = "connected"
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusAuthFailure    ConnectionStatus = "auth_failure"
	StatusError          ConnectionStatus = "error"
)

// Terminal reports whether the status is a dead end that requires a fresh acquire.
func (s ConnectionStatus) Terminal() bool {
	return s == StatusDisconnected || s == StatusAuthFailure || s == StatusError
}

// TenantSession is the caller-visible snapshot of a tenant's connection.
// The underlying protocol handle is owned by the session registry and never
// leaves it.
type TenantSession struct {
	TenantID       string           `json:"tenant_id"`
	Status         ConnectionStatus `json:"status"`
	PairingPayload string           `json:"pairing_payload,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Conversation represents a single chat with a counterpart address,
// deduplicated per tenant by that address.
type Conversation struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	CounterpartAddress string    `json:"counterpart_address"`
	DisplayName        string    `json:"display_name"`
	LastMessageBody    string    `json:"last_message_body"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin of an outbound message.
type Origin string

const (
	OriginHuman     Origin = "human"
	OriginAutomated Origin = "automated"
)

// Message is a single stored chat message. ExternalID is unique per tenant;
// re-delivery of the same ExternalID must not create a second record.
type Message struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	ExternalID     string    `json:"external_id"`
	Direction      Direction `json:"direction"`
	Origin         Origin    `json:"origin,omitempty"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
	HasMedia       bool      `json:"has_media"`
}

// ImportJobStatus is the state of a bulk history import.
type ImportJobStatus string

const (
	ImportStarting      ImportJobStatus = "starting"
	ImportLoadingSource ImportJobStatus = "loading_source"
	ImportImporting     ImportJobStatus = "importing"
	ImportCompleted     ImportJobStatus = "completed"
	ImportCancelled     ImportJobStatus = "cancelled"
	ImportError         ImportJobStatus = "error"
)

// Terminal reports whether the job can never progress again.
func (s ImportJobStatus) Terminal() bool {
	return s == ImportCompleted || s == ImportCancelled || s == ImportError
}

// ImportJob tracks a cancellable bulk conversation import. At most one
// non-terminal job exists per tenant.
type ImportJob struct {
	TenantID       string          `json:"tenant_id"`
	Status         ImportJobStatus `json:"status"`
	TotalCount     int             `json:"total_count"`
	ProcessedCount int             `json:"processed_count"`
	CurrentItemID  string          `json:"current_item_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// BusinessProfile is the tenant's business description fed to the reply
// generator.
type BusinessProfile struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Industry       string `json:"industry"`
	Services       string `json:"services"`
	Hours          string `json:"hours"`
	Contact        string `json:"contact"`
	Address        string `json:"address"`
	Website        string `json:"website"`
	AdditionalInfo string `json:"additional_info"`
}
