package storage

import (
	"context"

	"github.com/servionai/waconnect/internal/models"
)

// Store is the durable home of everything a tenant connection produces:
// serialized auth state, conversations, messages, and connection status.
type Store interface {
	// GetAuthBlob returns the serialized auth state for the tenant, or nil
	// when none has been saved.
	GetAuthBlob(ctx context.Context, tenantID string) ([]byte, error)
	SaveAuthBlob(ctx context.Context, tenantID string, blob []byte) error
	DeleteAuthBlob(ctx context.Context, tenantID string) error

	UpdateConnectionStatus(ctx context.Context, tenantID string, status models.ConnectionStatus) error

	// GetOrCreateConversation resolves the conversation for the counterpart
	// address, creating it when missing. An empty name never overwrites an
	// existing display name.
	GetOrCreateConversation(ctx context.Context, tenantID, address, name string) (*models.Conversation, error)
	GetConversation(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error)
	GetConversations(ctx context.Context, tenantID string) ([]*models.Conversation, error)

	// SaveMessage persists a message, keyed by (tenant, external id).
	// Saving a message whose external id already exists is a no-op, not an
	// error. The first successful save also updates the conversation's last
	// message and, for inbound messages, its unread count.
	SaveMessage(ctx context.Context, msg *models.Message) error

	// GetRecentMessages returns up to limit messages for the conversation,
	// newest first.
	GetRecentMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error)

	GetContactPolicy(ctx context.Context, tenantID string) (models.ContactPolicy, error)
	GetBusinessProfile(ctx context.Context, tenantID string) (*models.BusinessProfile, error)

	Close() error
}
