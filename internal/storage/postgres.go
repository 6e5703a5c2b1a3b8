package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/servionai/waconnect/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(config DatabaseConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	store := &PostgresStore{db: db}

	if err := store.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return store, nil
}

func (s *PostgresStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStore) GetAuthBlob(ctx context.Context, tenantID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT auth_blob FROM tenant_sessions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading auth blob: %v", err)
	}
	return blob, nil
}

func (s *PostgresStore) SaveAuthBlob(ctx context.Context, tenantID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_sessions (tenant_id, auth_blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id)
		DO UPDATE SET auth_blob = EXCLUDED.auth_blob, updated_at = now()`,
		tenantID, blob)
	if err != nil {
		return fmt.Errorf("error saving auth blob: %v", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAuthBlob(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenant_sessions SET auth_blob = NULL, updated_at = now() WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("error deleting auth blob: %v", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, tenantID string, status models.ConnectionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_sessions (tenant_id, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		tenantID, string(status))
	if err != nil {
		return fmt.Errorf("error updating connection status: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, tenantID, address, name string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var displayName, lastBody sql.NullString
	var lastAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, counterpart_address, display_name, last_message_body, last_message_at, unread_count, created_at
		FROM conversations
		WHERE tenant_id = $1 AND counterpart_address = $2`,
		tenantID, address,
	).Scan(&conv.ID, &conv.TenantID, &conv.CounterpartAddress, &displayName, &lastBody, &lastAt, &conv.UnreadCount, &conv.CreatedAt)
	if err == nil {
		conv.DisplayName = displayName.String
		conv.LastMessageBody = lastBody.String
		conv.LastMessageAt = lastAt.Time
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}

	conv = &models.Conversation{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		CounterpartAddress: address,
		DisplayName:        name,
	}
	// Concurrent creation for the same address loses the race to the unique
	// constraint; fall back to the winner's row.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, tenant_id, counterpart_address, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, counterpart_address) DO UPDATE SET counterpart_address = EXCLUDED.counterpart_address
		RETURNING id, created_at`,
		conv.ID, tenantID, address, name,
	).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %v", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var displayName, lastBody sql.NullString
	var lastAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, counterpart_address, display_name, last_message_body, last_message_at, unread_count, created_at
		FROM conversations
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, conversationID,
	).Scan(&conv.ID, &conv.TenantID, &conv.CounterpartAddress, &displayName, &lastBody, &lastAt, &conv.UnreadCount, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}
	conv.DisplayName = displayName.String
	conv.LastMessageBody = lastBody.String
	conv.LastMessageAt = lastAt.Time
	return conv, nil
}

func (s *PostgresStore) GetConversations(ctx context.Context, tenantID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, counterpart_address, display_name, last_message_body, last_message_at, unread_count, created_at
		FROM conversations
		WHERE tenant_id = $1
		ORDER BY last_message_at DESC NULLS LAST`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %v", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		var displayName, lastBody sql.NullString
		var lastAt sql.NullTime
		if err := rows.Scan(&conv.ID, &conv.TenantID, &conv.CounterpartAddress, &displayName, &lastBody, &lastAt, &conv.UnreadCount, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning conversation: %v", err)
		}
		conv.DisplayName = displayName.String
		conv.LastMessageBody = lastBody.String
		conv.LastMessageAt = lastAt.Time
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, conversation_id, external_id, direction, origin, body, ts, has_media)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		msg.TenantID, msg.ConversationID, msg.ExternalID, string(msg.Direction), string(msg.Origin), msg.Body, msg.Timestamp, msg.HasMedia)
	if err != nil {
		return fmt.Errorf("error saving message: %v", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if inserted == 0 {
		// Duplicate delivery of the same external id.
		return nil
	}

	unreadDelta := 0
	if msg.Direction == models.DirectionInbound {
		unreadDelta = 1
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_body = $1, last_message_at = $2, unread_count = unread_count + $3
		WHERE tenant_id = $4 AND id = $5`,
		msg.Body, msg.Timestamp, unreadDelta, msg.TenantID, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("error updating conversation last message: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetRecentMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, conversation_id, external_id, direction, origin, body, ts, has_media
		FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY ts DESC
		LIMIT $3`,
		tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var origin sql.NullString
		if err := rows.Scan(&msg.TenantID, &msg.ConversationID, &msg.ExternalID, &msg.Direction, &origin, &msg.Body, &msg.Timestamp, &msg.HasMedia); err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		msg.Origin = models.Origin(origin.String)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) GetContactPolicy(ctx context.Context, tenantID string) (models.ContactPolicy, error) {
	policy := models.ContactPolicy{Mode: models.PolicyBlacklist}
	var allowed, blocked pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, allowed_contacts, blocked_contacts FROM contact_policies WHERE tenant_id = $1`,
		tenantID,
	).Scan(&policy.Mode, &allowed, &blocked)
	if err == sql.ErrNoRows {
		return policy, nil
	}
	if err != nil {
		return policy, fmt.Errorf("error querying contact policy: %v", err)
	}
	policy.AllowedContacts = allowed
	policy.BlockedContacts = blocked
	return policy, nil
}

func (s *PostgresStore) GetBusinessProfile(ctx context.Context, tenantID string) (*models.BusinessProfile, error) {
	profile := &models.BusinessProfile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(name, ''), COALESCE(description, ''), COALESCE(industry, ''), COALESCE(services, ''),
		       COALESCE(hours, ''), COALESCE(contact, ''), COALESCE(address, ''), COALESCE(website, ''),
		       COALESCE(additional_info, '')
		FROM business_profiles WHERE tenant_id = $1`,
		tenantID,
	).Scan(&profile.Name, &profile.Description, &profile.Industry, &profile.Services,
		&profile.Hours, &profile.Contact, &profile.Address, &profile.Website, &profile.AdditionalInfo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying business profile: %v", err)
	}
	return profile, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
