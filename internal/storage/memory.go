package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servionai/waconnect/internal/models"
)

// MemoryStore is the in-memory twin of PostgresStore, used by tests and the
// use_in_memory config profile.
type MemoryStore struct {
	mu            sync.RWMutex
	authBlobs     map[string][]byte
	statuses      map[string]models.ConnectionStatus
	conversations map[string]map[string]*models.Conversation // tenant -> conversation id
	byAddress     map[string]map[string]string               // tenant -> address -> conversation id
	messages      map[string]map[string]*models.Message      // tenant -> external id
	policies      map[string]models.ContactPolicy
	profiles      map[string]*models.BusinessProfile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		authBlobs:     make(map[string][]byte),
		statuses:      make(map[string]models.ConnectionStatus),
		conversations: make(map[string]map[string]*models.Conversation),
		byAddress:     make(map[string]map[string]string),
		messages:      make(map[string]map[string]*models.Message),
		policies:      make(map[string]models.ContactPolicy),
		profiles:      make(map[string]*models.BusinessProfile),
	}
}

func (s *MemoryStore) GetAuthBlob(ctx context.Context, tenantID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authBlobs[tenantID], nil
}

func (s *MemoryStore) SaveAuthBlob(ctx context.Context, tenantID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authBlobs[tenantID] = blob
	return nil
}

func (s *MemoryStore) DeleteAuthBlob(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authBlobs, tenantID)
	return nil
}

func (s *MemoryStore) UpdateConnectionStatus(ctx context.Context, tenantID string, status models.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[tenantID] = status
	return nil
}

// ConnectionStatus returns the last persisted status for a tenant. Test helper.
func (s *MemoryStore) ConnectionStatus(tenantID string) models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[tenantID]
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, tenantID, address, name string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byAddr, ok := s.byAddress[tenantID]; ok {
		if id, ok := byAddr[address]; ok {
			return copyConversation(s.conversations[tenantID][id]), nil
		}
	}

	conv := &models.Conversation{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		CounterpartAddress: address,
		DisplayName:        name,
		CreatedAt:          time.Now(),
	}
	if s.conversations[tenantID] == nil {
		s.conversations[tenantID] = make(map[string]*models.Conversation)
		s.byAddress[tenantID] = make(map[string]string)
	}
	s.conversations[tenantID][conv.ID] = conv
	s.byAddress[tenantID][address] = conv.ID
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.conversations[tenantID][conversationID]; ok {
		return copyConversation(conv), nil
	}
	return nil, nil
}

func (s *MemoryStore) GetConversations(ctx context.Context, tenantID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []*models.Conversation
	for _, conv := range s.conversations[tenantID] {
		convs = append(convs, copyConversation(conv))
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messages[msg.TenantID] == nil {
		s.messages[msg.TenantID] = make(map[string]*models.Message)
	}
	if _, exists := s.messages[msg.TenantID][msg.ExternalID]; exists {
		// Duplicate delivery of the same external id.
		return nil
	}

	stored := *msg
	s.messages[msg.TenantID][msg.ExternalID] = &stored

	if conv, ok := s.conversations[msg.TenantID][msg.ConversationID]; ok {
		conv.LastMessageBody = msg.Body
		conv.LastMessageAt = msg.Timestamp
		if msg.Direction == models.DirectionInbound {
			conv.UnreadCount++
		}
	}
	return nil
}

func (s *MemoryStore) GetRecentMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*models.Message
	for _, msg := range s.messages[tenantID] {
		if msg.ConversationID == conversationID {
			m := *msg
			msgs = append(msgs, &m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) GetContactPolicy(ctx context.Context, tenantID string) (models.ContactPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if policy, ok := s.policies[tenantID]; ok {
		return policy, nil
	}
	return models.ContactPolicy{Mode: models.PolicyBlacklist}, nil
}

// SetContactPolicy configures the tenant's allow/block lists. Test helper.
func (s *MemoryStore) SetContactPolicy(tenantID string, policy models.ContactPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[tenantID] = policy
}

func (s *MemoryStore) GetBusinessProfile(ctx context.Context, tenantID string) (*models.BusinessProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if profile, ok := s.profiles[tenantID]; ok {
		p := *profile
		return &p, nil
	}
	return nil, nil
}

// SetBusinessProfile stores the tenant's business profile. Test helper.
func (s *MemoryStore) SetBusinessProfile(tenantID string, profile *models.BusinessProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[tenantID] = profile
}

func (s *MemoryStore) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyConversation(conv *models.Conversation) *models.Conversation {
	c := *conv
	return &c
}
