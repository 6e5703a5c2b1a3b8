package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/servionai/waconnect/internal/models"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/responder"
	"github.com/servionai/waconnect/internal/storage"
	"go.uber.org/zap"
)

// TakeoverPolicy decides when a human operator owns a conversation and
// automated replies must stay quiet.
type TakeoverPolicy struct {
	// HumanWindow suppresses replies while a human outbound message is this
	// recent.
	HumanWindow time.Duration
	// ConsecutiveHuman suppresses replies once this many most-recent
	// outbound messages in a row are human.
	ConsecutiveHuman int
	// RecentLimit is how many messages are inspected, and how much context
	// the reply generator receives.
	RecentLimit int
}

// Router processes one inbound message at a time per tenant: it persists the
// message, applies the contact policy and human-takeover arbitration, and
// dispatches an automated reply when allowed.
type Router struct {
	store     storage.Store
	responder responder.Responder
	policy    TakeoverPolicy
	logger    *zap.Logger
	now       func() time.Time
}

func New(store storage.Store, resp responder.Responder, policy TakeoverPolicy, logger *zap.Logger) *Router {
	if policy.HumanWindow <= 0 {
		policy.HumanWindow = 5 * time.Minute
	}
	if policy.ConsecutiveHuman <= 0 {
		policy.ConsecutiveHuman = 2
	}
	if policy.RecentLimit <= 0 {
		policy.RecentLimit = 10
	}
	return &Router{
		store:     store,
		responder: resp,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleInbound runs the full pipeline for a single inbound message. Every
// failure is logged and stops the pipeline for this message only; the event
// loop that called us keeps running.
func (rt *Router) HandleInbound(ctx context.Context, tenantID string, conn protocol.Handle, msg *protocol.InboundMessage) {
	logger := rt.logger.With(
		zap.String("tenant_id", tenantID),
		zap.String("external_id", msg.ExternalID))

	if msg.Sender == "" || msg.IsGroup || msg.IsBroadcast {
		return
	}

	name := msg.SenderName
	if name == "" {
		name = maskedName(msg.Sender)
	}

	conv, err := rt.store.GetOrCreateConversation(ctx, tenantID, msg.Sender, name)
	if err != nil {
		logger.Error("Failed to resolve conversation", zap.Error(err))
		return
	}

	inbound := &models.Message{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		ExternalID:     msg.ExternalID,
		Direction:      models.DirectionInbound,
		Body:           msg.Body,
		Timestamp:      msg.Timestamp,
		HasMedia:       msg.HasMedia,
	}
	if err := rt.store.SaveMessage(ctx, inbound); err != nil {
		logger.Error("Failed to save inbound message", zap.Error(err))
		return
	}

	policy, err := rt.store.GetContactPolicy(ctx, tenantID)
	if err != nil {
		logger.Error("Failed to load contact policy", zap.Error(err))
		return
	}
	if !policy.AllowsAutomatedReply(msg.Sender) {
		logger.Info("Contact policy forbids automated reply",
			zap.String("mode", string(policy.Mode)))
		return
	}

	recent, err := rt.store.GetRecentMessages(ctx, tenantID, conv.ID, rt.policy.RecentLimit)
	if err != nil {
		logger.Error("Failed to load recent messages", zap.Error(err))
		return
	}
	if rt.humanTakeoverActive(recent) {
		logger.Info("Human takeover active, suppressing automated reply",
			zap.String("conversation_id", conv.ID))
		return
	}

	profile, err := rt.store.GetBusinessProfile(ctx, tenantID)
	if err != nil {
		logger.Error("Failed to load business profile", zap.Error(err))
		return
	}
	if profile == nil {
		logger.Info("No business profile configured, skipping automated reply")
		return
	}

	reply, err := rt.responder.GenerateReply(ctx, msg.Body, recent, profile)
	if err != nil {
		logger.Error("Failed to generate reply", zap.Error(err))
		return
	}

	// Send failures are dropped deliberately: re-send idempotency of the
	// protocol is undefined, so a retry could double-deliver.
	if _, err := conn.SendMessage(ctx, msg.Sender, reply); err != nil {
		logger.Error("Failed to dispatch automated reply", zap.Error(err))
		return
	}

	outbound := &models.Message{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		ExternalID:     fmt.Sprintf("ai-%s", uuid.New().String()),
		Direction:      models.DirectionOutbound,
		Origin:         models.OriginAutomated,
		Body:           reply,
		Timestamp:      rt.now(),
	}
	if err := rt.store.SaveMessage(ctx, outbound); err != nil {
		logger.Error("Failed to save automated reply", zap.Error(err))
	}
}

// humanTakeoverActive scans the conversation newest-first. A human operator
// owns the conversation when a recent-enough human outbound message exists,
// or when the last ConsecutiveHuman outbound messages were all human.
func (rt *Router) humanTakeoverActive(recent []*models.Message) bool {
	cutoff := rt.now().Add(-rt.policy.HumanWindow)
	consecutive := 0
	counting := true

	for _, msg := range recent {
		if msg.Direction != models.DirectionOutbound {
			continue
		}
		if msg.Origin != models.OriginHuman {
			// An automated outbound ends the consecutive-human streak, but
			// older human messages may still fall inside the window.
			counting = false
			continue
		}
		if msg.Timestamp.After(cutoff) {
			return true
		}
		if counting {
			consecutive++
			if consecutive >= rt.policy.ConsecutiveHuman {
				return true
			}
		}
	}
	return false
}

// maskedName builds a placeholder display name from the trailing phone
// digits. Addresses arrive as JIDs ("5511999887766@s.whatsapp.net"), so the
// domain part must not leak into the mask.
func maskedName(address string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "Customer"
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return "Customer " + digits
}
