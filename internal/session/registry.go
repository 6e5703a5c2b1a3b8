package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/servionai/waconnect/internal/models"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned for operations that need a ready connection.
	ErrNotConnected = errors.New("whatsapp client not connected")
	// ErrConversationNotFound is returned by SendMessage for an unknown conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrInitialization wraps handle start-up failures; the caller may retry Acquire.
	ErrInitialization = errors.New("whatsapp initialization failed")
)

// InboundHandler consumes inbound message events for a tenant. It is called
// from the tenant's event loop, so calls for one tenant never overlap.
type InboundHandler interface {
	HandleInbound(ctx context.Context, tenantID string, conn protocol.Handle, msg *protocol.InboundMessage)
}

// AcquireResult describes the outcome of an Acquire call.
type AcquireResult struct {
	Status           models.ConnectionStatus `json:"status"`
	PairingPayload   string                  `json:"pairing_payload,omitempty"`
	AlreadyConnected bool                    `json:"already_connected,omitempty"`
}

type tenantSession struct {
	tenantID  string
	status    models.ConnectionStatus
	payload   string
	createdAt time.Time
	handle    *serialHandle
	cancel    context.CancelFunc
}

// Registry owns every live tenant connection. It is the only place a handle
// is created, mutated, or destroyed, which is what guarantees at most one
// handle per tenant.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*tenantSession

	factory protocol.Factory
	store   storage.Store
	inbound InboundHandler
	logger  *zap.Logger

	qrWaitAttempts int
	qrWaitInterval time.Duration
}

type Options struct {
	QRWaitAttempts int
	QRWaitInterval time.Duration
}

func NewRegistry(factory protocol.Factory, store storage.Store, inbound InboundHandler, opts Options, logger *zap.Logger) *Registry {
	if opts.QRWaitAttempts <= 0 {
		opts.QRWaitAttempts = 10
	}
	if opts.QRWaitInterval <= 0 {
		opts.QRWaitInterval = 500 * time.Millisecond
	}
	return &Registry{
		sessions:       make(map[string]*tenantSession),
		factory:        factory,
		store:          store,
		inbound:        inbound,
		logger:         logger,
		qrWaitAttempts: opts.QRWaitAttempts,
		qrWaitInterval: opts.QRWaitInterval,
	}
}

// Acquire creates or reuses the tenant's connection. Concurrent calls for
// the same tenant observe the same in-flight creation; a session in a
// terminal state is torn down first and replaced.
func (r *Registry) Acquire(ctx context.Context, tenantID string) (AcquireResult, error) {
	r.mu.Lock()

	if sess, ok := r.sessions[tenantID]; ok {
		switch {
		case sess.status == models.StatusConnected:
			r.mu.Unlock()
			return AcquireResult{Status: models.StatusConnected, AlreadyConnected: true}, nil
		case sess.payload != "":
			res := AcquireResult{Status: sess.status, PairingPayload: sess.payload}
			r.mu.Unlock()
			return res, nil
		case !sess.status.Terminal():
			res := AcquireResult{Status: sess.status}
			r.mu.Unlock()
			return res, nil
		default:
			// Dead session: replace it.
			delete(r.sessions, tenantID)
			r.mu.Unlock()
			r.destroySession(sess)
			r.mu.Lock()
			if _, raced := r.sessions[tenantID]; raced {
				res := AcquireResult{Status: r.sessions[tenantID].status}
				r.mu.Unlock()
				return res, nil
			}
		}
	}

	// Register the session before building the handle so concurrent Acquire
	// calls join this in-flight creation instead of spawning a second handle.
	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &tenantSession{
		tenantID:  tenantID,
		status:    models.StatusInitializing,
		createdAt: time.Now(),
		cancel:    cancel,
	}
	r.sessions[tenantID] = sess
	r.mu.Unlock()

	handle, err := r.factory.NewHandle(tenantID)
	if err != nil {
		r.remove(sess)
		cancel()
		r.logger.Error("Failed to create protocol handle",
			zap.Error(err),
			zap.String("tenant_id", tenantID))
		return AcquireResult{Status: models.StatusError}, fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	r.mu.Lock()
	if current, ok := r.sessions[tenantID]; !ok || current != sess {
		// Torn down while the handle was being built.
		r.mu.Unlock()
		cancel()
		if err := handle.Destroy(); err != nil {
			r.logger.Error("Failed to destroy orphaned handle",
				zap.Error(err),
				zap.String("tenant_id", tenantID))
		}
		return AcquireResult{Status: models.StatusDisconnected}, nil
	}
	sess.handle = &serialHandle{Handle: handle}
	r.mu.Unlock()

	go r.run(loopCtx, sess)

	return AcquireResult{Status: models.StatusInitializing}, nil
}

// run owns a session's whole life: it starts the handle, applies lifecycle
// transitions in the order the handle emits them, and feeds inbound messages
// to the router one at a time.
func (r *Registry) run(ctx context.Context, sess *tenantSession) {
	logger := r.logger.With(zap.String("tenant_id", sess.tenantID))

	if err := sess.handle.Initialize(ctx); err != nil {
		logger.Error("Failed to initialize protocol handle", zap.Error(err))
		r.setStatus(sess, models.StatusError)
		r.remove(sess)
		r.destroySession(sess)
		return
	}

	for evt := range sess.handle.Events() {
		switch evt.Kind {
		case protocol.EventPairingCode:
			logger.Info("Pairing code received")
			r.mu.Lock()
			sess.status = models.StatusPairingPending
			sess.payload = evt.PairingCode
			r.mu.Unlock()
			if err := r.store.UpdateConnectionStatus(ctx, sess.tenantID, models.StatusPairingPending); err != nil {
				logger.Error("Failed to persist pairing status", zap.Error(err))
			}

		case protocol.EventAuthenticated:
			logger.Info("Authenticated")
			if err := r.store.SaveAuthBlob(ctx, sess.tenantID, evt.AuthBlob); err != nil {
				logger.Error("Failed to save auth blob", zap.Error(err))
			}
			r.setStatus(sess, models.StatusAuthenticated)

		case protocol.EventReady:
			logger.Info("Connected and ready")
			r.mu.Lock()
			sess.status = models.StatusConnected
			sess.payload = ""
			r.mu.Unlock()
			if err := r.store.UpdateConnectionStatus(ctx, sess.tenantID, models.StatusConnected); err != nil {
				logger.Error("Failed to persist connected status", zap.Error(err))
			}

		case protocol.EventDisconnected:
			logger.Info("Disconnected", zap.String("reason", evt.Reason))
			r.setStatus(sess, models.StatusDisconnected)
			if err := r.store.DeleteAuthBlob(ctx, sess.tenantID); err != nil {
				logger.Error("Failed to delete auth blob", zap.Error(err))
			}
			if err := r.store.UpdateConnectionStatus(ctx, sess.tenantID, models.StatusDisconnected); err != nil {
				logger.Error("Failed to persist disconnected status", zap.Error(err))
			}
			r.remove(sess)
			r.destroySession(sess)
			return

		case protocol.EventAuthFailure:
			logger.Warn("Authentication failed", zap.String("reason", evt.Reason))
			r.setStatus(sess, models.StatusAuthFailure)
			if err := r.store.UpdateConnectionStatus(ctx, sess.tenantID, models.StatusAuthFailure); err != nil {
				logger.Error("Failed to persist auth failure status", zap.Error(err))
			}
			// Handle is dead; the session stays registered so the failure is
			// visible until the next Acquire replaces it.
			r.destroySession(sess)
			return

		case protocol.EventMessage:
			if evt.Message == nil || evt.Message.FromSelf {
				continue
			}
			if r.inbound != nil {
				r.inbound.HandleInbound(ctx, sess.tenantID, sess.handle, evt.Message)
			}
		}
	}
}

// Teardown disconnects and forgets the tenant's session. It is idempotent
// and converges to a persisted disconnected status even when individual
// steps fail.
func (r *Registry) Teardown(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()

	if ok {
		sess.cancel()
		r.destroySession(sess)
	}

	if err := r.store.DeleteAuthBlob(ctx, tenantID); err != nil {
		r.logger.Error("Failed to delete auth blob during teardown",
			zap.Error(err),
			zap.String("tenant_id", tenantID))
	}
	if err := r.store.UpdateConnectionStatus(ctx, tenantID, models.StatusDisconnected); err != nil {
		r.logger.Error("Failed to persist disconnected status during teardown",
			zap.Error(err),
			zap.String("tenant_id", tenantID))
	}
	return nil
}

// Status returns the caller-visible snapshot for the tenant. Tenants without
// a live session report disconnected.
func (r *Registry) Status(tenantID string) models.TenantSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[tenantID]; ok {
		return models.TenantSession{
			TenantID:       tenantID,
			Status:         sess.status,
			PairingPayload: sess.payload,
			CreatedAt:      sess.createdAt,
		}
	}
	return models.TenantSession{TenantID: tenantID, Status: models.StatusDisconnected}
}

// SendMessage sends an operator-written message into a conversation and
// persists it as a human outbound message.
func (r *Registry) SendMessage(ctx context.Context, tenantID, conversationID, body string) (string, error) {
	handle, err := r.ConnectedHandle(tenantID)
	if err != nil {
		return "", err
	}

	conv, err := r.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", ErrConversationNotFound
	}

	externalID, err := handle.SendMessage(ctx, conv.CounterpartAddress, body)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	msg := &models.Message{
		TenantID:       tenantID,
		ConversationID: conversationID,
		ExternalID:     externalID,
		Direction:      models.DirectionOutbound,
		Origin:         models.OriginHuman,
		Body:           body,
		Timestamp:      time.Now(),
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("Failed to persist outbound message",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("external_id", externalID))
	}
	return externalID, nil
}

// ConnectedHandle returns the tenant's handle if and only if the connection
// is ready. Used by the importer and SendMessage.
func (r *Registry) ConnectedHandle(tenantID string) (protocol.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tenantID]
	if !ok || sess.status != models.StatusConnected {
		return nil, ErrNotConnected
	}
	return sess.handle, nil
}

func (r *Registry) setStatus(sess *tenantSession, status models.ConnectionStatus) {
	r.mu.Lock()
	sess.status = status
	r.mu.Unlock()
}

func (r *Registry) remove(sess *tenantSession) {
	r.mu.Lock()
	if current, ok := r.sessions[sess.tenantID]; ok && current == sess {
		delete(r.sessions, sess.tenantID)
	}
	r.mu.Unlock()
}

func (r *Registry) destroySession(sess *tenantSession) {
	if sess.handle == nil {
		return
	}
	if err := sess.handle.Destroy(); err != nil {
		r.logger.Error("Failed to destroy protocol handle",
			zap.Error(err),
			zap.String("tenant_id", sess.tenantID))
	}
}

// serialHandle serializes message sends so that the router's automated
// replies and operator sends for the same tenant never interleave at the
// handle level.
type serialHandle struct {
	protocol.Handle
	sendMu sync.Mutex
}

func (h *serialHandle) SendMessage(ctx context.Context, address, body string) (string, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.Handle.SendMessage(ctx, address, body)
}
