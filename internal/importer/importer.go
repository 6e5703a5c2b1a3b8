package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/servionai/waconnect/internal/models"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning guards the one-active-job-per-tenant invariant.
	ErrAlreadyRunning = errors.New("import already running")
	// ErrNotFound is returned when the tenant has no import job.
	ErrNotFound = errors.New("no import job found")
)

// Sessions is the slice of the session registry the importer needs.
type Sessions interface {
	ConnectedHandle(tenantID string) (protocol.Handle, error)
}

type Options struct {
	// MessageLimit bounds how many recent messages are pulled per thread.
	MessageLimit int
	// EmptyRetryDelay is the wait before the single retry when the thread
	// list comes back empty right after connecting.
	EmptyRetryDelay time.Duration
}

// Manager runs at most one bulk history import per tenant. Jobs are
// cancellable at thread boundaries and fail fast on the first thread error
// so an import is never silently incomplete.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*job

	sessions Sessions
	store    storage.Store
	opts     Options
	logger   *zap.Logger
}

type job struct {
	snapshot  models.ImportJob
	cancelled atomic.Bool
}

func NewManager(sessions Sessions, store storage.Store, opts Options, logger *zap.Logger) *Manager {
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 100
	}
	if opts.EmptyRetryDelay <= 0 {
		opts.EmptyRetryDelay = 5 * time.Second
	}
	return &Manager{
		jobs:     make(map[string]*job),
		sessions: sessions,
		store:    store,
		opts:     opts,
		logger:   logger,
	}
}

// Start begins an import for the tenant. The job runs in the background;
// progress is available through Status.
func (m *Manager) Start(ctx context.Context, tenantID string) (models.ImportJob, error) {
	m.mu.Lock()
	if existing, ok := m.jobs[tenantID]; ok && !existing.snapshot.Status.Terminal() {
		snap := existing.snapshot
		m.mu.Unlock()
		return snap, ErrAlreadyRunning
	}

	j := &job{snapshot: models.ImportJob{
		TenantID:  tenantID,
		Status:    models.ImportStarting,
		StartedAt: time.Now(),
	}}
	m.jobs[tenantID] = j
	m.mu.Unlock()

	handle, err := m.sessions.ConnectedHandle(tenantID)
	if err != nil {
		m.finish(j, models.ImportError, err.Error())
		return m.snapshot(j), err
	}

	go m.run(context.WithoutCancel(ctx), j, handle)

	return m.snapshot(j), nil
}

// Cancel flags the tenant's active job for cancellation. The job stops at
// the next thread boundary, not mid-thread.
func (m *Manager) Cancel(tenantID string) (models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[tenantID]
	if !ok || j.snapshot.Status.Terminal() {
		return models.ImportJob{}, ErrNotFound
	}
	j.cancelled.Store(true)
	return j.snapshot, nil
}

// Status returns the tenant's latest job snapshot.
func (m *Manager) Status(tenantID string) (models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[tenantID]
	if !ok {
		return models.ImportJob{}, ErrNotFound
	}
	return j.snapshot, nil
}

func (m *Manager) run(ctx context.Context, j *job, handle protocol.Handle) {
	tenantID := j.snapshot.TenantID
	logger := m.logger.With(zap.String("tenant_id", tenantID))

	m.setStatus(j, models.ImportLoadingSource)

	threads, err := handle.ListThreads(ctx)
	if err != nil {
		logger.Error("Failed to list threads", zap.Error(err))
		m.finish(j, models.ImportError, err.Error())
		return
	}
	if len(threads) == 0 {
		// A fresh connection often has no threads loaded yet; wait once and
		// ask again.
		logger.Info("Thread list empty, retrying after delay")
		select {
		case <-ctx.Done():
			m.finish(j, models.ImportCancelled, "")
			return
		case <-time.After(m.opts.EmptyRetryDelay):
		}
		if j.cancelled.Load() {
			m.finish(j, models.ImportCancelled, "")
			return
		}
		threads, err = handle.ListThreads(ctx)
		if err != nil {
			logger.Error("Failed to list threads on retry", zap.Error(err))
			m.finish(j, models.ImportError, err.Error())
			return
		}
	}

	private := threads[:0:0]
	for _, t := range threads {
		if !t.IsGroup {
			private = append(private, t)
		}
	}

	m.mu.Lock()
	j.snapshot.Status = models.ImportImporting
	j.snapshot.TotalCount = len(private)
	m.mu.Unlock()

	logger.Info("Importing conversation threads", zap.Int("total", len(private)))

	for _, thread := range private {
		if j.cancelled.Load() {
			logger.Info("Import cancelled",
				zap.Int("processed", m.snapshot(j).ProcessedCount),
				zap.Int("total", len(private)))
			m.finish(j, models.ImportCancelled, "")
			return
		}

		m.mu.Lock()
		j.snapshot.CurrentItemID = thread.ID
		m.mu.Unlock()

		if err := m.importThread(ctx, tenantID, handle, thread); err != nil {
			logger.Error("Failed to import thread",
				zap.Error(err),
				zap.String("thread_id", thread.ID))
			m.finish(j, models.ImportError, err.Error())
			return
		}

		m.mu.Lock()
		j.snapshot.ProcessedCount++
		m.mu.Unlock()
	}

	m.finish(j, models.ImportCompleted, "")
	logger.Info("Import completed", zap.Int("total", len(private)))
}

func (m *Manager) importThread(ctx context.Context, tenantID string, handle protocol.Handle, thread protocol.Thread) error {
	conv, err := m.store.GetOrCreateConversation(ctx, tenantID, thread.Address, thread.Name)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	msgs, err := handle.FetchThreadMessages(ctx, thread.ID, m.opts.MessageLimit)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}

	for _, tm := range msgs {
		msg := &models.Message{
			TenantID:       tenantID,
			ConversationID: conv.ID,
			ExternalID:     tm.ExternalID,
			Body:           tm.Body,
			Timestamp:      tm.Timestamp,
			HasMedia:       tm.HasMedia,
			Direction:      models.DirectionInbound,
		}
		if tm.FromSelf {
			msg.Direction = models.DirectionOutbound
			msg.Origin = models.OriginHuman
		}
		if err := m.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("saving message %s: %w", tm.ExternalID, err)
		}
	}
	return nil
}

func (m *Manager) setStatus(j *job, status models.ImportJobStatus) {
	m.mu.Lock()
	j.snapshot.Status = status
	m.mu.Unlock()
}

func (m *Manager) finish(j *job, status models.ImportJobStatus, lastError string) {
	m.mu.Lock()
	j.snapshot.Status = status
	j.snapshot.LastError = lastError
	j.snapshot.EndedAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) snapshot(j *job) models.ImportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return j.snapshot
}
