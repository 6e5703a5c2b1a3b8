package session

import (
	"context"
	"time"

	"github.com/servionai/waconnect/internal/models"
)

// PairingResult is the outcome of a pairing-payload request. Pending means
// the payload has not arrived within the wait bound and the caller should
// retry shortly.
type PairingResult struct {
	Status         models.ConnectionStatus `json:"status"`
	PairingPayload string                  `json:"pairing_payload,omitempty"`
	Pending        bool                    `json:"pending,omitempty"`
}

// PairingPayload surfaces the tenant's pairing payload. If the session does
// not exist yet it is acquired first. The wait is bounded: after the
// configured attempts the caller gets a Pending result instead of blocking.
func (r *Registry) PairingPayload(ctx context.Context, tenantID string) (PairingResult, error) {
	r.mu.Lock()
	sess, ok := r.sessions[tenantID]
	if ok {
		if sess.status == models.StatusConnected {
			r.mu.Unlock()
			return PairingResult{Status: models.StatusConnected}, nil
		}
		if sess.payload != "" {
			res := PairingResult{Status: sess.status, PairingPayload: sess.payload}
			r.mu.Unlock()
			return res, nil
		}
	}
	r.mu.Unlock()

	if !ok {
		if _, err := r.Acquire(ctx, tenantID); err != nil {
			return PairingResult{Status: models.StatusError}, err
		}
	}

	for attempt := 0; attempt < r.qrWaitAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return PairingResult{Status: models.StatusInitializing, Pending: true}, ctx.Err()
		case <-time.After(r.qrWaitInterval):
		}

		snap := r.Status(tenantID)
		switch {
		case snap.PairingPayload != "":
			return PairingResult{Status: snap.Status, PairingPayload: snap.PairingPayload}, nil
		case snap.Status == models.StatusConnected:
			return PairingResult{Status: models.StatusConnected}, nil
		case snap.Status.Terminal():
			return PairingResult{Status: snap.Status}, ErrInitialization
		}
	}

	return PairingResult{Status: models.StatusInitializing, Pending: true}, nil
}
