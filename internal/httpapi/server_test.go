package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/servionai/waconnect/internal/importer"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/ratelimit"
	"github.com/servionai/waconnect/internal/session"
	"github.com/servionai/waconnect/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type idleHandle struct {
	events chan protocol.Event
}

func (h *idleHandle) Initialize(context.Context) error { return nil }
func (h *idleHandle) SendMessage(context.Context, string, string) (string, error) {
	return "wamid.out", nil
}
func (h *idleHandle) ListThreads(context.Context) ([]protocol.Thread, error) { return nil, nil }
func (h *idleHandle) FetchThreadMessages(context.Context, string, int) ([]protocol.ThreadMessage, error) {
	return nil, nil
}
func (h *idleHandle) Destroy() error                { return nil }
func (h *idleHandle) Events() <-chan protocol.Event { return h.events }

type idleFactory struct{}

func (idleFactory) NewHandle(string) (protocol.Handle, error) {
	return &idleHandle{events: make(chan protocol.Event)}, nil
}

func newTestServer(t *testing.T) (*gin.Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := zap.NewNop()
	registry := session.NewRegistry(idleFactory{}, store, nil, session.Options{
		QRWaitAttempts: 2,
		QRWaitInterval: 5 * time.Millisecond,
	}, logger)
	imports := importer.NewManager(registry, store, importer.Options{}, logger)
	limiter := ratelimit.New(3*time.Second, time.Hour, 0)
	return NewServer(registry, imports, limiter, logger).Router(), store
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	return w, parsed
}

func TestPing(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodGet, "/api/whatsapp/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestInitValidatesTenantID(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodPost, "/api/whatsapp/init", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestInitStartsSession(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodPost, "/api/whatsapp/init", `{"tenant_id":"tenant-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	result := body["result"].(map[string]any)
	assert.Equal(t, "initializing", result["status"])
}

func TestStatusIsRateLimited(t *testing.T) {
	r, _ := newTestServer(t)

	w, _ := doJSON(t, r, http.MethodGet, "/api/whatsapp/status/tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, r, http.MethodGet, "/api/whatsapp/status/tenant-1", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotZero(t, body["retryAfter"])

	// Other tenants are unaffected.
	w, _ = doJSON(t, r, http.MethodGet, "/api/whatsapp/status/tenant-2", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusReportsDisconnectedForUnknownTenant(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodGet, "/api/whatsapp/status/tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	sess := body["session"].(map[string]any)
	assert.Equal(t, "disconnected", sess["status"])
}

func TestQRReportsPendingWhileWaiting(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodGet, "/api/whatsapp/qr/tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	result := body["result"].(map[string]any)
	assert.Equal(t, true, result["pending"])
}

func TestSendRequiresConnection(t *testing.T) {
	r, _ := newTestServer(t)
	w, body := doJSON(t, r, http.MethodPost, "/api/whatsapp/send",
		`{"tenant_id":"tenant-1","conversation_id":"conv-1","body":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestSendValidatesBody(t *testing.T) {
	r, _ := newTestServer(t)
	w, _ := doJSON(t, r, http.MethodPost, "/api/whatsapp/send", `{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisconnectIsAlwaysSafe(t *testing.T) {
	r, store := newTestServer(t)
	w, body := doJSON(t, r, http.MethodPost, "/api/whatsapp/disconnect", `{"tenant_id":"tenant-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "disconnected", string(store.ConnectionStatus("tenant-1")))
}

func TestImportRequiresConnection(t *testing.T) {
	r, _ := newTestServer(t)
	w, _ := doJSON(t, r, http.MethodPost, "/api/whatsapp/import", `{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportStatusNotFound(t *testing.T) {
	r, _ := newTestServer(t)
	w, _ := doJSON(t, r, http.MethodGet, "/api/whatsapp/import/status/tenant-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportCancelNotFound(t *testing.T) {
	r, _ := newTestServer(t)
	w, _ := doJSON(t, r, http.MethodPost, "/api/whatsapp/import/cancel", `{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
