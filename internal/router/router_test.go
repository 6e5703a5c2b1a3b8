package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/servionai/waconnect/internal/models"
	"github.com/servionai/waconnect/internal/protocol"
	"github.com/servionai/waconnect/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResponder struct {
	reply string
	err   error
	calls int
}

func (f *fakeResponder) GenerateReply(_ context.Context, _ string, _ []*models.Message, _ *models.BusinessProfile) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeHandle struct {
	sent    []string
	sendErr error
}

func (f *fakeHandle) Initialize(context.Context) error { return nil }
func (f *fakeHandle) SendMessage(_ context.Context, _, body string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, body)
	return "wamid.sent", nil
}
func (f *fakeHandle) ListThreads(context.Context) ([]protocol.Thread, error) { return nil, nil }
func (f *fakeHandle) FetchThreadMessages(context.Context, string, int) ([]protocol.ThreadMessage, error) {
	return nil, nil
}
func (f *fakeHandle) Destroy() error                { return nil }
func (f *fakeHandle) Events() <-chan protocol.Event { return nil }

func inbound(id, body string) *protocol.InboundMessage {
	return &protocol.InboundMessage{
		ExternalID: id,
		Sender:     "5511999887766@s.whatsapp.net",
		SenderName: "Alice",
		Body:       body,
		Timestamp:  time.Now(),
	}
}

func newTestRouter(store storage.Store, resp *fakeResponder) *Router {
	return New(store, resp, TakeoverPolicy{}, zap.NewNop())
}

func TestHandleInboundGeneratesAndDispatchesReply(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme Dental"})
	resp := &fakeResponder{reply: "We open at 9am."}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "When do you open?"))

	require.Equal(t, []string{"We open at 9am."}, conn.sent)

	conv, err := store.GetOrCreateConversation(ctx, "tenant-1", "5511999887766@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	msgs, err := store.GetRecentMessages(ctx, "tenant-1", conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.DirectionOutbound, msgs[0].Direction)
	assert.Equal(t, models.OriginAutomated, msgs[0].Origin)
	assert.Equal(t, models.DirectionInbound, msgs[1].Direction)
}

func TestNamelessSendersGetDistinctMaskedNames(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	first := inbound("wamid.1", "hello")
	first.SenderName = ""
	rt.HandleInbound(ctx, "tenant-1", conn, first)

	second := inbound("wamid.2", "hello")
	second.Sender = "5511888776655@s.whatsapp.net"
	second.SenderName = ""
	rt.HandleInbound(ctx, "tenant-1", conn, second)

	conv1, err := store.GetOrCreateConversation(ctx, "tenant-1", "5511999887766@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.Equal(t, "Customer 7766", conv1.DisplayName, "mask comes from the phone digits, not the JID domain")

	conv2, err := store.GetOrCreateConversation(ctx, "tenant-1", "5511888776655@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.Equal(t, "Customer 6655", conv2.DisplayName)
}

func TestHandleInboundSkipsGroupsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	group := inbound("wamid.g", "group chatter")
	group.IsGroup = true
	rt.HandleInbound(ctx, "tenant-1", conn, group)

	broadcast := inbound("wamid.b", "status update")
	broadcast.IsBroadcast = true
	rt.HandleInbound(ctx, "tenant-1", conn, broadcast)

	assert.Zero(t, resp.calls)
	assert.Empty(t, conn.sent)
}

func TestHandleInboundRespectsBlacklist(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	store.SetContactPolicy("tenant-1", models.ContactPolicy{
		Mode:            models.PolicyBlacklist,
		BlockedContacts: []string{"5511999887766"},
	})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))

	assert.Zero(t, resp.calls, "blocked contact must not reach the generator")
	assert.Empty(t, conn.sent)

	// The inbound message is still persisted.
	conv, err := store.GetOrCreateConversation(ctx, "tenant-1", "5511999887766@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	msgs, err := store.GetRecentMessages(ctx, "tenant-1", conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleInboundSkipsWithoutBusinessProfile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))

	assert.Zero(t, resp.calls)
	assert.Empty(t, conn.sent)
}

func TestHandleInboundSurvivesGenerationFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{err: errors.New("upstream down")}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))
	assert.Empty(t, conn.sent)

	// Next message goes through once the generator recovers.
	resp.err = nil
	resp.reply = "recovered"
	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.2", "anyone there?"))
	assert.Equal(t, []string{"recovered"}, conn.sent)
}

func TestHandleInboundDoesNotPersistReplyWhenSendFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{sendErr: errors.New("socket closed")}
	rt := newTestRouter(store, resp)

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))

	conv, err := store.GetOrCreateConversation(ctx, "tenant-1", "5511999887766@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	msgs, err := store.GetRecentMessages(ctx, "tenant-1", conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the inbound message is stored")
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
}

func seedConversation(t *testing.T, store *storage.MemoryStore) string {
	t.Helper()
	conv, err := store.GetOrCreateConversation(context.Background(), "tenant-1", "5511999887766@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	return conv.ID
}

func saveOutbound(t *testing.T, store *storage.MemoryStore, convID, id string, origin models.Origin, ts time.Time) {
	t.Helper()
	require.NoError(t, store.SaveMessage(context.Background(), &models.Message{
		TenantID:       "tenant-1",
		ConversationID: convID,
		ExternalID:     id,
		Direction:      models.DirectionOutbound,
		Origin:         origin,
		Body:           "msg",
		Timestamp:      ts,
	}))
}

func TestHumanTakeoverSuppressesWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	convID := seedConversation(t, store)
	saveOutbound(t, store, convID, "h1", models.OriginHuman, time.Now().Add(-2*time.Minute))

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))
	assert.Zero(t, resp.calls, "human replied 2 minutes ago, stay quiet")
}

func TestHumanTakeoverExpiresOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	convID := seedConversation(t, store)
	saveOutbound(t, store, convID, "h1", models.OriginHuman, time.Now().Add(-10*time.Minute))

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))
	assert.Equal(t, 1, resp.calls, "a 10-minute-old human message no longer suppresses")
	assert.Len(t, conn.sent, 1)
}

func TestHumanTakeoverConsecutiveHumanOutbound(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	convID := seedConversation(t, store)
	// Two human outbound messages in a row, both well outside the window.
	saveOutbound(t, store, convID, "h1", models.OriginHuman, time.Now().Add(-30*time.Minute))
	saveOutbound(t, store, convID, "h2", models.OriginHuman, time.Now().Add(-20*time.Minute))

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))
	assert.Zero(t, resp.calls, "two consecutive human outbounds hand the conversation over")
}

func TestAutomatedOutboundBreaksHumanStreak(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetBusinessProfile("tenant-1", &models.BusinessProfile{Name: "Acme"})
	resp := &fakeResponder{reply: "hi"}
	conn := &fakeHandle{}
	rt := newTestRouter(store, resp)

	convID := seedConversation(t, store)
	saveOutbound(t, store, convID, "h1", models.OriginHuman, time.Now().Add(-40*time.Minute))
	saveOutbound(t, store, convID, "a1", models.OriginAutomated, time.Now().Add(-30*time.Minute))
	saveOutbound(t, store, convID, "h2", models.OriginHuman, time.Now().Add(-20*time.Minute))

	rt.HandleInbound(ctx, "tenant-1", conn, inbound("wamid.1", "hello"))
	assert.Equal(t, 1, resp.calls, "an automated reply in between resets the streak")
}
