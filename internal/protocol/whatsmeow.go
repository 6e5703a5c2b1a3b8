package protocol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// WhatsmeowFactory builds whatsmeow-backed handles, one device database per
// tenant under StoreDir.
type WhatsmeowFactory struct {
	StoreDir string
	LogLevel string
	Logger   *zap.Logger
}

func (f *WhatsmeowFactory) NewHandle(tenantID string) (Handle, error) {
	dbURI := fmt.Sprintf("file:%s/whatsapp-%s.db?_foreign_keys=on", f.StoreDir, tenantID)
	container, err := sqlstore.New(context.Background(), "sqlite3", dbURI, waLog.Stdout("Database", f.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", f.LogLevel, true))
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	h := &whatsmeowHandle{
		tenantID:  tenantID,
		client:    client,
		container: container,
		dbURI:     dbURI,
		events:    make(chan Event, 64),
		threads:   make(map[string]*threadState),
		logger:    f.Logger.With(zap.String("tenant_id", tenantID)),
	}
	client.AddEventHandler(h.handleEvent)
	return h, nil
}

type threadState struct {
	thread   Thread
	messages []ThreadMessage
}

type whatsmeowHandle struct {
	tenantID  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	dbURI     string
	events    chan Event
	logger    *zap.Logger

	mu      sync.RWMutex
	threads map[string]*threadState

	closed    atomic.Bool
	closeOnce sync.Once
}

func (h *whatsmeowHandle) Events() <-chan Event { return h.events }

func (h *whatsmeowHandle) Initialize(ctx context.Context) error {
	if h.client.Store.ID == nil {
		// Not paired yet: surface QR codes until login succeeds or times out.
		qrChan, err := h.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		go h.consumeQR(qrChan)
	}
	if err := h.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (h *whatsmeowHandle) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(Event{Kind: EventPairingCode, PairingCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess arrives through the event handler.
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(Event{Kind: EventDisconnected, Reason: "pairing timed out"})
		default:
			if item.Error != nil {
				h.emit(Event{Kind: EventAuthFailure, Reason: item.Error.Error()})
			}
		}
	}
}

func (h *whatsmeowHandle) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		h.emit(Event{Kind: EventAuthenticated, AuthBlob: []byte(evt.ID.String())})
	case *events.PairError:
		h.emit(Event{Kind: EventAuthFailure, Reason: evt.Error.Error()})
	case *events.Connected:
		h.emit(Event{Kind: EventReady})
	case *events.LoggedOut:
		h.emit(Event{Kind: EventDisconnected, Reason: fmt.Sprintf("logged out (%s)", evt.Reason)})
	case *events.StreamReplaced:
		h.emit(Event{Kind: EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		h.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.Message:
		h.handleMessage(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	}
}

func (h *whatsmeowHandle) handleMessage(evt *events.Message) {
	chat := evt.Info.Chat.String()
	msg := &InboundMessage{
		ExternalID:  string(evt.Info.ID),
		Sender:      evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractText(evt.Message),
		Timestamp:   evt.Info.Timestamp,
		HasMedia:    evt.Message.GetImageMessage() != nil || evt.Message.GetVideoMessage() != nil || evt.Message.GetDocumentMessage() != nil || evt.Message.GetAudioMessage() != nil,
		FromSelf:    evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		IsBroadcast: strings.HasSuffix(chat, "@broadcast") || strings.HasPrefix(chat, "status@"),
	}
	h.emit(Event{Kind: EventMessage, Message: msg})
}

// handleHistorySync keeps a thread snapshot so ListThreads and
// FetchThreadMessages can serve bulk imports. WhatsApp only pushes history,
// it cannot be queried on demand.
func (h *whatsmeowHandle) handleHistorySync(evt *events.HistorySync) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conv := range evt.Data.GetConversations() {
		chatJID := conv.GetID()
		if chatJID == "" {
			continue
		}
		jid, err := types.ParseJID(chatJID)
		if err != nil {
			continue
		}
		st, ok := h.threads[chatJID]
		if !ok {
			st = &threadState{thread: Thread{
				ID:      chatJID,
				Address: jid.ToNonAD().String(),
				Name:    conv.GetDisplayName(),
				IsGroup: jid.Server == types.GroupServer,
			}}
			h.threads[chatJID] = st
		}
		for _, hm := range conv.GetMessages() {
			if hm == nil || hm.Message == nil {
				continue
			}
			key := hm.Message.GetKey()
			if key == nil || key.GetID() == "" {
				continue
			}
			body := extractText(hm.Message.GetMessage())
			if body == "" {
				continue
			}
			st.messages = append(st.messages, ThreadMessage{
				ExternalID: key.GetID(),
				Body:       body,
				FromSelf:   key.GetFromMe(),
				Timestamp:  time.Unix(int64(hm.Message.GetMessageTimestamp()), 0),
			})
		}
	}
}

func (h *whatsmeowHandle) SendMessage(ctx context.Context, address, body string) (string, error) {
	jid, err := parseAddress(address)
	if err != nil {
		return "", err
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return string(resp.ID), nil
}

func (h *whatsmeowHandle) ListThreads(ctx context.Context) ([]Thread, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	threads := make([]Thread, 0, len(h.threads))
	for _, st := range h.threads {
		threads = append(threads, st.thread)
	}
	return threads, nil
}

func (h *whatsmeowHandle) FetchThreadMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.threads[threadID]
	if !ok {
		return nil, nil
	}
	msgs := st.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ThreadMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (h *whatsmeowHandle) Destroy() error {
	h.client.Disconnect()
	if err := h.container.Close(); err != nil {
		h.logger.Warn("failed to close device store", zap.Error(err))
	}
	h.removeDeviceDB()
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.events)
	})
	return nil
}

func (h *whatsmeowHandle) removeDeviceDB() {
	path := strings.TrimPrefix(h.dbURI, "file:")
	path = strings.Split(path, "?")[0]
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove device db file", zap.String("path", p), zap.Error(err))
		}
	}
}

// emit forwards an event to the lifecycle loop. Message events are dropped
// when the consumer falls behind; lifecycle transitions must never be, or the
// session state machine wedges mid-transition.
func (h *whatsmeowHandle) emit(evt Event) {
	if h.closed.Load() {
		return
	}
	if evt.Kind == EventMessage {
		select {
		case h.events <- evt:
		default:
			h.logger.Warn("event channel full, dropping message event",
				zap.String("external_id", evt.Message.ExternalID))
		}
		return
	}
	h.events <- evt
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func parseAddress(address string) (types.JID, error) {
	if strings.Contains(address, "@") {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid address %q: %w", address, err)
		}
		return jid, nil
	}
	return types.NewJID(address, types.DefaultUserServer), nil
}
