package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEmitHandle(buffer int) *whatsmeowHandle {
	return &whatsmeowHandle{
		events: make(chan Event, buffer),
		logger: zap.NewNop(),
	}
}

func TestEmitDropsOnlyMessageEventsWhenFull(t *testing.T) {
	h := newEmitHandle(1)

	h.emit(Event{Kind: EventMessage, Message: &InboundMessage{ExternalID: "m1"}})
	// Channel is full now; this one is dropped instead of blocking the
	// whatsmeow callback goroutine.
	h.emit(Event{Kind: EventMessage, Message: &InboundMessage{ExternalID: "m2"}})

	done := make(chan struct{})
	go func() {
		h.emit(Event{Kind: EventReady})
		close(done)
	}()

	evt := <-h.events
	require.Equal(t, EventMessage, evt.Kind)
	assert.Equal(t, "m1", evt.Message.ExternalID)

	evt = <-h.events
	assert.Equal(t, EventReady, evt.Kind, "lifecycle events wait for room instead of being dropped")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lifecycle emit did not complete after the channel drained")
	}
}

func TestEmitAfterCloseIsNoOp(t *testing.T) {
	h := newEmitHandle(1)
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.events)
	})

	h.emit(Event{Kind: EventDisconnected, Reason: "gone"})

	_, ok := <-h.events
	assert.False(t, ok, "nothing may be sent on the closed channel")
}

func TestParseAddress(t *testing.T) {
	jid, err := parseAddress("5511999887766@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "5511999887766", jid.User)

	jid, err = parseAddress("5511999887766")
	require.NoError(t, err)
	assert.Equal(t, "5511999887766@s.whatsapp.net", jid.String())
}
