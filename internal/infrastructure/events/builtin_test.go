package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingAnswersPongWithRequestID(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)
	d.RegisterBuiltins()

	d.HandleInbound(context.Background(), "c1", []byte(`{"type":"ping","requestId":"p1","payload":{"n":1}}`))

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ws.EventPong, calls[0].EventType)
	assert.Equal(t, "p1", calls[0].RequestID)
	assert.JSONEq(t, `{"n":1}`, calls[0].Payload)
}

func TestRoomJoinAndLeave(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)
	d.RegisterBuiltins()
	ctx := context.Background()

	d.HandleInbound(ctx, "c1", []byte(`{"type":"room:join","requestId":"j1","payload":{"roomId":"lobby"}}`))

	assert.Equal(t, []string{"c1"}, gw.rooms["lobby"])
	calls := gw.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, sent{Kind: "room", Target: "lobby", EventType: EventMemberJoined, Payload: `{"roomId":"lobby","userId":"alice"}`, Exclude: "c1"}, calls[0])
	assert.Equal(t, EventRoomJoined, calls[1].EventType)
	assert.Equal(t, "j1", calls[1].RequestID)

	d.HandleInbound(ctx, "c1", []byte(`{"type":"room:leave","payload":{"roomId":"lobby"}}`))

	assert.Empty(t, gw.rooms["lobby"])
	calls = gw.calls()
	require.Len(t, calls, 4)
	assert.Equal(t, EventMemberLeft, calls[2].EventType)
	assert.Equal(t, EventRoomLeft, calls[3].EventType)
}

func TestRoomJoinWithoutRoomID(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)
	d.RegisterBuiltins()

	d.HandleInbound(context.Background(), "c1", []byte(`{"type":"room:join","requestId":"j2","payload":{}}`))

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ws.EventError, calls[0].EventType)
	assert.Equal(t, "j2", calls[0].RequestID)
	assert.Contains(t, calls[0].Payload, ErrMissingRoomID.Error())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.OutboundEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev messaging.OutboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestForwardStampsSender(t *testing.T) {
	gw := newFakeGateway()
	pub := &recordingPublisher{}
	d := newTestDispatcher(t, gw)
	d.RegisterHandler("chatMessage", Forward("chat.message.created", pub))

	d.HandleInbound(context.Background(), "c2", []byte(`{"type":"chatMessage","requestId":"m1","timestamp":42,"payload":{"text":"hi"}}`))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "chat.message.created", ev.RoutingKey)
	assert.True(t, ev.Persistent)

	body, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chatMessage","userId":"bob","connectionId":"c2","requestId":"m1","timestamp":42,"payload":{"text":"hi"}}`, string(body))
	assert.Empty(t, gw.calls())
}

func TestForwardFailureRepliesWithError(t *testing.T) {
	gw := newFakeGateway()
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := newTestDispatcher(t, gw)
	d.RegisterHandler("chatMessage", Forward("chat.message.created", pub))

	d.HandleInbound(context.Background(), "c1", []byte(`{"type":"chatMessage","requestId":"m2"}`))

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ws.EventError, calls[0].EventType)
	assert.Contains(t, calls[0].Payload, "broker down")
}

func TestForwardThroughMemoryBroker(t *testing.T) {
	broker := messaging.NewMemoryBroker()
	bus := messaging.NewEventBus(messaging.Config{
		URI:             "memory://",
		Exchange:        "eventgate.test",
		ConnectAttempts: 1,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      time.Millisecond,
	}, messaging.WithDialer(broker.Dial))
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	got := make(chan messaging.Delivery, 1)
	require.NoError(t, bus.Subscribe(ctx, "chat.audit", []string{"chat.#"}, func(_ context.Context, d messaging.Delivery) error {
		got <- d
		return nil
	}))

	d := newTestDispatcher(t, newFakeGateway())
	d.RegisterHandler("chatMessage", Forward("chat.message.created", bus))
	d.HandleInbound(ctx, "c1", []byte(`{"type":"chatMessage","payload":{"text":"hello"}}`))

	select {
	case delivery := <-got:
		assert.Equal(t, "chat.message.created", delivery.RoutingKey)
		assert.JSONEq(t, `{"text":"hello"}`, string(mustGet(t, delivery.Payload, "payload")))
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded event was not delivered")
	}
}

func mustGet(t *testing.T, body []byte, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return m[key]
}
