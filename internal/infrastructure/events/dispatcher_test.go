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

type sent struct {
	Kind      string
	Target    string
	EventType string
	Payload   string
	Exclude   string
	RequestID string
}

type disconnect struct {
	ConnID string
	Code   int
}

// fakeGateway records every call the dispatcher makes.
type fakeGateway struct {
	mu          sync.Mutex
	users       map[string]string
	online      map[string]bool
	rooms       map[string][]string
	sent        []sent
	disconnects []disconnect
	sendErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		users:  map[string]string{"c1": "alice", "c2": "bob"},
		online: map[string]bool{"alice": true, "bob": true},
		rooms:  map[string][]string{},
	}
}

func payloadString(p any) string {
	if raw, ok := p.(json.RawMessage); ok {
		return string(raw)
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func (g *fakeGateway) SendEnvelope(_ context.Context, connID string, env ws.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{Kind: "conn", Target: connID, EventType: env.Type, Payload: string(env.Payload), RequestID: env.RequestID})
	return g.sendErr
}

func (g *fakeGateway) SendToUser(_ context.Context, userID, eventType string, payload any) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{Kind: "user", Target: userID, EventType: eventType, Payload: payloadString(payload)})
	return g.online[userID], g.sendErr
}

func (g *fakeGateway) SendToGroup(_ context.Context, roomID, eventType string, payload any, exclude string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{Kind: "room", Target: roomID, EventType: eventType, Payload: payloadString(payload), Exclude: exclude})
	return len(g.rooms[roomID]), g.sendErr
}

func (g *fakeGateway) Broadcast(_ context.Context, eventType string, payload any) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{Kind: "broadcast", EventType: eventType, Payload: payloadString(payload)})
	return len(g.users), g.sendErr
}

func (g *fakeGateway) Disconnect(connID string, code int, _ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnects = append(g.disconnects, disconnect{ConnID: connID, Code: code})
	delete(g.users, connID)
}

func (g *fakeGateway) JoinRoom(connID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[connID]; !ok {
		return errors.New("unknown connection")
	}
	g.rooms[roomID] = append(g.rooms[roomID], connID)
	return nil
}

func (g *fakeGateway) LeaveRoom(connID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := g.rooms[roomID][:0]
	for _, id := range g.rooms[roomID] {
		if id != connID {
			members = append(members, id)
		}
	}
	g.rooms[roomID] = members
	return nil
}

func (g *fakeGateway) UserOf(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[connID]
	return u, ok
}

func (g *fakeGateway) calls() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.sent...)
}

func (g *fakeGateway) drops() []disconnect {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]disconnect(nil), g.disconnects...)
}

func newTestDispatcher(t *testing.T, gw Gateway, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(gw, opts...)
	require.NoError(t, err)
	return d
}

func TestHandlerChainRunsInRegistrationOrder(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)

	var order []string
	d.RegisterHandlerFunc("chatMessage", func(_ context.Context, msg Message) error {
		order = append(order, "first:"+msg.UserID)
		return errors.New("first failed")
	})
	d.RegisterHandlerFunc("chatMessage", func(_ context.Context, msg Message) error {
		order = append(order, "second:"+msg.Envelope.Sender)
		return nil
	})

	d.HandleInbound(context.Background(), "c1", []byte(`{"type":"chatMessage","payload":{"text":"hi"},"requestId":"r1"}`))

	assert.Equal(t, []string{"first:alice", "second:alice"}, order)

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ws.EventError, calls[0].EventType)
	assert.Equal(t, "c1", calls[0].Target)
	assert.Equal(t, "r1", calls[0].RequestID)
	assert.Contains(t, calls[0].Payload, "first failed")
}

func TestInboundStampsSenderAndTimestamp(t *testing.T) {
	gw := newFakeGateway()
	now := time.UnixMilli(1_700_000_000_000)
	d := newTestDispatcher(t, gw, WithClock(func() time.Time { return now }))

	var got Message
	d.RegisterHandlerFunc("note", func(_ context.Context, msg Message) error {
		got = msg
		return nil
	})

	d.HandleInbound(context.Background(), "c2", []byte(`{"type":"note","sender":"mallory"}`))

	assert.Equal(t, "bob", got.Envelope.Sender)
	assert.Equal(t, now.UnixMilli(), got.Envelope.Timestamp)
	assert.Equal(t, "c2", got.ConnectionID)
}

func TestHandlerPanicBecomesErrorEnvelope(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)

	ran := false
	d.RegisterHandlerFunc("boom", func(context.Context, Message) error { panic("kaboom") })
	d.RegisterHandlerFunc("boom", func(context.Context, Message) error { ran = true; return nil })

	assert.NotPanics(t, func() {
		d.HandleInbound(context.Background(), "c1", []byte(`{"type":"boom"}`))
	})
	assert.True(t, ran)

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Payload, "kaboom")
}

func TestUnknownEventType(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw, WithFloodProtection(FloodConfig{MaxMalformed: 1, Window: time.Minute}))

	for range 3 {
		d.HandleInbound(context.Background(), "c1", []byte(`{"type":"nope","requestId":"x"}`))
	}

	calls := gw.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, ws.EventError, calls[0].EventType)
	assert.Equal(t, "x", calls[0].RequestID)
	assert.Empty(t, gw.drops())
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		requestID string
	}{
		{name: "not json", frame: `hello`},
		{name: "truncated keeps request id", frame: `{"requestId":"abc","type":"chat`, requestID: "abc"},
		{name: "missing type", frame: `{"requestId":"r9","payload":{}}`, requestID: "r9"},
		{name: "wrong type for field", frame: `{"type":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			d := newTestDispatcher(t, gw)

			d.HandleInbound(context.Background(), "c1", []byte(tt.frame))

			calls := gw.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, ws.EventError, calls[0].EventType)
			assert.Equal(t, tt.requestID, calls[0].RequestID)
			assert.Empty(t, gw.drops())
		})
	}
}

func TestFloodingConnectionIsDisconnected(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw, WithFloodProtection(FloodConfig{MaxMalformed: 3, Window: time.Minute}))

	for range 3 {
		d.HandleInbound(context.Background(), "c1", []byte(`garbage`))
	}
	assert.Empty(t, gw.drops())

	d.HandleInbound(context.Background(), "c1", []byte(`garbage`))

	drops := gw.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, disconnect{ConnID: "c1", Code: ws.ClosePolicyViolation}, drops[0])
	assert.Zero(t, d.flood.tracked())
}

func TestFloodWindowSlides(t *testing.T) {
	gw := newFakeGateway()
	now := time.Unix(1000, 0)
	d := newTestDispatcher(t, gw,
		WithFloodProtection(FloodConfig{MaxMalformed: 2, Window: 10 * time.Second}),
		WithClock(func() time.Time { return now }),
	)

	d.HandleInbound(context.Background(), "c1", []byte(`x`))
	d.HandleInbound(context.Background(), "c1", []byte(`x`))
	now = now.Add(11 * time.Second)
	d.HandleInbound(context.Background(), "c1", []byte(`x`))

	assert.Empty(t, gw.drops())
}

func TestHandleDisconnectForgetsFloodState(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)

	d.HandleInbound(context.Background(), "c1", []byte(`x`))
	assert.Equal(t, 1, d.flood.tracked())

	d.HandleDisconnect("c1")
	assert.Zero(t, d.flood.tracked())
}

func TestInboundFromUnknownConnectionIsIgnored(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw)

	called := false
	d.RegisterHandlerFunc("note", func(context.Context, Message) error { called = true; return nil })

	d.HandleInbound(context.Background(), "ghost", []byte(`{"type":"note"}`))

	assert.False(t, called)
	assert.Empty(t, gw.calls())
}

func TestNewDispatcherRejectsBadRoutes(t *testing.T) {
	tests := []struct {
		name  string
		route Route
	}{
		{name: "empty pattern", route: Route{Target: TargetBroadcast}},
		{name: "user without field", route: Route{Pattern: "user.*", Target: TargetUser}},
		{name: "room without field", route: Route{Pattern: "room.*", Target: TargetRoom}},
		{name: "unknown target", route: Route{Pattern: "a", Target: "everyone"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(newFakeGateway(), WithRoutes(tt.route))
			assert.Error(t, err)
		})
	}
}

func TestBrokerEventRouting(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw, WithRoutes(
		Route{Pattern: "user.*", Target: TargetUser, Field: "userId"},
		Route{Pattern: "district.#", Target: TargetRoom, Field: "roomIds", EventType: "district.update"},
		Route{Pattern: "system.announce", Target: TargetBroadcast},
	))
	ctx := context.Background()

	require.NoError(t, d.HandleBrokerEvent(ctx, "user.mentioned", []byte(`{"userId":"alice","text":"hey"}`)))
	require.NoError(t, d.HandleBrokerEvent(ctx, "district.a.b", []byte(`{"roomIds":["r1","r2"]}`)))
	require.NoError(t, d.HandleBrokerEvent(ctx, "system.announce", []byte(`{"msg":"maintenance"}`)))

	calls := gw.calls()
	require.Len(t, calls, 4)

	assert.Equal(t, sent{Kind: "user", Target: "alice", EventType: "user.mentioned", Payload: `{"userId":"alice","text":"hey"}`}, calls[0])
	assert.Equal(t, "room", calls[1].Kind)
	assert.Equal(t, "r1", calls[1].Target)
	assert.Equal(t, "district.update", calls[1].EventType)
	assert.Equal(t, "r2", calls[2].Target)
	assert.Equal(t, "broadcast", calls[3].Kind)
	assert.Equal(t, "system.announce", calls[3].EventType)
}

func TestBrokerEventEdgeCases(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t, gw, WithRoutes(
		Route{Pattern: "user.*", Target: TargetUser, Field: "userId"},
	))
	ctx := context.Background()

	assert.NoError(t, d.HandleBrokerEvent(ctx, "user.x", []byte(`not json`)))
	assert.NoError(t, d.HandleBrokerEvent(ctx, "user.x", []byte(`{"other":"field"}`)))
	assert.NoError(t, d.HandleBrokerEvent(ctx, "order.created", []byte(`{"userId":"alice"}`)))
	assert.NoError(t, d.HandleBrokerEvent(ctx, "user.x", []byte(`{"userId":"carol"}`)))

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "carol", calls[0].Target)
}

func TestBrokerEventSurfacesGatewayErrors(t *testing.T) {
	gw := newFakeGateway()
	gw.sendErr = errors.New("encode failed")
	d := newTestDispatcher(t, gw, WithRoutes(Route{Pattern: "#", Target: TargetBroadcast}))

	err := d.HandleBrokerEvent(context.Background(), "a.b", []byte(`{}`))
	assert.ErrorContains(t, err, "encode failed")
}

func TestPatternsAreDistinct(t *testing.T) {
	d := newTestDispatcher(t, newFakeGateway(), WithRoutes(
		Route{Pattern: "user.*", Target: TargetUser, Field: "userId"},
		Route{Pattern: "user.*", Target: TargetBroadcast},
		Route{Pattern: "room.#", Target: TargetRoom, Field: "roomId"},
	))

	assert.Equal(t, []string{"user.*", "room.#"}, d.Patterns())
}

func TestBindDeliversBrokerEvents(t *testing.T) {
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

	gw := newFakeGateway()
	d := newTestDispatcher(t, gw, WithRoutes(Route{Pattern: "user.*", Target: TargetUser, Field: "userId"}))
	require.NoError(t, d.Bind(ctx, bus, "eventgate.realtime"))

	require.NoError(t, bus.Publish(ctx, messaging.NewEvent("user.notified", map[string]string{"userId": "bob"})))

	require.Eventually(t, func() bool { return len(gw.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", gw.calls()[0].Target)
	assert.Equal(t, "user.notified", gw.calls()[0].EventType)
}

func TestBindWithoutRoutesIsNoop(t *testing.T) {
	d := newTestDispatcher(t, newFakeGateway())
	assert.NoError(t, d.Bind(context.Background(), nil, "q"))
}
