package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	"github.com/hilthontt/eventgate/internal/infrastructure/registry"
	"github.com/hilthontt/eventgate/internal/infrastructure/security"
)

type Config struct {
	HandshakeTimeout time.Duration
	Encryption       bool
	WriteWait        time.Duration
	PongWait         time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	AllowedOrigins   []string
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		Encryption:       true,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		MaxMessageSize:   32768,
		SendBuffer:       64,
	}
}

// InboundHandler receives decrypted client frames, one connection at a time
// in arrival order.
type InboundHandler interface {
	HandleInbound(ctx context.Context, connID string, frame []byte)
	HandleDisconnect(connID string)
}

// PresenceTracker is told when a user's first connection arrives and when
// their last one leaves.
type PresenceTracker interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

type noopInbound struct{}

func (noopInbound) HandleInbound(context.Context, string, []byte) {}
func (noopInbound) HandleDisconnect(string)                       {}

type Option func(*Gateway)

func WithLogger(logger logging.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithPresence(p PresenceTracker) Option {
	return func(g *Gateway) { g.presence = p }
}

// Gateway turns websocket upgrades into authenticated, registered
// connections and offers the send primitives used by the dispatcher.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	verifier security.Verifier
	upgrader websocket.Upgrader
	logger   logging.Logger
	metrics  *metrics.Collector
	presence PresenceTracker

	inboundMu sync.RWMutex
	inbound   InboundHandler

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycleMu orders pump starts against Shutdown.
	lifecycleMu sync.Mutex
	closing     bool
	pumps       sync.WaitGroup
}

func NewGateway(cfg Config, reg *registry.Registry, verifier security.Verifier, opts ...Option) *Gateway {
	defaults := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		verifier: verifier,
		logger:   logging.NewNopLogger(),
		inbound:  noopInbound{},
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *Gateway) SetInboundHandler(h InboundHandler) {
	g.inboundMu.Lock()
	g.inbound = h
	g.inboundMu.Unlock()
}

func (g *Gateway) inboundHandler() InboundHandler {
	g.inboundMu.RLock()
	defer g.inboundMu.RUnlock()
	return g.inbound
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 || slices.Contains(g.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the handshake. Rejected transports
// are closed with 4001 or 4002 and never registered.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosing() {
		g.metrics.Handshake("shutting_down")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	token := security.BearerToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn(logging.WebSocket, logging.Handshake, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.ClientIp:     r.RemoteAddr,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	identity, err := g.authenticate(conn, token)
	if err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			rej = &rejection{code: CloseInvalidToken, reason: "invalid token", err: err}
		}
		g.reject(conn, r, rej)
		return
	}

	client := newClient(conn, g.cfg, g.logger)
	client.UserID = identity.UserID

	if g.cfg.Encryption {
		key, err := security.GenerateKey()
		if err != nil {
			g.logger.Error(logging.WebSocket, logging.Encryption, "failed to generate connection key", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInternalError, "internal error"), time.Now().Add(g.cfg.WriteWait))
			_ = conn.Close()
			return
		}
		client.key = key

		// Queued before registration so it is always the first frame.
		env, _ := NewEnvelope(EventEncryptionKey, EncryptionKeyPayload{Key: security.EncodeKey(key)})
		frame, _ := json.Marshal(env)
		_ = client.Send(frame)
	}

	registered, userConns, err := g.registry.Register(client, identity.UserID, registry.Metadata{
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		EncryptionKey: client.key,
	})
	if err != nil {
		g.logger.Error(logging.WebSocket, logging.Handshake, "failed to register connection", map[logging.ExtraKey]any{
			logging.UserID:       identity.UserID,
			logging.ErrorMessage: err.Error(),
		})
		_ = conn.Close()
		return
	}
	client.ID = registered.ID

	// Shutdown may have started during the handshake.
	g.lifecycleMu.Lock()
	if g.closing {
		g.lifecycleMu.Unlock()
		g.Disconnect(client.ID, CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseGoingAway, "server shutting down"), time.Now().Add(g.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	g.pumps.Add(2)
	g.lifecycleMu.Unlock()

	g.metrics.Handshake("ok")
	g.logger.Info(logging.WebSocket, logging.Handshake, "connection authenticated", map[logging.ExtraKey]any{
		logging.ConnectionID: client.ID,
		logging.UserID:       client.UserID,
		logging.ClientIp:     r.RemoteAddr,
	})

	if userConns == 1 {
		g.markOnline(identity.UserID)
	}

	go func() {
		defer g.pumps.Done()
		client.writePump()
	}()
	go func() {
		defer g.pumps.Done()
		client.readPump(g)
	}()
}

func (g *Gateway) reject(conn *websocket.Conn, r *http.Request, rej *rejection) {
	result := "invalid_token"
	if rej.code == CloseMissingToken {
		result = "missing_token"
	}
	g.metrics.Handshake(result)

	g.logger.Warn(logging.Auth, logging.Handshake, "handshake rejected", map[logging.ExtraKey]any{
		logging.ClientIp:     r.RemoteAddr,
		logging.CloseCode:    rej.code,
		logging.ErrorMessage: rej.Error(),
	})

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(rej.code, rej.reason), time.Now().Add(g.cfg.WriteWait))
	_ = conn.Close()
}

// receive unwraps an inbound frame and hands it to the inbound handler.
func (g *Gateway) receive(c *Client, raw []byte) {
	g.metrics.FrameIn()
	g.registry.Touch(c.ID)

	frame := raw
	if c.key != nil {
		var wrapped encryptedFrame
		if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Encrypted {
			plain, err := security.Open(wrapped.Data, c.key)
			if err != nil {
				extra := c.extra()
				extra[logging.ErrorMessage] = err.Error()
				g.logger.Warn(logging.WebSocket, logging.Encryption, "failed to decrypt frame", extra)
			} else {
				frame = plain
			}
		}
	}

	g.inboundHandler().HandleInbound(g.ctx, c.ID, frame)
}

// release runs when a read pump exits.
func (g *Gateway) release(c *Client) {
	_ = c.Close(CloseNormal, "")
	if conn, remaining, ok := g.registry.Unregister(c.ID); ok {
		g.afterUnregister(conn, remaining)
	}
}

func (g *Gateway) afterUnregister(conn registry.Connection, remaining int) {
	g.inboundHandler().HandleDisconnect(conn.ID)

	if remaining == 0 {
		g.markOffline(conn.UserID)
	}

	g.logger.Info(logging.WebSocket, logging.Shutdown, "connection closed", map[logging.ExtraKey]any{
		logging.ConnectionID: conn.ID,
		logging.UserID:       conn.UserID,
	})
}

func (g *Gateway) markOnline(userID string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Online(g.ctx, userID); err != nil {
		g.logger.Warn(logging.WebSocket, logging.Presence, "failed to mark user online", map[logging.ExtraKey]any{
			logging.UserID:       userID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (g *Gateway) markOffline(userID string) {
	if g.presence == nil {
		return
	}
	// The gateway context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.presence.Offline(ctx, userID); err != nil {
		g.logger.Warn(logging.WebSocket, logging.Presence, "failed to mark user offline", map[logging.ExtraKey]any{
			logging.UserID:       userID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

// encode serializes env once; frameFor seals it per connection.
func encode(env Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(env)
}

func (g *Gateway) frameFor(conn registry.Connection, plain []byte) ([]byte, error) {
	if conn.EncryptionKey == nil {
		return plain, nil
	}

	sealed, err := security.Seal(plain, conn.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encryptedFrame{Encrypted: true, Data: sealed})
}

// deliver writes to one connection. Closed connections are skipped quietly.
func (g *Gateway) deliver(conn registry.Connection, plain []byte) bool {
	frame, err := g.frameFor(conn, plain)
	if err != nil {
		g.logger.Error(logging.WebSocket, logging.Encryption, "failed to encrypt frame", map[logging.ExtraKey]any{
			logging.ConnectionID: conn.ID,
			logging.ErrorMessage: err.Error(),
		})
		return false
	}

	if err := conn.Transport.Send(frame); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			g.logger.Warn(logging.WebSocket, logging.Publish, "dropping frame", map[logging.ExtraKey]any{
				logging.ConnectionID: conn.ID,
				logging.UserID:       conn.UserID,
				logging.ErrorMessage: err.Error(),
			})
		}
		return false
	}

	g.registry.Touch(conn.ID)
	g.metrics.FrameOut()
	return true
}

func (g *Gateway) fanOut(conns []registry.Connection, eventType string, payload any, exclude string) (int, error) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return 0, err
	}
	plain, err := encode(env)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range conns {
		if c.ID == exclude {
			continue
		}
		if g.deliver(c, plain) {
			delivered++
		}
	}
	return delivered, nil
}

// SendToUser writes to every connection of userID. It reports false when the
// user has no live connection.
func (g *Gateway) SendToUser(ctx context.Context, userID, eventType string, payload any) (bool, error) {
	n, err := g.fanOut(g.registry.ConnectionsForUser(userID), eventType, payload, "")
	return n > 0, err
}

// SendToGroup writes to every member of roomID except exclude and returns
// the number of recipients.
func (g *Gateway) SendToGroup(ctx context.Context, roomID, eventType string, payload any, exclude string) (int, error) {
	return g.fanOut(g.registry.ConnectionsInRoom(roomID), eventType, payload, exclude)
}

func (g *Gateway) Broadcast(ctx context.Context, eventType string, payload any) (int, error) {
	return g.fanOut(g.registry.All(), eventType, payload, "")
}

// SendEnvelope writes a prepared envelope to one connection. Unknown or
// closed connections are a no-op.
func (g *Gateway) SendEnvelope(ctx context.Context, connID string, env Envelope) error {
	conn, ok := g.registry.Get(connID)
	if !ok {
		return nil
	}

	plain, err := encode(env)
	if err != nil {
		return err
	}
	g.deliver(conn, plain)
	return nil
}

// Disconnect closes the transport and unregisters the connection.
func (g *Gateway) Disconnect(connID string, code int, reason string) {
	conn, remaining, ok := g.registry.Unregister(connID)
	if !ok {
		return
	}

	_ = conn.Transport.Close(code, reason)
	g.afterUnregister(conn, remaining)
}

func (g *Gateway) JoinRoom(connID, roomID string) error {
	return g.registry.JoinRoom(connID, roomID)
}

func (g *Gateway) LeaveRoom(connID, roomID string) error {
	return g.registry.LeaveRoom(connID, roomID)
}

func (g *Gateway) UserOf(connID string) (string, bool) {
	conn, ok := g.registry.Get(connID)
	if !ok {
		return "", false
	}
	return conn.UserID, true
}

func (g *Gateway) Stats() registry.Stats {
	return g.registry.Stats()
}

// SweepIdle closes connections idle for longer than maxIdle with 1001.
func (g *Gateway) SweepIdle(maxIdle time.Duration) int {
	idle := g.registry.SweepIdle(maxIdle)
	for _, conn := range idle {
		g.Disconnect(conn.ID, CloseGoingAway, "idle timeout")
	}

	if len(idle) > 0 {
		g.logger.Info(logging.WebSocket, logging.Sweep, "closed idle connections", map[logging.ExtraKey]any{
			"count": len(idle),
		})
	}
	return len(idle)
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (g *Gateway) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepIdle(maxIdle)
		}
	}
}

// RunPresenceHeartbeat re-marks connected users online so presence entries
// with a TTL do not lapse while users stay connected.
func (g *Gateway) RunPresenceHeartbeat(ctx context.Context, interval time.Duration) {
	if g.presence == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range g.registry.UserIDs() {
				g.markOnline(userID)
			}
		}
	}
}

func (g *Gateway) isClosing() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	return g.closing
}

// Shutdown refuses new upgrades, closes every connection with 1001 and waits
// for the pumps.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.lifecycleMu.Lock()
	g.closing = true
	g.lifecycleMu.Unlock()

	for _, conn := range g.registry.All() {
		g.Disconnect(conn.ID, CloseGoingAway, "server shutting down")
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
