package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	"github.com/hilthontt/eventgate/internal/infrastructure/ws"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Gateway is the part of the realtime gateway the dispatcher drives.
type Gateway interface {
	SendEnvelope(ctx context.Context, connID string, env ws.Envelope) error
	SendToUser(ctx context.Context, userID, eventType string, payload any) (bool, error)
	SendToGroup(ctx context.Context, roomID, eventType string, payload any, exclude string) (int, error)
	Broadcast(ctx context.Context, eventType string, payload any) (int, error)
	Disconnect(connID string, code int, reason string)
	JoinRoom(connID, roomID string) error
	LeaveRoom(connID, roomID string) error
	UserOf(connID string) (string, bool)
}

// Subscriber is the consuming side of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, patterns []string, handler messaging.Handler) error
}

// Publisher is the producing side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, ev messaging.OutboundEvent) error
}

// Message is an inbound envelope together with who sent it.
type Message struct {
	ConnectionID string
	UserID       string
	Envelope     ws.Envelope
}

type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type Option func(*Dispatcher)

func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithFloodProtection(cfg FloodConfig) Option {
	return func(d *Dispatcher) { d.flood = newFloodGuard(cfg) }
}

func WithRoutes(routes ...Route) Option {
	return func(d *Dispatcher) { d.routes = append(d.routes, routes...) }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes client frames to typed handler chains and broker events
// to realtime recipients.
type Dispatcher struct {
	gateway Gateway
	logger  logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
	flood   *floodGuard
	routes  []Route

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewDispatcher(gateway Gateway, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		gateway:  gateway,
		logger:   logging.NewNopLogger(),
		tracer:   otel.Tracer("eventgate/events"),
		now:      time.Now,
		flood:    newFloodGuard(FloodConfig{MaxMalformed: 10, Window: 10 * time.Second}),
		handlers: map[string][]Handler{},
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, r := range d.routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// RegisterHandler appends h to the chain for eventType.
func (d *Dispatcher) RegisterHandler(eventType string, h Handler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

func (d *Dispatcher) RegisterHandlerFunc(eventType string, f func(ctx context.Context, msg Message) error) {
	d.RegisterHandler(eventType, HandlerFunc(f))
}

func (d *Dispatcher) chain(eventType string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Handler(nil), d.handlers[eventType]...)
}

// HandleInbound parses one client frame and runs its handler chain in
// registration order. Malformed frames and handler failures are answered
// with an error envelope; the connection stays open unless it floods.
func (d *Dispatcher) HandleInbound(ctx context.Context, connID string, frame []byte) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.inbound", trace.WithAttributes(
		attribute.String("connection.id", connID),
	))
	defer span.End()

	env, err := parseEnvelope(frame, d.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		d.rejectMalformed(ctx, connID, frame, err)
		return
	}
	span.SetAttributes(attribute.String("event.type", env.Type))

	userID, ok := d.gateway.UserOf(connID)
	if !ok {
		return
	}
	// Sender is always the authenticated user, never what the client claims.
	env.Sender = userID

	handlers := d.chain(env.Type)
	if len(handlers) == 0 {
		d.reply(ctx, connID, ws.NewErrorEnvelope(env.RequestID, fmt.Sprintf("unknown event type %q", env.Type)))
		return
	}

	msg := Message{ConnectionID: connID, UserID: userID, Envelope: env}
	for _, h := range handlers {
		if err := safeHandle(ctx, h, msg); err != nil {
			span.RecordError(err)
			d.logger.Warn(logging.Dispatcher, logging.Routing, "handler failed", map[logging.ExtraKey]any{
				logging.ConnectionID: connID,
				logging.UserID:       userID,
				logging.EventType:    env.Type,
				logging.RequestID:    env.RequestID,
				logging.ErrorMessage: err.Error(),
			})
			d.reply(ctx, connID, ws.NewErrorEnvelope(env.RequestID, err.Error()))
		}
	}
}

// HandleDisconnect drops per-connection flood state.
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.flood.forget(connID)
}

func (d *Dispatcher) rejectMalformed(ctx context.Context, connID string, frame []byte, cause error) {
	d.metrics.MalformedFrame()

	// Best effort: a broken frame may still carry a requestId to correlate.
	requestID := gjson.GetBytes(frame, "requestId").String()

	d.logger.Debug(logging.Dispatcher, logging.Malformed, "malformed frame", map[logging.ExtraKey]any{
		logging.ConnectionID: connID,
		logging.RequestID:    requestID,
		logging.ErrorMessage: cause.Error(),
	})
	d.reply(ctx, connID, ws.NewErrorEnvelope(requestID, cause.Error()))

	if d.flood.record(connID, d.now()) {
		d.metrics.FloodDisconnect()
		d.logger.Warn(logging.Dispatcher, logging.Flood, "disconnecting flooding connection", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.CloseCode:    ws.ClosePolicyViolation,
		})
		d.gateway.Disconnect(connID, ws.ClosePolicyViolation, "too many malformed frames")
		d.flood.forget(connID)
	}
}

func (d *Dispatcher) reply(ctx context.Context, connID string, env ws.Envelope) {
	if err := d.gateway.SendEnvelope(ctx, connID, env); err != nil {
		d.logger.Warn(logging.Dispatcher, logging.Routing, "failed to reply", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.EventType:    env.Type,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func parseEnvelope(frame []byte, now time.Time) (ws.Envelope, error) {
	var env ws.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return ws.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return ws.Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if env.Timestamp == 0 {
		env.Timestamp = now.UnixMilli()
	}
	return env, nil
}

func safeHandle(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

// HandleBrokerEvent fans a broker event out to every route whose pattern
// matches routingKey. Payloads that are not JSON, or that lack the target
// field, are logged and dropped; retrying them would never succeed.
func (d *Dispatcher) HandleBrokerEvent(ctx context.Context, routingKey string, payload []byte) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.broker_event", trace.WithAttributes(
		attribute.String("messaging.routing_key", routingKey),
	))
	defer span.End()

	if !gjson.ValidBytes(payload) {
		d.logger.Warn(logging.Dispatcher, logging.Routing, "dropping non-JSON broker payload", map[logging.ExtraKey]any{
			logging.RoutingKey: routingKey,
		})
		return nil
	}
	raw := json.RawMessage(payload)

	var errs []error
	matched := false

	for _, r := range d.routes {
		if !messaging.MatchRoutingKey(r.Pattern, routingKey) {
			continue
		}
		matched = true
		eventType := r.eventType(routingKey)

		switch r.Target {
		case TargetBroadcast:
			if _, err := d.gateway.Broadcast(ctx, eventType, raw); err != nil {
				errs = append(errs, err)
			}

		case TargetUser:
			ids := extractIDs(payload, r.Field)
			if len(ids) == 0 {
				d.missingField(routingKey, r)
				continue
			}
			for _, userID := range ids {
				delivered, err := d.gateway.SendToUser(ctx, userID, eventType, raw)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !delivered {
					d.logger.Debug(logging.Dispatcher, logging.Routing, "user offline", map[logging.ExtraKey]any{
						logging.UserID:     userID,
						logging.RoutingKey: routingKey,
					})
				}
			}

		case TargetRoom:
			ids := extractIDs(payload, r.Field)
			if len(ids) == 0 {
				d.missingField(routingKey, r)
				continue
			}
			for _, roomID := range ids {
				if _, err := d.gateway.SendToGroup(ctx, roomID, eventType, raw, ""); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if !matched {
		d.logger.Debug(logging.Dispatcher, logging.Routing, "no route for broker event", map[logging.ExtraKey]any{
			logging.RoutingKey: routingKey,
		})
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) missingField(routingKey string, r Route) {
	d.logger.Warn(logging.Dispatcher, logging.Routing, "broker payload has no target field", map[logging.ExtraKey]any{
		logging.RoutingKey: routingKey,
		"field":            r.Field,
		"target":           string(r.Target),
	})
}

// Patterns lists the distinct route patterns in declaration order.
func (d *Dispatcher) Patterns() []string {
	seen := map[string]bool{}
	var patterns []string
	for _, r := range d.routes {
		if !seen[r.Pattern] {
			seen[r.Pattern] = true
			patterns = append(patterns, r.Pattern)
		}
	}
	return patterns
}

// Bind subscribes queue to every route pattern and feeds deliveries into
// HandleBrokerEvent. Without routes there is nothing to bind.
func (d *Dispatcher) Bind(ctx context.Context, sub Subscriber, queue string) error {
	patterns := d.Patterns()
	if len(patterns) == 0 {
		d.logger.Info(logging.Dispatcher, logging.Startup, "no broker routes configured", nil)
		return nil
	}

	return sub.Subscribe(ctx, queue, patterns, func(ctx context.Context, delivery messaging.Delivery) error {
		return d.HandleBrokerEvent(ctx, delivery.RoutingKey, delivery.Payload)
	})
}
