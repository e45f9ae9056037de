package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	URI                string
	Exchange           string
	DeadLetterExchange string
	ConnectAttempts    uint
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	Prefetch           int
}

type Option func(*EventBus)

func WithDialer(dial Dialer) Option {
	return func(b *EventBus) { b.dial = dial }
}

func WithLogger(logger logging.Logger) Option {
	return func(b *EventBus) { b.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(b *EventBus) { b.metrics = m }
}

type subscription struct {
	queue    string
	patterns []string
	handler  Handler
}

// brokerLink is one live transport connection plus the channels opened on it.
type brokerLink struct {
	conn   Connection
	closed chan *amqp.Error

	pubMu sync.Mutex
	pub   Channel

	mu       sync.Mutex
	channels []Channel
	torn     bool
}

func (l *brokerLink) track(ch Channel) {
	l.mu.Lock()
	l.channels = append(l.channels, ch)
	l.mu.Unlock()
}

func (l *brokerLink) tornDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.torn
}

func (l *brokerLink) teardown() error {
	l.mu.Lock()
	if l.torn {
		l.mu.Unlock()
		return nil
	}
	l.torn = true
	channels := l.channels
	l.channels = nil
	l.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	_ = l.pub.Close()

	if l.conn.IsClosed() {
		return nil
	}
	return l.conn.Close()
}

// EventBus publishes to and consumes from one durable topic exchange. It
// keeps its subscriptions client-side and replays them on every reconnect.
type EventBus struct {
	cfg     Config
	dial    Dialer
	logger  logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	// connectMu serializes link establishment and subscription changes.
	connectMu sync.Mutex

	mu   sync.RWMutex
	link *brokerLink
	subs []*subscription

	state atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewEventBus(cfg Config, opts ...Option) *EventBus {
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &EventBus{
		cfg:    cfg,
		dial:   DialRabbitMQ,
		logger: logging.NewNopLogger(),
		tracer: otel.Tracer("eventgate/messaging"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.setState(StateDisconnected)

	return b
}

func (b *EventBus) State() State {
	return State(b.state.Load())
}

func (b *EventBus) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.BrokerState(s.String())
}

func (b *EventBus) currentLink() *brokerLink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.link
}

func (b *EventBus) subscriptions() []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*subscription(nil), b.subs...)
}

// newBackOff doubles from InitialBackoff up to MaxBackoff without jitter.
func (b *EventBus) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.MaxInterval = b.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Connect establishes the broker link. It is a no-op while a healthy link
// exists. The first connection is retried ConnectAttempts times before
// failing with ErrBrokerUnavailable; once connected, lost links are retried
// forever in the background.
func (b *EventBus) Connect(ctx context.Context) error {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	if b.State() == StateClosed {
		return ErrClosed
	}
	if link := b.currentLink(); link != nil && !link.conn.IsClosed() {
		return nil
	}

	b.setState(StateConnecting)

	attempt := 0
	link, err := backoff.Retry(ctx, func() (*brokerLink, error) {
		attempt++
		return b.establish()
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(b.cfg.ConnectAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Warn(logging.RabbitMQ, logging.Connect, "broker connect attempt failed", map[logging.ExtraKey]any{
				logging.Attempt:      attempt,
				logging.Backoff:      wait.String(),
				logging.ErrorMessage: err.Error(),
			})
		}),
	)
	if err != nil {
		b.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	b.install(link)
	b.logger.Info(logging.RabbitMQ, logging.Connect, "connected to broker", map[logging.ExtraKey]any{
		logging.Attempt: attempt,
	})

	return nil
}

// establish dials, declares the exchange and replays every subscription.
func (b *EventBus) establish() (*brokerLink, error) {
	conn, err := b.dial(b.cfg.URI)
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := declareExchange(pub, b.cfg.Exchange); err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, err
	}

	link := &brokerLink{
		conn:   conn,
		pub:    pub,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}

	b.wg.Add(1)
	go b.watchPublisher(link, pub.NotifyClose(make(chan *amqp.Error, 1)))

	for _, sub := range b.subscriptions() {
		if err := b.startConsumer(link, sub); err != nil {
			_ = link.teardown()
			return nil, err
		}
	}

	return link, nil
}

func (b *EventBus) install(link *brokerLink) {
	b.mu.Lock()
	b.link = link
	b.mu.Unlock()

	b.setState(StateConnected)

	b.wg.Add(1)
	go b.watch(link)
}

// watch waits for the link to fail and then reconnects.
func (b *EventBus) watch(link *brokerLink) {
	defer b.wg.Done()

	select {
	case <-b.ctx.Done():
		return
	case amqpErr := <-link.closed:
		if b.ctx.Err() != nil {
			return
		}

		extra := map[logging.ExtraKey]any{}
		if amqpErr != nil {
			extra[logging.ErrorMessage] = amqpErr.Error()
		}
		b.logger.Warn(logging.RabbitMQ, logging.Reconnect, "broker link lost", extra)

		if b.drop(link) {
			b.reconnect()
		}
	}
}

// watchPublisher closes the connection when the publish channel dies under
// it, so the link is rebuilt through watch.
func (b *EventBus) watchPublisher(link *brokerLink, closed <-chan *amqp.Error) {
	defer b.wg.Done()

	amqpErr := <-closed

	if b.ctx.Err() != nil || link.tornDown() {
		return
	}

	extra := map[logging.ExtraKey]any{}
	if amqpErr != nil {
		extra[logging.ErrorMessage] = amqpErr.Error()
	}
	b.logger.Warn(logging.RabbitMQ, logging.Publish, "publish channel closed unexpectedly", extra)

	_ = link.conn.Close()
}

// drop discards link and reports whether it was still the current one.
func (b *EventBus) drop(link *brokerLink) bool {
	b.mu.Lock()
	current := b.link == link
	if current {
		b.link = nil
	}
	b.mu.Unlock()

	_ = link.teardown()
	if current {
		b.setState(StateReconnecting)
	}

	return current
}

// reconnect retries without an attempt limit until it succeeds or the bus
// is closed.
func (b *EventBus) reconnect() {
	bo := b.newBackOff()

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()

		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		b.connectMu.Lock()
		if b.ctx.Err() != nil {
			b.connectMu.Unlock()
			return
		}
		if current := b.currentLink(); current != nil && !current.conn.IsClosed() {
			// Connect got there first.
			b.connectMu.Unlock()
			return
		}

		link, err := b.establish()
		if err == nil {
			b.install(link)
			b.connectMu.Unlock()

			b.metrics.BrokerReconnect()
			b.logger.Info(logging.RabbitMQ, logging.Reconnect, "reconnected to broker", map[logging.ExtraKey]any{
				logging.Attempt: attempt,
			})
			return
		}
		b.connectMu.Unlock()

		b.logger.Warn(logging.RabbitMQ, logging.Reconnect, "broker reconnect attempt failed", map[logging.ExtraKey]any{
			logging.Attempt:      attempt,
			logging.Backoff:      wait.String(),
			logging.ErrorMessage: err.Error(),
		})
	}
}

// Publish sends ev to the exchange. It fails with ErrNotConnected instead of
// buffering when there is no live link.
func (b *EventBus) Publish(ctx context.Context, ev OutboundEvent) error {
	ctx, span := b.tracer.Start(ctx, "messaging.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", b.cfg.Exchange),
			attribute.String("messaging.routing_key", ev.RoutingKey),
		))
	defer span.End()

	err := b.publish(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrNotConnected) {
			b.metrics.Publish("not_connected")
		} else {
			b.metrics.Publish("error")
		}
		return err
	}

	b.metrics.Publish("ok")
	return nil
}

func (b *EventBus) publish(ctx context.Context, ev OutboundEvent) error {
	link := b.currentLink()
	if link == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", ev.RoutingKey, err)
	}

	mode := amqp.Transient
	if ev.Persistent {
		mode = amqp.Persistent
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	link.pubMu.Lock()
	err = link.pub.PublishWithContext(ctx, b.cfg.Exchange, ev.RoutingKey, false, false, msg)
	link.pubMu.Unlock()

	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("failed to publish %s: %w", ev.RoutingKey, err)
	}

	return nil
}

// Subscribe declares a durable queue, binds it to every pattern and consumes
// it with manual acknowledgement. While disconnected the subscription is
// recorded and bound on the next successful connect.
func (b *EventBus) Subscribe(ctx context.Context, queue string, patterns []string, handler Handler) error {
	if queue == "" {
		return errors.New("messaging: queue name is required")
	}
	if len(patterns) == 0 {
		return fmt.Errorf("messaging: queue %s needs at least one pattern", queue)
	}
	if handler == nil {
		return fmt.Errorf("messaging: queue %s needs a handler", queue)
	}

	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	if b.State() == StateClosed {
		return ErrClosed
	}

	sub := &subscription{
		queue:    queue,
		patterns: append([]string(nil), patterns...),
		handler:  handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	link := b.link
	b.mu.Unlock()

	if link == nil {
		b.logger.Info(logging.RabbitMQ, logging.Consume, "subscription recorded until connected", map[logging.ExtraKey]any{
			logging.Queue: queue,
		})
		return nil
	}

	if err := b.startConsumer(link, sub); err != nil {
		if link.conn.IsClosed() {
			// The link is on its way out; the reconnect replays sub.
			b.logger.Info(logging.RabbitMQ, logging.Consume, "subscription recorded until connected", map[logging.ExtraKey]any{
				logging.Queue:        queue,
				logging.ErrorMessage: err.Error(),
			})
			return nil
		}

		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
		b.mu.Unlock()
		return err
	}

	return nil
}

func (b *EventBus) startConsumer(link *brokerLink, sub *subscription) error {
	ch, err := link.conn.Channel()
	if err != nil {
		return err
	}

	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to set prefetch on %s: %w", sub.queue, err)
		}
	}

	if err := declareAndBindQueue(ch, b.cfg.Exchange, sub.queue, sub.patterns, b.cfg.DeadLetterExchange); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(
		sub.queue, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume %s: %w", sub.queue, err)
	}

	link.track(ch)

	b.wg.Add(1)
	go b.consume(link, sub, deliveries)

	b.logger.Info(logging.RabbitMQ, logging.Consume, "consuming queue", map[logging.ExtraKey]any{
		logging.Queue:      sub.queue,
		logging.RoutingKey: sub.patterns,
	})

	return nil
}

// consume handles deliveries one at a time, in broker order.
func (b *EventBus) consume(link *brokerLink, sub *subscription, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()

	for d := range deliveries {
		b.handle(sub, d)
	}

	if b.ctx.Err() != nil || link.tornDown() {
		return
	}

	// The channel died under a live connection. Closing the connection
	// routes recovery through the normal reconnect path.
	b.logger.Warn(logging.RabbitMQ, logging.Consume, "consumer channel closed unexpectedly", map[logging.ExtraKey]any{
		logging.Queue: sub.queue,
	})
	_ = link.conn.Close()
}

func (b *EventBus) handle(sub *subscription, d amqp.Delivery) {
	delivery := Delivery{
		Queue:       sub.queue,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Payload:     d.Body,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
	}

	ctx, span := b.tracer.Start(b.ctx, "messaging.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", sub.queue),
			attribute.String("messaging.routing_key", d.RoutingKey),
		))
	defer span.End()

	if err := invoke(ctx, sub.handler, delivery); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		b.logger.Error(logging.RabbitMQ, logging.Consume, "handler failed, requeueing", map[logging.ExtraKey]any{
			logging.Queue:        sub.queue,
			logging.RoutingKey:   d.RoutingKey,
			logging.ErrorMessage: err.Error(),
		})
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.Warn(logging.RabbitMQ, logging.Consume, "nack failed", map[logging.ExtraKey]any{
				logging.Queue:        sub.queue,
				logging.ErrorMessage: nackErr.Error(),
			})
		}
		b.metrics.Delivery(sub.queue, "requeue")
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		b.logger.Warn(logging.RabbitMQ, logging.Consume, "ack failed", map[logging.ExtraKey]any{
			logging.Queue:        sub.queue,
			logging.ErrorMessage: ackErr.Error(),
		})
	}
	b.metrics.Delivery(sub.queue, "ack")
}

func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()

	if err := h(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}

	return nil
}

// Close stops reconnecting, tears down the link and waits for consumers to
// finish their current delivery.
func (b *EventBus) Close() error {
	var err error

	b.closeOnce.Do(func() {
		b.cancel()

		b.connectMu.Lock()
		b.setState(StateClosed)
		b.mu.Lock()
		link := b.link
		b.link = nil
		b.mu.Unlock()
		b.connectMu.Unlock()

		if link != nil {
			err = link.teardown()
		}

		b.wg.Wait()
	})

	return err
}
