package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errBrokerDown = errors.New("memory broker: connection refused")

// MemoryBroker is an in-process topic broker speaking the same Connection and
// Channel interfaces as RabbitMQ. Exchanges, queues, bindings and queued
// messages outlive connections, so a dropped client can reconnect and pick up
// where it left off.
type MemoryBroker struct {
	mu        sync.Mutex
	available bool
	exchanges map[string]struct{}
	queues    map[string]*memQueue
	bindings  []memBinding
	conns     map[*memConnection]struct{}

	// changed is closed and replaced on every state change.
	changed chan struct{}
}

type memBinding struct {
	exchange string
	queue    string
	pattern  string
}

type memMessage struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type memQueue struct {
	name     string
	messages []memMessage
}

type memPending struct {
	queue string
	msg   memMessage
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		available: true,
		exchanges: map[string]struct{}{},
		queues:    map[string]*memQueue{},
		conns:     map[*memConnection]struct{}{},
		changed:   make(chan struct{}),
	}
}

// Dial is a Dialer. It fails while the broker is unavailable.
func (m *MemoryBroker) Dial(string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, errBrokerDown
	}

	conn := &memConnection{broker: m, channels: map[*memChannel]struct{}{}}
	m.conns[conn] = struct{}{}

	return conn, nil
}

// SetAvailable controls whether new dials succeed. Existing connections are
// left alone; use Drop to sever them.
func (m *MemoryBroker) SetAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

// Drop force-closes every open connection as a broker restart would.
func (m *MemoryBroker) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range m.conns {
		conn.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker dropped connection", Server: true})
	}
}

// QueueDepth is the number of ready messages in queue.
func (m *MemoryBroker) QueueDepth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

// Connections is the number of open client connections.
func (m *MemoryBroker) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *MemoryBroker) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// routeLocked enqueues msg once on every queue with at least one matching
// binding.
func (m *MemoryBroker) routeLocked(msg memMessage) {
	seen := map[string]bool{}
	for _, b := range m.bindings {
		if b.exchange != msg.exchange || seen[b.queue] {
			continue
		}
		if !MatchRoutingKey(b.pattern, msg.routingKey) {
			continue
		}
		seen[b.queue] = true
		if q, ok := m.queues[b.queue]; ok {
			q.messages = append(q.messages, msg)
		}
	}
	if len(seen) > 0 {
		m.broadcastLocked()
	}
}

type memConnection struct {
	broker    *MemoryBroker
	channels  map[*memChannel]struct{}
	listeners []chan *amqp.Error
	closed    bool
}

func (c *memConnection) Channel() (Channel, error) {
	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &memChannel{
		conn:    c,
		unacked: map[uint64]memPending{},
		done:    make(chan struct{}),
	}
	c.channels[ch] = struct{}{}

	return ch, nil
}

func (c *memConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)

	return receiver
}

func (c *memConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *memConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)

	return nil
}

func (c *memConnection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for ch := range c.channels {
		ch.closeLocked()
	}
	delete(c.broker.conns, c)

	for _, l := range c.listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.listeners = nil

	c.broker.broadcastLocked()
}

type memChannel struct {
	conn      *memConnection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]memPending
	listeners []chan *amqp.Error
	closed    bool
	done      chan struct{}
}

func (ch *memChannel) broker() *MemoryBroker {
	return ch.conn.broker
}

func (ch *memChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if kind != amqp.ExchangeTopic {
		return fmt.Errorf("memory broker: exchange kind %q not supported", kind)
	}
	m.exchanges[name] = struct{}{}

	return nil
}

func (ch *memChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{name: name}
		m.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (ch *memChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := m.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}

	for _, b := range m.bindings {
		if b.exchange == exchange && b.queue == name && b.pattern == key {
			return nil
		}
	}
	m.bindings = append(m.bindings, memBinding{exchange: exchange, queue: name, pattern: key})

	return nil
}

func (ch *memChannel) Qos(prefetchCount, _ int, _ bool) error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount

	return nil
}

func (ch *memChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := m.queues[queue]; !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	if consumer == "" {
		consumer = "ctag-" + uuid.NewString()
	}

	deliveries := make(chan amqp.Delivery)
	c := &memConsumer{ch: ch, queue: queue, tag: consumer, autoAck: autoAck, deliveries: deliveries}
	go c.run()

	return deliveries, nil
}

func (ch *memChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}

	body := append([]byte(nil), msg.Body...)
	msg.Body = body
	m.routeLocked(memMessage{exchange: exchange, routingKey: key, publishing: msg})

	return nil
}

func (ch *memChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)

	return receiver
}

func (ch *memChannel) Close() error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	delete(ch.conn.channels, ch)
	m.broadcastLocked()

	return nil
}

// closeLocked returns unacked messages to the head of their queues in their
// original order.
func (ch *memChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.done)

	for _, l := range ch.listeners {
		close(l)
	}
	ch.listeners = nil

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	for _, tag := range tags {
		ch.requeueLocked(ch.unacked[tag])
	}
	ch.unacked = map[uint64]memPending{}
}

func (ch *memChannel) requeueLocked(p memPending) {
	q, ok := ch.broker().queues[p.queue]
	if !ok {
		return
	}
	p.msg.redelivered = true
	q.messages = append([]memMessage{p.msg}, q.messages...)
}

// Ack implements amqp.Acknowledger.
func (ch *memChannel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false)
}

// Nack implements amqp.Acknowledger.
func (ch *memChannel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *memChannel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *memChannel) settle(tag uint64, multiple, requeue bool) error {
	m := ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		}
		tags = []uint64{tag}
	}

	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		if requeue {
			ch.requeueLocked(p)
		}
	}
	m.broadcastLocked()

	return nil
}

type memConsumer struct {
	ch         *memChannel
	queue      string
	tag        string
	autoAck    bool
	deliveries chan amqp.Delivery
}

func (c *memConsumer) run() {
	defer close(c.deliveries)

	for {
		d, wait, ok := c.next()
		if !ok {
			return
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-c.ch.done:
				return
			}
		}

		select {
		case c.deliveries <- d:
		case <-c.ch.done:
			return
		}
	}
}

// next pops the head of the queue, or returns a channel to wait on when the
// queue is empty or the prefetch window is full.
func (c *memConsumer) next() (amqp.Delivery, <-chan struct{}, bool) {
	m := c.ch.broker()
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ch.closed {
		return amqp.Delivery{}, nil, false
	}

	q, ok := m.queues[c.queue]
	full := c.ch.prefetch > 0 && len(c.ch.unacked) >= c.ch.prefetch
	if !ok || len(q.messages) == 0 || full {
		return amqp.Delivery{}, m.changed, true
	}

	msg := q.messages[0]
	q.messages = q.messages[1:]

	c.ch.nextTag++
	tag := c.ch.nextTag
	if !c.autoAck {
		c.ch.unacked[tag] = memPending{queue: c.queue, msg: msg}
	}

	p := msg.publishing
	return amqp.Delivery{
		Acknowledger:    c.ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            p.Body,
	}, nil, true
}
