package messaging

import (
	"context"
	"time"
)

// OutboundEvent is a message waiting to be published on the exchange.
type OutboundEvent struct {
	RoutingKey string
	Payload    any
	Persistent bool
}

// NewEvent returns a persistent event for routingKey.
func NewEvent(routingKey string, payload any) OutboundEvent {
	return OutboundEvent{
		RoutingKey: routingKey,
		Payload:    payload,
		Persistent: true,
	}
}

// Delivery is the handler's view of a consumed message. Acknowledgement is
// owned by the consumer loop, never by the handler.
type Delivery struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	Payload     []byte
	MessageID   string
	Redelivered bool
	Timestamp   time.Time
}

// Handler processes one delivery. A nil error acks it; anything else nacks
// it with requeue.
type Handler func(ctx context.Context, d Delivery) error
