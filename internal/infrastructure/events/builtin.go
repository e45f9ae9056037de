package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/ws"
	"github.com/tidwall/gjson"
)

const (
	EventRoomJoin     = "room:join"
	EventRoomLeave    = "room:leave"
	EventRoomJoined   = "room:joined"
	EventRoomLeft     = "room:left"
	EventMemberJoined = "member.joined"
	EventMemberLeft   = "member.left"
)

var ErrMissingRoomID = errors.New("roomId is required")

type memberPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RegisterBuiltins installs the handlers every gateway answers: ping and
// room membership.
func (d *Dispatcher) RegisterBuiltins() {
	d.RegisterHandlerFunc(ws.EventPing, d.handlePing)
	d.RegisterHandlerFunc(EventRoomJoin, d.handleRoomJoin)
	d.RegisterHandlerFunc(EventRoomLeave, d.handleRoomLeave)
}

func (d *Dispatcher) handlePing(ctx context.Context, msg Message) error {
	env, err := ws.NewEnvelope(ws.EventPong, msg.Envelope.Payload)
	if err != nil {
		return err
	}
	env.RequestID = msg.Envelope.RequestID
	return d.gateway.SendEnvelope(ctx, msg.ConnectionID, env)
}

func roomIDOf(msg Message) (string, error) {
	roomID := gjson.GetBytes(msg.Envelope.Payload, "roomId").String()
	if roomID == "" {
		return "", ErrMissingRoomID
	}
	return roomID, nil
}

func (d *Dispatcher) handleRoomJoin(ctx context.Context, msg Message) error {
	roomID, err := roomIDOf(msg)
	if err != nil {
		return err
	}
	if err := d.gateway.JoinRoom(msg.ConnectionID, roomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}

	member := memberPayload{RoomID: roomID, UserID: msg.UserID}
	if _, err := d.gateway.SendToGroup(ctx, roomID, EventMemberJoined, member, msg.ConnectionID); err != nil {
		return err
	}
	return d.ack(ctx, msg, EventRoomJoined, member)
}

func (d *Dispatcher) handleRoomLeave(ctx context.Context, msg Message) error {
	roomID, err := roomIDOf(msg)
	if err != nil {
		return err
	}
	if err := d.gateway.LeaveRoom(msg.ConnectionID, roomID); err != nil {
		return fmt.Errorf("failed to leave %s: %w", roomID, err)
	}

	member := memberPayload{RoomID: roomID, UserID: msg.UserID}
	if _, err := d.gateway.SendToGroup(ctx, roomID, EventMemberLeft, member, msg.ConnectionID); err != nil {
		return err
	}
	return d.ack(ctx, msg, EventRoomLeft, member)
}

func (d *Dispatcher) ack(ctx context.Context, msg Message, eventType string, payload any) error {
	env, err := ws.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	env.RequestID = msg.Envelope.RequestID
	return d.gateway.SendEnvelope(ctx, msg.ConnectionID, env)
}

// forwardedEvent is what a client frame looks like once it is on the bus.
type forwardedEvent struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	RequestID    string `json:"requestId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Payload      any    `json:"payload,omitempty"`
}

// Forward returns a handler that republishes client frames onto the bus
// under routingKey, stamped with the sender.
func Forward(routingKey string, pub Publisher) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		ev := forwardedEvent{
			Type:         msg.Envelope.Type,
			UserID:       msg.UserID,
			ConnectionID: msg.ConnectionID,
			RequestID:    msg.Envelope.RequestID,
			Timestamp:    msg.Envelope.Timestamp,
		}
		if len(msg.Envelope.Payload) > 0 {
			ev.Payload = msg.Envelope.Payload
		}

		if err := pub.Publish(ctx, messaging.NewEvent(routingKey, ev)); err != nil {
			return fmt.Errorf("failed to forward %s: %w", msg.Envelope.Type, err)
		}
		return nil
	})
}
