package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit exchanged over the realtime transport in both
// directions. Timestamp is unix milliseconds.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender,omitempty"`
}

type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

type EncryptionKeyPayload struct {
	Key string `json:"key"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

// encryptedFrame wraps a sealed envelope.
type encryptedFrame struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data"`
}

func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload == nil {
		return env, nil
	}

	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	env.Payload = raw

	return env, nil
}

// NewErrorEnvelope builds the error control frame for requestID.
func NewErrorEnvelope(requestID, message string) Envelope {
	env, _ := NewEnvelope(EventError, ErrorPayload{RequestID: requestID, Message: message})
	env.RequestID = requestID
	return env
}
