package ws

import "github.com/gorilla/websocket"

// Control frame types.
const (
	EventAuth          = "auth"
	EventEncryptionKey = "encryption:key"
	EventError         = "error"
	EventPing          = "ping"
	EventPong          = "pong"
)

// Close codes sent to clients.
const (
	CloseMissingToken    = 4001
	CloseInvalidToken    = 4002
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseGoingAway       = websocket.CloseGoingAway
	CloseNormal          = websocket.CloseNormalClosure
	CloseInternalError   = websocket.CloseInternalServerErr
)
