package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/eventgate/internal/infrastructure/security"
)

type HandshakeState int

const (
	AwaitingToken HandshakeState = iota
	Authenticating
	Authenticated
	Rejected
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitingToken:
		return "awaiting_token"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var handshakeTransitions = map[HandshakeState][]HandshakeState{
	AwaitingToken:  {Authenticating, Rejected},
	Authenticating: {Authenticated, Rejected},
}

var errIllegalTransition = errors.New("ws: illegal handshake transition")

// handshake tracks one transport from upgrade to accept or reject.
type handshake struct {
	state HandshakeState
}

func (h *handshake) advance(next HandshakeState) error {
	for _, allowed := range handshakeTransitions[h.state] {
		if allowed == next {
			h.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errIllegalTransition, h.state, next)
}

// rejection carries the close code for a failed handshake.
type rejection struct {
	code   int
	reason string
	err    error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func rejectionFor(err error) *rejection {
	if errors.Is(err, security.ErrTokenMissing) {
		return &rejection{code: CloseMissingToken, reason: "missing token", err: err}
	}
	return &rejection{code: CloseInvalidToken, reason: "invalid token", err: err}
}

// authenticate runs the handshake. A token from the upgrade request wins;
// otherwise the first frame must be an auth envelope within the timeout.
func (g *Gateway) authenticate(conn *websocket.Conn, token string) (security.Identity, error) {
	hs := &handshake{state: AwaitingToken}

	if token == "" {
		t, err := readAuthFrame(conn, g.cfg.HandshakeTimeout)
		if err != nil {
			_ = hs.advance(Rejected)
			return security.Identity{}, rejectionFor(fmt.Errorf("%w: %v", security.ErrTokenMissing, err))
		}
		token = t
	}

	_ = hs.advance(Authenticating)

	identity, err := g.verifier.Verify(token)
	if err != nil {
		_ = hs.advance(Rejected)
		return security.Identity{}, rejectionFor(err)
	}

	_ = hs.advance(Authenticated)
	return identity, nil
}

func readAuthFrame(conn *websocket.Conn, timeout time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("first frame is not an envelope: %w", err)
	}
	if env.Type != EventAuth {
		return "", fmt.Errorf("expected %s frame, got %q", EventAuth, env.Type)
	}

	var payload AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		return "", errors.New("auth frame has no token")
	}

	return payload.Token, nil
}
