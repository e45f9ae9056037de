package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connWrapper serializes data writes on a websocket connection. Control
// frames go through WriteControl, which gorilla allows concurrently.
type connWrapper struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func newConnWrapper(c *websocket.Conn) *connWrapper {
	return &connWrapper{conn: c}
}

func (w *connWrapper) WriteText(data []byte, wait time.Duration) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(wait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *connWrapper) Ping(wait time.Duration) error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

func (w *connWrapper) WriteClose(code int, reason string, wait time.Duration) error {
	return w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
}

func (w *connWrapper) Close() error {
	return w.conn.Close()
}
