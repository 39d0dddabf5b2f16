package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadRaw reads one message with a read deadline so the caller can peek at
// its envelope before decoding the concrete type.
func ReadRaw(conn *websocket.Conn) (json.RawMessage, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// IsExpectedClose reports whether err is a normal close of the peer.
func IsExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}
