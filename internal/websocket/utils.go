package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	WriteWait = 10 * time.Second
	// ReadWait bounds the silence between client messages. The page pings
	// well within it.
	ReadWait = 5 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return conn.WriteJSON(v)
}

// WriteEvent sends data wrapped in a ResponsePayload.
func WriteEvent(conn *websocket.Conn, event Event, data interface{}) error {
	return WriteTyped(conn, ResponsePayload{Event: event, Data: data})
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, code, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadMessage reads one raw text message. It sets a read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// Close sends a close frame with code and reason, then closes the connection.
func Close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
	_ = conn.Close()
}
