package logger

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// wsSocket adapts a gorilla websocket connection to the Socket interface.
// Writes are serialized because the underlying connection allows only one
// concurrent writer.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// WebSocket wraps an established websocket connection as a Socket.
func WebSocket(conn *websocket.Conn) Socket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, b, err := s.conn.ReadMessage()
	return b, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error { return s.conn.Close() }

// Dial returns a DialFunc connecting to a websocket log server at addr
// (e.g. "ws://localhost:5338/percy/logs").
func Dial(addr string) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil) //nolint:bodyclose
		if err != nil {
			return nil, err
		}
		return &wsSocket{conn: conn}, nil
	}
}
