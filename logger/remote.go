package logger

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Socket is the bidirectional message transport used for remote log
// forwarding. One JSON object travels per message. A Socket handed to
// Connect or returned by a DialFunc must already be open.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a Socket to the log server, honoring ctx for the
// connection deadline.
type DialFunc func(ctx context.Context) (Socket, error)

// DefaultRemoteTimeout bounds how long Remote waits for the socket to open.
const DefaultRemoteTimeout = time.Second

// wireMessage is the union of the three message shapes that travel the
// socket in either direction.
type wireMessage struct {
	Log    []json.RawMessage `json:"log,omitempty"`
	LogAll []Entry           `json:"logAll,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// wireError is the pre-serialized form of an error message value.
type wireError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Connect attaches sock as the server side of a remote logging session: the
// local environment snapshot is sent immediately, then incoming log and
// logAll messages are merged into the local store. The returned function
// detaches the session without closing the socket.
func (l *Logger) Connect(sock Socket) (detach func()) {
	l.mu.Lock()
	env := map[string]string{
		"PERCY_DEBUG":    l.env["PERCY_DEBUG"],
		"PERCY_LOGLEVEL": l.env["PERCY_LOGLEVEL"],
	}
	l.mu.Unlock()
	if b, err := json.Marshal(wireMessage{Env: env}); err == nil {
		_ = sock.WriteMessage(b)
	}

	done := make(chan struct{})
	go func() {
		for {
			b, err := sock.ReadMessage()
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			default:
			}
			l.receive(b)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Remote attaches the logger as the client side of a remote logging session.
// The dial races against timeout (DefaultRemoteTimeout when zero). On
// success the entire retained store is flushed as one logAll message and
// subsequent local log calls are forwarded instead of written; on failure
// the logger falls back to local operation silently.
func (l *Logger) Remote(ctx context.Context, dial DialFunc, timeout time.Duration) error {
	l.mu.Lock()
	if l.sock != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sock, err := dial(dialCtx)
	if err != nil {
		l.Log("logger", LevelDebug, "Unable to connect to remote logger", nil)
		l.Log("logger", LevelDebug, err.Error(), nil)
		return nil
	}

	l.mu.Lock()
	all := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		meta := Meta{"remote": true}
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
		all[i] = e
	}
	if b, err := json.Marshal(wireMessage{LogAll: all}); err == nil {
		_ = sock.WriteMessage(b)
	}
	l.sock = sock
	l.mu.Unlock()

	go func() {
		for {
			b, err := sock.ReadMessage()
			if err != nil {
				l.mu.Lock()
				if l.sock == sock {
					l.sock = nil
				}
				l.mu.Unlock()
				return
			}
			l.receive(b)
		}
	}()
	return nil
}

// IsRemote reports whether a remote socket is currently attached.
func (l *Logger) IsRemote() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sock != nil
}

// receive applies one incoming wire message.
func (l *Logger) receive(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch {
	case len(msg.Log) >= 3:
		var debug, levelName string
		if json.Unmarshal(msg.Log[0], &debug) != nil {
			return
		}
		if json.Unmarshal(msg.Log[1], &levelName) != nil {
			return
		}
		level, err := ParseLevel(levelName)
		if err != nil {
			return
		}
		var message string
		if json.Unmarshal(msg.Log[2], &message) != nil {
			var werr wireError
			if json.Unmarshal(msg.Log[2], &werr) != nil {
				return
			}
			message = werr.Message
		}
		var meta Meta
		if len(msg.Log) >= 4 {
			_ = json.Unmarshal(msg.Log[3], &meta)
		}
		l.mu.Lock()
		l.emitLocked(debug, level, message, meta)
		l.mu.Unlock()
	case msg.LogAll != nil:
		l.mu.Lock()
		l.entries = append(l.entries, msg.LogAll...)
		l.mu.Unlock()
	case msg.Env != nil:
		l.applyEnv(msg.Env)
	}
}
