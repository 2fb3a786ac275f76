package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// WebSocket is a Transport over a single gorilla/websocket connection.
// Writes are serialized internally; reads happen on one background
// goroutine that delivers frames to the OnMessage callback in order.
type WebSocket struct {
	url       string
	apiKey    string
	callbacks Callbacks
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// WebSocketOption configures the WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithAPIKey attaches an Authorization bearer header to the handshake.
func WithAPIKey(key string) WebSocketOption {
	return func(w *WebSocket) {
		w.apiKey = key
	}
}

// WithHandshakeTimeout sets the dial handshake timeout.
func WithHandshakeTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		if d > 0 {
			w.dialer.HandshakeTimeout = d
		}
	}
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(logger *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWebSocket creates a transport for the given endpoint URL. http(s)
// schemes are rewritten to ws(s) so callers can pass either form.
func NewWebSocket(rawURL string, callbacks Callbacks, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:       rawURL,
		callbacks: callbacks,
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect dials the endpoint and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context) error {
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	var header http.Header
	if w.apiKey != "" {
		header = http.Header{"Authorization": {"Bearer " + w.apiKey}}
	}

	conn, _, err := w.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed")
	}
	w.conn = conn
	w.mu.Unlock()

	w.logger.Debug("websocket connected", "url", u.String())
	if w.callbacks.OnOpen != nil {
		w.callbacks.OnOpen()
	}

	go w.readLoop(conn)
	return nil
}

// Send writes one text frame. Gorilla connections permit a single
// concurrent writer, so writes hold the transport mutex.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.conn == nil {
		return fmt.Errorf("transport closed")
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// Close tears down the connection. The read loop notices and fires OnClose.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	// Best effort close handshake before dropping the socket.
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// readLoop delivers inbound frames until the connection ends.
func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			wasClosed := w.closed
			w.closed = true
			w.mu.Unlock()

			if wasClosed || isExpectedClose(err) {
				w.logger.Debug("websocket closed")
				if w.callbacks.OnClose != nil {
					w.callbacks.OnClose(nil)
				}
			} else {
				w.logger.Debug("websocket read failed", "error", err)
				if w.callbacks.OnError != nil {
					w.callbacks.OnError(err)
				}
				if w.callbacks.OnClose != nil {
					w.callbacks.OnClose(err)
				}
			}
			return
		}
		if w.callbacks.OnMessage != nil {
			w.callbacks.OnMessage(data)
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
