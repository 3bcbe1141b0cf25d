package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live socket. A Transport is never reopened: the Manager
// dials a new one for every attempt.
type Transport interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Messages delivers inbound frames in receive order. It is closed when
	// the transport closes for any reason; Err then reports the cause.
	Messages() <-chan TimestampedMessage

	// Errors reports non-fatal transport problems (failed pings, stale
	// connection). A fatal problem also closes Messages.
	Errors() <-chan error

	// Err returns the close cause once Messages is closed. It is nil after
	// a local Close.
	Err() error

	// Done is closed as soon as the socket is closed or has failed, which
	// may be before Messages has been drained.
	Done() <-chan struct{}

	// Close closes the socket. Safe to call more than once.
	Close() error
}

// Dialer opens Transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	cfg    TransportConfig
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer for the given transport settings.
func NewWebSocketDialer(cfg TransportConfig, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &WebSocketDialer{cfg: cfg, logger: logger}
}

// Dial establishes the WebSocket connection and starts its read loop.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	header := http.Header{}
	for k, vs := range d.cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		cfg:        d.cfg,
		logger:     d.logger,
		conn:       conn,
		messages:   make(chan TimestampedMessage, d.cfg.BufferSize),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop()
	if d.cfg.PingInterval > 0 {
		go t.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)

	return t, nil
}

// wsTransport implements Transport over gorilla/websocket.
type wsTransport struct {
	cfg    TransportConfig
	logger *slog.Logger
	conn   *websocket.Conn

	// Output channels
	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	lastPingAt time.Time
	closed     bool
	err        error
}

// Send writes raw bytes to the connection.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Messages() <-chan TimestampedMessage {
	return t.messages
}

func (t *wsTransport) Errors() <-chan error {
	return t.errors
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close gracefully closes the connection.
func (t *wsTransport) Close() error {
	if !t.markClosed(nil) {
		return nil
	}

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return t.conn.Close()
}

// markClosed records the close cause once. It reports whether this call
// performed the transition.
func (t *wsTransport) markClosed(cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.err = cause
	close(t.done)
	return true
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

func (t *wsTransport) report(err error) {
	select {
	case t.errors <- err:
	default:
	}
}

// readLoop reads frames until the socket fails or is closed, then closes
// the messages channel.
func (t *wsTransport) readLoop() {
	defer close(t.messages)

	for {
		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Local Close already recorded a nil cause; this is a no-op then.
			if t.markClosed(err) {
				t.conn.Close()
			}
			return
		}

		select {
		case t.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-t.done:
			return
		}
	}
}

// heartbeatLoop pings the server and closes stale connections.
func (t *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if t.cfg.WriteTimeout > 0 {
				deadline = time.Now().Add(t.cfg.WriteTimeout)
			}
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
				t.report(err)
			}

			t.mu.Lock()
			lastPing := t.lastPingAt
			t.mu.Unlock()

			if t.cfg.PingTimeout > 0 && time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				t.report(ErrStaleConnection)
				// Closing the socket unblocks readLoop.
				if t.markClosed(ErrStaleConnection) {
					t.conn.Close()
				}
				return
			}
		}
	}
}
