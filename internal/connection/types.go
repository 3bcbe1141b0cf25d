package connection

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/router"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrClosed          = errors.New("manager closed")
	ErrInvalidURL      = errors.New("invalid stream url")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// TransportConfig configures a single socket.
type TransportConfig struct {
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 = no keepalive)
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	BufferSize       int           // Inbound message channel buffer size
	Header           http.Header   // Extra handshake headers
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		BufferSize:       1000,
	}
}

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 3 * time.Second

// Options configures a Manager. Only URL is required.
type Options struct {
	URL            string        // ws:// or wss:// endpoint
	ReconnectDelay time.Duration // Fixed delay before each reconnect attempt
	Transport      TransportConfig

	// ShouldReconnect is consulted after an unexpected close and again when
	// the reconnect timer fires. nil means always reconnect.
	ShouldReconnect func() bool

	// Hooks. All optional, all best-effort: a panicking hook is recovered
	// and logged.
	OnOpen          func()
	OnClose         func(err error) // err is nil after a deliberate Close
	OnError         func(err error)
	OnMessage       func(msg protocol.AppMessage)
	OnParseError    func(err error, data []byte)
	OnProtocolError func(err error)

	Logger *slog.Logger
	Dialer Dialer // nil = gorilla/websocket dialer
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State        State
	ConnectionID string // Latest attempt, empty before the first Connect
	Attempts     int64  // Dial attempts
	Opens        int64  // Successful opens
	Disconnects  int64  // Unexpected closes
	Reconnects   int64  // Timer-driven attempts
	Topics       int
	Router       router.Stats
}
