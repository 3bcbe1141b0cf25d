package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/registry"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		BufferSize:       100,
	}
}

func dialTest(t *testing.T, server *httptest.Server, cfg TransportConfig) Transport {
	t.Helper()
	tr, err := NewWebSocketDialer(cfg, nil).Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return tr
}

// drain reads Messages until it is closed.
func drain(t *testing.T, tr Transport) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tr.Messages():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for Messages to close")
		}
	}
}

func TestTransport_Send(t *testing.T) {
	received := make(chan []byte, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		conn.ReadMessage()
	})
	defer server.Close()

	tr := dialTest(t, server, testTransportConfig())
	defer tr.Close()

	testMsg := []byte(`{"type":"subscribe","topics":["a"]}`)
	if err := tr.Send(testMsg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(testMsg) {
			t.Errorf("received %q, want %q", got, testMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive message")
	}
}

func TestTransport_Messages(t *testing.T) {
	testMessages := []string{
		`{"type":"topic_event","topic":"a","event":1}`,
		`{"type":"topic_event","topic":"a","event":2}`,
		`{"type":"topic_event","topic":"a","event":3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Keep connection open
		time.Sleep(time.Second)
	})
	defer server.Close()

	tr := dialTest(t, server, testTransportConfig())
	defer tr.Close()

	var received []string
	timeout := time.After(time.Second)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-tr.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestTransport_Header(t *testing.T) {
	gotHeader := make(chan string, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader <- r.Header.Get("X-Client")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := testTransportConfig()
	cfg.Header = http.Header{"X-Client": []string{"topicsync-test"}}

	tr := dialTest(t, server, cfg)
	defer tr.Close()

	if got := <-gotHeader; got != "topicsync-test" {
		t.Errorf("X-Client = %q, want topicsync-test", got)
	}
}

func TestTransport_ServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})
	defer server.Close()

	tr := dialTest(t, server, testTransportConfig())
	defer tr.Close()

	drain(t, tr)

	if tr.Err() == nil {
		t.Fatal("Err should report the close cause")
	}
	if !websocket.IsCloseError(tr.Err(), websocket.CloseGoingAway) {
		t.Errorf("Err = %v, want close 1001", tr.Err())
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done not closed after server close")
	}
	if err := tr.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after close = %v, want ErrNotConnected", err)
	}
}

func TestTransport_LocalClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := dialTest(t, server, testTransportConfig())

	if err := tr.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	drain(t, tr)

	if tr.Err() != nil {
		t.Errorf("Err after local Close = %v, want nil", tr.Err())
	}
	if err := tr.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestTransport_StaleConnection(t *testing.T) {
	// The server never reads, so it never answers pings.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	cfg := testTransportConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond

	tr := dialTest(t, server, cfg)
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale connection not reported")
	}

	drain(t, tr)
	if !errors.Is(tr.Err(), ErrStaleConnection) {
		t.Errorf("Err = %v, want ErrStaleConnection", tr.Err())
	}
}

func TestTransport_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewWebSocketDialer(testTransportConfig(), nil).Dial(context.Background(), wsURL(server))
	if err == nil {
		t.Fatal("expected handshake error")
	}
}

func TestDefaultTransportConfig(t *testing.T) {
	cfg := DefaultTransportConfig()
	if cfg.PingTimeout != 60*time.Second {
		t.Errorf("PingTimeout = %v, want 60s", cfg.PingTimeout)
	}
	if cfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.BufferSize)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.WriteTimeout)
	}
}

// topicServer is a minimal stream server: it records subscribe frames and
// answers each one with an event per topic.
type topicServer struct {
	mu         sync.Mutex
	subscribes [][]string
	conns      atomic.Int32
	dropFirst  bool
}

func (s *topicServer) handle(conn *websocket.Conn) {
	n := s.conns.Add(1)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		sub, ok := env.(protocol.Subscribe)
		if !ok {
			continue
		}

		s.mu.Lock()
		s.subscribes = append(s.subscribes, sub.Topics)
		s.mu.Unlock()

		for _, topic := range sub.Topics {
			frame, _ := protocol.Encode(protocol.TopicEvent{Topic: topic, Event: json.RawMessage(`{"conn":` + string(rune('0'+n)) + `}`)})
			conn.WriteMessage(websocket.TextMessage, frame)
		}

		if s.dropFirst && n == 1 {
			return
		}
	}
}

func (s *topicServer) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribes)
}

func TestManager_EndToEndReconnect(t *testing.T) {
	ts := &topicServer{dropFirst: true}
	server := mockWSServer(t, ts.handle)
	defer server.Close()

	var opens, closes atomic.Int32
	events := make(chan string, 10)

	m := NewManager(Options{
		URL:            wsURL(server),
		ReconnectDelay: 20 * time.Millisecond,
		Transport:      testTransportConfig(),
		OnOpen:         func() { opens.Add(1) },
		OnClose:        func(error) { closes.Add(1) },
	})
	defer m.Close()

	m.SubscribeTopic("prices", registry.NewHandler(func(topic string, event json.RawMessage) {
		events <- string(event)
	}))

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, want := range []string{`{"conn":1}`, `{"conn":2}`} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("event = %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %s", want)
		}
	}

	if got := ts.subscribeCount(); got != 2 {
		t.Errorf("subscribe frames = %d, want one per connection", got)
	}
	if opens.Load() != 2 {
		t.Errorf("OnOpen calls = %d, want 2", opens.Load())
	}
	if closes.Load() < 1 {
		t.Error("OnClose not called for the dropped connection")
	}
}
