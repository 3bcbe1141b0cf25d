// streamtail connects to a topic stream and prints events to the console.
// Usage: go run ./cmd/streamtail -url ws://localhost:9000/ws -topics prices,trades
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rickgao/topicsync/internal/connection"
	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/registry"
)

func main() {
	url := flag.String("url", "", "stream URL (ws:// or wss://)")
	topics := flag.String("topics", "", "comma-separated topics to subscribe to")
	delay := flag.Duration("reconnect-delay", connection.DefaultReconnectDelay, "delay between reconnect attempts")
	verbose := flag.Bool("verbose", false, "print indented event JSON and debug logs")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	topicList := splitTopics(*topics)
	if *url == "" || len(topicList) == 0 {
		fmt.Fprintln(os.Stderr, "usage: streamtail -url ws://host/path -topics a,b")
		os.Exit(2)
	}

	p := &printer{out: os.Stdout, verbose: *verbose}

	mgr := connection.NewManager(connection.Options{
		URL:            *url,
		ReconnectDelay: *delay,
		Transport:      connection.DefaultTransportConfig(),
		OnOpen:         func() { logger.Info("connected") },
		OnClose: func(err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		},
		OnError:         func(err error) { logger.Warn("stream error", "error", err) },
		OnMessage:       p.printMessage,
		OnParseError:    func(err error, data []byte) { logger.Warn("unparseable frame", "error", err, "data", string(data)) },
		OnProtocolError: func(err error) { logger.Error("protocol error", "error", err) },
		Logger:          logger,
	})

	handler := registry.NewHandler(p.printEvent)
	for _, topic := range topicList {
		mgr.SubscribeTopic(topic, handler)
	}

	if err := mgr.Connect(); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	logger.Info("streaming started - press Ctrl+C to stop", "topics", topicList)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	mgr.Close()

	s := mgr.Stats()
	logger.Info("shutdown complete",
		"received", s.Router.MessagesReceived,
		"routed", s.Router.EventsRouted,
		"parse_errors", s.Router.ParseErrors,
		"reconnects", s.Reconnects,
	)
}

func splitTopics(s string) []string {
	var topics []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// printer writes one line (or one indented block) per event.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

func (p *printer) printEvent(topic string, event json.RawMessage) {
	p.print("["+topic+"]", event)
}

func (p *printer) printMessage(msg protocol.AppMessage) {
	p.print("<"+msg.Type+">", msg.Raw)
}

func (p *printer) print(label string, data []byte) {
	body := data
	if p.verbose {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n", time.Now().Format("15:04:05.000"), label, body)
}
