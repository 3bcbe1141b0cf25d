// topicrecorder subscribes to the configured topics on a WebSocket stream
// and records every event to PostgreSQL.
// Usage: go run ./cmd/topicrecorder --config configs/topicrecorder.example.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/topicsync/internal/config"
	"github.com/rickgao/topicsync/internal/connection"
	"github.com/rickgao/topicsync/internal/database"
	"github.com/rickgao/topicsync/internal/httpapi"
	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/registry"
	"github.com/rickgao/topicsync/internal/version"
	"github.com/rickgao/topicsync/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/topicrecorder.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(os.Stdout, cfg.Log).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting topic recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Recorder (optional)
	var recorder *writer.EventWriter
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}

		recorder = writer.NewEventWriter(writer.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)

		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start event writer", "error", err)
			os.Exit(1)
		}
	}

	// Connection Manager
	mgr := connection.NewManager(managerOptions(cfg.Stream, logger))

	var handler registry.Handler = registry.NewHandler(func(topic string, event json.RawMessage) {
		logger.Debug("event", "topic", topic, "bytes", len(event))
	})
	if recorder != nil {
		handler = recorder
	}
	for _, topic := range cfg.Stream.Topics {
		mgr.SubscribeTopic(topic, handler)
	}

	if err := mgr.Connect(); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	var stats httpapi.Recorder
	if recorder != nil {
		stats = recorder
	}
	server := httpapi.New(mgr, stats, logger)
	g.Go(func() error {
		return server.Run(gctx, fmt.Sprintf(":%d", cfg.HTTP.Port))
	})

	g.Go(func() error {
		logStats(gctx, mgr, recorder, logger)
		return nil
	})

	logger.Info("topic recorder running",
		"url", cfg.Stream.URL,
		"topics", len(cfg.Stream.Topics),
		"recording", recorder != nil,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	// Wait for shutdown
	<-gctx.Done()
	logger.Info("shutting down...")

	mgr.Close()

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
	}

	if recorder != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := recorder.Stop(shutdownCtx); err != nil {
			logger.Error("event writer stop failed", "error", err)
		}
	}

	logger.Info("topic recorder stopped")
}

// managerOptions maps stream config onto connection options, logging every
// lifecycle hook.
func managerOptions(cfg config.StreamConfig, logger *slog.Logger) connection.Options {
	return connection.Options{
		URL:            cfg.URL,
		ReconnectDelay: cfg.ReconnectDelay,
		Transport: connection.TransportConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PingInterval:     cfg.PingInterval,
			PingTimeout:      cfg.PingTimeout,
			BufferSize:       cfg.BufferSize,
		},
		OnOpen: func() {
			logger.Info("stream open")
		},
		OnClose: func(err error) {
			if err != nil {
				logger.Warn("stream closed", "error", err)
			}
		},
		OnError: func(err error) {
			logger.Warn("stream error", "error", err)
		},
		OnMessage: func(msg protocol.AppMessage) {
			logger.Debug("application message", "type", msg.Type, "bytes", len(msg.Raw))
		},
		OnParseError: func(err error, data []byte) {
			logger.Warn("unparseable frame", "error", err, "bytes", len(data))
		},
		OnProtocolError: func(err error) {
			logger.Error("protocol error", "error", err)
		},
		Logger: logger,
	}
}

// logStats logs connection and recorder stats every 30 seconds.
func logStats(ctx context.Context, mgr *connection.Manager, recorder *writer.EventWriter, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := mgr.Stats()
			attrs := []any{
				"state", s.State,
				"topics", s.Topics,
				"reconnects", s.Reconnects,
				"received", s.Router.MessagesReceived,
				"routed", s.Router.EventsRouted,
				"dropped", s.Router.EventsDropped,
				"parse_errors", s.Router.ParseErrors,
			}
			if recorder != nil {
				ws := recorder.Stats()
				attrs = append(attrs,
					"inserts", ws.Inserts,
					"insert_errors", ws.Errors,
					"queue_dropped", ws.Dropped,
					"queued", ws.Queued,
				)
			}
			logger.Info("stats", attrs...)
		}
	}
}

// newLogger builds the slog handler selected by cfg.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
