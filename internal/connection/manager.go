package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/registry"
	"github.com/rickgao/topicsync/internal/router"
)

// Manager owns the single stream connection, the topic registry and the
// message router, and reconnects after unexpected closes.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	dialer   Dialer
	registry *registry.Registry
	router   *router.Router
	sched    *Scheduler

	// Cancelled by Close to abort an in-flight dial.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below and serializes subscribe/unsubscribe
	// sends with the registry transitions that cause them.
	mu        sync.Mutex
	state     State
	gen       uint64 // Connection attempt counter
	connID    string
	transport Transport
	synced    bool // Full topic set flushed on the current transport

	attempts    int64
	opens       int64
	disconnects int64
	reconnects  int64
}

// NewManager creates a Manager. It does not connect; call Connect.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	logger := opts.Logger
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(opts.Transport, logger)
	}

	m := &Manager{
		opts:     opts,
		logger:   logger,
		dialer:   dialer,
		registry: registry.New(),
		sched:    NewScheduler(opts.ReconnectDelay),
		state:    StateIdle,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.router = router.New(m.registry, router.Hooks{
		OnMessage:    opts.OnMessage,
		OnParseError: opts.OnParseError,
	}, logger)

	return m
}

// Connect starts connecting in the background. It is a no-op while a
// connection is in flight or open; while a reconnect is pending it connects
// immediately instead of waiting for the timer.
//
// An unusable URL is reported to OnProtocolError and returned; no reconnect
// is scheduled for it. After Close, Connect returns ErrClosed.
func (m *Manager) Connect() error {
	if m.State() == StateClosed {
		return ErrClosed
	}

	if err := validateURL(m.opts.URL); err != nil {
		m.callHook("on_protocol_error", func() {
			if m.opts.OnProtocolError != nil {
				m.opts.OnProtocolError(err)
			}
		})
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.state.next(evConnect)
	if !ok {
		if m.state == StateClosed {
			return ErrClosed
		}
		return nil
	}

	m.sched.Cancel()
	m.startAttemptLocked(next)
	return nil
}

// Close stops the manager for good: it cancels any pending reconnect,
// closes the live transport, and makes every later close event inert.
func (m *Manager) Close() error {
	m.mu.Lock()
	next, ok := m.state.next(evClose)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.state = next
	m.sched.Stop()
	t := m.transport
	m.mu.Unlock()

	m.cancel()

	m.logger.Info("stream manager closed")

	if t != nil {
		return t.Close()
	}
	return nil
}

// IsOpen reports whether a transport exists, the state is Open and the
// socket has not already failed.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SendJSON marshals v and sends it if the connection is open. It reports
// whether a send was attempted; nothing is queued for later. Pass
// json.RawMessage to send pre-encoded JSON.
func (m *Manager) SendJSON(v any) bool {
	m.mu.Lock()
	t := m.transport
	open := m.liveLocked()
	m.mu.Unlock()

	if !open {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.report(fmt.Errorf("%w: marshal: %v", protocol.ErrProtocol, err))
		return false
	}

	if err := t.Send(data); err != nil {
		m.report(fmt.Errorf("send: %w", err))
	}
	return true
}

// SubscribeTopic registers h for topic and returns a func that removes it.
// The first handler for a topic sends a subscribe message if connected;
// otherwise the topic is sent on the next open. Removing the last handler
// sends an unsubscribe. Registering the same handler twice is a no-op.
func (m *Manager) SubscribeTopic(topic string, h registry.Handler) (unsubscribe func()) {
	if topic == "" || h == nil {
		m.report(fmt.Errorf("%w: subscribe needs a topic and a handler", protocol.ErrProtocol))
		return func() {}
	}

	remove, err := m.addHandler(topic, h)
	m.report(err)

	return func() {
		m.report(m.removeHandler(topic, remove))
	}
}

// UnsubscribeTopic drops every handler for topic, sending an unsubscribe
// if the topic was tracked.
func (m *Manager) UnsubscribeTopic(topic string) {
	m.report(m.dropTopic(topic))
}

func (m *Manager) addHandler(topic string, h registry.Handler) (func() bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, remove := m.registry.Add(topic, h)
	if !first {
		return remove, nil
	}
	return remove, m.sendLocked(protocol.Subscribe{Topics: []string{topic}})
}

func (m *Manager) removeHandler(topic string, remove func() bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !remove() {
		return nil
	}
	return m.sendLocked(protocol.Unsubscribe{Topics: []string{topic}})
}

func (m *Manager) dropTopic(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.RemoveTopic(topic) {
		return nil
	}
	return m.sendLocked(protocol.Unsubscribe{Topics: []string{topic}})
}

// Topics returns the topics that currently have handlers.
func (m *Manager) Topics() []string {
	return m.registry.Topics()
}

// TopicCounts returns the number of handlers per topic.
func (m *Manager) TopicCounts() map[string]int {
	return m.registry.Counts()
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		State:        m.state,
		ConnectionID: m.connID,
		Attempts:     m.attempts,
		Opens:        m.opens,
		Disconnects:  m.disconnects,
		Reconnects:   m.reconnects,
	}
	m.mu.Unlock()

	stats.Topics = m.registry.Len()
	stats.Router = m.router.Stats()
	return stats
}

// startAttemptLocked moves to Connecting and dials in the background.
func (m *Manager) startAttemptLocked(next State) {
	m.state = next
	m.gen++
	m.connID = uuid.NewString()
	m.attempts++
	m.transport = nil
	m.synced = false

	go m.run(m.gen, m.logger.With("conn_id", m.connID))
}

// currentLocked reports whether gen is still the live attempt. Must be called
// with mu held.
func (m *Manager) currentLocked(gen uint64) bool {
	return gen == m.gen && m.state != StateClosed
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(gen)
}

// run performs one connection attempt and then consumes its frames until
// the transport closes.
func (m *Manager) run(gen uint64, logger *slog.Logger) {
	logger.Debug("connecting", "url", m.opts.URL)

	t, err := m.dialer.Dial(m.ctx, m.opts.URL)
	if err != nil {
		if !m.current(gen) {
			return
		}
		logger.Warn("connection attempt failed", "error", err)
		m.callHook("on_error", func() {
			if m.opts.OnError != nil {
				m.opts.OnError(err)
			}
		})
		m.handleClosed(gen, err, logger)
		return
	}

	m.mu.Lock()
	next, ok := m.state.next(evOpened)
	if gen != m.gen || !ok {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.state = next
	m.transport = t
	m.opens++
	m.mu.Unlock()

	logger.Info("stream connected")

	m.callHook("on_open", func() {
		if m.opts.OnOpen != nil {
			m.opts.OnOpen()
		}
	})

	m.flushTopics(gen, logger)
	m.consume(gen, t, logger)
}

// flushTopics sends one subscribe message with every registered topic.
// The registry is the source of truth: nothing survives a reconnect on the
// wire.
func (m *Manager) flushTopics(gen uint64, logger *slog.Logger) {
	m.mu.Lock()
	if !m.currentLocked(gen) || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.synced = true
	topics := m.registry.Topics()
	var err error
	if len(topics) > 0 {
		err = m.sendLocked(protocol.Subscribe{Topics: topics})
	}
	m.mu.Unlock()

	if len(topics) > 0 {
		logger.Debug("subscribed topics", "count", len(topics))
	}
	m.report(err)
}

// consume dispatches frames in receive order until Messages is closed.
func (m *Manager) consume(gen uint64, t Transport, logger *slog.Logger) {
	for {
		select {
		case msg, ok := <-t.Messages():
			if !ok {
				m.handleClosed(gen, t.Err(), logger)
				return
			}
			// Frames still buffered after Close are not delivered.
			if !m.current(gen) {
				continue
			}
			m.router.Dispatch(msg.Data)

		case err := <-t.Errors():
			if !m.current(gen) {
				continue
			}
			logger.Warn("transport error", "error", err)
			m.callHook("on_error", func() {
				if m.opts.OnError != nil {
					m.opts.OnError(err)
				}
			})
		}
	}
}

// handleClosed runs after the attempt gen lost its transport (or failed to
// dial). It reports OnClose and, unless the manager was deliberately
// closed or ShouldReconnect declines, arms the reconnect timer.
func (m *Manager) handleClosed(gen uint64, cause error, logger *slog.Logger) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	hadTransport := m.transport != nil
	m.transport = nil
	m.synced = false
	deliberate := m.state == StateClosed
	if !deliberate {
		m.disconnects++
	}
	m.mu.Unlock()

	if deliberate {
		if hadTransport {
			logger.Info("stream disconnected")
			m.callHook("on_close", func() {
				if m.opts.OnClose != nil {
					m.opts.OnClose(nil)
				}
			})
		}
		return
	}

	logger.Warn("stream disconnected", "error", cause)
	m.callHook("on_close", func() {
		if m.opts.OnClose != nil {
			m.opts.OnClose(cause)
		}
	})

	retry := m.shouldReconnect()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Close or Connect may have run while the hooks were executing.
	if gen != m.gen {
		return
	}

	ev := evGiveUp
	if retry {
		ev = evLost
	}
	next, ok := m.state.next(ev)
	if !ok {
		return
	}
	m.state = next

	if !retry {
		logger.Info("reconnect declined")
		return
	}

	if m.sched.Schedule(func() { m.retry(gen) }) {
		logger.Info("reconnect scheduled", "delay", m.sched.Delay())
	}
}

// retry is the reconnect timer callback for the attempt gen that was lost.
// It does nothing if another attempt started after the timer was armed.
func (m *Manager) retry(gen uint64) {
	if !m.shouldReconnect() {
		m.mu.Lock()
		if next, ok := m.state.next(evGiveUp); ok && gen == m.gen && m.state == StatePendingReconnect {
			m.state = next
		}
		m.mu.Unlock()
		m.logger.Info("reconnect declined")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StatePendingReconnect {
		return
	}
	next, _ := m.state.next(evConnect)
	m.reconnects++
	m.logger.Info("attempting reconnection")
	m.startAttemptLocked(next)
}

func (m *Manager) shouldReconnect() (retry bool) {
	if m.opts.ShouldReconnect == nil {
		return true
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("hook panicked", "hook", "should_reconnect", "panic", p)
			retry = false
		}
	}()
	return m.opts.ShouldReconnect()
}

// sendLocked encodes and sends a control envelope on the synced transport.
// It does nothing while disconnected or before the full topic flush.
func (m *Manager) sendLocked(env protocol.Envelope) error {
	if !m.synced || !m.liveLocked() {
		return nil
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := m.transport.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind(), err)
	}
	return nil
}

// liveLocked reports whether the state is Open and its transport has not
// closed underneath the manager.
func (m *Manager) liveLocked() bool {
	if m.state != StateOpen || m.transport == nil {
		return false
	}
	select {
	case <-m.transport.Done():
		return false
	default:
		return true
	}
}

// report routes err to OnProtocolError or OnError. nil is ignored.
func (m *Manager) report(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, protocol.ErrProtocol) {
		m.logger.Warn("protocol error", "error", err)
		m.callHook("on_protocol_error", func() {
			if m.opts.OnProtocolError != nil {
				m.opts.OnProtocolError(err)
			}
		})
		return
	}

	m.logger.Warn("transport error", "error", err)
	m.callHook("on_error", func() {
		if m.opts.OnError != nil {
			m.opts.OnError(err)
		}
	})
}

func (m *Manager) callHook(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("hook panicked", "hook", name, "panic", p)
		}
	}()
	fn()
}

// validateURL checks that raw is a dialable WebSocket URL.
func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q (want ws or wss)", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}
