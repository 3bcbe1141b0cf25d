package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/topicsync/internal/protocol"
	"github.com/rickgao/topicsync/internal/registry"
)

// HandlerSource looks up the handlers registered for a topic.
// *registry.Registry satisfies it.
type HandlerSource interface {
	Handlers(topic string) []registry.Handler
}

// Hooks are the caller callbacks the router reports to. All are optional.
type Hooks struct {
	// OnMessage receives every valid frame that is not a topic event.
	OnMessage func(msg protocol.AppMessage)

	// OnParseError receives frames that are not valid JSON.
	OnParseError func(err error, data []byte)
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	EventsRouted     int64 // Handler invocations
	EventsDropped    int64 // Topic events with no registered handler
	AppMessages      int64
	ParseErrors      int64
	HandlerPanics    int64
}

// Router parses inbound frames and dispatches them.
type Router struct {
	source HandlerSource
	hooks  Hooks
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Message Router.
func New(source HandlerSource, hooks Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		source: source,
		hooks:  hooks,
		logger: logger,
	}
}

// Dispatch parses one frame and routes it. Topic events are delivered
// synchronously to the topic's handlers in registration order before
// Dispatch returns. Dispatch never panics.
func (r *Router) Dispatch(data []byte) {
	r.count(func(s *Stats) { s.MessagesReceived++ })

	env, err := protocol.Decode(data)
	if err != nil {
		r.count(func(s *Stats) { s.ParseErrors++ })
		r.logger.Warn("failed to parse frame", "error", err, "size", len(data))
		r.callHook("on_parse_error", func() {
			if r.hooks.OnParseError != nil {
				r.hooks.OnParseError(err, data)
			}
		})
		return
	}

	switch e := env.(type) {
	case protocol.TopicEvent:
		r.routeEvent(e)
	case protocol.AppMessage:
		r.forward(e)
	case protocol.Subscribe, protocol.Unsubscribe:
		// Control envelopes are client->server; from the server they are
		// just application messages.
		r.forward(protocol.AppMessage{Type: string(e.Kind()), Raw: json.RawMessage(data)})
	default:
		r.logger.Error("unhandled envelope", "type", fmt.Sprintf("%T", env))
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// routeEvent invokes every handler registered for the event's topic.
func (r *Router) routeEvent(ev protocol.TopicEvent) {
	handlers := r.source.Handlers(ev.Topic)
	if len(handlers) == 0 {
		r.count(func(s *Stats) { s.EventsDropped++ })
		r.logger.Debug("dropping event for topic without handlers", "topic", ev.Topic)
		return
	}

	for _, h := range handlers {
		r.invoke(h, ev)
	}

	r.count(func(s *Stats) { s.EventsRouted += int64(len(handlers)) })
}

// invoke runs one handler, containing any panic to that handler.
func (r *Router) invoke(h registry.Handler, ev protocol.TopicEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.count(func(s *Stats) { s.HandlerPanics++ })
			r.logger.Error("topic handler panicked", "topic", ev.Topic, "panic", p)
		}
	}()
	h.HandleEvent(ev.Topic, ev.Event)
}

func (r *Router) forward(msg protocol.AppMessage) {
	r.count(func(s *Stats) { s.AppMessages++ })
	if r.hooks.OnMessage == nil {
		r.logger.Debug("no message hook, skipping", "type", msg.Type)
		return
	}
	r.callHook("on_message", func() { r.hooks.OnMessage(msg) })
}

func (r *Router) callHook(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook panicked", "hook", name, "panic", p)
		}
	}()
	fn()
}

func (r *Router) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
