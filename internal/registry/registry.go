package registry

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
)

// Handler receives decoded events for one topic.
//
// Registration is keyed by handler identity (interface equality), so a
// handler must be a comparable value to be deduplicated; pointer types
// are the usual choice. Non-comparable handlers are always treated as
// distinct registrations.
type Handler interface {
	HandleEvent(topic string, event json.RawMessage)
}

// HandlerFunc is the function type accepted by NewHandler, which wraps it
// in a Handler with a stable identity.
type HandlerFunc func(topic string, event json.RawMessage)

// funcHandler gives a HandlerFunc pointer identity.
type funcHandler struct {
	fn HandlerFunc
}

func (h *funcHandler) HandleEvent(topic string, event json.RawMessage) {
	h.fn(topic, event)
}

// NewHandler wraps fn in a Handler. Each call returns a distinct handler;
// keep the returned value to register the same handler again.
func NewHandler(fn HandlerFunc) Handler {
	return &funcHandler{fn: fn}
}

// registration is one handler in a topic's ordered set.
type registration struct {
	handler Handler
}

// Registry tracks the handler set per topic. It performs no I/O: callers
// act on the first/last transitions it reports.
type Registry struct {
	mu     sync.RWMutex
	topics map[string][]*registration
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		topics: make(map[string][]*registration),
	}
}

// Add registers h under topic. first is true when topic had no handlers
// before this call. Adding a handler that is already registered is a no-op
// (first is false) and returns a remove func for the existing registration.
//
// remove deletes the registration and reports whether it emptied the topic.
// It is safe to call more than once; later calls report false.
func (r *Registry) Add(topic string, h Handler) (first bool, remove func() (last bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.topics[topic]
	for _, reg := range regs {
		if sameHandler(reg.handler, h) {
			return false, r.remover(topic, reg)
		}
	}

	reg := &registration{handler: h}
	r.topics[topic] = append(regs, reg)

	return len(regs) == 0, r.remover(topic, reg)
}

func (r *Registry) remover(topic string, reg *registration) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.removeLocked(topic, reg)
	}
}

func (r *Registry) removeLocked(topic string, target *registration) bool {
	regs, ok := r.topics[topic]
	if !ok {
		return false
	}

	for i, reg := range regs {
		if reg != target {
			continue
		}
		// Copy so snapshots handed to the router stay intact.
		next := make([]*registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)

		if len(next) == 0 {
			delete(r.topics, topic)
			return true
		}
		r.topics[topic] = next
		return false
	}

	return false
}

// RemoveTopic drops every handler for topic. It reports whether the topic
// was tracked.
func (r *Registry) RemoveTopic(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topic]; !ok {
		return false
	}
	delete(r.topics, topic)
	return true
}

// Handlers returns the handlers for topic in registration order.
func (r *Registry) Handlers(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.topics[topic]
	if len(regs) == 0 {
		return nil
	}

	out := make([]Handler, len(regs))
	for i, reg := range regs {
		out[i] = reg.handler
	}
	return out
}

// Topics returns a sorted snapshot of every topic with at least one handler.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of handlers per topic.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.topics))
	for topic, regs := range r.topics {
		out[topic] = len(regs)
	}
	return out
}

// Len returns the number of tracked topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// sameHandler compares handlers without panicking. Types such as bare
// func values are never equal. A struct whose interface field holds a
// func passes the Comparable check but still panics on ==, so that is
// recovered too.
func sameHandler(a, b Handler) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
