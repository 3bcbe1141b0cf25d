package registry

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
)

// recorder is a comparable handler that records topics it saw.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) HandleEvent(topic string, event json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, topic+":"+string(event))
}

// valueHandler is a non-comparable handler type.
type valueHandler struct {
	fn func()
}

func (v valueHandler) HandleEvent(string, json.RawMessage) { v.fn() }

// boxedHandler is a comparable type whose dynamic field may not be.
type boxedHandler struct {
	fn any
}

func (boxedHandler) HandleEvent(string, json.RawMessage) {}

func TestRegistry_AddFirstAndLast(t *testing.T) {
	r := New()
	h1, h2 := &recorder{}, &recorder{}

	first, remove1 := r.Add("tasks", h1)
	if !first {
		t.Error("first Add should report first=true")
	}

	first, remove2 := r.Add("tasks", h2)
	if first {
		t.Error("second Add should report first=false")
	}

	if last := remove1(); last {
		t.Error("removing one of two handlers should report last=false")
	}
	if _, ok := r.Counts()["tasks"]; !ok {
		t.Error("topic should still be tracked")
	}

	if last := remove2(); !last {
		t.Error("removing the final handler should report last=true")
	}
	if _, ok := r.Counts()["tasks"]; ok {
		t.Error("topic should be dropped after last handler removed")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := New()
	_, remove := r.Add("a", &recorder{})

	if !remove() {
		t.Error("first remove should report last=true")
	}
	if remove() {
		t.Error("second remove should report false")
	}

	// A stale remove must not touch a newer registration.
	h := &recorder{}
	r.Add("a", h)
	if remove() {
		t.Error("stale remove should report false")
	}
	if got := r.Handlers("a"); len(got) != 1 {
		t.Errorf("Handlers = %d, want 1", len(got))
	}
}

func TestRegistry_DuplicateHandler(t *testing.T) {
	r := New()
	h := &recorder{}

	first, removeA := r.Add("a", h)
	if !first {
		t.Fatal("expected first=true")
	}
	first, removeB := r.Add("a", h)
	if first {
		t.Error("duplicate Add should report first=false")
	}

	if got := r.Handlers("a"); len(got) != 1 {
		t.Fatalf("Handlers = %d, want 1 (set semantics)", len(got))
	}

	// Both closures refer to the same registration.
	if !removeB() {
		t.Error("removeB should empty the topic")
	}
	if removeA() {
		t.Error("removeA after removeB should report false")
	}
}

func TestRegistry_NewHandlerIdentity(t *testing.T) {
	r := New()
	fn := func(string, json.RawMessage) {}

	h := NewHandler(fn)
	r.Add("a", h)
	r.Add("a", h)
	if got := len(r.Handlers("a")); got != 1 {
		t.Errorf("same NewHandler value registered twice: %d handlers, want 1", got)
	}

	r.Add("a", NewHandler(fn))
	if got := len(r.Handlers("a")); got != 2 {
		t.Errorf("distinct NewHandler values: %d handlers, want 2", got)
	}
}

func TestRegistry_NonComparableHandler(t *testing.T) {
	r := New()
	h := valueHandler{fn: func() {}}

	r.Add("a", h)
	r.Add("a", h)

	if got := len(r.Handlers("a")); got != 2 {
		t.Errorf("non-comparable handlers: %d, want 2", got)
	}
}

func TestRegistry_UncomparableFieldHandler(t *testing.T) {
	r := New()
	h := boxedHandler{fn: func() {}}

	defer func() {
		if p := recover(); p != nil {
			t.Fatalf("Add panicked: %v", p)
		}
	}()

	first, remove1 := r.Add("a", h)
	if !first {
		t.Error("first Add should report first=true")
	}
	first, remove2 := r.Add("a", h)
	if first {
		t.Error("second Add should report first=false")
	}

	if got := len(r.Handlers("a")); got != 2 {
		t.Fatalf("handlers = %d, want 2 distinct registrations", got)
	}
	if remove1() {
		t.Error("removing one of two registrations should report last=false")
	}
	if !remove2() {
		t.Error("removing the final registration should report last=true")
	}
}

func TestRegistry_ComparableBoxedHandler(t *testing.T) {
	r := New()
	h := boxedHandler{fn: "tasks"}

	r.Add("a", h)
	r.Add("a", h)

	if got := len(r.Handlers("a")); got != 1 {
		t.Errorf("handlers = %d, want equal values deduplicated", got)
	}
}

func TestRegistry_HandlersOrder(t *testing.T) {
	r := New()
	hs := []*recorder{{}, {}, {}}
	for _, h := range hs {
		r.Add("a", h)
	}

	got := r.Handlers("a")
	for i, h := range got {
		if h != Handler(hs[i]) {
			t.Errorf("Handlers[%d] out of registration order", i)
		}
	}
}

func TestRegistry_SnapshotUnaffectedByRemove(t *testing.T) {
	r := New()
	h1, h2 := &recorder{}, &recorder{}
	_, remove1 := r.Add("a", h1)
	r.Add("a", h2)

	snapshot := r.Handlers("a")
	remove1()

	if len(snapshot) != 2 || snapshot[0] != Handler(h1) || snapshot[1] != Handler(h2) {
		t.Error("snapshot changed after remove")
	}
}

func TestRegistry_RemoveTopic(t *testing.T) {
	r := New()
	r.Add("a", &recorder{})
	r.Add("a", &recorder{})

	if !r.RemoveTopic("a") {
		t.Error("RemoveTopic should report tracked topic")
	}
	if r.RemoveTopic("a") {
		t.Error("RemoveTopic on unknown topic should report false")
	}
	if r.Handlers("a") != nil {
		t.Error("handlers should be gone")
	}
}

func TestRegistry_TopicsAndCounts(t *testing.T) {
	r := New()
	r.Add("b", &recorder{})
	r.Add("a", &recorder{})
	r.Add("a", &recorder{})

	if got := r.Topics(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Topics() = %v, want [a b]", got)
	}

	want := map[string]int{"a": 2, "b": 1}
	if got := r.Counts(); !reflect.DeepEqual(got, want) {
		t.Errorf("Counts() = %v, want %v", got, want)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, remove := r.Add("a", &recorder{})
			r.Handlers("a")
			remove()
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Error("all handlers removed, topic should be gone")
	}
}
