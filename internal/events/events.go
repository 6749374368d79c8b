package events

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Signal names emitted by the storefront core.
const (
	LotChanged     = "lot:changed"
	CatalogChanged = "catalog:changed"
	PreviewChanged = "preview:changed"
	OrderReady     = "order:ready"
	ErrorsChanged  = "errors:changed"
	LoadingChanged = "loading:changed"
	FailureChanged = "failure:changed"
	OrderSubmitted = "order:submitted"
)

// DefaultMaxDepth bounds nested emissions caused by handlers that call back
// into the core while a signal is being delivered.
const DefaultMaxDepth = 16

// Sink receives signals. Components take a Sink at construction.
type Sink interface {
	Emit(name string, payload any)
}

type Event struct {
	Name    string
	Payload any
}

type Handler func(Event)

// Discard is a Sink that drops every signal.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(string, any) {}

type subscription struct {
	id      uint64
	handler Handler
}

// Emitter delivers signals synchronously, in subscription order, on the
// goroutine that calls Emit. Handlers may emit again; nesting deeper than
// MaxDepth is dropped and logged instead of recursing forever.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	named    map[string][]subscription
	all      []subscription
	depth    int
	MaxDepth int
}

func NewEmitter() *Emitter {
	return &Emitter{
		named:    make(map[string][]subscription),
		MaxDepth: DefaultMaxDepth,
	}
}

// On subscribes handler to one signal. The returned func unsubscribes.
func (e *Emitter) On(name string, handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.named[name] = append(e.named[name], subscription{id: id, handler: handler})
	return func() { e.off(name, id) }
}

// OnAll subscribes handler to every signal.
func (e *Emitter) OnAll(handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.all = append(e.all, subscription{id: id, handler: handler})
	return func() { e.offAll(id) }
}

// Off drops every handler registered for name.
func (e *Emitter) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.named, name)
}

func (e *Emitter) off(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.named[name] = without(e.named[name], id)
	if len(e.named[name]) == 0 {
		delete(e.named, name)
	}
}

func (e *Emitter) offAll(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = without(e.all, id)
}

func (e *Emitter) Emit(name string, payload any) {
	e.mu.Lock()
	if e.depth >= e.MaxDepth {
		e.mu.Unlock()
		log.Error("Dropping signal, emission nested too deep", "signal", name, "depth", e.depth)
		return
	}
	e.depth++
	handlers := make([]Handler, 0, len(e.named[name])+len(e.all))
	for _, s := range e.named[name] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range e.all {
		handlers = append(handlers, s.handler)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.depth--
		e.mu.Unlock()
	}()

	ev := Event{Name: name, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Recorder is a Sink that keeps every signal, for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Emit(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{Name: name, Payload: payload})
}

// Named returns the recorded events with the given name, in order.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = nil
}
