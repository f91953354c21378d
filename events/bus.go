// Package events is an in-process publish/subscribe bus that lets unrelated
// parts of the dashboard react to "data changed" signals without holding
// references to each other.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Event names
const (
	InvoiceCreated    = "invoice:created"
	InvoiceUpdated    = "invoice:updated"
	InvoiceDeleted    = "invoice:deleted"
	InvoicesRefreshed = "invoices:refreshed"
	PollCompleted     = "poll:completed"
	PollFailed        = "poll:failed"
	PollingStatus     = "polling:status"
	OAuthFinished     = "oauth:finished"
	SessionExpired    = "session:expired"
	WindowMessage     = "window:message"
)

// InvoiceEvents are the events that mean the invoice list is stale
var InvoiceEvents = []string{InvoiceCreated, InvoiceUpdated, InvoiceDeleted}

// Event is what a handler receives. Payload is nil for signal-only events.
type Event struct {
	Name    string
	Payload interface{}
}

// Handler reacts to an event
type Handler func(Event)

type registration struct {
	id      string
	handler Handler
}

// Bus dispatches published events to subscribers synchronously
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]registration
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{topics: make(map[string][]registration)}
}

// Subscribe registers handler for name and returns a function that removes
// exactly that registration. Calling the returned function more than once is
// harmless.
func (b *Bus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	reg := registration{id: uuid.NewString(), handler: handler}

	b.mu.Lock()
	b.topics[name] = append(b.topics[name], reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, reg.id) })
	}
}

// SubscribeAll registers handler for each name; the returned function removes
// all of those registrations.
func (b *Bus) SubscribeAll(names []string, handler Handler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(names))
	for _, name := range names {
		unsubs = append(unsubs, b.Subscribe(name, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) remove(name, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.topics[name]
	for i, r := range regs {
		if r.id == id {
			// copy so that a Publish iterating the old slice is unaffected
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, name)
			} else {
				b.topics[name] = next
			}
			return
		}
	}
}

// Publish invokes every handler currently registered for name. Handlers run on
// the caller's goroutine; order between handlers is unspecified. A handler may
// subscribe or unsubscribe during dispatch; that takes effect on the next
// Publish.
func (b *Bus) Publish(name string, payload ...interface{}) {
	b.mu.RLock()
	regs := b.topics[name]
	b.mu.RUnlock()

	ev := Event{Name: name}
	if len(payload) == 1 {
		ev.Payload = payload[0]
	} else if len(payload) > 1 {
		ev.Payload = payload
	}

	for _, r := range regs {
		r.handler(ev)
	}
}

// Subscribers returns how many handlers are registered for name
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[name])
}
