// Package eventbus fans agent lifecycle events out to in-process observers.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Event types published by agents.
const (
	EnvelopeReceived    = "envelope.received"
	EnvelopeSent        = "envelope.sent"
	EnvelopeRejected    = "envelope.rejected"
	MailboxConnected    = "mailbox.connected"
	MailboxDisconnected = "mailbox.disconnected"
	RegistrationOK      = "registration.ok"
	RegistrationFailed  = "registration.failed"
)

// SubscriberBuffer is the channel capacity handed to each subscriber.
const SubscriberBuffer = 64

// Event is one published occurrence, attributed to the agent it concerns.
type Event struct {
	Type      string          `json:"type"`
	Agent     string          `json:"agent,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EnvelopeInfo is the Data of the envelope.* events.
type EnvelopeInfo struct {
	Sender       string `json:"sender"`
	Target       string `json:"target"`
	Session      string `json:"session"`
	SchemaDigest string `json:"schema_digest"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Bus is a non-blocking fan-out bus. A subscriber whose buffer is full misses
// events rather than stalling publishers.
type Bus struct {
	clock clock.Clock

	mu   sync.RWMutex
	subs map[chan Event]map[string]bool
}

// New creates an empty bus.
func New() *Bus {
	return NewWithClock(clock.New())
}

// NewWithClock creates a bus stamping events from clk.
func NewWithClock(clk clock.Clock) *Bus {
	return &Bus{clock: clk, subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no types are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, SubscriberBuffer)
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.mu.Lock()
	b.subs[ch] = filter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber. A nil bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event of type eventType for agent with data marshalled
// as JSON.
func (b *Bus) Emit(eventType, agent string, data any) {
	if b == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Agent: agent, Data: raw})
}

// Close unsubscribes and closes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
