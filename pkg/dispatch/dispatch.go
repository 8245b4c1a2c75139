// Package dispatch routes messages between agents hosted in the same process.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Message is a decoded envelope handed to a local sink.
type Message struct {
	Sender         string
	Target         string
	Session        uuid.UUID
	SchemaDigest   string
	ProtocolDigest string
	Payload        []byte // JSON
}

// Sink accepts messages addressed to one local agent.
type Sink interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// Dispatcher maps local agent addresses to their sinks. One Dispatcher is owned
// by the top-level container (an Agent running alone, or a Bureau) and shared
// with everything it hosts.
type Dispatcher struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *slog.Logger
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sinks:  make(map[string]Sink),
		logger: logger.With("component", "dispatcher"),
	}
}

// Register makes sink reachable at address, replacing any previous sink.
func (d *Dispatcher) Register(address string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[address] = sink
}

// Unregister removes address if it is still bound to sink.
func (d *Dispatcher) Unregister(address string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.sinks[address]; ok && current == sink {
		delete(d.sinks, address)
	}
}

// Contains reports whether address belongs to a local sink.
func (d *Dispatcher) Contains(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sinks[address]
	return ok
}

// Addresses returns every registered address.
func (d *Dispatcher) Addresses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.sinks))
	for addr := range d.sinks {
		out = append(out, addr)
	}
	return out
}

// Dispatch hands msg to the sink registered for msg.Target. It reports whether
// the sink accepted it. Unknown targets are logged and ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) bool {
	d.mu.RLock()
	sink, ok := d.sinks[msg.Target]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("no local sink for target", "target", msg.Target, "sender", msg.Sender)
		return false
	}
	if err := sink.HandleMessage(ctx, msg); err != nil {
		d.logger.Warn("sink rejected message", "target", msg.Target, "schema_digest", msg.SchemaDigest, "error", err)
		return false
	}
	return true
}
