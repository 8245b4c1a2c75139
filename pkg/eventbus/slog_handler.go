package eventbus

import (
	"context"
	"log/slog"
)

// LogEntry is the event type of log records mirrored onto the bus.
const LogEntry = "log.entry"

// LogInfo is the Data of a log.entry event.
type LogInfo struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// SlogHandler wraps an slog.Handler and also publishes records at or above
// a minimum level to the bus. The "address" attribute, when present,
// becomes the event's agent.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	min   slog.Level
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler that writes to inner and publishes records
// at min or above to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus, min slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, min: min}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || (h.bus != nil && level >= h.min)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.bus != nil && r.Level >= h.min {
		h.publish(r)
	}
	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) publish(r slog.Record) {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	agent, _ := attrs["address"].(string)
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			attrs[k] = err.Error()
		}
	}
	h.bus.Emit(LogEntry, agent, LogInfo{Level: r.Level.String(), Message: r.Message, Attrs: attrs})
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		min:   h.min,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
		group: h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		min:   h.min,
		attrs: h.attrs,
		group: group,
	}
}
