// Package hooks provides an event-driven hook system for shipbot lifecycle events.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soyeahso/shipbot/internal/logging"
)

// Event names for the hook system.
const (
	EventMessageReceived    = "message.received"
	EventSessionStarted     = "session.started"
	EventSessionCancelled   = "session.cancelled"
	EventOrderCompleted     = "order.completed"
	EventLabelFailed        = "label.failed"
	EventPaymentReceived    = "payment.received"
	EventInvariantViolation = "invariant.violation"
	EventGatewayStart       = "gateway.start"
	EventGatewayStop        = "gateway.stop"
)

// AdminEvents are the events worth telling an operator about.
var AdminEvents = []string{
	EventOrderCompleted,
	EventLabelFailed,
	EventPaymentReceived,
	EventInvariantViolation,
	EventSessionCancelled,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// String returns a data field as text, or "" when it is missing.
func (p Payload) String(key string) string {
	v, ok := p.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Summary renders the payload as one line, with fields in key order.
func (p Payload) Summary() string {
	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.Event)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, p.String(k))
	}
	return b.String()
}

// Handler is a function that handles a hook event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager manages hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
// The name identifies the handler for logging and debugging.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// OnEach registers one handler for several events.
func (m *Manager) OnEach(events []string, name string, handler Handler) {
	for _, event := range events {
		m.On(event, name, handler)
	}
}

// Emit dispatches an event to all registered handlers synchronously, in
// registration order. Handler errors and panics are logged and do not stop
// the remaining handlers or the caller.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	m.mu.RLock()
	handlers := append([]namedHandler(nil), m.handlers[event]...)
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	payload := Payload{Event: event, Data: data}
	for _, h := range handlers {
		if err := m.call(ctx, h, payload); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", event).
				Str("handler", h.name).
				Msg("hook handler error")
		}
	}
}

func (m *Manager) call(ctx context.Context, h namedHandler, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.handler(ctx, p)
}

// Events returns the events that have at least one handler, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	return events
}
