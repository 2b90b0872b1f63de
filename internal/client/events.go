// ABOUTME: Event subscription registry: per-event-name listener lists with
// ABOUTME: panic isolation so one bad handler cannot take down the read loop.

package client

import (
	"log/slog"
	"sync"

	"github.com/quetel/bridge/internal/protocol"
)

// EventHandler receives gateway events for one subscribed event type.
type EventHandler func(ev *protocol.GatewayEvent)

// ErrorHandler receives connection-level errors and peer diagnostics.
type ErrorHandler func(err error)

// subscribers holds the listener lists. Registration is expected at
// setup time but remains safe during dispatch.
type subscribers struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
	onError  []ErrorHandler
}

func newSubscribers(logger *slog.Logger) *subscribers {
	return &subscribers{
		logger:   logger.With("component", "gateway-client"),
		handlers: make(map[string][]EventHandler),
	}
}

// On registers a handler for the named event type. Multiple handlers per
// type are invoked in registration order.
func (c *Client) On(eventType string, h EventHandler) {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	c.subs.handlers[eventType] = append(c.subs.handlers[eventType], h)
}

// OnError registers a handler for connection errors and server
// diagnostics.
func (c *Client) OnError(h ErrorHandler) {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	c.subs.onError = append(c.subs.onError, h)
}

// dispatch fans an event out to its listeners. Each handler runs under
// its own recover so a panicking subscriber only loses its own delivery.
func (s *subscribers) dispatch(ev *protocol.GatewayEvent) {
	s.mu.RLock()
	handlers := s.handlers[ev.Type]
	s.mu.RUnlock()

	for _, h := range handlers {
		s.invoke(h, ev)
	}
}

func (s *subscribers) invoke(h EventHandler, ev *protocol.GatewayEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"seq", ev.Seq,
				"panic", r,
			)
		}
	}()
	h(ev)
}

func (s *subscribers) notifyError(err error) {
	s.mu.RLock()
	handlers := s.onError
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("error handler panicked", "panic", r)
				}
			}()
			h(err)
		}()
	}
}
