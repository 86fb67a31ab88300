// Package events fans session lifecycle events out to in-process listeners.
package events

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
)

var (
	ErrDuplicateListener = errors.New("listener already subscribed")
	ErrBusClosed         = errors.New("event bus closed")
)

// Handler receives one event. It runs on the publishing goroutine and must
// not block.
type Handler func(event *models.Event)

// Filter narrows which events reach a listener. The zero Filter accepts
// everything.
type Filter struct {
	Types  []models.EventType
	HostID string
}

// Matches reports whether event passes f.
func (f Filter) Matches(event *models.Event) bool {
	if event == nil {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	return f.HostID == "" || f.HostID == event.HostID
}

// Publisher is the sending side used by the registry.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event)
}

type listener struct {
	name    string
	filter  Filter
	handler Handler
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []listener
	closed    bool
}

// NewBus returns an open bus with no listeners.
func NewBus() *Bus {
	return &Bus{logger: logging.Component("events")}
}

// Subscribe registers handler under name.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler) error {
	if name == "" || handler == nil {
		return errors.New("listener needs a name and a handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.indexOf(name) >= 0 {
		return ErrDuplicateListener
	}
	b.listeners = append(b.listeners, listener{name: name, filter: filter, handler: handler})
	return nil
}

func (b *Bus) indexOf(name string) int {
	return slices.IndexFunc(b.listeners, func(l listener) bool { return l.name == name })
}

// Publish hands event to every matching listener. A handler may subscribe
// another listener; it receives events from the next Publish on. A panicking
// handler is logged and skipped.
func (b *Bus) Publish(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	targets := slices.Clone(b.listeners)
	b.mu.RUnlock()

	for _, l := range targets {
		if ctx.Err() != nil {
			return
		}
		if l.filter.Matches(event) {
			b.deliver(l, event)
		}
	}
}

func (b *Bus) deliver(l listener, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("listener", l.name).
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	l.handler(event)
}

// Close drops every listener and refuses new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = nil
}
