package services

import (
	"log/slog"
	"sync"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
)

// EventBus routes worker result events to the per-request consumer. Every
// admitted request registers a mailbox keyed by its request id before the
// request reaches the queue; workers look up the mailbox for each event and
// send there directly. Teardown happens when the consumer unsubscribes.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]*subscription // key: request id
}

type subscription struct {
	events chan domain.ResultEvent
	gone   chan struct{} // closed when the subscriber is leaving
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe returns a channel receiving events for the given request id and
// an unsubscribe function. The channel is closed on unsubscribe.
func (b *EventBus) Subscribe(requestID string) (<-chan domain.ResultEvent, func()) {
	sub := &subscription{
		events: make(chan domain.ResultEvent, 256),
		gone:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[requestID] = append(b.subs[requestID], sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Signal publishers first so a blocked send unwinds before we
			// take the write lock.
			close(sub.gone)

			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[requestID]
			for i, s := range subscribers {
				if s == sub {
					close(s.events)
					b.subs[requestID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[requestID]) == 0 {
				delete(b.subs, requestID)
			}
		})
	}

	return sub.events, unsub
}

// Publish delivers an event to every subscriber of its request id. Delivery
// blocks rather than drops: per-request event order is part of the contract.
// A departed subscriber is skipped.
func (b *EventBus) Publish(e domain.ResultEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.RequestID]
	if !ok {
		// Request finished or client went away; events for it are discarded.
		b.logger.Debug("no subscriber for event", "request_id", e.RequestID, "kind", e.Kind)
		return
	}

	for _, sub := range subscribers {
		select {
		case sub.events <- e:
		case <-sub.gone:
		}
	}
}

// Subscribers reports how many mailboxes exist for a request id (test hook).
func (b *EventBus) Subscribers(requestID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[requestID])
}
