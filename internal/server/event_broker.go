package server

import (
	"sync"

	"foreman/internal/eventbus"
	"foreman/internal/serviceapi"
)

type eventSubscriber struct {
	id     int64
	filter serviceapi.EventFilter
	ch     chan eventbus.Event
}

// EventBroker fans bus events out to stream clients. A slow client loses its
// oldest buffered events instead of blocking the others.
type EventBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]eventSubscriber
}

func NewEventBroker(bufferSize int) *EventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]eventSubscriber),
	}
}

func (b *EventBroker) Subscribe(filter serviceapi.EventFilter) (<-chan eventbus.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan eventbus.Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	subscriber := eventSubscriber{id: b.nextID, filter: filter, ch: ch}
	b.subscribers[subscriber.id] = subscriber
	return ch, func() {
		b.unsubscribe(subscriber.id)
	}
}

// Publish returns how many subscribers received the event.
func (b *EventBroker) Publish(event eventbus.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, subscriber := range b.subscribers {
		if !subscriber.filter.Match(event) {
			continue
		}
		if tryPublishEvent(subscriber.ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *EventBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.ch)
		delete(b.subscribers, id)
	}
}

func (b *EventBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(subscriber.ch)
}

func tryPublishEvent(ch chan eventbus.Event, event eventbus.Event) bool {
	select {
	case ch <- event:
		return true
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
