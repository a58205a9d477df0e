package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 256
)

// Broker is a generic publish-subscribe broker. Publishing never blocks:
// a subscriber whose channel is full misses the event, and a short history
// lets late subscribers catch up.
type Broker[T any] struct {
	subs       map[chan Event[T]]subscriberInfo
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int

	maxEvents int
	history   []Event[T]
	historyMu sync.RWMutex
}

type subscriberInfo struct {
	id      string
	filters []Filter
	created time.Time
}

// NewBroker creates a broker with default settings.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, defaultMaxEvents)
}

// NewBrokerWithOptions creates a broker with custom channel buffer and
// history sizes.
func NewBrokerWithOptions[T any](channelBufferSize, maxEvents int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]subscriberInfo),
		done:       make(chan struct{}),
		bufferSize: channelBufferSize,
		maxEvents:  maxEvents,
		history:    make([]Event[T], 0, maxEvents),
	}
}

// Publish delivers an event to all matching subscribers.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, info := range b.subs {
		if !accepts(info.filters, event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			log.Printf("Warning: event channel full for subscriber %s, dropping event %s", info.id, event.ID)
		}
	}
}

// Subscribe registers a subscriber that lives until ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...Filter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	b.subs[ch] = subscriberInfo{
		id:      uuid.New().String(),
		filters: filters,
		created: time.Now(),
	}

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
	}
}

func accepts(filters []Filter, eventType EventType) bool {
	for _, f := range filters {
		if !f(eventType) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) addToHistory(event Event[T]) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.maxEvents {
		copy(b.history, b.history[len(b.history)-b.maxEvents:])
		b.history = b.history[:b.maxEvents]
	}
}

// History returns recent events matching the given filters.
func (b *Broker[T]) History(filters ...Filter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var result []Event[T]
	for _, event := range b.history {
		if accepts(filters, event.Type) {
			result = append(result, event)
		}
	}
	return result
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes the broker and all subscriber channels.
func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker[T]) String() string {
	return fmt.Sprintf("Broker[subscribers=%d, history=%d]", b.SubscriberCount(), len(b.History()))
}
