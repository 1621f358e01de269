// Path: internal/events/broker.go
package events

import "sync"

// Event represents a message passed through the broker.
type Event struct {
	Topic string
	Data  any
}

// Broker implements a simple in-memory pub/sub system used to tell
// listeners about streams appearing and disappearing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Event
	nextID      uint64
	closed      bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[uint64]chan Event),
	}
}

// Subscribe creates a new subscription to the given topics.
// It returns a read-only channel where events for those topics will be sent
// and a function that ends the subscription and closes the channel.
func (b *Broker) Subscribe(topics ...string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16) // Buffered channel to prevent blocking publishers
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	for _, topic := range topics {
		if b.subscribers[topic] == nil {
			b.subscribers[topic] = make(map[uint64]chan Event)
		}
		b.subscribers[topic][id] = ch
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				// Close already released the channel.
				return
			}
			for _, topic := range topics {
				delete(b.subscribers[topic], id)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish sends an event to all subscribers of a topic.
func (b *Broker) Publish(topic string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Topic: topic, Data: data}
	for _, ch := range b.subscribers[topic] {
		// Non-blocking send
		select {
		case ch <- event:
		default:
			// Subscriber is not ready, drop the event to avoid blocking.
		}
	}
}

// Close shuts down the broker and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	closed := make(map[chan Event]bool)
	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, topic)
	}
}
