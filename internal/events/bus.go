package events

import (
	"sync"
	"sync/atomic"
)

// Message is the envelope delivered to subscribers. Carrying the topic lets a
// multi-topic subscriber (the websocket stream) route output from a single
// channel.
type Message struct {
	Topic   Event `json:"event"`
	Payload any   `json:"data"`
}

type subscriber struct {
	topics map[Event]struct{} // nil means every topic
	ch     chan Message
}

func (s *subscriber) wants(t Event) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// Bus fans published messages out to subscribers. Publishers never block; a
// subscriber whose buffer is full loses the message instead.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener for the given topics (none means all) and
// returns the message channel and an unsubscribe function. Unsubscribing
// closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Event]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

// Publish delivers the payload to every subscriber interested in the topic.
func (b *Bus) Publish(topic Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many messages were discarded because a subscriber
// lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
