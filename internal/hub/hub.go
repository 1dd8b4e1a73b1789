// Package hub fans session state out to live subscribers: a topic hub, the
// publisher that feeds it and the bridge that turns a subscription into a
// snapshot-then-updates stream.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// GlobalTopic receives every published session state.
const GlobalTopic = "sessions"

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// SessionTopic is the topic of a single session.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Subscriber is one consumer of a topic. Send is closed when the subscriber
// is unsubscribed, either by its owner or because it fell behind.
type Subscriber struct {
	ID    string
	Topic string
	Send  chan []byte

	closed bool
}

// Hub manages topic subscriptions.
type Hub struct {
	// Subscribers indexed by topic then subscriber ID
	topics map[string]map[string]*Subscriber

	bufferSize int
	mu         sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]map[string]*Subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.New().String(),
		Topic: topic,
		Send:  make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Subscriber)
	}
	h.topics[topic][sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its Send channel. Calling it
// more than once is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	if subs := h.topics[sub.Topic]; subs != nil {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.topics, sub.Topic)
		}
	}
	close(sub.Send)
}

// Publish delivers data to every subscriber of topic without blocking.
// Subscribers whose buffer is full are dropped. Returns the number of
// subscribers the data was queued for.
func (h *Hub) Publish(topic string, data []byte) int {
	var slow []*Subscriber
	delivered := 0

	h.mu.RLock()
	for _, sub := range h.topics[topic] {
		select {
		case sub.Send <- data:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("WARN: subscriber %s on %s buffer full, dropping", sub.ID, topic)
		h.Unsubscribe(sub)
	}
	return delivered
}

// BroadcastJSON marshals v and publishes it to topic.
func (h *Hub) BroadcastJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Publish(topic, data)
	return nil
}

// SubscriberCount returns the number of live subscribers across all topics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// TopicCount returns the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// HasSubscribers checks if a topic has any subscribers.
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic]) > 0
}
