package hub

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Publisher serializes session states onto the hub.
type Publisher struct {
	hub *Hub
}

// NewPublisher creates a publisher for h.
func NewPublisher(h *Hub) *Publisher {
	return &Publisher{hub: h}
}

// PublishState publishes the full state to the session topic and the global
// topic. Delivery is best-effort.
func (p *Publisher) PublishState(state *domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	p.hub.Publish(SessionTopic(state.SessionID), data)
	p.hub.Publish(GlobalTopic, data)
	return nil
}
