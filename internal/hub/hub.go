package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"qms/sampling-queue/internal/events"
)

// Subscription narrows the events a client receives. Empty fields match
// everything.
type Subscription struct {
	Priority string
	WorkerID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logrus.Logger
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	Priority string `json:"priority"`
	WorkerID string `json:"worker_id"`
}

func New(logger *logrus.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.WithField("client_id", client.ID).Warn("drop message for slow client")
		}
	}
}

// Publish lets the hub act as the event sink when no broker is configured.
func (h *Hub) Publish(_ context.Context, event events.Event) error {
	h.Deliver(event)
	return nil
}

func (h *Hub) Deliver(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Warn("marshal event")
		return
	}
	h.Broadcast(payload, Subscription{Priority: event.Priority, WorkerID: event.WorkerID})
}

// Events without a priority or worker, such as sweep summaries, reach every
// client.
func match(sub Subscription, meta Subscription) bool {
	if sub.Priority != "" && meta.Priority != "" && meta.Priority != sub.Priority {
		return false
	}
	if sub.WorkerID != "" && meta.WorkerID != "" && meta.WorkerID != sub.WorkerID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
