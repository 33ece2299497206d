package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"

	"qms/sampling-queue/internal/hub"
)

// NewRealtimeHandler serves queue events over SockJS under /realtime. Clients
// may narrow the stream by sending a subscribe message with a priority or a
// worker id.
func NewRealtimeHandler(h *hub.Hub, logger *logrus.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		entry := logger.WithField("client_id", client.ID)
		entry.Debug("realtime client connected")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				entry.Debug("realtime client disconnected")
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				Priority: parsed.Priority,
				WorkerID: parsed.WorkerID,
			})
		}
	})
}
