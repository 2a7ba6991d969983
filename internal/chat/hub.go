package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatverse/internal/metrics"
)

// Presence records whether a user has a live view.
type Presence interface {
	TouchPresence(ctx context.Context, id string, online bool) (time.Time, error)
}

// Hub is the registry of live view sessions. Cross-instance fan-out goes
// through the feed, so the hub only tracks local connections.
type Hub struct {
	clients    map[*Client]bool
	perUser    map[string]int
	Register   chan *Client // New client joins
	Unregister chan *Client // Client leaves
	done       chan struct{}

	engine   *Engine
	presence Presence
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewHub(engine *Engine, presence Presence, m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		perUser:    make(map[string]int),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		engine:     engine,
		presence:   presence,
		metrics:    m,
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.perUser[client.session.Viewer().ID]++
			h.metrics.ActiveSessions.Inc()

		case client := <-h.Unregister:
			h.drop(client)

		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		}
	}
}

// join registers client. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// leave unregisters client; after Run returns there is nothing to leave.
func (h *Hub) leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// drop closes the client's session, which cancels every subscription it
// holds. The user goes offline with their last view.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.session.Close()
	client.closeSend()
	h.metrics.ActiveSessions.Dec()

	id := client.session.Viewer().ID
	h.perUser[id]--
	if h.perUser[id] <= 0 {
		delete(h.perUser, id)
		h.touch(id, false)
	}
}

func (h *Hub) touch(userID string, online bool) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.presence.TouchPresence(ctx, userID, online); err != nil {
			h.log.Warn("update presence", zap.String("user", userID), zap.Bool("online", online), zap.Error(err))
		}
	}()
}
