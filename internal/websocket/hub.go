package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/ingestd/internal/jobs"
	"github.com/openmusicplayer/ingestd/internal/logger"
	"github.com/openmusicplayer/ingestd/internal/metrics"
)

// ProgressSource delivers the job progress events published for a user.
type ProgressSource interface {
	SubscribeProgress(ctx context.Context, userID string) *redis.PubSub
}

// ProgressMessage is a transcode progress update as sent to clients.
type ProgressMessage struct {
	Type   string `json:"type"`
	UserID string `json:"-"`
	jobs.ProgressEvent
}

const progressMessageType = "transcode_progress"

// Hub maintains the set of active clients and fans progress events out to
// them. Each user with at least one connection gets one Redis
// subscription, cancelled when their last connection goes away.
type Hub struct {
	clients map[string]map[*Client]bool
	relays  map[string]context.CancelFunc

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ProgressMessage
	done       chan struct{}

	source  ProgressSource
	metrics *metrics.Metrics
	log     *logger.Logger

	mu sync.RWMutex
}

// NewHub creates a new Hub instance.
func NewHub(source ProgressSource, m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		relays:     make(map[string]context.CancelFunc),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ProgressMessage, 64),
		done:       make(chan struct{}),
		source:     source,
		metrics:    m,
		log:        logger.Default().WithComponent("websocket"),
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
				relayCtx, cancel := context.WithCancel(ctx)
				h.relays[client.userID] = cancel
				go h.relay(relayCtx, client.userID)
			}
			h.clients[client.userID][client] = true
			h.mu.Unlock()
			h.metrics.IncWSConnections()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients[message.UserID] {
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop it rather than stall everyone else.
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	h.metrics.DecWSConnections()

	if len(clients) == 0 {
		delete(h.clients, client.userID)
		if cancel, ok := h.relays[client.userID]; ok {
			cancel()
			delete(h.relays, client.userID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

// relay forwards one user's progress channel into the hub.
func (h *Hub) relay(ctx context.Context, userID string) {
	pubsub := h.source.SubscribeProgress(ctx, userID)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event jobs.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.log.Warn(ctx, "discarding malformed progress event", map[string]interface{}{
					"user_id": userID,
				})
				continue
			}
			select {
			case h.broadcast <- &ProgressMessage{Type: progressMessageType, UserID: userID, ProgressEvent: event}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients for a user.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
