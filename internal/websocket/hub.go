package websocket

import (
	"context"
	"sync"

	"clinical-finalize-be/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// redisChannel fans session updates out across instances so a wizard
// connected to one replica still sees updates produced on another.
const redisChannel = "finalization:session-updates"

type Hub struct {
	// Registered clients map: SessionID -> List of Clients (multi-device)
	clients map[string][]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Lock for safe map access
	mu sync.RWMutex

	// Redis connection for cross-instance communication
	rdb *redis.Client

	// Dedicated Logger
	logger logger.ILogger
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string][]*Client),
		rdb:        rdb,
		logger:     log,
	}
}

func (h *Hub) Run() {
	// Start Redis Subscriber if Redis is available
	if h.rdb != nil {
		go h.subscribeToRedis()
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.SessionID] = append(h.clients[client.SessionID], client)
			h.mu.Unlock()
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"session_id": client.SessionID})

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.SessionID]; ok {
				for i, c := range clients {
					if c == client {
						h.clients[client.SessionID] = append(clients[:i], clients[i+1:]...)
						close(client.Send)
						break
					}
				}
				if len(h.clients[client.SessionID]) == 0 {
					delete(h.clients, client.SessionID)
				}
			}
			h.mu.Unlock()
			h.logger.Info("Hub", "Client unregistered", map[string]interface{}{"session_id": client.SessionID})
		}
	}
}

// ConsumeBus forwards state-view messages from the in-process bus to every
// client attached to the originating session, and mirrors them to Redis for
// other instances.
func (h *Hub) ConsumeBus(messages <-chan *message.Message) {
	for msg := range messages {
		sessionId := msg.Metadata.Get("session_id")
		if sessionId != "" {
			h.BroadcastToSession(sessionId, msg.Payload)
			h.publishToRedis(sessionId, msg.Payload)
		}
		msg.Ack()
	}
}

// BroadcastToSession sends a payload to every client watching one session.
func (h *Hub) BroadcastToSession(sessionId string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[sessionId]
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
			// Slow consumer: drop the update rather than blocking the hub.
			h.logger.Warn("Hub", "Dropped update for slow client", map[string]interface{}{"session_id": sessionId})
		}
	}
}

type redisEnvelope struct {
	SessionId string `json:"session_id"`
	Payload   []byte `json:"payload"`
}

func (h *Hub) publishToRedis(sessionId string, payload []byte) {
	if h.rdb == nil {
		return
	}
	env := redisEnvelope{SessionId: sessionId, Payload: payload}
	data, err := marshalEnvelope(env)
	if err != nil {
		return
	}
	if err := h.rdb.Publish(context.Background(), redisChannel, data).Err(); err != nil {
		h.logger.Warn("Hub", "Redis publish failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Hub) subscribeToRedis() {
	sub := h.rdb.Subscribe(context.Background(), redisChannel)
	defer sub.Close()

	for msg := range sub.Channel() {
		env, err := unmarshalEnvelope([]byte(msg.Payload))
		if err != nil {
			continue
		}
		h.BroadcastToSession(env.SessionId, env.Payload)
	}
}
