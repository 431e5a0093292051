// Package hub maintains the per-project websocket connection registry and
// broadcasts live events to dashboard subscribers. When a Redis client is
// supplied, broadcasts travel through a pub/sub channel so every server
// instance delivers to its own connections.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

// Event types pushed to subscribers.
const (
	EventDriftAlert    = "drift.alert"
	EventDriftResolved = "drift.resolved"
	EventReplayStatus  = "replay.status"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	redisChannel = "vigil:events"
)

// Message is one event pushed to subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelope is the cross-instance wire format on the Redis channel.
type envelope struct {
	ProjectID string  `json:"project_id"`
	Message   Message `json:"message"`
}

// client wraps a websocket connection with a write lock. Broadcasts, pings
// and pong replies come from different goroutines and gorilla connections
// allow one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub is the connection registry. The zero value is not usable; use New.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*client]struct{}

	redis *redis.Client
}

// New builds a Hub. rdb may be nil for single-instance deployments.
func New(rdb *redis.Client) *Hub {
	return &Hub{
		conns: make(map[string]map[*client]struct{}),
		redis: rdb,
	}
}

func (h *Hub) register(projectID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[projectID]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[projectID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(projectID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[projectID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, projectID)
		}
	}
}

// ConnectionCount returns the number of live connections for a project.
func (h *Hub) ConnectionCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[projectID])
}

// Broadcast pushes a message to every subscriber of the project. With Redis
// configured the message is published once and each instance, this one
// included, delivers it to its local connections via Run.
func (h *Hub) Broadcast(ctx context.Context, projectID string, msg Message) {
	if h.redis != nil {
		payload, err := json.Marshal(envelope{ProjectID: projectID, Message: msg})
		if err != nil {
			log.Errorf(ctx, err, "marshal broadcast")
			return
		}
		if err := h.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
			log.Errorf(ctx, err, "publish broadcast")
			// Keep working through a Redis outage.
			h.deliver(ctx, projectID, msg)
		}
		return
	}
	h.deliver(ctx, projectID, msg)
}

// deliver writes the message to every local connection of the project and
// prunes connections whose write fails.
func (h *Hub) deliver(ctx context.Context, projectID string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf(ctx, err, "marshal message")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.conns[projectID]))
	for c := range h.conns[projectID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var dead []*client
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.unregister(projectID, c)
		c.conn.Close()
	}
	if len(dead) > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "pruned dead websocket connections"},
			log.KV{K: "project_id", V: projectID}, log.KV{K: "count", V: len(dead)})
	}
}

// Run consumes the Redis channel and delivers relayed broadcasts to local
// connections. Returns when the context is cancelled. No-op without Redis.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}
	sub := h.redis.Subscribe(ctx, redisChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Errorf(ctx, err, "decode broadcast envelope")
				continue
			}
			h.deliver(ctx, env.ProjectID, env.Message)
		}
	}
}

// Serve owns a registered connection until it drops. It answers protocol
// pings, replies to client {"type":"ping"} frames with a pong message, sends
// keepalive pings, and blocks until the peer disconnects or ctx is
// cancelled.
func (h *Hub) Serve(ctx context.Context, projectID string, conn *websocket.Conn) {
	c := &client{conn: conn}
	h.register(projectID, c)
	defer func() {
		h.unregister(projectID, c)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pong, _ := json.Marshal(Message{Type: "pong"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				if err := c.write(websocket.TextMessage, pong); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
