// Package web is the built-in websocket chat platform. Rooms are channels; a
// community binds one room per web binding.
package web

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// RoomPublisher publishes room events for other instances.
type RoomPublisher interface {
	PublishRoomEvent(room, event string, payload []byte) error
}

// RoomSubscriber delivers events published to a room by any instance.
type RoomSubscriber interface {
	SubscribeRoom(room string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains room -> set of connections. With Redis configured, room events are
// published once and every instance (this one included) broadcasts them locally.
type Hub struct {
	rooms    map[string]map[string]*Client
	subs     map[string]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RoomPublisher
	redisSub RoomSubscriber
}

// NewHub creates a new websocket hub. Both Redis collaborators may be nil.
func NewHub(logger *zap.Logger, pub RoomPublisher, sub RoomSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    pub,
		redisSub: sub,
	}
}

// Register adds a client to its room, subscribing the room on first join.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[string]*Client)
		if h.redisSub != nil {
			room := c.Room
			cancel, err := h.redisSub.SubscribeRoom(room, func(event string, payload []byte) {
				h.Broadcast(room, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("room subscribe failed", zap.String("room", room), zap.Error(err))
			} else {
				h.subs[room] = cancel
			}
		}
	}
	h.rooms[c.Room][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("room", c.Room))
}

// Unregister removes a client, cancelling the room subscription when it empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.Room]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.Room)
			if cancel, ok := h.subs[c.Room]; ok {
				cancel()
				delete(h.subs, c.Room)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("room", c.Room))
}

// Broadcast sends an event to every local client in room.
func (h *Hub) Broadcast(room, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("client buffer full, event dropped", zap.String("client_id", c.ID))
		}
	}
}

// Publish delivers an event to room on every instance exactly once.
func (h *Hub) Publish(room, event string, payload interface{}) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	if h.redis != nil {
		if err := h.redis.PublishRoomEvent(room, event, data); err != nil {
			return fmt.Errorf("publish room event: %w", err)
		}
		return nil
	}
	h.Broadcast(room, event, json.RawMessage(data))
	return nil
}

// SendToClient sends an event to one local client. It reports whether the client exists.
func (h *Hub) SendToClient(room, clientID, event string, payload interface{}) bool {
	data, err := encode(payload)
	if err != nil {
		return false
	}
	h.mu.RLock()
	c, ok := h.rooms[room][clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
		return true
	default:
		return false
	}
}

// RoomSize returns the number of local clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
