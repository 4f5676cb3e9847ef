package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/platform"
)

const maxMessageBytes = 16 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the chat token
	},
}

// WSMessage is the websocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// chatMessage is what clients send and what a room sees.
type chatMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at,omitempty"`
}

// Client is one websocket connection in a room.
type Client struct {
	ID       string
	Room     string
	ScopeID  uuid.UUID
	Handle   string
	JoinedAt time.Time
	platform *Platform
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs upgrades GET /platforms/<name>/ws?channel=<room>&token=<chat token>.
func (p *Platform) ServeWs() gin.HandlerFunc {
	return func(c *gin.Context) {
		room := strings.TrimSpace(c.Query("channel"))
		token := c.Query("token")
		if room == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel and token required"})
			return
		}
		claims, err := p.tokens.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		scopeID, err := p.scopes.ScopeForChannel(c.Request.Context(), p.name, room)
		if err != nil || scopeID != claims.ScopeID {
			c.JSON(http.StatusForbidden, gin.H{"error": "channel is not bound to this community"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			p.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			ID:       uuid.New().String(),
			Room:     room,
			ScopeID:  scopeID,
			Handle:   claims.Handle,
			JoinedAt: time.Now(),
			platform: p,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   p.logger,
		}
		p.hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.platform.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "chat_message":
			var in chatMessage
			if err := json.Unmarshal(msg.Data, &in); err != nil || strings.TrimSpace(in.Text) == "" {
				continue
			}
			c.onChat(in.Text)
		default:
			// ignore
		}
	}
}

func (c *Client) onChat(text string) {
	ev := models.RawEvent{
		Platform:  c.platform.name,
		Channel:   c.Room,
		MessageID: uuid.New().String(),
		Handle:    c.Handle,
		Text:      text,
		ReplyTo:   c.ID,
		Timestamp: time.Now().UTC(),
	}
	// Verification codes stay private to the sender.
	if _, isVerify := platform.ParseVerify(text); !isVerify {
		if err := c.platform.hub.Publish(c.Room, "chat_message", chatMessage{
			MessageID: ev.MessageID,
			Handle:    ev.Handle,
			Text:      ev.Text,
			At:        ev.Timestamp,
		}); err != nil {
			c.logger.Warn("chat publish failed", zap.String("room", c.Room), zap.Error(err))
		}
	}
	if !c.platform.submit(ev) {
		c.platform.hub.SendToClient(c.Room, c.ID, "error", gin.H{"error": "relay is offline"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
