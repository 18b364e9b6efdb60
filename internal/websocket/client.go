package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"roomchat/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

// Client is one live connection. A user may hold several.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   int64
	username string
	limiter  *rate.Limiter

	// guarded by hub.mu
	rooms     map[int64]struct{}
	announced bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, username string) *Client {
	return &Client{
		id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		userID:   userID,
		username: username,
		limiter:  rate.NewLimiter(rate.Limit(hub.opts.MessageRate), hub.opts.MessageBurst),
		rooms:    make(map[int64]struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() int64 { return c.userID }

func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.sendError("", 0, "rate limit exceeded")
			continue
		}
		c.handle(message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one inbound event. Failures are reported to this
// connection only.
func (c *Client) handle(message []byte) {
	var wsMessage models.WebSocketMessage
	if err := json.Unmarshal(message, &wsMessage); err != nil {
		c.sendError("", 0, "invalid message")
		return
	}

	ctx := c.hub.ctx
	switch wsMessage.Type {
	case models.EventJoinChat:
		var ref models.ChatRef
		if err := json.Unmarshal(wsMessage.Payload, &ref); err != nil {
			c.sendError(wsMessage.Type, 0, "invalid payload")
			return
		}
		if err := c.hub.Join(ctx, c, ref.ChatID); err != nil {
			c.sendError(wsMessage.Type, ref.ChatID, publicError(err))
			return
		}
		c.sendEvent(models.EventJoined, ref)

	case models.EventLeaveChat:
		var ref models.ChatRef
		if err := json.Unmarshal(wsMessage.Payload, &ref); err != nil {
			c.sendError(wsMessage.Type, 0, "invalid payload")
			return
		}
		c.hub.Leave(c, ref.ChatID)
		c.sendEvent(models.EventLeft, ref)

	case models.EventSendMessage:
		var payload models.SendMessagePayload
		if err := json.Unmarshal(wsMessage.Payload, &payload); err != nil {
			c.sendError(wsMessage.Type, 0, "invalid payload")
			return
		}
		if _, err := c.hub.SendMessage(ctx, c, payload); err != nil {
			c.sendError(wsMessage.Type, payload.ChatID, publicError(err))
		}

	case models.EventAnnounce:
		c.hub.Announce(c)

	default:
		c.sendError(wsMessage.Type, 0, "unknown event type")
	}
}

func (c *Client) sendEvent(eventType string, payload interface{}) {
	data, err := models.NewEvent(eventType, payload)
	if err != nil {
		c.hub.logger.Printf("Failed to marshal %s event: %v", eventType, err)
		return
	}
	c.hub.sendTo(c, data)
}

func (c *Client) sendError(event string, chatID int64, message string) {
	c.sendEvent(models.EventError, models.ErrorPayload{
		Event:   event,
		ChatID:  chatID,
		Message: message,
	})
}

// publicError hides store details from the connection.
func publicError(err error) string {
	if errors.Is(err, ErrStore) {
		return ErrStore.Error()
	}
	return err.Error()
}
