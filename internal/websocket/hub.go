package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"roomchat/internal/models"
)

var (
	ErrNotConnected   = errors.New("connection is not registered")
	ErrNotMember      = errors.New("not a member of this chat")
	ErrNotJoined      = errors.New("join the chat before sending to it")
	ErrEmptyMessage   = errors.New("message text is required")
	ErrSenderMismatch = errors.New("sender does not match the connection's user")
	ErrStore          = errors.New("failed to persist message")
)

// GlobalRoom addresses every connection on the server. Chat ids start at 1.
const GlobalRoom int64 = 0

const roomLockStripes = 64

// Store is the part of the persistent store the hub needs.
type Store interface {
	IsChatMember(ctx context.Context, chatID, userID int64) (bool, error)
	SaveMessage(ctx context.Context, message *models.Message) (*models.Message, error)
}

// Relay carries room events to every server process, this one included.
// Without a relay the hub delivers directly to its own connections.
type Relay interface {
	Publish(ctx context.Context, roomID int64, data []byte) error
}

type Options struct {
	StoreTimeout   time.Duration
	MessageRate    float64
	MessageBurst   int
	MaxMessageSize int64
	Relay          Relay
}

// Hub is the connection registry and room router. It owns every live
// connection and is the only place room membership of a connection changes.
type Hub struct {
	clients    map[string]*Client
	rooms      map[int64]map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	// roomLocks serialise persist-then-publish per room so that delivery
	// order matches persistence order.
	roomLocks [roomLockStripes]sync.Mutex

	store  Store
	opts   Options
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(store Store, opts Options) *Hub {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 10
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 20
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[int64]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		store:      store,
		opts:       opts,
		logger:     log.New(os.Stdout, "[WEBSOCKET] ", log.LstdFlags|log.Lshortfile),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Println("WebSocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.cancel()
			h.shutdown()
			return

		case client := <-h.Register:
			h.register(client)

		case client := <-h.Unregister:
			h.disconnect(client)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Connect hands a client to the running hub. It reports false once the hub
// has stopped.
func (h *Hub) Connect(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) register(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Client connected: %s (user %d, conn %s), total clients: %d",
		client.username, client.userID, client.id, total)

	welcome, err := models.NewEvent(models.EventSystem, map[string]string{
		"message": "Connected to chat server",
	})
	if err == nil {
		h.sendTo(client, welcome)
	}
}

// disconnect removes the client and all its room memberships. Connections
// that announced themselves leave with a departure notice to everyone.
func (h *Hub) disconnect(client *Client) {
	if !h.remove(client) {
		return
	}
	h.logger.Printf("Client disconnected: %s (user %d, conn %s), remaining clients: %d",
		client.username, client.userID, client.id, h.ClientCount())

	if client.announced {
		h.notify(client.username + " has left the chat.")
	}
}

// remove deletes the client from the registry and closes its send channel.
// It reports whether the client was still registered.
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return false
	}
	delete(h.clients, client.id)
	for roomID := range client.rooms {
		h.removeFromRoom(client, roomID)
	}
	close(client.send)
	return true
}

// removeFromRoom requires h.mu held for writing.
func (h *Hub) removeFromRoom(client *Client, roomID int64) {
	delete(client.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[int64]map[*Client]struct{})
	h.mu.Unlock()

	h.logger.Printf("Hub stopped, closed %d client connections", len(clients))
}

// Join adds chatID to the client's rooms after checking that the client's
// user is a member of the chat. Joining a room twice is a no-op.
func (h *Hub) Join(ctx context.Context, client *Client, chatID int64) error {
	if chatID <= 0 {
		return ErrNotMember
	}
	if h.IsJoined(client, chatID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	member, err := h.store.IsChatMember(ctx, chatID, client.userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !member {
		h.logger.Printf("User %d refused from room %d: not a member", client.userID, chatID)
		return ErrNotMember
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return ErrNotConnected
	}
	members, ok := h.rooms[chatID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[chatID] = members
	}
	members[client] = struct{}{}
	client.rooms[chatID] = struct{}{}
	h.logger.Printf("User %d (conn %s) joined room %d, room size: %d",
		client.userID, client.id, chatID, len(members))
	return nil
}

// Leave removes chatID from the client's rooms and reports whether it was joined.
func (h *Hub) Leave(client *Client, chatID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := client.rooms[chatID]; !ok {
		return false
	}
	h.removeFromRoom(client, chatID)
	return true
}

// SendMessage persists a message from the client's user and then delivers
// it to every connection in the room, the sender's included. When the
// store fails nothing is delivered and the error is returned to the caller
// alone.
func (h *Hub) SendMessage(ctx context.Context, client *Client, payload models.SendMessagePayload) (*models.Message, error) {
	if strings.TrimSpace(payload.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if payload.SenderID != 0 && payload.SenderID != client.userID {
		return nil, ErrSenderMismatch
	}
	if !h.IsJoined(client, payload.ChatID) {
		return nil, ErrNotJoined
	}

	lock := h.roomLock(payload.ChatID)
	lock.Lock()
	defer lock.Unlock()

	storeCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	saved, err := h.store.SaveMessage(storeCtx, &models.Message{
		ChatID:   payload.ChatID,
		SenderID: client.userID,
		Text:     payload.Text,
	})
	if err != nil {
		h.logger.Printf("Failed to save message from user %d to room %d: %v", client.userID, payload.ChatID, err)
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	data, err := models.NewEvent(models.EventReceiveMessage, saved)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	h.publish(ctx, payload.ChatID, data)
	return saved, nil
}

// Announce binds the client's identity to the presence feed and tells every
// connection that the user arrived. Only the first call has an effect.
func (h *Hub) Announce(client *Client) bool {
	h.mu.Lock()
	_, registered := h.clients[client.id]
	first := registered && !client.announced
	if first {
		client.announced = true
	}
	h.mu.Unlock()

	if first {
		h.notify(client.username + " has joined the chat!")
	}
	return first
}

func (h *Hub) notify(text string) {
	data, err := models.NewEvent(models.EventReceiveMessage, models.SystemNotice{
		User:     "System",
		Text:     text,
		IsSystem: true,
	})
	if err != nil {
		h.logger.Printf("Failed to marshal system notice: %v", err)
		return
	}
	h.publish(h.ctx, GlobalRoom, data)
}

func (h *Hub) publish(ctx context.Context, roomID int64, data []byte) {
	if h.opts.Relay != nil {
		err := h.opts.Relay.Publish(ctx, roomID, data)
		if err == nil {
			return
		}
		h.logger.Printf("Relay publish to room %d failed, delivering locally: %v", roomID, err)
	}
	h.Deliver(roomID, data)
}

// Deliver hands data to every local connection in roomID, or to every
// local connection for GlobalRoom. Connections whose send buffer is full
// are dropped.
func (h *Hub) Deliver(roomID int64, data []byte) {
	var slow []*Client

	h.mu.RLock()
	if roomID == GlobalRoom {
		for _, client := range h.clients {
			if !enqueue(client, data) {
				slow = append(slow, client)
			}
		}
	} else {
		for client := range h.rooms[roomID] {
			if !enqueue(client, data) {
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Printf("Send buffer full for conn %s (user %d), removing client", client.id, client.userID)
		h.disconnect(client)
	}
}

// sendTo queues data for a single registered client.
func (h *Hub) sendTo(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[client.id]; !ok {
		return false
	}
	return enqueue(client, data)
}

// enqueue requires h.mu held; send channels are only closed under the write lock.
func enqueue(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) roomLock(roomID int64) *sync.Mutex {
	idx := roomID % roomLockStripes
	if idx < 0 {
		idx = -idx
	}
	return &h.roomLocks[idx]
}

func (h *Hub) IsJoined(client *Client, chatID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := client.rooms[chatID]
	return ok
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
