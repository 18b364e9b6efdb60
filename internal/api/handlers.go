package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"

	"roomchat/internal/auth"
	"roomchat/internal/chats"
	"roomchat/internal/models"
	"roomchat/internal/websocket"
)

const maxBodyBytes = 1 << 20

// Store is the part of the persistent store the handlers read directly.
type Store interface {
	ListUsersExcept(ctx context.Context, excludeID int64) ([]models.UserSummary, error)
	SearchUsers(ctx context.Context, query string, excludeID int64) ([]models.UserSummary, error)
	PingContext(ctx context.Context) error
}

type Deps struct {
	Auth           *auth.Service
	Chats          *chats.Service
	Store          Store
	Hub            *websocket.Hub
	AllowedOrigins []string
	StoreTimeout   time.Duration
}

type Handlers struct {
	auth     *auth.Service
	chats    *chats.Service
	store    Store
	hub      *websocket.Hub
	origins  *originPolicy
	upgrader gorilla.Upgrader
	timeout  time.Duration
	logger   *log.Logger
}

func NewHandlers(deps Deps) *Handlers {
	h := &Handlers{
		auth:    deps.Auth,
		chats:   deps.Chats,
		store:   deps.Store,
		hub:     deps.Hub,
		origins: newOriginPolicy(deps.AllowedOrigins),
		timeout: deps.StoreTimeout,
		logger:  log.New(os.Stdout, "[API] ", log.LstdFlags|log.Lshortfile),
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
	return h
}

// Auth handlers
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.auth.Login(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

// HandleUsers lists every other user, or those matching ?search=.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		users []models.UserSummary
		err   error
	)
	if query := strings.TrimSpace(r.URL.Query().Get("search")); query != "" {
		users, err = h.store.SearchUsers(ctx, query, user.ID)
	} else {
		users, err = h.store.ListUsersExcept(ctx, user.ID)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Private chat handlers
func (h *Handlers) HandleGetOrCreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req models.TargetUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := userFromContext(r.Context())
	chat, err := h.chats.GetOrCreatePrivateChat(r.Context(), user.ID, req.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if chat.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, models.PrivateChatResponse{ChatID: chat.ChatID, Messages: chat.Messages})
}

func (h *Handlers) HandleDeletePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req models.TargetUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := userFromContext(r.Context())
	deleted, err := h.chats.DeletePrivateChat(r.Context(), user.ID, req.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeletePrivateChatResponse{
		Message:      "Private chat deleted",
		DeletedChats: deleted,
	})
}

// Group chat handlers
func (h *Handlers) HandleCreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req models.CreateGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := userFromContext(r.Context())
	chat, err := h.chats.CreateGroupChat(r.Context(), user.ID, req.Name, req.MemberIDs)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *Handlers) HandleGroupChats(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	groups, err := h.chats.GetUserGroups(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handlers) HandleGroupMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	user := userFromContext(r.Context())
	messages, err := h.chats.GetGroupMessages(r.Context(), chatID, user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) HandleClearGroupMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	user := userFromContext(r.Context())
	deleted, err := h.chats.ClearGroupMessages(r.Context(), chatID, user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ClearMessagesResponse{
		Message: "Messages cleared",
		ChatID:  chatID,
		Deleted: deleted,
	})
}

func (h *Handlers) HandleGroupMembers(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	user := userFromContext(r.Context())
	members, err := h.chats.GetGroupMembers(r.Context(), chatID, user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.PingContext(ctx); err != nil {
		h.logger.Printf("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": h.hub.ClientCount(),
	})
}

// HandleWebSocket authenticates the token from ?token= or the Authorization
// header and upgrades the connection.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Printf("WebSocket connection attempt from %s", r.RemoteAddr)

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Authorization token is required")
		return
	}

	user, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.Printf("WebSocket authentication failed: %v", err)
		h.respondError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	h.logger.Printf("WebSocket authenticated for user: %s (ID: %d)", user.Username, user.ID)

	client := websocket.NewClient(h.hub, conn, user.ID, user.Username)
	if !h.hub.Connect(client) {
		conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func chatIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatId"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid chat ID")
		return 0, false
	}
	return chatID, true
}
