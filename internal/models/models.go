package models

import (
	"encoding/json"
	"time"
)

const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"

	RoleUser = "user"
)

type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"-" db:"password"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"-" db:"created_at"`
}

// UserSummary is the public view of a user in listings.
type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID        int64     `json:"id" db:"id"`
	Name      *string   `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"` // "private" or "group"
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ChatMember struct {
	ChatID int64 `json:"chat_id" db:"chat_id"`
	UserID int64 `json:"user_id" db:"user_id"`
}

type Message struct {
	ID         int64     `json:"id" db:"id"`
	ChatID     int64     `json:"chatId" db:"chat_id"`
	SenderID   int64     `json:"senderId" db:"sender_id"`
	SenderName string    `json:"sender_name,omitempty" db:"sender_name"`
	Text       string    `json:"text" db:"content"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Request/Response structures
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type TargetUserRequest struct {
	UserID int64 `json:"userId"`
}

type PrivateChatResponse struct {
	ChatID   int64     `json:"chatId"`
	Messages []Message `json:"messages"`
}

type DeletePrivateChatResponse struct {
	Message      string  `json:"message"`
	DeletedChats []int64 `json:"deletedChats"`
}

type CreateGroupRequest struct {
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"memberIds"`
}

type ClearMessagesResponse struct {
	Message string `json:"message"`
	ChatID  int64  `json:"chatId"`
	Deleted int64  `json:"deleted"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

// Live protocol event types.
const (
	EventJoinChat       = "joinChat"
	EventLeaveChat      = "leaveChat"
	EventSendMessage    = "sendMessage"
	EventAnnounce       = "announce"
	EventReceiveMessage = "receiveMessage"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventSystem         = "system"
	EventError          = "error"
)

// WebSocketMessage is the envelope of every live event in both directions.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChatRef struct {
	ChatID int64 `json:"chatId"`
}

type SendMessagePayload struct {
	ChatID   int64  `json:"chatId"`
	SenderID int64  `json:"senderId"`
	Text     string `json:"text"`
}

// SystemNotice is a presence announcement delivered to every connection.
type SystemNotice struct {
	User     string `json:"user"`
	Text     string `json:"text"`
	IsSystem bool   `json:"isSystem"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	ChatID  int64  `json:"chatId,omitempty"`
	Message string `json:"message"`
}

// NewEvent encodes payload into an envelope of the given type.
func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebSocketMessage{Type: eventType, Payload: raw})
}
