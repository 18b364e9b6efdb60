// Package chats resolves private chats between user pairs and manages group
// chats and their membership.
package chats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"roomchat/internal/db"
	"roomchat/internal/models"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("not a member of this chat")
	ErrNotFound     = errors.New("chat not found")
)

// Store is the part of the persistent store the directory uses.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CountUsers(ctx context.Context, ids []int64) (int, error)
	GetPrivateChat(ctx context.Context, userA, userB int64) (*models.Chat, error)
	FindPrivateChats(ctx context.Context, userA, userB int64) ([]int64, error)
	CreatePrivateChat(ctx context.Context, userA, userB int64) (*models.Chat, error)
	CreateGroupChat(ctx context.Context, name string, memberIDs []int64) (*models.Chat, error)
	DeleteChats(ctx context.Context, chatIDs []int64) (int64, error)
	GetUserGroups(ctx context.Context, userID int64) ([]models.Chat, error)
	IsChatMember(ctx context.Context, chatID, userID int64) (bool, error)
	GetChatMemberNames(ctx context.Context, chatID int64) ([]string, error)
	GetChatMessages(ctx context.Context, chatID int64) ([]models.Message, error)
	GetChatMessagesWithSender(ctx context.Context, chatID int64) ([]models.Message, error)
	ClearChatMessages(ctx context.Context, chatID int64) (int64, error)
}

// Service is the chat directory.
type Service struct {
	store   Store
	timeout time.Duration
	logger  *log.Logger
}

func NewService(store Store, timeout time.Duration) *Service {
	return &Service{
		store:   store,
		timeout: timeout,
		logger:  log.New(os.Stdout, "[CHATS] ", log.LstdFlags|log.Lshortfile),
	}
}

// PrivateChat is the result of GetOrCreatePrivateChat.
type PrivateChat struct {
	ChatID   int64
	Messages []models.Message
	Created  bool
}

// GetOrCreatePrivateChat returns the private chat between caller and target
// with its history, creating it when the pair has none. Creation is guarded
// by the store's unique pair key: losing a concurrent race falls back to
// the chat the winner created.
func (s *Service) GetOrCreatePrivateChat(ctx context.Context, callerID, targetID int64) (*PrivateChat, error) {
	if targetID == 0 || callerID == targetID {
		return nil, fmt.Errorf("%w: invalid user", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireUser(ctx, targetID); err != nil {
		return nil, err
	}

	created := false
	chat, err := s.store.GetPrivateChat(ctx, callerID, targetID)
	if errors.Is(err, db.ErrNotFound) {
		chat, err = s.store.CreatePrivateChat(ctx, callerID, targetID)
		switch {
		case errors.Is(err, db.ErrDuplicate):
			s.logger.Printf("Private chat for %d/%d created concurrently, re-fetching", callerID, targetID)
			chat, err = s.store.GetPrivateChat(ctx, callerID, targetID)
		case err == nil:
			created = true
			s.logger.Printf("Created private chat %d for users %d and %d", chat.ID, callerID, targetID)
		}
	}
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0)
	if !created {
		if messages, err = s.store.GetChatMessages(ctx, chat.ID); err != nil {
			return nil, err
		}
	}

	return &PrivateChat{ChatID: chat.ID, Messages: messages, Created: created}, nil
}

// DeletePrivateChat deletes every private chat between the pair.
func (s *Service) DeletePrivateChat(ctx context.Context, callerID, targetID int64) ([]int64, error) {
	if targetID == 0 || callerID == targetID {
		return nil, fmt.Errorf("%w: invalid user", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chatIDs, err := s.store.FindPrivateChats(ctx, callerID, targetID)
	if err != nil {
		return nil, err
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("%w: no private chat found", ErrNotFound)
	}

	if _, err := s.store.DeleteChats(ctx, chatIDs); err != nil {
		return nil, err
	}
	s.logger.Printf("Deleted private chats %v between users %d and %d", chatIDs, callerID, targetID)
	return chatIDs, nil
}

// CreateGroupChat creates a group with the creator plus the deduplicated
// member list.
func (s *Service) CreateGroupChat(ctx context.Context, creatorID int64, name string, memberIDs []int64) (*models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one member is required", ErrInvalidInput)
	}

	members := uniqueMembers(creatorID, memberIDs)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.store.CountUsers(ctx, members)
	if err != nil {
		return nil, err
	}
	if count != len(members) {
		return nil, fmt.Errorf("%w: unknown member", ErrInvalidInput)
	}

	chat, err := s.store.CreateGroupChat(ctx, name, members)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Created group chat %d (%q) with %d members", chat.ID, name, len(members))
	return chat, nil
}

func (s *Service) GetUserGroups(ctx context.Context, userID int64) ([]models.Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.store.GetUserGroups(ctx, userID)
}

func (s *Service) GetGroupMessages(ctx context.Context, chatID, callerID int64) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireMember(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	return s.store.GetChatMessagesWithSender(ctx, chatID)
}

func (s *Service) GetGroupMembers(ctx context.Context, chatID, callerID int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireMember(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	return s.store.GetChatMemberNames(ctx, chatID)
}

// ClearGroupMessages deletes the chat's messages; the chat and its members stay.
func (s *Service) ClearGroupMessages(ctx context.Context, chatID, callerID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requireMember(ctx, chatID, callerID); err != nil {
		return 0, err
	}

	deleted, err := s.store.ClearChatMessages(ctx, chatID)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("User %d cleared %d messages from chat %d", callerID, deleted, chatID)
	return deleted, nil
}

// requireMember fails with ErrForbidden for non-members, including for chats
// that do not exist.
func (s *Service) requireMember(ctx context.Context, chatID, userID int64) error {
	member, err := s.store.IsChatMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

func (s *Service) requireUser(ctx context.Context, userID int64) error {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: invalid user", ErrInvalidInput)
		}
		return err
	}
	return nil
}

func uniqueMembers(creatorID int64, memberIDs []int64) []int64 {
	seen := map[int64]bool{creatorID: true}
	members := []int64{creatorID}
	for _, id := range memberIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	return members
}
