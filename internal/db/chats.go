package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomchat/internal/models"
)

// PrivateKey is the unordered-pair key that makes a private chat unique.
func PrivateKey(userA, userB int64) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%d", userA, userB)
}

// FindPrivateChats returns the ids of every private chat whose members
// include both users.
func (db *DB) FindPrivateChats(ctx context.Context, userA, userB int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT c.id
		FROM chats c
		JOIN chat_members cm1 ON cm1.chat_id = c.id
		JOIN chat_members cm2 ON cm2.chat_id = c.id
		WHERE c.type = 'private'
			AND cm1.user_id = ?
			AND cm2.user_id = ?
		ORDER BY c.id
	`), userA, userB)
	if err != nil {
		return nil, fmt.Errorf("failed to query private chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating private chats: %w", err)
	}
	return ids, nil
}

// GetPrivateChat looks a private chat up by its member pair.
func (db *DB) GetPrivateChat(ctx context.Context, userA, userB int64) (*models.Chat, error) {
	return db.getChat(ctx, "type = 'private' AND private_key = ?", PrivateKey(userA, userB))
}

func (db *DB) getChat(ctx context.Context, where string, arg any) (*models.Chat, error) {
	chat := &models.Chat{}
	err := db.QueryRowContext(ctx, db.rebind(
		"SELECT id, name, type, created_at FROM chats WHERE "+where), arg,
	).Scan(&chat.ID, &chat.Name, &chat.Type, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	return chat, nil
}

// CreatePrivateChat creates the chat and both memberships in one
// transaction. It returns ErrDuplicate when the pair already has a chat.
func (db *DB) CreatePrivateChat(ctx context.Context, userA, userB int64) (*models.Chat, error) {
	chat := &models.Chat{Type: models.ChatTypePrivate, CreatedAt: time.Now().UTC()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, db.rebind(
			"INSERT INTO chats (type, private_key, created_at) VALUES (?, ?, ?) RETURNING id"),
			models.ChatTypePrivate, PrivateKey(userA, userB), chat.CreatedAt,
		).Scan(&chat.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to create chat: %w", err)
		}

		_, err = db.BatchInsert(ctx, tx, "chat_members", []string{"chat_id", "user_id"},
			membershipRows(chat.ID, []int64{userA, userB}))
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// CreateGroupChat creates a named group chat with the given members.
func (db *DB) CreateGroupChat(ctx context.Context, name string, memberIDs []int64) (*models.Chat, error) {
	chat := &models.Chat{Name: &name, Type: models.ChatTypeGroup, CreatedAt: time.Now().UTC()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, db.rebind(
			"INSERT INTO chats (type, name, created_at) VALUES (?, ?, ?) RETURNING id"),
			models.ChatTypeGroup, name, chat.CreatedAt,
		).Scan(&chat.ID)
		if err != nil {
			return fmt.Errorf("failed to create chat: %w", err)
		}

		_, err = db.BatchInsert(ctx, tx, "chat_members", []string{"chat_id", "user_id"},
			membershipRows(chat.ID, memberIDs))
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChats removes the chats; memberships and messages go with them.
func (db *DB) DeleteChats(ctx context.Context, chatIDs []int64) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}

	result, err := db.ExecContext(ctx, db.rebind(
		"DELETE FROM chats WHERE id IN ("+placeholders(len(chatIDs))+")"),
		int64Args(chatIDs)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	return result.RowsAffected()
}

// GetUserGroups returns the group chats userID belongs to, newest first.
func (db *DB) GetUserGroups(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT c.id, c.name, c.type, c.created_at
		FROM chats c
		JOIN chat_members cm ON c.id = cm.chat_id
		WHERE cm.user_id = ? AND c.type = 'group'
		ORDER BY c.created_at DESC, c.id DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.Type, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return chats, nil
}

func (db *DB) IsChatMember(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, db.rebind(
		"SELECT 1 FROM chat_members WHERE chat_id = ? AND user_id = ?"),
		chatID, userID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// GetChatMemberNames returns member usernames in lexicographic order.
func (db *DB) GetChatMemberNames(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT u.username
		FROM users u
		JOIN chat_members cm ON u.id = cm.user_id
		WHERE cm.chat_id = ?
		ORDER BY u.username
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return names, nil
}

func membershipRows(chatID int64, userIDs []int64) [][]any {
	rows := make([][]any, 0, len(userIDs))
	for _, userID := range userIDs {
		rows = append(rows, []any{chatID, userID})
	}
	return rows
}
