package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roomchat/internal/models"
)

// SaveMessage appends a message. The store assigns the id and timestamp.
func (db *DB) SaveMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	saved := *message
	saved.CreatedAt = time.Now().UTC()

	err := db.QueryRowContext(ctx, db.rebind(`
		INSERT INTO messages (chat_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), saved.ChatID, saved.SenderID, saved.Text, saved.CreatedAt).Scan(&saved.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return &saved, nil
}

// GetChatMessages returns the full history of a chat, oldest first.
func (db *DB) GetChatMessages(ctx context.Context, chatID int64) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows, false)
}

// GetChatMessagesWithSender is GetChatMessages with the sender's username.
func (db *DB) GetChatMessagesWithSender(ctx context.Context, chatID int64) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.created_at, u.username
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = ?
		ORDER BY m.created_at ASC, m.id ASC
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows, true)
}

// ClearChatMessages deletes every message of a chat and reports how many.
func (db *DB) ClearChatMessages(ctx context.Context, chatID int64) (int64, error) {
	result, err := db.ExecContext(ctx, db.rebind("DELETE FROM messages WHERE chat_id = ?"), chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear messages: %w", err)
	}
	return result.RowsAffected()
}

func scanMessages(rows *sql.Rows, withSender bool) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		dest := []any{&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Text, &msg.CreatedAt}
		if withSender {
			dest = append(dest, &msg.SenderName)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
