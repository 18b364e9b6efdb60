package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomchat/internal/models"
)

func (db *DB) CreateUser(ctx context.Context, username, password, role string) (*models.User, error) {
	now := time.Now().UTC()

	var id int64
	err := db.QueryRowContext(ctx, db.rebind(
		"INSERT INTO users (username, password, role, created_at) VALUES (?, ?, ?, ?) RETURNING id"),
		username, password, role, now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &models.User{
		ID:        id,
		Username:  username,
		Password:  password,
		Role:      role,
		CreatedAt: now,
	}, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "username = ?", username)
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return db.getUser(ctx, "id = ?", id)
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRowContext(ctx, db.rebind(
		"SELECT id, username, password, role, created_at FROM users WHERE "+where), arg,
	).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ListUsersExcept returns every user other than excludeID, ordered by username.
func (db *DB) ListUsersExcept(ctx context.Context, excludeID int64) ([]models.UserSummary, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, username
		FROM users
		WHERE id != ?
		ORDER BY username
	`), excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return scanUserSummaries(rows)
}

// SearchUsers does case-insensitive partial matching on username, ranking
// exact matches first, then prefix matches, then the rest.
func (db *DB) SearchUsers(ctx context.Context, query string, excludeID int64) ([]models.UserSummary, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, username
		FROM users
		WHERE LOWER(username) LIKE LOWER(?) AND id != ?
		ORDER BY
			CASE
				WHEN LOWER(username) = LOWER(?) THEN 1
				WHEN LOWER(username) LIKE LOWER(?) THEN 2
				ELSE 3
			END,
			username
		LIMIT 10
	`), "%"+query+"%", excludeID, query, query+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return scanUserSummaries(rows)
}

// CountUsers returns how many of ids exist.
func (db *DB) CountUsers(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var count int
	err := db.QueryRowContext(ctx, db.rebind(
		"SELECT COUNT(*) FROM users WHERE id IN ("+placeholders(len(ids))+")"),
		int64Args(ids)...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func scanUserSummaries(rows *sql.Rows) ([]models.UserSummary, error) {
	defer rows.Close()

	users := make([]models.UserSummary, 0)
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
