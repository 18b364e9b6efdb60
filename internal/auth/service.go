package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/db"
	"roomchat/internal/models"
)

var (
	ErrInvalidInput       = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("user already exists")
)

// UserStore is the part of the store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, password, role string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

type Service struct {
	store   UserStore
	hasher  *PasswordHasher
	tokens  *TokenManager
	timeout time.Duration
}

func NewService(store UserStore, hasher *PasswordHasher, tokens *TokenManager, timeout time.Duration) *Service {
	return &Service{store: store, hasher: hasher, tokens: tokens, timeout: timeout}
}

func (s *Service) Signup(ctx context.Context, req models.CredentialsRequest) (*models.AuthResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}

	hashed, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.store.CreateUser(ctx, username, hashed, models.RoleUser)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return s.respond(user)
}

func (s *Service) Login(ctx context.Context, req models.CredentialsRequest) (*models.AuthResponse, error) {
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.hasher.Verify(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.respond(user)
}

// Authenticate resolves a bearer token to the current user record.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) respond(user *models.User) (*models.AuthResponse, error) {
	token, err := s.tokens.Generate(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	public := *user
	public.Password = ""
	return &models.AuthResponse{Token: token, User: public}, nil
}
