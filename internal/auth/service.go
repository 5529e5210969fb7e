// Package auth registers and logs in users and authenticates their bearer
// tokens. Passwords are stored as bcrypt hashes; tokens are HS256 JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dm/internal/user"
)

// Sentinel errors; the HTTP layer maps them to status codes.
var (
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidCredentials = errors.New("auth: incorrect email or password")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrUsernameTaken      = errors.New("auth: username already taken")
	ErrInvalidInput       = errors.New("auth: invalid registration")
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

// Result is returned by Register and Login.
type Result struct {
	AccessToken string
	ExpiresAt   time.Time
	User        *user.User
}

// Service implements registration, login and token authentication.
type Service struct {
	users  user.Repository
	hasher *Hasher
	tokens *TokenProvider
}

// NewService returns a Service with the given dependencies.
func NewService(users user.Repository, hasher *Hasher, tokens *TokenProvider) *Service {
	return &Service{users: users, hasher: hasher, tokens: tokens}
}

// Register creates a user and returns an access token for it. Duplicate
// emails and usernames are rejected before anything is written.
func (s *Service) Register(ctx context.Context, username, email, password string) (*Result, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: username and a valid email are required", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}
	existing, err = s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	if existing != nil {
		return nil, ErrUsernameTaken
	}

	hash, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u := &user.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		AvatarColor:  randomAvatarColor(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		// Lost a race with a concurrent registration.
		switch {
		case errors.Is(err, user.ErrDuplicateEmail):
			return nil, ErrEmailTaken
		case errors.Is(err, user.ErrDuplicateUsername):
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	return s.issue(u)
}

// Login verifies email and password and returns a fresh access token.
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if u == nil || s.hasher.Compare(u.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(u)
}

// Authenticate resolves a bearer token to an existing user's id.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, err := s.tokens.Validate(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("auth: authenticate: %w", err)
	}
	if u == nil {
		return "", ErrUnauthorized
	}
	return u.ID, nil
}

func (s *Service) issue(u *user.User) (*Result, error) {
	token, expiresAt, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue token: %w", err)
	}
	return &Result{AccessToken: token, ExpiresAt: expiresAt, User: u}, nil
}

func randomAvatarColor() string {
	return fmt.Sprintf("#%06x", rand.IntN(0x1000000))
}
