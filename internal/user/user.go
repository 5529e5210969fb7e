// Package user holds registered accounts and their SQL persistence.
package user

import (
	"errors"
	"strings"
	"time"
)

// ListLimit caps how many users ListOthers returns.
const ListLimit = 100

var (
	// ErrDuplicateEmail is returned by Create when the email is registered.
	ErrDuplicateEmail = errors.New("user: email already registered")
	// ErrDuplicateUsername is returned by Create when the username is taken.
	ErrDuplicateUsername = errors.New("user: username already taken")
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	AvatarColor  string
	CreatedAt    time.Time
}

// Validate checks the fields required for persistence and returns the first
// failure.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if !strings.Contains(u.Email, "@") {
		return errors.New("a valid email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	return nil
}

// Profile is the public view of a user. IsOnline and LastSeen are filled in
// by the presence tracker.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	AvatarColor string     `json:"avatar_color"`
	IsOnline    bool       `json:"is_online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Profile returns the public view of u with presence unset.
func (u *User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		AvatarColor: u.AvatarColor,
	}
}
