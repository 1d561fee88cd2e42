// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("display name too long")
	ErrUsernameEmpty   = errors.New("display name empty")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

type UserID string

// Less orders user ids lexicographically. The smaller id of a pair
// originates the call negotiation.
func (u UserID) Less(other UserID) bool { return u < other }

type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

func ParseUserID(raw string) (UserID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName string) (*User, error) {
	u := &User{ID: UserID(uuid.NewString())}
	if err := u.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrUsernameTooLong
	}
	u.DisplayName = name
	return nil
}
