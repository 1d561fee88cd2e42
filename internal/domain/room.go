package domain

import (
	"crypto/rand"
	"errors"
	"strings"
)

const (
	RoomCodeLen      = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrRoomCodeInvalid = errors.New("invalid room code")

// RoomCode is the short shareable identifier of a room, e.g. "AB12C9".
type RoomCode string

// ParseRoomCode normalizes user input to the canonical upper-case form.
func ParseRoomCode(raw string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != RoomCodeLen {
		return "", ErrRoomCodeInvalid
	}
	for _, r := range code {
		if !strings.ContainsRune(roomCodeAlphabet, r) {
			return "", ErrRoomCodeInvalid
		}
	}
	return RoomCode(code), nil
}

func NewRoomCode() (RoomCode, error) {
	buf := make([]byte, RoomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return RoomCode(buf), nil
}

type Room struct {
	Code      RoomCode `json:"code"`
	CreatedBy UserID   `json:"createdBy,omitempty"`
}
