package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

type MessageSource string

const (
	SourceTyped  MessageSource = "typed"
	SourceSpeech MessageSource = "speech"
)

// ChatMessage is a persisted room message; CreatedAt is assigned by the store.
type ChatMessage struct {
	ID        string        `json:"id"`
	RoomCode  RoomCode      `json:"roomCode"`
	UserID    UserID        `json:"userId"`
	Content   string        `json:"content"`
	Source    MessageSource `json:"source"`
	CreatedAt time.Time     `json:"timestamp"`
}

// NormalizeContent trims the content and enforces the length limit in runes.
func NormalizeContent(content string, maxLen int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrMessageEmpty
	}
	if maxLen > 0 && len([]rune(content)) > maxLen {
		return "", ErrMessageTooLong
	}
	return content, nil
}

func ParseSource(raw string) MessageSource {
	if MessageSource(raw) == SourceSpeech {
		return SourceSpeech
	}
	return SourceTyped
}
