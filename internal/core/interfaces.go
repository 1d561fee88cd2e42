package core

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/domain"
)

// Frame is a raw encoded event, one WebSocket text message.
type Frame []byte

type SessionID string

var (
	ErrRoomNotFound = errors.New("room not found")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds one browser tab to its transport endpoint.
// The user is unset until the session joins a room.
type MemberSession interface {
	ID() SessionID
	Meta() *domain.Member
	BindUser(user domain.User, room domain.RoomCode)
	Signal() SignalConnection
}

// RoomStore is the persistence collaborator. The real-time core only calls it
// and never caches what it returns.
type RoomStore interface {
	CreateRoom(ctx context.Context, creator domain.UserID) (domain.Room, error)
	EnsureUser(ctx context.Context, user domain.User) error
	JoinRoom(ctx context.Context, code domain.RoomCode, userID domain.UserID) error
	ListMembers(ctx context.Context, code domain.RoomCode) ([]domain.User, error)
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	FetchHistory(ctx context.Context, code domain.RoomCode, limit int) ([]domain.ChatMessage, error)
}
