package core

import (
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	id   SessionID
	conn SignalConnection

	mu   sync.RWMutex
	meta domain.Member
}

func NewMemberSession(id SessionID, conn SignalConnection) MemberSession {
	return &memberSession{id: id, conn: conn}
}

func (m *memberSession) ID() SessionID            { return m.id }
func (m *memberSession) Signal() SignalConnection { return m.conn }

// Meta returns a copy; callers never mutate session state through it.
func (m *memberSession) Meta() *domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.meta
	if meta.User != nil {
		u := *meta.User
		meta.User = &u
	}
	return &meta
}

func (m *memberSession) BindUser(user domain.User, room domain.RoomCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = domain.Member{User: &user, Room: room}
}
