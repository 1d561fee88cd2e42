package app

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("unknown session")

// Entry is one presence triple.
type Entry struct {
	Room domain.RoomCode
	User domain.UserID
	SID  core.SessionID
}

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
	Room    domain.RoomCode
	User    domain.UserID
}

// Registration describes what a Register call changed.
type Registration struct {
	Entry Entry
	// Departed lists the entries this registration removed, other than a
	// same-room replacement: the session's previous (room, user) and the
	// user's entry in another room.
	Departed []Entry
	// Replaced is the stale session that held the same user before.
	Replaced       core.SessionID
	ReplacedCancel context.CancelFunc
	ReplacedSess   core.MemberSession
}

// Registry is the single source of truth for which session is online in
// which room as which user. A user id is present in at most one room at a
// time, so Resolve is unambiguous.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	rooms    map[domain.RoomCode]map[domain.UserID]core.SessionID
	byUser   map[domain.UserID]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		rooms:    make(map[domain.RoomCode]map[domain.UserID]core.SessionID),
		byUser:   make(map[domain.UserID]core.SessionID),
	}
}

// Bind records a freshly connected session that has not joined any room yet.
func (r *Registry) Bind(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	metrics.SessionsConnected.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Msg("bound session")
}

// Register inserts or replaces the presence entry for (room, user).
func (r *Registry) Register(sid core.SessionID, room domain.RoomCode, user domain.UserID) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sid]
	if !ok {
		return Registration{}, ErrUnknownSession
	}
	reg := Registration{Entry: Entry{Room: room, User: user, SID: sid}}

	if e.Room != "" {
		if e.Room != room || e.User != user {
			reg.Departed = append(reg.Departed, Entry{Room: e.Room, User: e.User, SID: sid})
		}
		r.removeLocked(e.Room, e.User, sid)
	}

	if old, ok := r.byUser[user]; ok && old != sid {
		oldEntry := r.sessions[old]
		if oldEntry.Room != room {
			reg.Departed = append(reg.Departed, Entry{Room: oldEntry.Room, User: user, SID: old})
		}
		r.removeLocked(oldEntry.Room, user, old)
		oldEntry.Room, oldEntry.User = "", ""
		reg.Replaced = old
		reg.ReplacedCancel = oldEntry.Cancel
		reg.ReplacedSess = oldEntry.Session
		log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("replaced", string(old)).Str("user", string(user)).Msg("replaced stale session")
	}

	e.Room, e.User = room, user
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.UserID]core.SessionID)
		r.rooms[room] = members
	}
	members[user] = sid
	r.byUser[user] = sid
	metrics.PresenceEntries.Set(float64(len(r.byUser)))

	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("room", string(room)).Str("user", string(user)).Msg("registered")
	return reg, nil
}

// Unregister drops the presence entry of sid. The session itself stays
// bound. It is a no-op for sessions that never registered.
func (r *Registry) Unregister(sid core.SessionID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return Entry{}, false
	}
	out := Entry{Room: e.Room, User: e.User, SID: sid}
	r.removeLocked(e.Room, e.User, sid)
	e.Room, e.User = "", ""
	metrics.PresenceEntries.Set(float64(len(r.byUser)))
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("room", string(out.Room)).Msg("unregistered")
	return out, true
}

// Unbind forgets sid entirely and returns its presence entry, if any.
func (r *Registry) Unbind(sid core.SessionID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return Entry{}, false
	}
	delete(r.sessions, sid)
	metrics.SessionsConnected.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Msg("unbind session")
	if e.Room == "" {
		return Entry{}, false
	}
	out := Entry{Room: e.Room, User: e.User, SID: sid}
	r.removeLocked(e.Room, e.User, sid)
	metrics.PresenceEntries.Set(float64(len(r.byUser)))
	return out, true
}

func (r *Registry) removeLocked(room domain.RoomCode, user domain.UserID, sid core.SessionID) {
	if members, ok := r.rooms[room]; ok && members[user] == sid {
		delete(members, user)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if r.byUser[user] == sid {
		delete(r.byUser, user)
	}
}

// MembersOf returns a sorted point-in-time copy of the room's presence set.
func (r *Registry) MembersOf(room domain.RoomCode) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]domain.UserID, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the live session of a user.
func (r *Registry) Resolve(user domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[user]
	return sid, ok
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// RoomOf returns where sid is present.
func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomCode, domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", "", false
	}
	return e.Room, e.User, true
}

type regSnap struct {
	SID     core.SessionID
	User    domain.UserID
	Session core.MemberSession
}

// SessionsOf returns the sessions registered in a room, ordered by user id.
func (r *Registry) SessionsOf(room domain.RoomCode) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]regSnap, 0, len(members))
	for u, sid := range members {
		out = append(out, regSnap{SID: sid, User: u, Session: r.sessions[sid].Session})
	}
	slices.SortFunc(out, func(a, b regSnap) int {
		switch {
		case a.User < b.User:
			return -1
		case a.User > b.User:
			return 1
		}
		return 0
	})
	return out
}

// Cancel stops the session's pumps; the adapter then runs the disconnect path.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Msg("canceled session")
	return true
}
