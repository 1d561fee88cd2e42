package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

type JoinRequest struct {
	RoomCode    string
	UserID      string
	DisplayName string
}

// Join registers sid in a room. Every join has replace semantics, so a
// reconnecting tab and a fresh tab take the same path.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, req JoinRequest) error {
	code, err := domain.ParseRoomCode(req.RoomCode)
	if err != nil {
		return err
	}
	userID, err := domain.ParseUserID(req.UserID)
	if err != nil {
		return err
	}
	user := domain.User{ID: userID}
	name := req.DisplayName
	if name == "" {
		name = string(userID)
	}
	if err := user.SetDisplayName(name); err != nil {
		return err
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return fmt.Errorf("join %s: unknown session %s", code, sid)
	}

	if err := o.Store.EnsureUser(ctx, user); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if err := o.Store.JoinRoom(ctx, code, userID); err != nil {
		return err
	}

	o.mu.Lock()
	reg, err := o.Registry.Register(sid, code, userID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	sess.BindUser(user, code)
	member := sess.Meta()

	if reg.Replaced != "" {
		if frame, err := protocol.Encode(protocol.SessionReplacedMsg{Type: protocol.TypeSessionReplaced}); err == nil && reg.ReplacedSess != nil {
			_ = reg.ReplacedSess.Signal().TrySend(frame)
		}
		if reg.ReplacedCancel != nil {
			reg.ReplacedCancel()
		}
	}
	for _, d := range reg.Departed {
		if d.Room == code {
			// Same room under another user id: the presence_update below covers it.
			o.participantLeft(code, d.User, sid)
			continue
		}
		o.announceLeft(d.Room, d.User)
	}

	_ = o.Broadcast.Unicast(sid, protocol.JoinedMsg{
		Type:      protocol.TypeJoined,
		RoomCode:  string(code),
		UserID:    string(userID),
		SessionID: string(sid),
	})
	// participant_joined precedes presence_update, so members hear of a
	// rejoin before the rejoined peer can signal them.
	o.Broadcast.Broadcast(code, protocol.ParticipantJoinedMsg{
		Type:        protocol.TypeParticipantJoined,
		RoomCode:    string(member.Room),
		Participant: *member.User,
	}, sid)
	o.broadcastPresence(code)
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(code)).Str("user", string(userID)).Msg("joined room")

	if err := o.History(ctx, sid, 0); err != nil && !errors.Is(err, ErrNotJoined) {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("history replay failed")
	}
	return nil
}

// Leave unregisters sid; the connection stays open for a later join.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.Registry.Unregister(sid)
	_ = o.Broadcast.Unicast(sid, protocol.LeftMsg{Type: protocol.TypeLeft, RoomCode: string(entry.Room)})
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(entry.Room)).Msg("left room")
	o.announceLeft(entry.Room, entry.User)
}

// Members is the live presence set of a room.
func (o *Orchestrator) Members(code domain.RoomCode) []domain.UserID {
	return o.Registry.MembersOf(code)
}

func (o *Orchestrator) announceLeft(room domain.RoomCode, user domain.UserID) {
	o.broadcastPresence(room)
	o.participantLeft(room, user, "")
}

func (o *Orchestrator) participantLeft(room domain.RoomCode, user domain.UserID, exclude core.SessionID) {
	o.Broadcast.Broadcast(room, protocol.ParticipantLeftMsg{
		Type:     protocol.TypeParticipantLeft,
		RoomCode: string(room),
		UserID:   string(user),
	}, exclude)
}

func (o *Orchestrator) broadcastPresence(room domain.RoomCode) {
	members := o.Registry.MembersOf(room)
	ids := make([]string, len(members))
	for i, u := range members {
		ids[i] = string(u)
	}
	o.Broadcast.Broadcast(room, protocol.PresenceUpdateMsg{
		Type:     protocol.TypePresenceUpdate,
		RoomCode: string(room),
		UserIDs:  ids,
	}, "")
}
