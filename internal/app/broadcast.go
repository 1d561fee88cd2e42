package app

import (
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []core.SessionID
}

// Broadcaster fans room events out to every session present in the room.
// Each session has one ordered send queue, so events submitted by one
// caller reach every recipient in submission order.
type Broadcaster struct {
	Registry *Registry
	Policy   Policy
}

func NewBroadcaster(reg *Registry, policy Policy) *Broadcaster {
	return &Broadcaster{Registry: reg, Policy: policy}
}

// Broadcast encodes msg once and delivers it to the room. A non-empty
// exclude skips that session.
func (b *Broadcaster) Broadcast(room domain.RoomCode, msg any, exclude core.SessionID) PublishResult {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.broadcast").Msg("encode event")
		return PublishResult{}
	}
	return b.BroadcastFrame(room, frame, exclude)
}

func (b *Broadcaster) BroadcastFrame(room domain.RoomCode, frame core.Frame, exclude core.SessionID) PublishResult {
	res := PublishResult{}
	for _, snap := range b.Registry.SessionsOf(room) {
		if exclude != "" && snap.SID == exclude {
			continue
		}
		if err := snap.Session.Signal().TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, snap.SID)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.broadcast").Str("room", string(room)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	b.applyPolicy(room, res.Dropped)
	return res
}

// Unicast delivers msg to exactly one session.
func (b *Broadcaster) Unicast(sid core.SessionID, msg any) error {
	sess, ok := b.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		room, _, _ := b.Registry.RoomOf(sid)
		b.applyPolicy(room, []core.SessionID{sid})
		return err
	}
	return nil
}

func (b *Broadcaster) applyPolicy(room domain.RoomCode, dropped []core.SessionID) {
	if len(dropped) == 0 {
		return
	}
	metrics.BroadcastDropped.Add(float64(len(dropped)))
	if b.Policy == nil {
		return
	}
	for _, sid := range dropped {
		switch b.Policy.OnBackPressure(room, sid) {
		case KickMember:
			log.Warn().Str("module", "app.broadcast").Str("sid", string(sid)).Msg("slow member kicked")
			b.Registry.Cancel(sid)
		case MarkSlow, DropFrame, NoAction:
		}
	}
}
