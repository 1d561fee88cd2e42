package signal

import (
	"context"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, conn *WsSignalConn, p protocol.JoinRoomMsg) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", p.RoomCode).Str("user", p.UserID).Msg("join")
	err := ctl.Orch.Join(ctx, sid, orch.JoinRequest{
		RoomCode:    p.RoomCode,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
		ctl.sendError(conn, errorCode(err))
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
}
