package signal

import (
	"context"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleChat(ctx context.Context, sid core.SessionID, conn *WsSignalConn, p protocol.ChatMsg) {
	_, user, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.sendError(conn, protocol.ErrCodeNotJoined)
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(user) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user)).Msg("chat rate limited")
		ctl.sendError(conn, protocol.ErrCodeRateLimited)
		return
	}
	if _, err := ctl.Orch.Chat(ctx, sid, p.Content, domain.ParseSource(p.Source)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("chat failed")
		ctl.sendError(conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleSubtitle(sid core.SessionID, conn *WsSignalConn, p protocol.SubtitleMsg) {
	if err := ctl.Orch.Subtitle(sid, p.Text); err != nil {
		ctl.sendError(conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleHistory(ctx context.Context, sid core.SessionID, conn *WsSignalConn, p protocol.HistoryRequestMsg) {
	if err := ctl.Orch.History(ctx, sid, p.Limit); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("history failed")
		ctl.sendError(conn, errorCode(err))
	}
}
