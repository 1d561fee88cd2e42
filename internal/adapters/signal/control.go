package signal

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) dispatch(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	typ, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", typ).Msg("bad frame")
		if errors.Is(err, protocol.ErrUnknownType) {
			ctl.sendError(c, protocol.ErrCodeUnknownType)
			return
		}
		ctl.sendError(c, protocol.ErrCodeBadPayload)
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoomMsg:
		ctl.handleJoin(ctx, sid, c, m)
	case protocol.LeaveRoomMsg:
		ctl.handleLeave(sid)
	case protocol.SignalMsg:
		ctl.handleRelay(sid, c, typ, m)
	case protocol.ChatMsg:
		ctl.handleChat(ctx, sid, c, m)
	case protocol.SubtitleMsg:
		ctl.handleSubtitle(sid, c, m)
	case protocol.HistoryRequestMsg:
		ctl.handleHistory(ctx, sid, c, m)
	case protocol.PingMsg:
		ctl.handlePing(c)
	}
}

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, protocol.PongMsg{Type: protocol.TypePong})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	_ = c.TrySend(protocol.NewError(code))
}

// errorCode maps an operation error onto the wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return protocol.ErrCodeRoomNotFound
	case errors.Is(err, orch.ErrNotJoined), errors.Is(err, app.ErrUnknownSession):
		return protocol.ErrCodeNotJoined
	case errors.Is(err, domain.ErrRoomCodeInvalid),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrMessageEmpty),
		errors.Is(err, domain.ErrMessageTooLong):
		return protocol.ErrCodeInvalidMessage
	default:
		return protocol.ErrCodeInternal
	}
}
