package signal

import (
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards offer, answer and ice_candidate frames. Any
// fromUserId the client put in the frame is ignored.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, kind string, p protocol.SignalMsg) {
	if p.TargetUserID == "" {
		ctl.sendError(conn, protocol.ErrCodeBadPayload)
		return
	}
	if err := ctl.Orch.Signal(sid, kind, p.TargetUserID, p.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("kind", kind).Msg("relay rejected")
		ctl.sendError(conn, errorCode(err))
	}
}
