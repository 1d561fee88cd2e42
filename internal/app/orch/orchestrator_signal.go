package orch

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Signal forwards call-setup data from sid's user to target. The sender id
// comes from presence, never from the client. A dropped message is not an
// error for the sender.
func (o *Orchestrator) Signal(sid core.SessionID, kind string, target string, payload json.RawMessage) error {
	_, from, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotJoined
	}
	to, err := domain.ParseUserID(target)
	if err != nil {
		return err
	}
	o.Relay.Relay(kind, from, to, payload)
	return nil
}
