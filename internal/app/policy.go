package app

import (
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a recipient whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomCode, sid core.SessionID) BackpressureAction
}

// SimplePolicy kicks slow members; the kicked session then leaves through
// the regular disconnect path.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomCode, core.SessionID) BackpressureAction {
	return KickMember
}
