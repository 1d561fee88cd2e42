package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrNotJoined = errors.New("session has not joined a room")

type Options struct {
	HistoryLimit  int
	MaxMessageLen int
}

// Orchestrator is the hub's event handler. Join, leave and disconnect run
// one at a time so a presence mutation and the presence_update it causes are
// never interleaved with another membership change.
type Orchestrator struct {
	Registry  *app.Registry
	Relay     *app.SignalRelay
	Broadcast *app.Broadcaster
	Store     core.RoomStore
	Opts      Options

	mu sync.Mutex
}

func New(reg *app.Registry, store core.RoomStore, policy app.Policy, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 2000
	}
	return &Orchestrator{
		Registry:  reg,
		Relay:     app.NewSignalRelay(reg),
		Broadcast: app.NewBroadcaster(reg, policy),
		Store:     store,
		Opts:      opts,
	}
}

// Connect binds a new transport session that has not joined anything yet.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	o.Registry.Bind(sid, sess, cancel)
}

// OnDisconnect is the implicit leave for whatever room sid was in.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var name string
	if sess, found := o.Registry.GetSession(sid); found {
		if m := sess.Meta(); m.User != nil {
			name = m.User.DisplayName
		}
	}
	entry, ok := o.Registry.Unbind(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(entry.Room)).Str("user", string(entry.User)).Str("name", name).Msg("disconnected from room")
	o.announceLeft(entry.Room, entry.User)
}
