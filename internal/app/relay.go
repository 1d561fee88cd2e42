package app

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SignalRelay forwards offers, answers and ICE candidates between two users
// of the same room. It keeps no state and never looks inside the payload.
// Delivery is best-effort: an unresolved target is dropped and only logged.
type SignalRelay struct {
	Registry *Registry
}

func NewSignalRelay(reg *Registry) *SignalRelay {
	return &SignalRelay{Registry: reg}
}

// Relay reports whether the message was handed to the target's transport.
func (r *SignalRelay) Relay(kind string, from, to domain.UserID, payload json.RawMessage) bool {
	logger := log.With().
		Str("module", "app.relay").
		Str("kind", kind).
		Str("from", string(from)).
		Str("to", string(to)).
		Logger()

	if !protocol.IsSignalType(kind) {
		logger.Warn().Msg("not a signaling kind, dropped")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}

	fromSID, ok := r.Registry.Resolve(from)
	if !ok {
		logger.Debug().Msg("sender not present, dropped")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	toSID, ok := r.Registry.Resolve(to)
	if !ok {
		logger.Debug().Msg("target not online, dropped")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	fromRoom, _, _ := r.Registry.RoomOf(fromSID)
	toRoom, _, ok := r.Registry.RoomOf(toSID)
	if !ok || toRoom != fromRoom {
		logger.Debug().Str("room", string(fromRoom)).Msg("target not in sender's room, dropped")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	sess, ok := r.Registry.GetSession(toSID)
	if !ok {
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}

	frame, err := protocol.EncodeSignal(kind, string(from), payload)
	if err != nil {
		logger.Error().Err(err).Msg("encode signal")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		logger.Warn().Err(err).Str("sid", string(toSID)).Msg("target send failed, dropped")
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	metrics.SignalsTotal.WithLabelValues(kind, "relayed").Inc()
	return true
}
