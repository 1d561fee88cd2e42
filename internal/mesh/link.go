package mesh

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
)

// TransportState is what a Link reports about its low-level connectivity.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LinkEvents are invoked by a Link from its own goroutines. They take the
// manager lock, so a Link must never invoke them synchronously from inside
// one of its methods.
type LinkEvents struct {
	OnCandidate func(candidate json.RawMessage)
	OnTransport func(state TransportState)
}

// Link is one direct audio channel to a peer. Descriptions and candidates
// are opaque JSON, relayed by the hub untouched.
type Link interface {
	CreateOffer() (json.RawMessage, error)
	AcceptOffer(offer json.RawMessage) (answer json.RawMessage, err error)
	AcceptAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	// RestartICE produces a fresh offer that restarts connectivity checks
	// on the same link.
	RestartICE() (json.RawMessage, error)
	Close() error
}

type LinkFactory interface {
	NewLink(peer domain.UserID, ev LinkEvents) (Link, error)
}

// Signaler sends call-setup messages through the hub. Delivery is best
// effort.
type Signaler interface {
	SendSignal(kind string, to domain.UserID, payload json.RawMessage) error
}
