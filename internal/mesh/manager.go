// Package mesh keeps exactly one audio link per other participant in the
// room and negotiates each link through the hub's signaling relay.
package mesh

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPeer  = errors.New("mesh: peer is not present")
	ErrNotInitiator = errors.New("mesh: offer from the passive side of the pair")
	ErrClosed       = errors.New("mesh: manager closed")
	ErrNoLink       = errors.New("mesh: no link for peer")
)

type LinkState int

const (
	Absent LinkState = iota
	Negotiating
	Connected
	Failed
)

func (s LinkState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Self domain.UserID
	// FailureWindow: a second failure inside it tears the link down for
	// good, until the peer leaves and re-enters presence. It is also how
	// long a failed link may take to recover before it is dropped.
	FailureWindow time.Duration
	// MaxPendingCandidates caps the per-peer buffer of early candidates.
	MaxPendingCandidates int
}

type peerLink struct {
	id        uint64
	peer      domain.UserID
	link      Link
	state     LinkState
	initiator bool
	// remoteSet is true once the remote description has been applied.
	remoteSet   bool
	lastFailure time.Time
	// stopRecovery cancels the pending recovery deadline, if any.
	stopRecovery func() bool
}

func stdAfterFunc(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }

type Manager struct {
	cfg     Config
	sig     Signaler
	factory LinkFactory
	now     func() time.Time
	after   func(d time.Duration, f func()) (stop func() bool)

	mu         sync.Mutex
	desired    map[domain.UserID]bool
	links      map[domain.UserID]*peerLink
	pending    map[domain.UserID][]json.RawMessage
	suppressed map[domain.UserID]bool
	audio      bool
	closed     bool
	nextID     uint64
}

func NewManager(cfg Config, sig Signaler, factory LinkFactory) *Manager {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = 32
	}
	return &Manager{
		cfg:        cfg,
		sig:        sig,
		factory:    factory,
		now:        time.Now,
		after:      stdAfterFunc,
		desired:    make(map[domain.UserID]bool),
		links:      make(map[domain.UserID]*peerLink),
		pending:    make(map[domain.UserID][]json.RawMessage),
		suppressed: make(map[domain.UserID]bool),
		audio:      true,
	}
}

// IsInitiator reports whether self originates the offer for the pair.
func IsInitiator(self, peer domain.UserID) bool {
	return self.Less(peer)
}

// UpdatePresence reconciles links with a new presence set. Links to peers
// that left are closed before it returns.
func (m *Manager) UpdatePresence(ids []domain.UserID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	desired := make(map[domain.UserID]bool, len(ids))
	for _, id := range ids {
		if id != m.cfg.Self && id != "" {
			desired[id] = true
		}
	}
	m.desired = desired

	for peer := range m.suppressed {
		if !desired[peer] {
			delete(m.suppressed, peer)
		}
	}
	for peer := range m.pending {
		if !desired[peer] {
			delete(m.pending, peer)
		}
	}

	var closing []*peerLink
	for _, peer := range sortedKeys(m.links) {
		if !desired[peer] {
			closing = append(closing, m.detachLocked(peer, "left presence"))
		}
	}
	closing = append(closing, m.reconcileLocked()...)
	m.mu.Unlock()

	closeAll(closing)
}

// PeerJoined handles a participant_joined notice, which the hub sends
// before the matching presence_update. A notice for a peer that is already
// present means it came back from a new session, so whatever link it had
// belongs to the old one: it is dropped and the pair starts over.
func (m *Manager) PeerJoined(peer domain.UserID) {
	m.mu.Lock()
	if m.closed || peer == m.cfg.Self || !m.desired[peer] {
		m.mu.Unlock()
		return
	}
	delete(m.suppressed, peer)
	delete(m.pending, peer)
	closing := []*peerLink{m.detachLocked(peer, "peer rejoined")}
	closing = append(closing, m.reconcileLocked()...)
	m.mu.Unlock()

	closeAll(closing)
}

// reconcileLocked starts negotiation for every desired peer this side
// initiates for and has no link with.
func (m *Manager) reconcileLocked() []*peerLink {
	if !m.audio {
		return nil
	}
	var failed []*peerLink
	for _, peer := range sortedKeys(m.desired) {
		if _, ok := m.links[peer]; ok || m.suppressed[peer] || !IsInitiator(m.cfg.Self, peer) {
			continue
		}
		if pl := m.initiateLocked(peer); pl != nil {
			failed = append(failed, pl)
		}
	}
	return failed
}

// initiateLocked returns the link to close if negotiation could not start.
func (m *Manager) initiateLocked(peer domain.UserID) *peerLink {
	pl, err := m.newLinkLocked(peer, true)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("create link")
		return nil
	}
	offer, err := pl.link.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("create offer")
		return m.detachLocked(peer, "negotiation error")
	}
	m.send(protocol.TypeOffer, peer, offer)
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("offer sent")
	return nil
}

func (m *Manager) newLinkLocked(peer domain.UserID, initiator bool) (*peerLink, error) {
	m.nextID++
	id := m.nextID
	link, err := m.factory.NewLink(peer, LinkEvents{
		OnCandidate: func(c json.RawMessage) { m.onLocalCandidate(id, peer, c) },
		OnTransport: func(s TransportState) { m.onTransport(id, peer, s) },
	})
	if err != nil {
		return nil, err
	}
	pl := &peerLink{id: id, peer: peer, link: link, state: Negotiating, initiator: initiator}
	m.links[peer] = pl
	return pl, nil
}

// HandleSignal applies an offer, answer or ice_candidate relayed from peer.
func (m *Manager) HandleSignal(kind string, from domain.UserID, payload json.RawMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var (
		err     error
		closing *peerLink
	)
	switch kind {
	case protocol.TypeOffer:
		closing, err = m.handleOfferLocked(from, payload)
	case protocol.TypeAnswer:
		err = m.handleAnswerLocked(from, payload)
	case protocol.TypeICECandidate:
		err = m.handleCandidateLocked(from, payload)
	default:
		err = protocol.ErrUnknownType
	}
	m.mu.Unlock()

	if closing != nil {
		closeAll([]*peerLink{closing})
	}
	return err
}

func (m *Manager) handleOfferLocked(from domain.UserID, offer json.RawMessage) (*peerLink, error) {
	if !m.desired[from] {
		return nil, ErrUnknownPeer
	}
	if IsInitiator(m.cfg.Self, from) {
		log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("ignoring offer from passive peer")
		return nil, ErrNotInitiator
	}
	if !m.audio || m.suppressed[from] {
		return nil, nil
	}

	pl, ok := m.links[from]
	if !ok {
		var err error
		if pl, err = m.newLinkLocked(from, false); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("create link")
			return nil, err
		}
	} else {
		// Renegotiation on a live link, typically an ICE restart.
		pl.state = Negotiating
	}

	answer, err := pl.link.AcceptOffer(offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("accept offer")
		return m.detachLocked(from, "bad offer"), err
	}
	pl.remoteSet = true
	m.send(protocol.TypeAnswer, from, answer)
	m.flushLocked(pl)
	return nil, nil
}

func (m *Manager) handleAnswerLocked(from domain.UserID, answer json.RawMessage) error {
	pl, ok := m.links[from]
	if !ok || !pl.initiator || pl.state != Negotiating {
		log.Debug().Str("module", "mesh").Str("peer", string(from)).Msg("stale answer dropped")
		return ErrNoLink
	}
	if err := pl.link.AcceptAnswer(answer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("accept answer")
		return err
	}
	pl.remoteSet = true
	m.flushLocked(pl)
	return nil
}

func (m *Manager) handleCandidateLocked(from domain.UserID, c json.RawMessage) error {
	pl, ok := m.links[from]
	if ok && pl.remoteSet {
		if err := pl.link.AddCandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("add candidate")
		}
		return nil
	}
	if !m.desired[from] {
		return ErrUnknownPeer
	}
	buf := append(m.pending[from], c)
	if len(buf) > m.cfg.MaxPendingCandidates {
		buf = buf[len(buf)-m.cfg.MaxPendingCandidates:]
	}
	m.pending[from] = buf
	return nil
}

func (m *Manager) flushLocked(pl *peerLink) {
	buf := m.pending[pl.peer]
	delete(m.pending, pl.peer)
	for _, c := range buf {
		if err := pl.link.AddCandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(pl.peer)).Msg("add buffered candidate")
		}
	}
}

func (m *Manager) onLocalCandidate(id uint64, peer domain.UserID, c json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, ok := m.links[peer]; ok && pl.id == id && !m.closed {
		m.send(protocol.TypeICECandidate, peer, c)
	}
}

func (m *Manager) onTransport(id uint64, peer domain.UserID, s TransportState) {
	m.mu.Lock()
	pl, ok := m.links[peer]
	if !ok || pl.id != id || m.closed {
		m.mu.Unlock()
		return
	}
	var closing []*peerLink
	switch s {
	case TransportConnected:
		pl.state = Connected
		stopRecovery(pl)
		log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("link connected")
	case TransportDisconnected, TransportFailed:
		closing = m.failLocked(pl, s)
	case TransportConnecting, TransportClosed:
	}
	m.mu.Unlock()

	closeAll(closing)
}

// failLocked gives a link one in-place recovery. The initiator restarts
// ICE; the passive side waits for the restart offer. A failure reported
// while the link is still failed counts as the second one. Recovery that
// has not completed within FailureWindow drops the link.
func (m *Manager) failLocked(pl *peerLink, s TransportState) []*peerLink {
	now := m.now()
	if !pl.lastFailure.IsZero() && now.Sub(pl.lastFailure) <= m.cfg.FailureWindow {
		m.suppressed[pl.peer] = true
		log.Warn().Str("module", "mesh").Str("peer", string(pl.peer)).Msg("link failed twice, suppressed until peer rejoins")
		return []*peerLink{m.detachLocked(pl.peer, "repeated failure")}
	}
	if pl.state == Failed {
		// The earlier failure is outside the window and recovery never
		// happened: start over without suppressing the peer.
		closing := []*peerLink{m.detachLocked(pl.peer, "recovery stalled")}
		return append(closing, m.reconcileLocked()...)
	}
	pl.lastFailure = now
	pl.state = Failed
	log.Info().Str("module", "mesh").Str("peer", string(pl.peer)).Str("transport", s.String()).Msg("link failed, recovering")
	m.armRecoveryLocked(pl)

	if !pl.initiator {
		return nil
	}
	offer, err := pl.link.RestartICE()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(pl.peer)).Msg("ice restart")
		return []*peerLink{m.detachLocked(pl.peer, "restart failed")}
	}
	pl.state = Negotiating
	m.send(protocol.TypeOffer, pl.peer, offer)
	return nil
}

func (m *Manager) armRecoveryLocked(pl *peerLink) {
	stopRecovery(pl)
	id, peer := pl.id, pl.peer
	pl.stopRecovery = m.after(m.cfg.FailureWindow, func() { m.onRecoveryDeadline(id, peer) })
}

// onRecoveryDeadline drops a link that is still not connected after a
// failure. The peer is not suppressed; the initiator negotiates afresh.
func (m *Manager) onRecoveryDeadline(id uint64, peer domain.UserID) {
	m.mu.Lock()
	pl, ok := m.links[peer]
	if !ok || pl.id != id || m.closed || pl.state == Connected {
		m.mu.Unlock()
		return
	}
	pl.stopRecovery = nil
	closing := []*peerLink{m.detachLocked(peer, "recovery deadline")}
	closing = append(closing, m.reconcileLocked()...)
	m.mu.Unlock()

	closeAll(closing)
}

func stopRecovery(pl *peerLink) {
	if pl.stopRecovery != nil {
		pl.stopRecovery()
		pl.stopRecovery = nil
	}
}

// SetAudioEnabled turns the audio feature on or off. Disabling closes
// every link before returning.
func (m *Manager) SetAudioEnabled(on bool) {
	m.mu.Lock()
	if m.closed || m.audio == on {
		m.mu.Unlock()
		return
	}
	m.audio = on
	var closing []*peerLink
	if !on {
		closing = m.detachAllLocked("audio disabled")
	} else {
		closing = m.reconcileLocked()
	}
	m.mu.Unlock()

	closeAll(closing)
}

// Close tears every link down before returning. Later calls are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	closing := m.detachAllLocked("closed")
	m.desired = map[domain.UserID]bool{}
	clear(m.pending)
	m.mu.Unlock()

	closeAll(closing)
}

// State reports the link state for peer.
func (m *Manager) State(peer domain.UserID) LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, ok := m.links[peer]; ok {
		return pl.state
	}
	return Absent
}

// Links returns a snapshot of every active link's state.
func (m *Manager) Links() map[domain.UserID]LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]LinkState, len(m.links))
	for peer, pl := range m.links {
		out[peer] = pl.state
	}
	return out
}

func (m *Manager) Suppressed(peer domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed[peer]
}

func (m *Manager) send(kind string, to domain.UserID, payload json.RawMessage) {
	if err := m.sig.SendSignal(kind, to, payload); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(to)).Str("kind", kind).Msg("signal not sent")
	}
}

func (m *Manager) detachLocked(peer domain.UserID, reason string) *peerLink {
	pl, ok := m.links[peer]
	if !ok {
		return nil
	}
	delete(m.links, peer)
	delete(m.pending, peer)
	stopRecovery(pl)
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Str("reason", reason).Msg("link torn down")
	return pl
}

func (m *Manager) detachAllLocked(reason string) []*peerLink {
	var out []*peerLink
	for _, peer := range sortedKeys(m.links) {
		out = append(out, m.detachLocked(peer, reason))
	}
	return out
}

// closeAll runs outside the lock: closing a link may wait on its own
// callbacks, which take the lock.
func closeAll(links []*peerLink) {
	for _, pl := range links {
		if pl == nil {
			continue
		}
		if err := pl.link.Close(); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(pl.peer)).Msg("close link")
		}
	}
}

func sortedKeys[V any](m map[domain.UserID]V) []domain.UserID {
	keys := make([]domain.UserID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
