package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

type fakeLink struct {
	peer       domain.UserID
	ev         LinkEvents
	seq        int
	offerErr   error
	restartErr error

	mu         sync.Mutex
	remote     []json.RawMessage
	candidates []json.RawMessage
	restarts   int
	closed     bool
}

func (l *fakeLink) CreateOffer() (json.RawMessage, error) {
	if l.offerErr != nil {
		return nil, l.offerErr
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"%s-%d"}`, l.peer, l.seq)), nil
}

func (l *fakeLink) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = append(l.remote, offer)
	return json.RawMessage(`{"type":"answer","sdp":"ok"}`), nil
}

func (l *fakeLink) AcceptAnswer(answer json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = append(l.remote, answer)
	return nil
}

func (l *fakeLink) AddCandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) RestartICE() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.restartErr != nil {
		return nil, l.restartErr
	}
	l.restarts++
	return json.RawMessage(`{"type":"offer","sdp":"restart"}`), nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	links      map[domain.UserID][]*fakeLink
	offerErr   error
	restartErr error
}

func (f *fakeFactory) NewLink(peer domain.UserID, ev LinkEvents) (Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.links == nil {
		f.links = map[domain.UserID][]*fakeLink{}
	}
	l := &fakeLink{peer: peer, ev: ev, seq: len(f.links[peer]) + 1, offerErr: f.offerErr, restartErr: f.restartErr}
	f.links[peer] = append(f.links[peer], l)
	return l, nil
}

func (f *fakeFactory) latest(t *testing.T, peer domain.UserID) *fakeLink {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.links[peer]
	if len(ls) == 0 {
		t.Fatalf("no link created for %s", peer)
	}
	return ls[len(ls)-1]
}

func (f *fakeFactory) count(peer domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[peer])
}

type sent struct {
	kind    string
	to      domain.UserID
	payload json.RawMessage
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSignaler) SendSignal(kind string, to domain.UserID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{kind, to, payload})
	return nil
}

func (s *fakeSignaler) ofKind(kind string) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireLatest runs the most recent timer as if its deadline passed, even if
// it was stopped, the way a racing time.AfterFunc could.
func (c *fakeClock) fireLatest(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	if len(c.timers) == 0 {
		c.mu.Unlock()
		t.Fatal("no timer armed")
	}
	tm := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	tm.f()
	return tm
}

func newTestManager(self domain.UserID) (*Manager, *fakeSignaler, *fakeFactory) {
	m, sig, fac, _ := newClockedManager(self)
	return m, sig, fac
}

func newClockedManager(self domain.UserID) (*Manager, *fakeSignaler, *fakeFactory, *fakeClock) {
	sig := &fakeSignaler{}
	fac := &fakeFactory{}
	clock := &fakeClock{}
	m := NewManager(Config{Self: self, FailureWindow: 30 * time.Second, MaxPendingCandidates: 4}, sig, fac)
	m.after = clock.after
	return m, sig, fac, clock
}

func ids(v ...string) []domain.UserID {
	out := make([]domain.UserID, len(v))
	for i, s := range v {
		out[i] = domain.UserID(s)
	}
	return out
}

func TestAloneCreatesNoLinks(t *testing.T) {
	m, sig, _ := newTestManager("A")
	m.UpdatePresence(ids("A"))
	if len(m.Links()) != 0 || len(sig.sent) != 0 {
		t.Fatal("a lone participant must not negotiate")
	}
}

func TestSmallerIDInitiates(t *testing.T) {
	m, sig, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))

	offers := sig.ofKind(protocol.TypeOffer)
	if len(offers) != 1 || offers[0].to != "B" {
		t.Fatalf("expected one offer to B, got %v", offers)
	}
	if m.State("B") != Negotiating || fac.count("B") != 1 {
		t.Fatalf("expected one negotiating link, state=%s links=%d", m.State("B"), fac.count("B"))
	}

	// Re-observing the same presence set is idempotent.
	m.UpdatePresence(ids("B", "A"))
	if len(sig.ofKind(protocol.TypeOffer)) != 1 || fac.count("B") != 1 {
		t.Fatal("repeated presence must not renegotiate")
	}
}

func TestLargerIDStaysPassive(t *testing.T) {
	m, sig, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))
	if len(sig.sent) != 0 || fac.count("A") != 0 {
		t.Fatal("passive side must not originate an offer")
	}
}

func TestPassiveAnswersOffer(t *testing.T) {
	m, sig, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))

	if err := m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"x"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	answers := sig.ofKind(protocol.TypeAnswer)
	if len(answers) != 1 || answers[0].to != "A" {
		t.Fatalf("expected answer to A, got %v", answers)
	}
	if m.State("A") != Negotiating || fac.count("A") != 1 {
		t.Fatal("expected passive link in negotiating")
	}

	fac.latest(t, "A").ev.OnTransport(TransportConnected)
	if m.State("A") != Connected {
		t.Fatalf("expected connected, got %s", m.State("A"))
	}
}

func TestInitiatorRejectsGlareOffer(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))

	err := m.HandleSignal(protocol.TypeOffer, "B", json.RawMessage(`{}`))
	if !errors.Is(err, ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator, got %v", err)
	}
	if fac.count("B") != 1 {
		t.Fatalf("glare offer must not create a second link, got %d", fac.count("B"))
	}
}

func TestOfferFromAbsentPeer(t *testing.T) {
	m, sig, _ := newTestManager("B")
	m.UpdatePresence(ids("B"))
	if err := m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if len(sig.sent) != 0 {
		t.Fatal("no answer for an absent peer")
	}
}

func TestAnswerCompletesInitiatorSide(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))

	if err := m.HandleSignal(protocol.TypeAnswer, "B", json.RawMessage(`{"sdp":"ans"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fac.latest(t, "B").remote) != 1 {
		t.Fatal("expected answer applied")
	}
	// A duplicate answer after connect is stale.
	fac.latest(t, "B").ev.OnTransport(TransportConnected)
	if err := m.HandleSignal(protocol.TypeAnswer, "B", json.RawMessage(`{}`)); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected stale answer to be dropped, got %v", err)
	}
}

func TestPeerLeavingTearsDownLink(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B", "C"))
	linkB := fac.latest(t, "B")
	linkC := fac.latest(t, "C")

	m.UpdatePresence(ids("A", "C"))

	if !linkB.isClosed() {
		t.Fatal("expected link to departed peer closed within the same cycle")
	}
	if m.State("B") != Absent {
		t.Fatalf("expected absent, got %s", m.State("B"))
	}
	if linkC.isClosed() || m.State("C") != Negotiating {
		t.Fatal("remaining peer must be untouched")
	}
}

func TestNegotiatingLinkClosedOnLeave(t *testing.T) {
	m, _, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")

	m.UpdatePresence(ids("B"))
	if !link.isClosed() {
		t.Fatal("negotiating link must be closed unconditionally")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, _, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))

	for i := range 6 {
		c := json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i))
		if err := m.HandleSignal(protocol.TypeICECandidate, "A", c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	link := fac.latest(t, "A")
	if len(link.candidates) != 4 {
		t.Fatalf("expected the newest 4 candidates flushed, got %d", len(link.candidates))
	}
	if string(link.candidates[0]) != `{"candidate":"c2"}` {
		t.Fatalf("expected oldest candidates evicted, got %s", link.candidates[0])
	}

	_ = m.HandleSignal(protocol.TypeICECandidate, "A", json.RawMessage(`{"candidate":"late"}`))
	if len(link.candidates) != 5 {
		t.Fatal("candidates after the offer apply directly")
	}
}

func TestInitiatorBuffersCandidatesBeforeAnswer(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")

	_ = m.HandleSignal(protocol.TypeICECandidate, "B", json.RawMessage(`{"candidate":"early"}`))
	if len(link.candidates) != 0 {
		t.Fatal("candidate must wait for the answer")
	}
	_ = m.HandleSignal(protocol.TypeAnswer, "B", json.RawMessage(`{}`))
	if len(link.candidates) != 1 {
		t.Fatal("expected buffered candidate flushed after answer")
	}
}

func TestCandidateFromUnknownPeerDropped(t *testing.T) {
	m, _, _ := newTestManager("A")
	m.UpdatePresence(ids("A"))
	if err := m.HandleSignal(protocol.TypeICECandidate, "Z", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) != 0 {
		t.Fatal("unknown peer candidates must not be buffered")
	}
}

func TestLocalCandidatesRelayedOnlyForLiveLink(t *testing.T) {
	m, sig, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))
	old := fac.latest(t, "B")
	old.ev.OnCandidate(json.RawMessage(`{"candidate":"x"}`))
	if len(sig.ofKind(protocol.TypeICECandidate)) != 1 {
		t.Fatal("expected local candidate relayed")
	}

	m.UpdatePresence(ids("A"))
	old.ev.OnCandidate(json.RawMessage(`{"candidate":"y"}`))
	old.ev.OnTransport(TransportFailed)
	if len(sig.ofKind(protocol.TypeICECandidate)) != 1 {
		t.Fatal("torn-down link must not emit signaling")
	}
}

func TestFailureRecoversOnceThenSuppresses(t *testing.T) {
	m, sig, fac := newTestManager("A")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")
	link.ev.OnTransport(TransportConnected)

	link.ev.OnTransport(TransportFailed)
	if link.restarts != 1 {
		t.Fatalf("expected one ICE restart, got %d", link.restarts)
	}
	if len(sig.ofKind(protocol.TypeOffer)) != 2 {
		t.Fatal("expected restart offer to be sent")
	}
	if m.State("B") != Negotiating {
		t.Fatalf("expected negotiating during recovery, got %s", m.State("B"))
	}

	now = now.Add(5 * time.Second)
	link.ev.OnTransport(TransportDisconnected)
	if !link.isClosed() || m.State("B") != Absent {
		t.Fatal("second failure inside the window must tear down")
	}
	if !m.Suppressed("B") {
		t.Fatal("expected peer suppressed")
	}

	m.UpdatePresence(ids("A", "B"))
	if fac.count("B") != 1 {
		t.Fatal("suppressed peer must not be retried while present")
	}

	m.UpdatePresence(ids("A"))
	m.UpdatePresence(ids("A", "B"))
	if fac.count("B") != 2 {
		t.Fatalf("expected retry after peer re-announced, got %d links", fac.count("B"))
	}
}

func TestFailuresOutsideWindowRecoverAgain(t *testing.T) {
	m, _, fac := newTestManager("A")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")
	link.ev.OnTransport(TransportFailed)
	link.ev.OnTransport(TransportConnected)

	now = now.Add(time.Minute)
	link.ev.OnTransport(TransportFailed)
	if link.isClosed() || link.restarts != 2 {
		t.Fatalf("expected a second recovery, closed=%v restarts=%d", link.isClosed(), link.restarts)
	}
}

func TestPassiveSideWaitsForRestartOffer(t *testing.T) {
	m, sig, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")
	link.ev.OnTransport(TransportConnected)

	link.ev.OnTransport(TransportFailed)
	if link.restarts != 0 || len(sig.ofKind(protocol.TypeOffer)) != 0 {
		t.Fatal("passive side must not restart ICE itself")
	}
	if m.State("A") != Failed {
		t.Fatalf("expected failed, got %s", m.State("A"))
	}

	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"restart"}`))
	if fac.count("A") != 1 || len(sig.ofKind(protocol.TypeAnswer)) != 2 {
		t.Fatal("restart offer must be answered on the same link")
	}
}

func TestPassiveRepeatedFailureInsideWindowSuppresses(t *testing.T) {
	m, _, fac := newTestManager("B")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")
	link.ev.OnTransport(TransportConnected)

	link.ev.OnTransport(TransportDisconnected)
	now = now.Add(5 * time.Second)
	link.ev.OnTransport(TransportFailed)
	if !link.isClosed() || m.State("A") != Absent {
		t.Fatalf("expected teardown, closed=%v state=%s", link.isClosed(), m.State("A"))
	}
	if !m.Suppressed("A") {
		t.Fatal("expected peer suppressed")
	}
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	if fac.count("A") != 1 {
		t.Fatal("offers from a suppressed peer must be dropped")
	}
}

func TestPassiveStalledFailureOutsideWindowStartsOver(t *testing.T) {
	m, sig, fac := newTestManager("B")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")
	link.ev.OnTransport(TransportConnected)

	link.ev.OnTransport(TransportFailed)
	now = now.Add(10 * time.Minute)
	link.ev.OnTransport(TransportFailed)
	m.UpdatePresence(ids("A", "B"))
	if !link.isClosed() || m.State("A") != Absent || len(m.Links()) != 0 {
		t.Fatalf("expected stalled link dropped, closed=%v links=%v", link.isClosed(), m.Links())
	}
	if m.Suppressed("A") {
		t.Fatal("a stale failure must not suppress")
	}

	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"fresh"}`))
	if fac.count("A") != 2 || len(sig.ofKind(protocol.TypeAnswer)) != 2 {
		t.Fatal("expected a fresh link for the next offer")
	}
}

func TestRecoveryDeadlineDropsPassiveLink(t *testing.T) {
	m, _, fac, clock := newClockedManager("B")
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")
	link.ev.OnTransport(TransportConnected)
	link.ev.OnTransport(TransportFailed)

	tm := clock.fireLatest(t)
	if tm.d != 30*time.Second {
		t.Fatalf("expected deadline of one failure window, got %s", tm.d)
	}
	if !link.isClosed() || m.State("A") != Absent {
		t.Fatal("expected link dropped when no restart offer arrived")
	}
	if m.Suppressed("A") {
		t.Fatal("deadline must not suppress")
	}
}

func TestRecoveryDeadlineRenegotiatesInitiator(t *testing.T) {
	m, sig, fac, clock := newClockedManager("A")
	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")
	link.ev.OnTransport(TransportConnected)
	link.ev.OnTransport(TransportFailed)

	clock.fireLatest(t)
	if !link.isClosed() || fac.count("B") != 2 {
		t.Fatalf("expected a new link, closed=%v links=%d", link.isClosed(), fac.count("B"))
	}
	if len(sig.ofKind(protocol.TypeOffer)) != 3 {
		t.Fatalf("expected first, restart and fresh offers, got %d", len(sig.ofKind(protocol.TypeOffer)))
	}
}

func TestReconnectCancelsRecoveryDeadline(t *testing.T) {
	m, _, fac, clock := newClockedManager("B")
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{}`))
	link := fac.latest(t, "A")
	link.ev.OnTransport(TransportFailed)
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"restart"}`))
	link.ev.OnTransport(TransportConnected)

	tm := clock.fireLatest(t)
	if !tm.stopped {
		t.Fatal("expected deadline stopped on reconnect")
	}
	if link.isClosed() || m.State("A") != Connected {
		t.Fatal("recovered link must survive a late deadline")
	}
}

func TestRestartErrorTearsDownWithoutSuppression(t *testing.T) {
	m, _, fac := newTestManager("A")
	fac.restartErr = errors.New("boom")
	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")

	link.ev.OnTransport(TransportFailed)
	if !link.isClosed() {
		t.Fatal("expected teardown after failed restart")
	}
	if m.Suppressed("B") {
		t.Fatal("a failed restart alone must not suppress")
	}
}

func TestOfferErrorLeavesNoLink(t *testing.T) {
	m, _, fac := newTestManager("A")
	fac.offerErr = errors.New("no media")
	m.UpdatePresence(ids("A", "B"))
	if m.State("B") != Absent || !fac.latest(t, "B").isClosed() {
		t.Fatal("failed negotiation must return to absent")
	}
}

func TestDisablingAudioClosesEveryLink(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B", "C"))

	m.SetAudioEnabled(false)
	if !fac.latest(t, "B").isClosed() || !fac.latest(t, "C").isClosed() {
		t.Fatal("expected all links closed")
	}
	m.UpdatePresence(ids("A", "B", "C", "D"))
	if len(m.Links()) != 0 {
		t.Fatal("no links while audio is disabled")
	}

	m.SetAudioEnabled(true)
	if len(m.Links()) != 3 {
		t.Fatalf("expected links recreated, got %v", m.Links())
	}
}

func TestCloseIsSynchronousAndFinal(t *testing.T) {
	m, sig, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")

	m.Close()
	if !link.isClosed() {
		t.Fatal("close must tear links down before returning")
	}
	before := len(sig.sent)
	m.UpdatePresence(ids("A", "B", "C"))
	link.ev.OnCandidate(json.RawMessage(`{}`))
	if err := m.HandleSignal(protocol.TypeOffer, "B", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(sig.sent) != before {
		t.Fatal("closed manager emitted signaling")
	}
}

func TestFirstJoinNoticeIsNotARejoin(t *testing.T) {
	m, sig, fac := newTestManager("A")
	m.UpdatePresence(ids("A"))
	m.PeerJoined("B")
	m.UpdatePresence(ids("A", "B"))
	if fac.count("B") != 1 || fac.latest(t, "B").isClosed() || len(sig.ofKind(protocol.TypeOffer)) != 1 {
		t.Fatal("a first join must negotiate exactly once")
	}
}

func TestRejoinedPeerGetsFreshLinkFromInitiator(t *testing.T) {
	m, sig, fac := newTestManager("A")
	m.PeerJoined("B")
	m.UpdatePresence(ids("A", "B"))
	old := fac.latest(t, "B")

	// B comes back from another session: presence is unchanged.
	m.PeerJoined("B")
	m.UpdatePresence(ids("A", "B"))
	if !old.isClosed() || fac.count("B") != 2 {
		t.Fatalf("expected old link closed and a new one, closed=%v links=%d", old.isClosed(), fac.count("B"))
	}
	if len(sig.ofKind(protocol.TypeOffer)) != 2 {
		t.Fatal("expected a fresh offer to the rejoined peer")
	}
}

func TestRejoinedInitiatorOfferUsesNewLink(t *testing.T) {
	m, _, fac := newTestManager("B")
	m.UpdatePresence(ids("A", "B"))
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"first"}`))
	old := fac.latest(t, "A")

	m.PeerJoined("A")
	m.UpdatePresence(ids("A", "B"))
	if !old.isClosed() || m.State("A") != Absent {
		t.Fatal("expected old link dropped on rejoin")
	}
	_ = m.HandleSignal(protocol.TypeOffer, "A", json.RawMessage(`{"sdp":"second"}`))
	if fac.count("A") != 2 || len(old.remote) != 1 {
		t.Fatal("new offer must land on a new link, not renegotiate the old one")
	}
}

func TestRejoinClearsSuppression(t *testing.T) {
	m, _, fac := newTestManager("A")
	m.UpdatePresence(ids("A", "B"))
	link := fac.latest(t, "B")
	link.ev.OnTransport(TransportFailed)
	link.ev.OnTransport(TransportFailed)
	if !m.Suppressed("B") {
		t.Fatal("expected suppressed")
	}
	m.PeerJoined("B")
	m.UpdatePresence(ids("A", "B"))
	if m.Suppressed("B") || fac.count("B") != 2 {
		t.Fatal("a new session of the peer must be negotiated")
	}
}

// hubSim relays signals between managers in FIFO order like the hub does.
type hubSim struct {
	queue []delivery
	peers map[domain.UserID]*Manager
}

type delivery struct {
	from, to domain.UserID
	kind     string
	payload  json.RawMessage
}

type simSignaler struct {
	self domain.UserID
	hub  *hubSim
}

func (s simSignaler) SendSignal(kind string, to domain.UserID, payload json.RawMessage) error {
	s.hub.queue = append(s.hub.queue, delivery{from: s.self, to: to, kind: kind, payload: payload})
	return nil
}

func (h *hubSim) drain(t *testing.T) {
	t.Helper()
	for len(h.queue) > 0 {
		d := h.queue[0]
		h.queue = h.queue[1:]
		if m, ok := h.peers[d.to]; ok {
			_ = m.HandleSignal(d.kind, d.from, d.payload)
		}
	}
}

func TestPairNegotiatesExactlyOnce(t *testing.T) {
	orders := [][]domain.UserID{{"A", "B"}, {"B", "A"}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			hub := &hubSim{peers: map[domain.UserID]*Manager{}}
			factories := map[domain.UserID]*fakeFactory{}
			for _, id := range ids("A", "B") {
				factories[id] = &fakeFactory{}
				hub.peers[id] = NewManager(Config{Self: id}, simSignaler{self: id, hub: hub}, factories[id])
			}
			for _, id := range order {
				hub.peers[id].UpdatePresence(ids("A", "B"))
			}
			hub.drain(t)

			if factories["A"].count("B") != 1 || factories["B"].count("A") != 1 {
				t.Fatalf("expected one link per side, got A:%d B:%d", factories["A"].count("B"), factories["B"].count("A"))
			}
			if n := len(factories["A"].latest(t, "B").remote); n != 1 {
				t.Fatalf("expected initiator to apply one answer, got %d", n)
			}
		})
	}
}

func TestRejoinedPeerNegotiatesOnceWithEachSide(t *testing.T) {
	for _, rejoiner := range ids("A", "B") {
		t.Run(string(rejoiner), func(t *testing.T) {
			hub := &hubSim{peers: map[domain.UserID]*Manager{}}
			factories := map[domain.UserID]*fakeFactory{}
			join := func(id domain.UserID) {
				factories[id] = &fakeFactory{}
				hub.peers[id] = NewManager(Config{Self: id}, simSignaler{self: id, hub: hub}, factories[id])
				// The hub sends participant_joined to the others first,
				// then presence_update to everyone.
				for other, m := range hub.peers {
					if other != id {
						m.PeerJoined(id)
					}
				}
				present := sortedKeys(hub.peers)
				for _, m := range hub.peers {
					m.UpdatePresence(present)
				}
				hub.drain(t)
			}
			join("A")
			join("B")

			stay := domain.UserID("A")
			if rejoiner == "A" {
				stay = "B"
			}
			hub.peers[rejoiner].Close()
			staleLink := factories[stay].latest(t, rejoiner)
			join(rejoiner)

			if !staleLink.isClosed() {
				t.Fatal("stale link kept after peer rejoined")
			}
			if n := factories[stay].count(rejoiner); n != 2 {
				t.Fatalf("%s->%s: expected 2 links over both sessions, got %d", stay, rejoiner, n)
			}
			if n := factories[rejoiner].count(stay); n != 1 {
				t.Fatalf("%s->%s: expected 1 link, got %d", rejoiner, stay, n)
			}
			fresh := factories[stay].latest(t, rejoiner)
			if len(fresh.remote) != 1 || len(staleLink.remote) != 1 {
				t.Fatalf("expected one description per link, fresh=%d stale=%d", len(fresh.remote), len(staleLink.remote))
			}
		})
	}
}

func TestMeshOfFourHasOneLinkPerPair(t *testing.T) {
	hub := &hubSim{peers: map[domain.UserID]*Manager{}}
	all := ids("D", "B", "C", "A")
	factories := map[domain.UserID]*fakeFactory{}
	for _, id := range all {
		factories[id] = &fakeFactory{}
		hub.peers[id] = NewManager(Config{Self: id}, simSignaler{self: id, hub: hub}, factories[id])
	}
	for _, id := range all {
		hub.peers[id].UpdatePresence(all)
	}
	hub.drain(t)

	offers := 0
	for _, id := range all {
		for _, peer := range all {
			if peer == id {
				continue
			}
			if n := factories[id].count(peer); n != 1 {
				t.Fatalf("%s->%s: expected 1 link, got %d", id, peer, n)
			}
			if IsInitiator(id, peer) {
				offers++
			}
		}
	}
	if offers != 6 {
		t.Fatalf("expected 6 initiated pairs, got %d", offers)
	}
}
