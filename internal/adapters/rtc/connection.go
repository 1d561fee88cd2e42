// Package rtc implements mesh links on top of pion PeerConnections.
package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/audio"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/mesh"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const eventQueue = 64

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Factory builds one PeerConnection per peer, each carrying an Opus track
// fed from the shared capture fan-out.
type Factory struct {
	Config webrtc.Configuration
	Fanout *audio.Fanout
	// OnRemoteTrack consumes a peer's audio. Nil discards it.
	OnRemoteTrack func(peer domain.UserID, track *webrtc.TrackRemote)
}

var _ mesh.LinkFactory = (*Factory)(nil)

func (f *Factory) NewLink(peer domain.UserID, ev mesh.LinkEvents) (mesh.Link, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		peer:   peer,
		fanout: f.Fanout,
		events: make(chan func(), eventQueue),
		done:   make(chan struct{}),
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "huddle",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	go drainRTCP(sender)
	if f.Fanout != nil {
		c.out = f.Fanout.AddOutput(peer, track)
	}

	c.start(ev, f.OnRemoteTrack)
	go c.dispatch()
	return c, nil
}

// WebRTCConnection is one mesh link. Pion callbacks are queued and replayed
// in order on a dedicated goroutine so they never run inside a pion call.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.UserID
	fanout *audio.Fanout
	out    *audio.Output

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (c *WebRTCConnection) start(ev mesh.LinkEvents, onTrack func(domain.UserID, *webrtc.TrackRemote)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
		if ev.OnTransport == nil {
			return
		}
		state, ok := transportState(s)
		if !ok {
			return
		}
		c.enqueue(func() { ev.OnTransport(state) })
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || ev.OnCandidate == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("marshal candidate")
			return
		}
		c.enqueue(func() { ev.OnCandidate(raw) })
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		if onTrack != nil {
			onTrack(c.peer, track)
			return
		}
		go drainTrack(track)
	})
}

func transportState(s webrtc.ICEConnectionState) (mesh.TransportState, bool) {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return mesh.TransportConnecting, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return mesh.TransportConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return mesh.TransportDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return mesh.TransportFailed, true
	case webrtc.ICEConnectionStateClosed:
		return mesh.TransportClosed, true
	default:
		return 0, false
	}
}

func (c *WebRTCConnection) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *WebRTCConnection) dispatch() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *WebRTCConnection) CreateOffer() (json.RawMessage, error) {
	return c.offer(nil)
}

func (c *WebRTCConnection) RestartICE() (json.RawMessage, error) {
	return c.offer(&webrtc.OfferOptions{ICERestart: true})
}

func (c *WebRTCConnection) offer(opts *webrtc.OfferOptions) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (c *WebRTCConnection) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	offer, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (c *WebRTCConnection) AcceptAnswer(raw json.RawMessage) error {
	answer, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddCandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.fanout != nil {
			c.fanout.RemoveOutput(c.peer, c.out)
		}
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
		}
	})
	return err
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("decode %s: %w", want, err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("expected %s description, got %s", want, sd.Type)
	}
	return sd, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
