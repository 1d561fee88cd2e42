// Package client is the participant side of a room: one WebSocket to the
// hub driving a mesh manager, a transcript engine and the capture device.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/audio"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/mesh"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/transcript"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure    = errors.New("client: send queue full")
	ErrClosed          = errors.New("client: closed")
	ErrSessionReplaced = errors.New("client: session replaced by another connection")
)

type Options struct {
	// BaseURL is the hub's http(s) address.
	BaseURL     string
	RoomCode    string
	UserID      domain.UserID
	DisplayName string
	Transcript  transcript.Config
	Mesh        mesh.Config
	SendBuffer  int
	WriteWait   time.Duration
}

// Event is a hub frame surfaced to the embedding application.
type Event struct {
	Type string
	Msg  any
}

type Client struct {
	opts    Options
	factory mesh.LinkFactory
	device  *audio.Device
	onEvent func(Event)

	Mesh   *mesh.Manager
	Engine *transcript.Engine

	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	closed  bool
	joined  bool
	session string

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// New wires a client. device may be nil, which behaves like a missing
// microphone: audio is disabled and chat still works.
func New(opts Options, factory mesh.LinkFactory, device *audio.Device, onEvent func(Event)) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	opts.Mesh.Self = opts.UserID
	c := &Client{
		opts:    opts,
		factory: factory,
		device:  device,
		onEvent: onEvent,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
	}
	c.Mesh = mesh.NewManager(opts.Mesh, c, factory)
	c.Engine = transcript.New(opts.Transcript, c)
	return c
}

// WebSocketURL maps the hub base URL onto its signaling endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/signal"
	return u.String(), nil
}

// Start dials the hub, acquires audio and sends join_room. Frames are
// processed on a background goroutine until Leave, Close or a hub error.
func (c *Client) Start(ctx context.Context) error {
	wsURL, err := WebSocketURL(c.opts.BaseURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	c.conn = conn

	c.enableAudio(ctx)

	go c.writePump()
	go c.readPump()

	return c.enqueue(protocol.JoinRoomMsg{
		Type:        protocol.TypeJoinRoom,
		RoomCode:    c.opts.RoomCode,
		UserID:      string(c.opts.UserID),
		DisplayName: c.opts.DisplayName,
	})
}

func (c *Client) enableAudio(ctx context.Context) {
	if c.device == nil {
		c.Mesh.SetAudioEnabled(false)
		c.onEvent(Event{Type: "media_unavailable", Msg: audio.ErrMediaUnavailable})
		return
	}
	if err := c.device.Acquire(ctx); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("audio disabled")
		c.Mesh.SetAudioEnabled(false)
		c.onEvent(Event{Type: "media_unavailable", Msg: err})
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is why the connection ended; nil after a normal Leave.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) Joined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joined
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Chat sends typed text as a chat message.
func (c *Client) Chat(text string) error {
	return c.enqueue(protocol.ChatMsg{
		Type:     protocol.TypeChatMessage,
		RoomCode: c.opts.RoomCode,
		Content:  text,
		Source:   string(domain.SourceTyped),
	})
}

// SetAudio turns local audio on or off for the whole mesh.
func (c *Client) SetAudio(ctx context.Context, on bool) error {
	if !on {
		c.Mesh.SetAudioEnabled(false)
		if c.device != nil {
			c.device.Release()
		}
		return nil
	}
	if c.device == nil {
		return audio.ErrMediaUnavailable
	}
	if err := c.device.Acquire(ctx); err != nil {
		return err
	}
	c.Mesh.SetAudioEnabled(true)
	return nil
}

// MutePeer stops (or resumes) sending local audio to one peer while the
// rest of the mesh keeps hearing it. It reports false when no audio goes
// to that peer.
func (c *Client) MutePeer(peer domain.UserID, muted bool) bool {
	if c.device == nil {
		return false
	}
	return c.device.Fanout().SetMuted(peer, muted)
}

// Leave tears every link down and silences the transcript engine before
// leave_room goes out, then closes the connection.
func (c *Client) Leave() {
	c.Mesh.Close()
	c.Engine.Close()
	if c.device != nil {
		c.device.Release()
	}
	_ = c.enqueue(protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomCode: c.opts.RoomCode, UserID: string(c.opts.UserID)})
	c.stop(nil)
}

// SendSignal implements mesh.Signaler.
func (c *Client) SendSignal(kind string, to domain.UserID, payload json.RawMessage) error {
	return c.enqueue(protocol.SignalMsg{Type: kind, TargetUserID: string(to), Payload: payload})
}

// PublishSubtitle implements transcript.Publisher.
func (c *Client) PublishSubtitle(text string) error {
	return c.enqueue(protocol.SubtitleMsg{Type: protocol.TypeSubtitle, RoomCode: c.opts.RoomCode, Text: text})
}

// PromoteMessage implements transcript.Publisher.
func (c *Client) PromoteMessage(text string) error {
	return c.enqueue(protocol.ChatMsg{
		Type:     protocol.TypeChatMessage,
		RoomCode: c.opts.RoomCode,
		Content:  text,
		Source:   string(domain.SourceSpeech),
	})
}

// enqueue never blocks; it is called with the mesh and transcript locks held.
func (c *Client) enqueue(msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) stop(err error) {
	c.stopOnce.Do(func() {
		c.Mesh.Close()
		c.Engine.Close()
		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
		close(c.done)
	}()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("write error")
			c.stop(err)
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				log.Warn().Err(err).Str("module", "client").Msg("read error")
				c.stop(err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	typ, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("ignoring frame")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinedMsg:
		c.mu.Lock()
		c.joined, c.session = true, m.SessionID
		c.mu.Unlock()
	case protocol.PresenceUpdateMsg:
		peers := make([]domain.UserID, len(m.UserIDs))
		for i, id := range m.UserIDs {
			peers[i] = domain.UserID(id)
		}
		c.Mesh.UpdatePresence(peers)
	case protocol.ParticipantJoinedMsg:
		c.Mesh.PeerJoined(m.Participant.ID)
	case protocol.SignalMsg:
		if err := c.Mesh.HandleSignal(typ, domain.UserID(m.FromUserID), m.Payload); err != nil {
			log.Debug().Err(err).Str("module", "client").Str("kind", typ).Str("peer", m.FromUserID).Msg("signal ignored")
		}
	case protocol.SessionReplacedMsg:
		c.onEvent(Event{Type: typ, Msg: m})
		c.stop(ErrSessionReplaced)
		return
	}
	c.onEvent(Event{Type: typ, Msg: msg})
}

// HubConfig is what GET /api/config serves.
type HubConfig struct {
	Transcript struct {
		Debounce  time.Duration `json:"debounce"`
		MinLength int           `json:"minLength"`
	} `json:"transcript"`
	Mesh struct {
		FailureWindow time.Duration `json:"failureWindow"`
	} `json:"mesh"`
	ICEServers []string `json:"iceServers"`
}

// FetchConfig reads the hub's client policy.
func FetchConfig(ctx context.Context, base string) (HubConfig, error) {
	var out HubConfig
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/api/config", http.NoBody)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("fetch config: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("fetch config: %w", err)
	}
	return out, nil
}
