// Package protocol defines the WebSocket events exchanged between browsers
// (or the participant CLI) and the hub. Every frame is a JSON object with a
// "type" discriminator; the remaining fields depend on the type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

// ---------------------------------------------------------------------------
// Event types
// ---------------------------------------------------------------------------

// Client -> hub.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeChatHistory = "chat_history" // also hub -> client reply
	TypePing        = "ping"
)

// Client -> hub -> targeted client.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
)

// Client -> hub -> room.
const (
	TypeChatMessage = "chat_message"
	TypeSubtitle    = "subtitle"
)

// Hub -> client.
const (
	TypeJoined            = "joined"
	TypeLeft              = "left"
	TypePresenceUpdate    = "presence_update"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeSessionReplaced   = "session_replaced"
	TypePong              = "pong"
	TypeError             = "error"
)

// Error codes carried by ErrorMsg.
const (
	ErrCodeBadPayload     = "bad_payload"
	ErrCodeRoomNotFound   = "room_not_found"
	ErrCodeNotJoined      = "not_joined"
	ErrCodeInvalidMessage = "invalid_message"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal"
	ErrCodeUnknownType    = "unknown_type"
)

var ErrUnknownType = errors.New("protocol: unknown message type")

// IsSignalType reports whether t is one of the call-setup relay events.
func IsSignalType(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the type discriminator and the raw frame for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> hub
// ---------------------------------------------------------------------------

type JoinRoomMsg struct {
	Type        string `json:"type"`
	RoomCode    string `json:"roomCode"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type LeaveRoomMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// SignalMsg travels client -> hub with TargetUserID set and hub -> client
// with FromUserID set. Payload is opaque and forwarded untouched.
type SignalMsg struct {
	Type         string          `json:"type"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type ChatMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode,omitempty"`
	Content  string `json:"content"`
	Source   string `json:"source,omitempty"`
}

// SubtitleMsg carries ephemeral speech text. Empty Text clears the
// speaker's subtitle.
type SubtitleMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Text     string `json:"text"`
}

type HistoryRequestMsg struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Hub -> client
// ---------------------------------------------------------------------------

type JoinedMsg struct {
	Type      string `json:"type"`
	RoomCode  string `json:"roomCode"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type LeftMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode,omitempty"`
}

// PresenceUpdateMsg is the authoritative online set, sorted.
type PresenceUpdateMsg struct {
	Type     string   `json:"type"`
	RoomCode string   `json:"roomCode"`
	UserIDs  []string `json:"userIds"`
}

type ParticipantJoinedMsg struct {
	Type        string      `json:"type"`
	RoomCode    string      `json:"roomCode"`
	Participant domain.User `json:"participant"`
}

type ParticipantLeftMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

// ChatMessageMsg echoes a persisted message with its server timestamp.
type ChatMessageMsg struct {
	Type string `json:"type"`
	domain.ChatMessage
}

type ChatHistoryMsg struct {
	Type     string               `json:"type"`
	RoomCode string               `json:"roomCode"`
	Messages []domain.ChatMessage `json:"messages"`
}

type SessionReplacedMsg struct {
	Type string `json:"type"`
}

type PongMsg struct {
	Type string `json:"type"`
}

type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a frame sent by a client into its typed struct.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubtitle:
		var m SubtitleMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatHistory:
		var m HistoryRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage decodes a frame sent by the hub into its typed struct.
func ParseServerMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeJoined:
		var m JoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeft:
		var m LeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceUpdate:
		var m PresenceUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeParticipantJoined:
		var m ParticipantJoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeParticipantLeft:
		var m ParticipantLeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubtitle:
		var m SubtitleMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatHistory:
		var m ChatHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSessionReplaced:
		var m SessionReplacedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode marshals one of the message structs. The caller sets Type.
// Text is not HTML-escaped.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeSignal builds the hub -> client signaling frame with payload copied
// byte for byte.
func EncodeSignal(kind, from string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("protocol: invalid %q payload", kind)
	}
	head, err := Encode(SignalMsg{Type: kind, FromUserID: from})
	if err != nil {
		return nil, err
	}
	// head ends with `"payload":null}`; swap the null for the raw bytes.
	head = bytes.TrimSuffix(head, []byte("null}"))
	out := make([]byte, 0, len(head)+len(payload)+1)
	out = append(out, head...)
	out = append(out, payload...)
	return append(out, '}'), nil
}

// NewError builds an encoded error frame; it cannot fail.
func NewError(code string) []byte {
	out, _ := json.Marshal(ErrorMsg{Type: TypeError, Error: code})
	return out
}
