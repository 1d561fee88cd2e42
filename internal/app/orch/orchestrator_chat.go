package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Chat appends a message through the store and echoes the stored copy,
// with its server timestamp, to the whole room including the sender.
func (o *Orchestrator) Chat(ctx context.Context, sid core.SessionID, content string, source domain.MessageSource) (domain.ChatMessage, error) {
	room, user, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ChatMessage{}, ErrNotJoined
	}
	content, err := domain.NormalizeContent(content, o.Opts.MaxMessageLen)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	msg, err := o.Store.AppendMessage(ctx, domain.ChatMessage{
		RoomCode: room,
		UserID:   user,
		Content:  content,
		Source:   source,
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	metrics.ChatMessagesTotal.WithLabelValues(string(msg.Source)).Inc()

	o.Broadcast.Broadcast(room, protocol.ChatMessageMsg{Type: protocol.TypeChatMessage, ChatMessage: msg}, "")
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room)).Str("source", string(msg.Source)).Msg("chat message")
	return msg, nil
}

// Subtitle relays ephemeral speech text to the rest of the room. Nothing is
// persisted. Empty text clears the speaker's subtitle.
func (o *Orchestrator) Subtitle(sid core.SessionID, text string) error {
	room, user, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotJoined
	}
	if r := []rune(text); len(r) > o.Opts.MaxMessageLen {
		text = string(r[:o.Opts.MaxMessageLen])
	}
	o.Broadcast.Broadcast(room, protocol.SubtitleMsg{
		Type:     protocol.TypeSubtitle,
		RoomCode: string(room),
		UserID:   string(user),
		Text:     text,
	}, sid)
	return nil
}

// History unicasts the room's recent messages to the requester only.
func (o *Orchestrator) History(ctx context.Context, sid core.SessionID, limit int) error {
	room, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotJoined
	}
	if limit <= 0 || limit > o.Opts.HistoryLimit {
		limit = o.Opts.HistoryLimit
	}
	msgs, err := o.Store.FetchHistory(ctx, room, limit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return o.Broadcast.Unicast(sid, protocol.ChatHistoryMsg{
		Type:     protocol.TypeChatHistory,
		RoomCode: string(room),
		Messages: msgs,
	})
}
