package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "huddle.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func TestCreateAndJoinRoom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := domain.ParseRoomCode(string(room.Code)); err != nil {
		t.Fatalf("generated invalid code %q", room.Code)
	}

	for _, u := range []domain.User{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}} {
		if err := s.EnsureUser(ctx, u); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
		if err := s.JoinRoom(ctx, room.Code, u.ID); err != nil {
			t.Fatalf("join room: %v", err)
		}
	}
	// Joining twice is not an error and does not duplicate membership.
	if err := s.JoinRoom(ctx, room.Code, "bob"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if err := s.EnsureUser(ctx, domain.User{ID: "bob", DisplayName: "Robert"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	members, err := s.ListMembers(ctx, room.Code)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
	if members[1].DisplayName != "Robert" {
		t.Fatalf("expected updated display name, got %q", members[1].DisplayName)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	s := openTestStore(t)
	err := s.JoinRoom(context.Background(), "ZZZZZZ", "alice")
	if !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestCreateRoomRetriesOnCollision(t *testing.T) {
	s := openTestStore(t)
	codes := []domain.RoomCode{"AAAAAA", "AAAAAA", "BBBBBB"}
	s.newCode = func() (domain.RoomCode, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	ctx := context.Background()
	first, err := s.CreateRoom(ctx, "alice")
	if err != nil || first.Code != "AAAAAA" {
		t.Fatalf("unexpected first room %v %v", first, err)
	}
	second, err := s.CreateRoom(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Code != "BBBBBB" {
		t.Fatalf("expected retry to pick BBBBBB, got %s", second.Code)
	}
}

func TestCreateRoomGivesUp(t *testing.T) {
	s := openTestStore(t)
	s.newCode = func() (domain.RoomCode, error) { return "AAAAAA", nil }
	ctx := context.Background()
	if _, err := s.CreateRoom(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.CreateRoom(ctx, "alice"); !errors.Is(err, ErrCodeExhausted) {
		t.Fatalf("expected ErrCodeExhausted, got %v", err)
	}
}

func TestHistoryIsOldestFirstAndLimited(t *testing.T) {
	s := openTestStore(t)
	s.now = fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	for i := range 5 {
		msg, err := s.AppendMessage(ctx, domain.ChatMessage{
			RoomCode: room.Code,
			UserID:   "alice",
			Content:  fmt.Sprintf("m%d", i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if msg.ID == "" || msg.CreatedAt.IsZero() || msg.Source != domain.SourceTyped {
			t.Fatalf("append did not fill server fields: %+v", msg)
		}
	}

	hist, err := s.FetchHistory(ctx, room.Code, 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"m2", "m3", "m4"}
	if len(hist) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(hist))
	}
	for i, m := range hist {
		if m.Content != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], m.Content)
		}
	}
}

func TestAppendToUnknownRoom(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(context.Background(), domain.ChatMessage{RoomCode: "QQQQQQ", UserID: "a", Content: "x"})
	if !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}
