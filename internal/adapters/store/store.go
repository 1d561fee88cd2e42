// Package store is the persistence collaborator behind core.RoomStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const createRoomAttempts = 8

var ErrCodeExhausted = errors.New("store: could not allocate a free room code")

type Store struct {
	db      *gorm.DB
	now     func() time.Time
	newCode func() (domain.RoomCode, error)
}

var _ core.RoomStore = (*Store)(nil)

// OpenSQLite opens the database at path and migrates the schema.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "store").Str("path", path).Msg("database initialized")
	return s, nil
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database connection required")
	}
	if err := db.AutoMigrate(&userRow{}, &roomRow{}, &memberRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now, newCode: domain.NewRoomCode}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRoom allocates a fresh code, retrying on collision.
func (s *Store) CreateRoom(ctx context.Context, creator domain.UserID) (domain.Room, error) {
	for range createRoomAttempts {
		code, err := s.newCode()
		if err != nil {
			return domain.Room{}, err
		}
		row := roomRow{Code: string(code), CreatedBy: string(creator), CreatedAt: s.now().UTC()}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return domain.Room{}, fmt.Errorf("create room: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			log.Debug().Str("module", "store").Str("room", string(code)).Msg("room code collision")
			continue
		}
		return domain.Room{Code: code, CreatedBy: creator}, nil
	}
	return domain.Room{}, ErrCodeExhausted
}

// EnsureUser inserts the user or refreshes its display name.
func (s *Store) EnsureUser(ctx context.Context, user domain.User) error {
	row := userRow{ID: string(user.ID), DisplayName: user.DisplayName}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Store) JoinRoom(ctx context.Context, code domain.RoomCode, userID domain.UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room roomRow
		if err := tx.Where("code = ?", string(code)).First(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrRoomNotFound
			}
			return err
		}
		row := memberRow{RoomCode: room.Code, UserID: string(userID), JoinedAt: s.now().UTC()}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

// ListMembers returns every user who ever joined the room, in join order.
func (s *Store) ListMembers(ctx context.Context, code domain.RoomCode) ([]domain.User, error) {
	if err := s.roomExists(ctx, code); err != nil {
		return nil, err
	}
	var rows []userRow
	err := s.db.WithContext(ctx).
		Table("room_members").
		Select("users.id, users.display_name").
		Joins("JOIN users ON users.id = room_members.user_id").
		Where("room_members.room_code = ?", string(code)).
		Order("room_members.joined_at, users.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	out := make([]domain.User, len(rows))
	for i, r := range rows {
		out[i] = domain.User{ID: domain.UserID(r.ID), DisplayName: r.DisplayName}
	}
	return out, nil
}

// AppendMessage stores msg and returns it with its id and server timestamp.
func (s *Store) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := s.roomExists(ctx, msg.RoomCode); err != nil {
		return domain.ChatMessage{}, err
	}
	if msg.Source == "" {
		msg.Source = domain.SourceTyped
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().UTC()
	row := messageRow{
		ID:        msg.ID,
		RoomCode:  string(msg.RoomCode),
		UserID:    string(msg.UserID),
		Content:   msg.Content,
		Source:    string(msg.Source),
		CreatedAt: msg.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// FetchHistory returns the last limit messages of the room, oldest first.
func (s *Store) FetchHistory(ctx context.Context, code domain.RoomCode, limit int) ([]domain.ChatMessage, error) {
	if err := s.roomExists(ctx, code); err != nil {
		return nil, err
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("room_code = ?", string(code)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	out := make([]domain.ChatMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = domain.ChatMessage{
			ID:        r.ID,
			RoomCode:  domain.RoomCode(r.RoomCode),
			UserID:    domain.UserID(r.UserID),
			Content:   r.Content,
			Source:    domain.MessageSource(r.Source),
			CreatedAt: r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

func (s *Store) roomExists(ctx context.Context, code domain.RoomCode) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&roomRow{}).Where("code = ?", string(code)).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return core.ErrRoomNotFound
	}
	return nil
}
