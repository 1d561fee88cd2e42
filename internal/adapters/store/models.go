package store

import "time"

type userRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:64;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (userRow) TableName() string { return "users" }

type roomRow struct {
	Code      string `gorm:"primaryKey;size:6"`
	CreatedBy string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

func (roomRow) TableName() string { return "rooms" }

type memberRow struct {
	RoomCode string `gorm:"primaryKey;size:6"`
	UserID   string `gorm:"primaryKey;size:64"`
	JoinedAt time.Time
}

func (memberRow) TableName() string { return "room_members" }

type messageRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RoomCode  string    `gorm:"size:6;not null;index:idx_messages_room_created,priority:1"`
	UserID    string    `gorm:"size:64;not null"`
	Content   string    `gorm:"not null"`
	Source    string    `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_messages_room_created,priority:2"`
}

func (messageRow) TableName() string { return "messages" }
