package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agent is the persistent record of an agent that has connected at least once.
// The primary key is the agent-supplied id from the WebSocket handshake, not a
// server-generated UUID: agents keep their identity across reconnects and the
// live connection state lives in the in-memory registry, never here.
type Agent struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	FirstSeen time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"not null;index"`
}

// ModelMapping translates an externally visible model name to the internal
// model filename agents know. Both names are unique: a public name resolves
// to exactly one file and a file is exposed under at most one public name,
// which keeps the translation invertible in both directions.
type ModelMapping struct {
	ID           uuid.UUID `gorm:"type:text;primaryKey"`
	InternalName string    `gorm:"uniqueIndex;not null"`
	PublicName   string    `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// BeforeCreate assigns a time-ordered UUID v7 if the ID is not already set.
func (m *ModelMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id
	}
	return nil
}
