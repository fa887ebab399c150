package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/modelgate-io/modelgate/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Upsert inserts or refreshes the persistent record for an agent. On conflict
// with an existing id only name and last_seen are updated, so first_seen
// keeps the timestamp of the very first connection.
func (r *gormAgentRepository) Upsert(ctx context.Context, id, name string, seenAt time.Time) error {
	agent := &db.Agent{
		ID:        id,
		Name:      name,
		FirstSeen: seenAt,
		LastSeen:  seenAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "last_seen"}),
		}).
		Create(agent).Error
	if err != nil {
		return fmt.Errorf("agents: upsert: %w", err)
	}
	return nil
}

// TouchLastSeen updates only the last_seen column. Called periodically for
// connected agents — a single-column update keeps write amplification low.
func (r *gormAgentRepository) TouchLastSeen(ctx context.Context, id string, seenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_seen", seenAt)
	if result.Error != nil {
		return fmt.Errorf("agents: touch last seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves an agent record by its id.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// List returns all known agents ordered by first_seen.
func (r *gormAgentRepository) List(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Order("first_seen ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}
