package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/modelgate-io/modelgate/internal/db"
)

// gormMappingRepository is the GORM implementation of MappingRepository.
type gormMappingRepository struct {
	db *gorm.DB
}

// NewMappingRepository returns a MappingRepository backed by the provided *gorm.DB.
func NewMappingRepository(db *gorm.DB) MappingRepository {
	return &gormMappingRepository{db: db}
}

// Create inserts a new model mapping. Unique-constraint violations on either
// name column are reported as ErrConflict.
func (r *gormMappingRepository) Create(ctx context.Context, mapping *db.ModelMapping) error {
	if err := r.db.WithContext(ctx).Create(mapping).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("mappings: create: %w", err)
	}
	return nil
}

// DeleteByPublicName removes the mapping registered under publicName.
func (r *gormMappingRepository) DeleteByPublicName(ctx context.Context, publicName string) error {
	result := r.db.WithContext(ctx).
		Delete(&db.ModelMapping{}, "public_name = ?", publicName)
	if result.Error != nil {
		return fmt.Errorf("mappings: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all mappings ordered by creation time.
func (r *gormMappingRepository) List(ctx context.Context) ([]db.ModelMapping, error) {
	var mappings []db.ModelMapping
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("mappings: list: %w", err)
	}
	return mappings, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation.
// GORM normalizes this as ErrDuplicatedKey for most dialects; the SQLite
// driver surfaces the raw constraint message instead, so both are checked.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
