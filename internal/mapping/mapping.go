// Package mapping translates externally visible model names into the internal
// model filenames agents know, and back. Mappings are persisted through
// MappingRepository and mirrored in an in-memory cache so the hot lookup path
// (one translation per inference request) never touches the database.
package mapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/db"
	"github.com/modelgate-io/modelgate/internal/repositories"
)

// Service is the cached name-mapping service. Safe for concurrent use.
// The zero value is not usable — create instances with New.
type Service struct {
	mu          sync.RWMutex
	publicToInt map[string]string
	intToPublic map[string]string

	repo   repositories.MappingRepository
	logger *zap.Logger
}

// New creates the service and warms the cache from the database.
func New(ctx context.Context, repo repositories.MappingRepository, logger *zap.Logger) (*Service, error) {
	s := &Service{
		repo:   repo,
		logger: logger.Named("mapping"),
	}
	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("mapping: initial cache load: %w", err)
	}
	return s, nil
}

// PublicToInternal resolves a public model name to its internal filename.
// Unmapped names are returned unchanged — the identity fallback lets clients
// address models by their internal name directly, which keeps ad-hoc testing
// possible without configuring a mapping first.
func (s *Service) PublicToInternal(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if internal, ok := s.publicToInt[name]; ok {
		return internal
	}
	return name
}

// InternalToPublic resolves an internal filename to its public name, with the
// same identity fallback as PublicToInternal.
func (s *Service) InternalToPublic(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if public, ok := s.intToPublic[name]; ok {
		return public
	}
	return name
}

// Add persists a new mapping and refreshes the cache.
func (s *Service) Add(ctx context.Context, internalName, publicName string) (*db.ModelMapping, error) {
	m := &db.ModelMapping{
		InternalName: internalName,
		PublicName:   publicName,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("model mapping added",
		zap.String("public_name", publicName),
		zap.String("internal_name", internalName),
	)
	return m, nil
}

// Remove deletes the mapping for a public name and refreshes the cache.
func (s *Service) Remove(ctx context.Context, publicName string) error {
	if err := s.repo.DeleteByPublicName(ctx, publicName); err != nil {
		return err
	}
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.logger.Info("model mapping removed", zap.String("public_name", publicName))
	return nil
}

// List returns all persisted mappings.
func (s *Service) List(ctx context.Context) ([]db.ModelMapping, error) {
	return s.repo.List(ctx)
}

// refresh rebuilds both cache directions from the database and swaps them in
// atomically, so concurrent readers always see a consistent pair.
func (s *Service) refresh(ctx context.Context) error {
	mappings, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	publicToInt := make(map[string]string, len(mappings))
	intToPublic := make(map[string]string, len(mappings))
	for _, m := range mappings {
		publicToInt[m.PublicName] = m.InternalName
		intToPublic[m.InternalName] = m.PublicName
	}

	s.mu.Lock()
	s.publicToInt = publicToInt
	s.intToPublic = intToPublic
	s.mu.Unlock()
	return nil
}
