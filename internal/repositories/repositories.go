// Package repositories defines the persistence interfaces of the gateway and
// their GORM implementations. Handlers and services depend on the interfaces
// only, so tests can substitute fakes without a database.
package repositories

import (
	"context"
	"time"

	"github.com/modelgate-io/modelgate/internal/db"
)

// AgentRepository persists the durable part of the agent registry: which
// agents have ever connected and when they were last seen. The live
// connection state (installed/loaded models, pending counters) is in-memory
// only and owned by the registry package.
type AgentRepository interface {
	// Upsert inserts the agent on first connect or updates name and
	// last_seen on reconnect, preserving first_seen.
	Upsert(ctx context.Context, id, name string, seenAt time.Time) error

	// TouchLastSeen bumps last_seen for a connected agent.
	TouchLastSeen(ctx context.Context, id string, seenAt time.Time) error

	GetByID(ctx context.Context, id string) (*db.Agent, error)
	List(ctx context.Context) ([]db.Agent, error)
}

// MappingRepository persists public-to-internal model name mappings.
type MappingRepository interface {
	// Create inserts a new mapping. Returns ErrConflict when either name
	// is already mapped.
	Create(ctx context.Context, mapping *db.ModelMapping) error

	// DeleteByPublicName removes the mapping for a public name.
	// Returns ErrNotFound when no such mapping exists.
	DeleteByPublicName(ctx context.Context, publicName string) error

	List(ctx context.Context) ([]db.ModelMapping, error)
}
