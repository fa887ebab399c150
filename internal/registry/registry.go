// Package registry maintains the in-memory table of connected agents.
//
// When an agent completes the WebSocket handshake the transport layer
// registers it here. The dispatcher uses this registry to pick an agent per
// inference request, to track per-agent load, and to recover the owning agent
// of an in-flight request when its terminal event arrives.
//
// Connection state is intentionally non-persistent: if the gateway restarts,
// agents reconnect and re-register automatically. Only the first_seen /
// last_seen bookkeeping survives restarts, via AgentRepository.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/metrics"
	"github.com/modelgate-io/modelgate/internal/repositories"
)

// ErrAlreadyRegistered is returned by Register when an agent with the same id
// is already in the connected set. The transport rejects duplicate handshakes
// before registration, so hitting this indicates a race between a disconnect
// and an immediate reconnect.
var ErrAlreadyRegistered = fmt.Errorf("registry: agent id already connected")

// agent is the internal mutable record for one connected agent.
type agent struct {
	id          string
	name        string
	installed   map[string]struct{}
	loaded      map[string]struct{}
	pending     int
	connectedAt time.Time
}

// Snapshot is an immutable copy of one agent's state, taken under the
// registry lock. The model sets are copies — mutating them does not affect
// the registry.
type Snapshot struct {
	ID          string
	Name        string
	Installed   map[string]struct{}
	Loaded      map[string]struct{}
	Pending     int
	ConnectedAt time.Time
}

// InstalledList returns the installed model names sorted for stable output.
func (s Snapshot) InstalledList() []string { return sortedKeys(s.Installed) }

// LoadedList returns the loaded model names sorted for stable output.
func (s Snapshot) LoadedList() []string { return sortedKeys(s.Loaded) }

// Registry is the in-memory registry of currently connected agents plus the
// request-to-agent binding table used by brokers. It is safe for concurrent
// use; every exported method is one atomic critical section.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]*agent
	requestToAgent map[string]string // call_id → agent id

	repo   repositories.AgentRepository
	logger *zap.Logger
}

// New creates a new Registry. repo may be nil in tests to skip persistence.
func New(repo repositories.AgentRepository, logger *zap.Logger) *Registry {
	return &Registry{
		agents:         make(map[string]*agent),
		requestToAgent: make(map[string]string),
		repo:           repo,
		logger:         logger.Named("registry"),
	}
}

// Register inserts a newly connected agent with its advertised installed
// models. Fails with ErrAlreadyRegistered if the id is taken. On success the
// persistent agent record is upserted; persistence failures are logged but do
// not fail the registration, since dispatch only needs the in-memory state.
func (r *Registry) Register(ctx context.Context, id, name string, installedModels []string) error {
	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}

	a := &agent{
		id:          id,
		name:        name,
		installed:   make(map[string]struct{}, len(installedModels)),
		loaded:      make(map[string]struct{}),
		connectedAt: time.Now().UTC(),
	}
	for _, m := range installedModels {
		a.installed[m] = struct{}{}
	}
	r.agents[id] = a
	total := len(r.agents)
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(total))

	if r.repo != nil {
		if err := r.repo.Upsert(ctx, id, name, time.Now().UTC()); err != nil {
			r.logger.Error("failed to persist agent record",
				zap.String("agent_id", id),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("agent connected",
		zap.String("agent_id", id),
		zap.String("name", name),
		zap.Int("installed_models", len(installedModels)),
		zap.Int("total_connected", total),
	)
	return nil
}

// Remove deletes an agent from the connected set and unbinds every request
// bound to it. It returns the call ids that were bound so the dispatcher can
// fail their brokers. The agent's pending counter dies with the entry, which
// is what zeroes it for disconnected agents.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	a, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	delete(r.agents, id)

	var bound []string
	for callID, agentID := range r.requestToAgent {
		if agentID == id {
			bound = append(bound, callID)
			delete(r.requestToAgent, callID)
		}
	}
	total := len(r.agents)
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(total))

	r.logger.Info("agent disconnected",
		zap.String("agent_id", id),
		zap.String("name", a.name),
		zap.Duration("session_duration", time.Since(a.connectedAt)),
		zap.Int("inflight_requests", len(bound)),
		zap.Int("total_connected", total),
	)
	return bound
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.agents[id]
	if !exists {
		return Snapshot{}, false
	}
	return r.snapshotLocked(a), true
}

// List returns a snapshot of all connected agents, sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Snapshot, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, r.snapshotLocked(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of currently connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ConnectedIDs returns the ids of all connected agents. Used by the janitor
// to flush last_seen timestamps without copying full snapshots.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetInstalled replaces an agent's installed model set.
func (r *Registry) SetInstalled(id string, models []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return
	}
	a.installed = make(map[string]struct{}, len(models))
	for _, m := range models {
		a.installed[m] = struct{}{}
	}
}

// AddLoaded records that a model is now resident in the agent's memory.
// A loaded model that was never reported as installed is silently added to
// the installed set as well: the startModel reply can race ahead of the
// installed-models report, and loaded ⊆ installed must hold afterwards.
func (r *Registry) AddLoaded(id, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return
	}
	a.loaded[model] = struct{}{}
	a.installed[model] = struct{}{}
}

// RemoveLoaded records that a model was evicted from the agent's memory.
func (r *Registry) RemoveLoaded(id, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, exists := r.agents[id]; exists {
		delete(a.loaded, model)
	}
}

// IncrementPending bumps the agent's in-flight dispatch counter.
func (r *Registry) IncrementPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, exists := r.agents[id]; exists {
		a.pending++
	}
}

// DecrementPending lowers the agent's in-flight dispatch counter,
// saturating at zero.
func (r *Registry) DecrementPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, exists := r.agents[id]; exists && a.pending > 0 {
		a.pending--
	}
}

// BindRequest records which agent owns an in-flight request.
func (r *Registry) BindRequest(callID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestToAgent[callID] = agentID
}

// AgentForRequest returns the agent bound to a call id.
func (r *Registry) AgentForRequest(callID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.requestToAgent[callID]
	return agentID, ok
}

// UnbindRequest removes the call-id binding. Idempotent.
func (r *Registry) UnbindRequest(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requestToAgent, callID)
}

// snapshotLocked copies one agent record. Caller must hold at least RLock.
func (r *Registry) snapshotLocked(a *agent) Snapshot {
	return Snapshot{
		ID:          a.id,
		Name:        a.name,
		Installed:   copySet(a.installed),
		Loaded:      copySet(a.loaded),
		Pending:     a.pending,
		ConnectedAt: a.connectedAt,
	}
}

func copySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
