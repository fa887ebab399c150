package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/mapping"
	"github.com/modelgate-io/modelgate/internal/protocol"
	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/repositories"
	"github.com/modelgate-io/modelgate/internal/rpc"
)

// AgentCaller is the RPC surface the management façade needs to reach
// connected agents. Satisfied by *rpc.Mux.
type AgentCaller interface {
	Call(ctx context.Context, agentID, method string, args, result any) error
}

// ManagementHandler serves the operator endpoints under /management.
type ManagementHandler struct {
	mapper   *mapping.Service
	registry *registry.Registry
	agents   repositories.AgentRepository
	caller   AgentCaller
	logger   *zap.Logger
}

// NewManagementHandler creates the /management handler set.
func NewManagementHandler(mapper *mapping.Service, reg *registry.Registry, agents repositories.AgentRepository, caller AgentCaller, logger *zap.Logger) *ManagementHandler {
	return &ManagementHandler{
		mapper:   mapper,
		registry: reg,
		agents:   agents,
		caller:   caller,
		logger:   logger.Named("api.management"),
	}
}

// agentView is one entry of GET /management/agents: live connection state
// merged with the persisted first_seen/last_seen bookkeeping.
type agentView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Connected       bool       `json:"connected"`
	InstalledModels []string   `json:"installed_models"`
	LoadedModels    []string   `json:"loaded_models"`
	PendingRequests int        `json:"pending_requests"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	FirstSeen       *time.Time `json:"first_seen,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
}

// ListAgents handles GET /management/agents. Connected agents come first;
// persisted agents that are currently offline follow with Connected=false.
func (h *ManagementHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	connected := h.registry.List()
	views := make([]agentView, 0, len(connected))
	online := make(map[string]struct{}, len(connected))

	for _, s := range connected {
		online[s.ID] = struct{}{}
		connectedAt := s.ConnectedAt
		views = append(views, agentView{
			ID:              s.ID,
			Name:            s.Name,
			Connected:       true,
			InstalledModels: s.InstalledList(),
			LoadedModels:    s.LoadedList(),
			PendingRequests: s.Pending,
			ConnectedAt:     &connectedAt,
		})
	}

	records, err := h.agents.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list persisted agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, rec := range records {
		firstSeen, lastSeen := rec.FirstSeen, rec.LastSeen
		if _, ok := online[rec.ID]; ok {
			for i := range views {
				if views[i].ID == rec.ID {
					views[i].FirstSeen = &firstSeen
					views[i].LastSeen = &lastSeen
				}
			}
			continue
		}
		views = append(views, agentView{
			ID:              rec.ID,
			Name:            rec.Name,
			InstalledModels: []string{},
			LoadedModels:    []string{},
			FirstSeen:       &firstSeen,
			LastSeen:        &lastSeen,
		})
	}

	Ok(w, views)
}

// AgentStatus handles GET /management/agents/{agentId}/status by asking the
// agent itself over its session.
func (h *ManagementHandler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, ok := h.registry.Get(agentID); !ok {
		ErrNotFound(w)
		return
	}

	var status protocol.StatusResult
	if err := h.caller.Call(r.Context(), agentID, protocol.MethodStatus, struct{}{}, &status); err != nil {
		h.logger.Warn("agent status call failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		errJSON(w, http.StatusBadGateway, "agent did not answer status call", "agent_unreachable")
		return
	}
	Ok(w, status)
}

// DownloadModel handles POST /management/agents/{agentId}/models/download.
// The call is a synchronous proxy: it returns once the agent acknowledged the
// download request, not once the download finished.
func (h *ManagementHandler) DownloadModel(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, ok := h.registry.Get(agentID); !ok {
		ErrNotFound(w)
		return
	}

	var req protocol.DownloadModelArgs
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ModelURL == "" {
		ErrBadRequest(w, "model_url is required")
		return
	}
	if req.Filename == "" {
		ErrBadRequest(w, "filename is required")
		return
	}

	var ack json.RawMessage
	if err := h.caller.Call(r.Context(), agentID, protocol.MethodDownloadModel, req, &ack); err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			errJSON(w, http.StatusBadGateway, remote.Message, "download_rejected")
			return
		}
		h.logger.Error("download call failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	Ok(w, envelope{"agent_id": agentID, "filename": req.Filename, "ack": ack})
}

// mappingView is the wire shape of a model mapping on /management/mappings.
type mappingView struct {
	ID           string    `json:"id"`
	InternalName string    `json:"internal_name"`
	PublicName   string    `json:"public_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// createMappingRequest is the body of POST /management/mappings.
type createMappingRequest struct {
	InternalName string `json:"internal_name"`
	PublicName   string `json:"public_name"`
}

// ListMappings handles GET /management/mappings.
func (h *ManagementHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.mapper.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list mappings", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, mappingView{
			ID:           m.ID.String(),
			InternalName: m.InternalName,
			PublicName:   m.PublicName,
			CreatedAt:    m.CreatedAt,
		})
	}
	Ok(w, views)
}

// CreateMapping handles POST /management/mappings.
func (h *ManagementHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.InternalName == "" {
		ErrBadRequest(w, "internal_name is required")
		return
	}
	if req.PublicName == "" {
		ErrBadRequest(w, "public_name is required")
		return
	}

	m, err := h.mapper.Add(r.Context(), req.InternalName, req.PublicName)
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a mapping with this internal or public name already exists")
			return
		}
		h.logger.Error("failed to create mapping", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, mappingView{
		ID:           m.ID.String(),
		InternalName: m.InternalName,
		PublicName:   m.PublicName,
		CreatedAt:    m.CreatedAt,
	})
}

// DeleteMapping handles DELETE /management/mappings/{publicName}.
func (h *ManagementHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	publicName := chi.URLParam(r, "publicName")

	if err := h.mapper.Remove(r.Context(), publicName); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete mapping",
			zap.String("public_name", publicName),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	NoContent(w)
}
