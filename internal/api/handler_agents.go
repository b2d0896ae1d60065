package api

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentHandler handles agent lifecycle API endpoints
type AgentHandler struct {
	store *store.Store
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(s *store.Store) *AgentHandler {
	return &AgentHandler{
		store: s,
	}
}

// RegisterAgentRequest represents the agent registration payload
type RegisterAgentRequest struct {
	LogicalID        string `json:"logical_id" validate:"required"`
	InstanceID       string `json:"instance_id" validate:"required"`
	InstanceType     string `json:"instance_type" validate:"required"`
	Region           string `json:"region" validate:"required"`
	AvailabilityZone string `json:"availability_zone" validate:"required"`
	Mode             string `json:"mode" validate:"required,oneof=SPOT ON_DEMAND"`
}

// UpdateAgentConfigRequest toggles the agent's mode flags. Both flags
// must be present so a partial update can't silently drop a toggle.
type UpdateAgentConfigRequest struct {
	AutoSwitchEnabled    *bool `json:"auto_switch_enabled" validate:"required"`
	ManualReplicaEnabled *bool `json:"manual_replica_enabled" validate:"required"`
}

// Register handles POST /api/v1/agents/register.
// Registration is idempotent on logical_id: re-registration after a
// crash or instance replacement returns the existing record.
func (h *AgentHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()

	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	existing, err := h.store.Agents.GetByLogicalID(ctx, req.LogicalID)
	if err == nil {
		return SuccessOK(c, existing)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ErrorInternal(c, "Failed to register agent: "+err.Error())
	}

	agent := &types.Agent{
		ID:                 types.GenerateAgentID(),
		LogicalID:          req.LogicalID,
		InstanceID:         req.InstanceID,
		InstanceType:       req.InstanceType,
		Region:             req.Region,
		AvailabilityZone:   req.AvailabilityZone,
		Mode:               types.AgentMode(req.Mode),
		Status:             types.AgentStatusOnline,
		AutoSwitchEnabled:  true,
		InstanceLaunchedAt: time.Now().UTC(),
	}

	if err := h.store.Agents.Create(ctx, agent); err != nil {
		return ErrorInternal(c, "Failed to register agent: "+err.Error())
	}

	return SuccessCreated(c, agent)
}

// Get handles GET /api/v1/agents/:id
func (h *AgentHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	agent, err := h.store.Agents.GetByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to get agent: "+err.Error())
	}

	return SuccessOK(c, agent)
}

// Heartbeat handles POST /api/v1/agents/:id/heartbeat
func (h *AgentHandler) Heartbeat(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.store.Agents.Heartbeat(ctx, c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to record heartbeat: "+err.Error())
	}

	return SuccessNoContent(c)
}

// UpdateConfig handles PATCH /api/v1/agents/:id/config
func (h *AgentHandler) UpdateConfig(c echo.Context) error {
	ctx := c.Request().Context()

	var req UpdateAgentConfigRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	id := c.Param("id")

	err := h.store.Agents.SetModeFlags(ctx, id, *req.AutoSwitchEnabled, *req.ManualReplicaEnabled)
	if err != nil {
		if errors.Is(err, store.ErrModeConflict) {
			return ErrorConflict(c, "Auto-switch and manual-replica modes are mutually exclusive")
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to update agent config: "+err.Error())
	}

	agent, err := h.store.Agents.GetByID(ctx, id)
	if err != nil {
		return ErrorInternal(c, "Failed to update agent config: "+err.Error())
	}

	return SuccessOK(c, agent)
}

// ReplicaSyncRequest reports replication progress for a standby
type ReplicaSyncRequest struct {
	SyncProgress float64 `json:"sync_progress" validate:"gte=0,lte=100"`
}

// ReportReplicaSync handles POST /api/v1/agents/:id/replicas/:replica_id/sync.
// The agent reports progress while its standby catches up; at 100% the
// replica becomes READY and eligible for promotion.
func (h *AgentHandler) ReportReplicaSync(c echo.Context) error {
	ctx := c.Request().Context()

	var req ReplicaSyncRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	replicaID := c.Param("replica_id")

	replica, err := h.store.Replicas.GetByID(ctx, replicaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Replica not found")
		}
		return ErrorInternal(c, "Failed to report sync progress: "+err.Error())
	}
	if replica.AgentID != c.Param("id") {
		return ErrorNotFound(c, "Replica not found")
	}

	// A replica that already converged keeps answering the agent's
	// repeated reports without conflict.
	if replica.Status == types.ReplicaStatusReady {
		return SuccessOK(c, replica)
	}

	if err := h.store.Replicas.SetSyncProgress(ctx, replicaID, req.SyncProgress); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrorConflict(c, "Replica is not syncing")
		}
		return ErrorInternal(c, "Failed to report sync progress: "+err.Error())
	}

	replica, err = h.store.Replicas.GetByID(ctx, replicaID)
	if err != nil {
		return ErrorInternal(c, "Failed to report sync progress: "+err.Error())
	}

	return SuccessOK(c, replica)
}

// ListReplicas handles GET /api/v1/agents/:id/replicas
func (h *AgentHandler) ListReplicas(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")

	if _, err := h.store.Agents.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to list replicas: "+err.Error())
	}

	replicas, err := h.store.Replicas.ListActiveByAgent(ctx, id)
	if err != nil {
		return ErrorInternal(c, "Failed to list replicas: "+err.Error())
	}

	return SuccessOK(c, replicas)
}
