package api

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atharva0608/final-ml-sub000/internal/sentinel"
	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// SignalHandler handles interruption signal intake
type SignalHandler struct {
	sentinel *sentinel.Sentinel
}

// NewSignalHandler creates a new signal handler
func NewSignalHandler(s *sentinel.Sentinel) *SignalHandler {
	return &SignalHandler{
		sentinel: s,
	}
}

// SignalRequest represents one interruption occurrence reported by an agent
type SignalRequest struct {
	AgentID    string `json:"agent_id" validate:"required"`
	PoolID     string `json:"pool_id" validate:"required"`
	SignalType string `json:"signal_type" validate:"required,oneof=REBALANCE_RECOMMENDATION TERMINATION_NOTICE"`
	InstanceID string `json:"instance_id" validate:"required"`
	DetectedAt string `json:"detected_at" validate:"required"`
}

// Handle handles POST /api/v1/signals. Duplicate deliveries of the same
// occurrence are collapsed and acknowledged, not rejected, so agent
// retries stay safe.
func (h *SignalHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	detectedAt, err := time.Parse(time.RFC3339, req.DetectedAt)
	if err != nil {
		return ErrorValidation(c, "detected_at", "must be an RFC3339 timestamp")
	}

	sig := &types.InterruptionSignal{
		AgentID:    req.AgentID,
		PoolID:     req.PoolID,
		SignalType: types.SignalType(req.SignalType),
		InstanceID: req.InstanceID,
		DetectedAt: detectedAt,
	}

	outcome, err := h.sentinel.Handle(ctx, sig)
	if err != nil {
		var dup *sentinel.DuplicateSignalError
		if errors.As(err, &dup) {
			return SuccessAccepted(c, outcome)
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to handle signal: "+err.Error())
	}

	return SuccessAccepted(c, outcome)
}
