package api

import (
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// CommandHandler handles command queue API endpoints
type CommandHandler struct {
	store *store.Store
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(s *store.Store) *CommandHandler {
	return &CommandHandler{
		store: s,
	}
}

// CommandResultRequest represents an agent's execution report
type CommandResultRequest struct {
	Status    string               `json:"status" validate:"required,oneof=COMPLETED FAILED"`
	Result    types.CommandPayload `json:"result"`
	ErrorCode *string              `json:"error_code"`
}

// Poll handles GET /api/v1/agents/:id/commands.
// Commands come back in dispatch order: priority descending, then FIFO.
func (h *CommandHandler) Poll(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")

	if _, err := h.store.Agents.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Agent not found")
		}
		return ErrorInternal(c, "Failed to poll commands: "+err.Error())
	}

	commands, err := h.store.Commands.DequeuePending(ctx, id)
	if err != nil {
		return ErrorInternal(c, "Failed to poll commands: "+err.Error())
	}

	return SuccessOK(c, commands)
}

// ReportResult handles POST /api/v1/commands/:id/result
func (h *CommandHandler) ReportResult(c echo.Context) error {
	ctx := c.Request().Context()

	var req CommandResultRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	err := h.store.Commands.Report(ctx, c.Param("id"), types.CommandStatus(req.Status), req.Result, req.ErrorCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorNotFound(c, "Command not found")
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrorConflict(c, "Command is not in a reportable state")
		}
		return ErrorInternal(c, "Failed to report command result: "+err.Error())
	}

	cmd, err := h.store.Commands.GetByID(ctx, c.Param("id"))
	if err != nil {
		return ErrorInternal(c, "Failed to report command result: "+err.Error())
	}

	return SuccessOK(c, cmd)
}
