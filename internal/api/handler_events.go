package api

import (
	"github.com/labstack/echo/v4"

	"github.com/atharva0608/final-ml-sub000/internal/store"
)

// EventHandler handles interruption event history endpoints
type EventHandler struct {
	store *store.Store
}

// NewEventHandler creates a new event handler
func NewEventHandler(s *store.Store) *EventHandler {
	return &EventHandler{
		store: s,
	}
}

// List handles GET /api/v1/events
func (h *EventHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	pagination := ParsePaginationParams(c)

	filterMap := make(map[string]interface{})
	agentID := c.QueryParam("agent_id")
	if agentID != "" {
		filterMap["agent_id"] = agentID
	}

	var (
		events interface{}
		err    error
	)
	if agentID != "" {
		events, err = h.store.Events.ListByAgent(ctx, agentID, pagination.PerPage, pagination.Offset)
	} else {
		events, err = h.store.Events.ListRecent(ctx, pagination.PerPage, pagination.Offset)
	}
	if err != nil {
		return ErrorInternal(c, "Failed to list events: "+err.Error())
	}

	meta := PaginationMeta{
		Page:    pagination.Page,
		PerPage: pagination.PerPage,
	}

	return SuccessPaginated(c, events, meta, filterMap)
}
