package api

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// PricingHandler handles pricing report intake and clean reads
type PricingHandler struct {
	pipeline *pricing.Pipeline
}

// NewPricingHandler creates a new pricing handler
func NewPricingHandler(p *pricing.Pipeline) *PricingHandler {
	return &PricingHandler{
		pipeline: p,
	}
}

// PriceReportRequest represents one inbound pricing observation
type PriceReportRequest struct {
	AgentID          string  `json:"agent_id" validate:"required"`
	InstanceType     string  `json:"instance_type" validate:"required"`
	Region           string  `json:"region" validate:"required"`
	AvailabilityZone string  `json:"availability_zone" validate:"required"`
	Price            float64 `json:"price" validate:"required"`
	SourceRole       string  `json:"source_role" validate:"required,oneof=PRIMARY REPLICA"`
	CollectedAt      string  `json:"collected_at" validate:"required"`
}

// Ingest handles POST /api/v1/pricing
func (h *PricingHandler) Ingest(c echo.Context) error {
	ctx := c.Request().Context()

	var req PriceReportRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	collectedAt, err := time.Parse(time.RFC3339, req.CollectedAt)
	if err != nil {
		return ErrorValidation(c, "collected_at", "must be an RFC3339 timestamp")
	}

	report := &pricing.Report{
		AgentID:          req.AgentID,
		InstanceType:     req.InstanceType,
		Region:           req.Region,
		AvailabilityZone: req.AvailabilityZone,
		Price:            req.Price,
		SourceRole:       types.SourceRole(req.SourceRole),
		CollectedAt:      collectedAt,
	}

	if err := h.pipeline.Ingest(ctx, report); err != nil {
		var verr *pricing.ValidationError
		if errors.As(err, &verr) {
			return ErrorValidation(c, verr.Field, verr.Reason)
		}
		return ErrorInternal(c, "Failed to ingest pricing report: "+err.Error())
	}

	return SuccessAccepted(c, map[string]string{"pool_id": report.PoolID()})
}

// Read handles GET /api/v1/pricing/:instance_type/:region/:az.
// The window defaults to the trailing 24 hours; from/to accept RFC3339.
func (h *PricingHandler) Read(c echo.Context) error {
	ctx := c.Request().Context()

	poolID := types.PoolKey(c.Param("instance_type"), c.Param("region"), c.Param("az"))

	now := time.Now().UTC()
	window := pricing.Window{
		From: now.Add(-24 * time.Hour),
		To:   now,
	}

	if from := c.QueryParam("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return ErrorBadRequest(c, "Invalid from timestamp")
		}
		window.From = t
	}
	if to := c.QueryParam("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return ErrorBadRequest(c, "Invalid to timestamp")
		}
		window.To = t
	}

	if !window.To.After(window.From) {
		return ErrorBadRequest(c, "Window end must be after window start")
	}

	series, err := h.pipeline.Read(ctx, poolID, window)
	if err != nil {
		return ErrorInternal(c, "Failed to read pricing series: "+err.Error())
	}

	return SuccessOK(c, series)
}
