package handlers

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/pkg/types"
)

// HealthHandler serves the health endpoints
type HealthHandler struct {
	health *services.Health
}

// NewHealthHandler creates a new health handler instance
func NewHealthHandler(h *services.Health) *HealthHandler {
	return &HealthHandler{health: h}
}

// Health is the liveness endpoint
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": services.HealthHealthy})
}

// Detailed checks every dependency. A degraded pipeline answers 503.
func (h *HealthHandler) Detailed(c *fiber.Ctx) error {
	report := h.health.Detailed(c.UserContext())
	status := fiber.StatusOK
	if report.Status != services.HealthHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

// LLM probes the LLM service with a minimal completion
func (h *HealthHandler) LLM(c *fiber.Ctx) error {
	res := h.health.LLM(c.UserContext())
	if !res.Success {
		return c.Status(fiber.StatusServiceUnavailable).JSON(types.SlugResponse{
			Slug:  types.UnavailableSlug,
			Error: res.Message,
			Data:  res,
		})
	}
	return c.JSON(types.Success(res))
}
