// Package handlers provides HTTP request handling
package handlers

import (
	"errors"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/db/repos"
	"github.com/meetmemo/pipeline/internal/logger"
	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/pkg/types"
)

// Common error messages
const (
	ErrMsgInvalidReqBody  = "Invalid request body"
	ErrMsgJobIDRequired   = "Job id is required"
	ErrMsgInvalidJobState = "Invalid job state"
	ErrMsgFileRequired    = "File is required"
	ErrMsgJobNotFound     = "Job not found"
	ErrMsgJobTerminal     = "Job has already finished"
	ErrMsgNoArtifact      = "Job has no stored result yet"
	ErrMsgUnavailable     = "Job queue is unavailable, try again later"
)

// Pagination error messages
const (
	ErrMsgNegativePagination = "Page must be a positive number from 1"
)

// ErrorHandler is the fiber error handler of the API. Service errors map onto
// status codes; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(types.SlugResponse{Slug: types.ErrorSlug, Error: fe.Message})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(err.Error()))
	case errors.Is(err, services.ErrBackendUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(types.ErrUnavailable(ErrMsgUnavailable))
	case errors.Is(err, repos.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(types.ErrNotFound(ErrMsgJobNotFound))
	case errors.Is(err, repos.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(types.ErrConflict(ErrMsgJobTerminal))
	case errors.Is(err, artifacts.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(types.ErrNotFound(ErrMsgNoArtifact))
	}

	logger.ErrorWithFields("request failed", logger.Fields{
		"method": c.Method(),
		"path":   c.Path(),
		"error":  err.Error(),
	})
	return c.Status(fiber.StatusInternalServerError).JSON(types.ErrServer(err.Error()))
}
