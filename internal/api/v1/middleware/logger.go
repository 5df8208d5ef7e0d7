// Package middleware holds the fiber middleware of the status API
package middleware

import (
	"time"

	fiber "github.com/gofiber/fiber/v2"

	log "github.com/meetmemo/pipeline/internal/logger"
)

// Logger returns a middleware that logs every request with its latency and route name
func Logger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.InfoWithFields("request", log.Fields{
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start).String(),
			"ip":      c.IP(),
			"method":  c.Method(),
			"path":    c.Path(),
			"route":   c.Route().Name,
		})
		return err
	}
}
