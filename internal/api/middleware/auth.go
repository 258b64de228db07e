// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package middleware

import (
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// APIKeyAuth validates a control-plane API key on every request except the
// health check; the control surface is a trusted-operator interface, not
// a public one.
func APIKeyAuth() fiber.Handler {
	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		apiKey = "dev-api-key" // Default for development
	}

	return func(c *fiber.Ctx) error {
		if strings.HasPrefix(c.Path(), "/health") {
			return c.Next()
		}

		key := c.Get("X-API-Key")
		if key == "" {
			if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key != apiKey {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid or missing API key",
			})
		}

		return c.Next()
	}
}
