// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wavault/wagateway/internal/registry"
)

// SessionHandler serves the gateway's control commands over HTTP:
// create/delete/connect/disconnect/restart/reset/get/list/generateNewQR.
type SessionHandler struct {
	registry *registry.Registry
	logger   *zap.SugaredLogger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(r *registry.Registry, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		registry: r,
		logger:   logger,
	}
}

// CreateRequest is the body for POST /session/create.
type CreateRequest struct {
	SessionID string `json:"sessionId"`
}

// Create registers a new session and starts connecting it in the
// background.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	if req.SessionID == "" {
		req.SessionID = generateSessionID()
	}

	s, err := h.registry.Create(c.Context(), req.SessionID)
	if err != nil {
		if err == registry.ErrSessionExists {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "Session already exists",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    s.Info(),
	})
}

// List returns every known session.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions := h.registry.List()

	infos := make([]interface{}, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sessions": infos,
			"stats":    h.registry.GetStats(),
		},
	})
}

// Get returns one session's snapshot.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.Info(),
	})
}

// GetQR returns the session's current rotating QR payload, if any.
func (h *SessionHandler) GetQR(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	qr := s.CurrentQR()
	if qr == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "QR code not available",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"qr":    qr,
			"state": s.State().String(),
		},
	})
}

// GetStatus returns session lifecycle state.
func (h *SessionHandler) GetStatus(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.Info(),
	})
}

// Connect starts a closed session's connection attempt.
func (h *SessionHandler) Connect(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	if err := s.Connect(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true, "data": s.Info()})
}

// Disconnect tears a session's connection down without deleting it.
func (h *SessionHandler) Disconnect(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	s.Disconnect()
	return c.JSON(fiber.Map{"success": true, "data": s.Info()})
}

// Restart disconnects then reconnects a session with its existing creds.
func (h *SessionHandler) Restart(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	if err := s.Restart(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true, "data": s.Info()})
}

// Reset wipes a session's creds and reconnects as a fresh, unregistered
// identity. Reset wipes creds; the durable state is gone for good.
func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	if err := s.Reset(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true, "data": s.Info()})
}

// GenerateNewQR requests a fresh QR rotation cycle from the server.
func (h *SessionHandler) GenerateNewQR(c *fiber.Ctx) error {
	s, exists := h.registry.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	if err := s.GenerateNewQR(c.Context()); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// Delete disconnects and forgets a session, erasing its durable state.
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	err := h.registry.Delete(c.Params("id"))
	if err != nil {
		if err == registry.ErrSessionNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Session deleted",
	})
}

func generateSessionID() string {
	return "session-" + time.Now().Format("20060102150405")
}
