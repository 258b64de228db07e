// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package api exposes the gateway's control surface: the
// create/connect/disconnect/restart/reset/get/list/generateNewQR commands,
// over HTTP, plus webhook subscription management.
package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/wavault/wagateway/internal/api/handlers"
	"github.com/wavault/wagateway/internal/api/middleware"
	"github.com/wavault/wagateway/internal/registry"
	"github.com/wavault/wagateway/internal/webhook"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port     string
	Logger   *zap.SugaredLogger
	Registry *registry.Registry

	// WebhookDispatcher is shared with the caller so session events
	// registered outside this package (e.g. registry.Config.OnCreate) and
	// the /webhooks/* management routes operate on the same subscriber
	// table. A fresh Dispatcher is created if left nil.
	WebhookDispatcher *webhook.Dispatcher
}

// Server is the control-surface HTTP API.
type Server struct {
	app               *fiber.App
	config            ServerConfig
	sessionHandler    *handlers.SessionHandler
	webhookHandler    *handlers.WebhookHandler
	webhookDispatcher *webhook.Dispatcher
}

// NewServer builds a Server and registers its routes.
func NewServer(config ServerConfig) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "WAGateway",
		ServerHeader: "WAGateway",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-API-Key, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	webhookDispatcher := config.WebhookDispatcher
	if webhookDispatcher == nil {
		webhookDispatcher = webhook.NewDispatcher(config.Logger)
	}

	sessionHandler := handlers.NewSessionHandler(config.Registry, config.Logger)
	webhookHandler := handlers.NewWebhookHandler(webhookDispatcher, config.Logger)

	server := &Server{
		app:               app,
		config:            config,
		sessionHandler:    sessionHandler,
		webhookHandler:    webhookHandler,
		webhookDispatcher: webhookDispatcher,
	}

	server.setupRoutes()

	return server
}

// WebhookDispatcher returns the dispatcher so callers can subscribe it to
// each session's event bus at creation time.
func (s *Server) WebhookDispatcher() *webhook.Dispatcher {
	return s.webhookDispatcher
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthHandler)

	api := s.app.Group("/api/v1", middleware.APIKeyAuth())

	session := api.Group("/session")
	session.Post("/create", s.sessionHandler.Create)
	session.Get("/", s.sessionHandler.List)
	session.Get("/:id", s.sessionHandler.Get)
	session.Get("/:id/qr", s.sessionHandler.GetQR)
	session.Get("/:id/status", s.sessionHandler.GetStatus)
	session.Post("/:id/connect", s.sessionHandler.Connect)
	session.Post("/:id/disconnect", s.sessionHandler.Disconnect)
	session.Post("/:id/restart", s.sessionHandler.Restart)
	session.Post("/:id/reset", s.sessionHandler.Reset)
	session.Post("/:id/qr/new", s.sessionHandler.GenerateNewQR)
	session.Delete("/:id", s.sessionHandler.Delete)

	webhooks := api.Group("/webhooks")
	webhooks.Get("/", s.webhookHandler.List)
	webhooks.Post("/", s.webhookHandler.Create)
	webhooks.Delete("/:id", s.webhookHandler.Delete)
	webhooks.Post("/:id/test", s.webhookHandler.Test)
	webhooks.Get("/events", s.webhookHandler.AvailableEvents)

	api.Get("/openapi.json", s.openAPISpec)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	stats := s.config.Registry.GetStats()
	return c.JSON(fiber.Map{
		"status":   "ok",
		"version":  "1.0.0",
		"sessions": stats,
	})
}

func (s *Server) openAPISpec(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"openapi": "3.0.0",
		"info": fiber.Map{
			"title":   "WAGateway API",
			"version": "1.0.0",
		},
	})
}

// Start blocks, serving HTTP on the configured port.
func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%s", s.config.Port))
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
