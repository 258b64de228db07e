// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wavault/wagateway/internal/api"
	"github.com/wavault/wagateway/internal/registry"
	"github.com/wavault/wagateway/internal/session"
	"github.com/wavault/wagateway/internal/store"
	"github.com/wavault/wagateway/internal/webhook"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("wagateway starting...")

	port := os.Getenv("PORT")
	if port == "" {
		port = "3200"
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	wsURL := os.Getenv("WS_URL")
	origin := os.Getenv("WS_ORIGIN")
	proxyURL := os.Getenv("WS_PROXY")
	country := os.Getenv("WA_COUNTRY")

	fileStore, err := store.NewFileStore(dataDir)
	if err != nil {
		sugar.Fatalf("failed to initialize store: %v", err)
	}

	dispatcher := webhook.NewDispatcher(sugar)

	reg := registry.New(registry.Config{
		Logger:   sugar,
		Store:    fileStore,
		WSURL:    wsURL,
		Origin:   origin,
		ProxyURL: proxyURL,
		Country:  country,
		OnCreate: func(s *session.Session) {
			s.Events.OnConnectionUpdate(func(u session.ConnectionUpdate) {
				dispatcher.Dispatch(webhook.EventConnectionUpdate, s.ID(), u)
			})
			s.Events.OnCredsUpdate(func(u session.CredsUpdate) {
				dispatcher.Dispatch(webhook.EventCredsUpdate, s.ID(), u)
			})
			s.Events.OnMessagesUpsert(func(u session.MessagesUpsert) {
				dispatcher.Dispatch(webhook.EventMessagesUpsert, s.ID(), u)
			})
		},
	})

	server := api.NewServer(api.ServerConfig{
		Port:              port,
		Logger:            sugar,
		Registry:          reg,
		WebhookDispatcher: dispatcher,
	})

	go func() {
		if err := server.Start(); err != nil {
			sugar.Fatalf("server failed: %v", err)
		}
	}()

	sugar.Infof("wagateway listening on :%s", port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down gracefully...")
	server.Stop()
	reg.ShutdownAll()
	dispatcher.Stop()
}
