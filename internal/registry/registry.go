// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package registry tracks every live Session by id and owns their shared
// lifecycle operations: create, lookup, list, and shutdown-all.
package registry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wavault/wagateway/internal/session"
	"github.com/wavault/wagateway/internal/store"
)

// Common errors.
var (
	ErrSessionExists   = errors.New("registry: session already exists")
	ErrSessionNotFound = errors.New("registry: session not found")
)

// Registry is the session-by-id table. A single mutex guards the map
// itself, not each Session's internal state; Session already serializes
// its own state machine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	logger   *zap.SugaredLogger
	store    *store.FileStore
	wsURL    string
	origin   string
	proxyURL string
	country  string
	onCreate func(*session.Session)
}

// Config configures a Registry.
type Config struct {
	Logger   *zap.SugaredLogger
	Store    *store.FileStore
	WSURL    string
	Origin   string
	ProxyURL string
	Country  string

	// OnCreate, if set, runs against every freshly created Session before
	// its first Connect attempt is kicked off, e.g. to subscribe a
	// webhook dispatcher to its event bus.
	OnCreate func(*session.Session)
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
		logger:   cfg.Logger,
		store:    cfg.Store,
		wsURL:    cfg.WSURL,
		origin:   cfg.Origin,
		proxyURL: cfg.ProxyURL,
		country:  cfg.Country,
		onCreate: cfg.OnCreate,
	}
}

// Create registers a brand new Session under sessionID and starts
// connecting it in the background. ctx is not used; the session's own run loop is deliberately
// rooted in context.Background(), not ctx, because a Session outlives any
// single request: an HTTP framework is free to recycle or cancel ctx the
// moment its handler returns (fasthttp's *fasthttp.RequestCtx in
// particular), long before the session itself is done.
func (r *Registry) Create(ctx context.Context, sessionID string) (*session.Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}

	s := session.New(session.Config{
		SessionID: sessionID,
		WSURL:     r.wsURL,
		Origin:    r.origin,
		ProxyURL:  r.proxyURL,
		Country:   r.country,
		Logger:    r.logger,
		Store:     r.store,
	})
	r.sessions[sessionID] = s
	r.mu.Unlock()

	if r.onCreate != nil {
		r.onCreate(s)
	}

	go func() {
		if err := s.Connect(context.Background()); err != nil && r.logger != nil {
			r.logger.Errorw("session connect failed", "session", sessionID, "error", err)
		}
	}()

	return s, nil
}

// Get looks up a Session by id.
func (r *Registry) Get(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Delete disconnects and removes a Session, and deletes its durable state.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	s, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	s.Disconnect()
	if r.store != nil {
		return r.store.RemoveAll(sessionID)
	}
	return nil
}

// List returns every registered Session, in no particular order.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Stats summarizes the registry's sessions by lifecycle state.
type Stats struct {
	Total         int `json:"total"`
	Open          int `json:"open"`
	Authenticated int `json:"authenticated"`
	AwaitingPair  int `json:"awaitingPair"`
}

// GetStats computes a point-in-time snapshot of every session's state.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.State() {
		case session.StateOpen:
			stats.Open++
		case session.StateAuthenticated:
			stats.Authenticated++
		case session.StateAwaitingPair:
			stats.AwaitingPair++
		}
	}
	return stats
}

// ShutdownAll disconnects every registered Session, e.g. on process
// shutdown.
func (r *Registry) ShutdownAll() {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}
