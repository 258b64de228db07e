// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"sync"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
)

// LastDisconnect carries the reason a session most recently closed.
type LastDisconnect struct {
	Error string
	Date  int64
}

// ConnectionUpdate is the `connection.update` event.
type ConnectionUpdate struct {
	Connection                   string // "connecting" | "open" | "close"
	QR                           string
	QRRefs                       []string
	LastDisconnect               *LastDisconnect
	IsNewLogin                   bool
	ReceivedPendingNotifications bool
}

// CredsUpdate is the `creds.update` event; subscribers must persist it
// atomically.
type CredsUpdate struct {
	Creds *store.AuthCreds
}

// MessagesUpsert is the `messages.upsert` event: decrypted, decoded
// stanzas delivered to downstream consumers.
type MessagesUpsert struct {
	Messages []*core.Node
	Type     string // always "notify"
}

// EventBus is the typed, per-session pub/sub consumers subscribe to for
// connection, credential, and message events.
type EventBus struct {
	mu sync.Mutex

	connectionSubs []func(ConnectionUpdate)
	credsSubs      []func(CredsUpdate)
	messagesSubs   []func(MessagesUpsert)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) OnConnectionUpdate(fn func(ConnectionUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionSubs = append(b.connectionSubs, fn)
}

func (b *EventBus) OnCredsUpdate(fn func(CredsUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credsSubs = append(b.credsSubs, fn)
}

func (b *EventBus) OnMessagesUpsert(fn func(MessagesUpsert)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messagesSubs = append(b.messagesSubs, fn)
}

func (b *EventBus) EmitConnectionUpdate(u ConnectionUpdate) {
	b.mu.Lock()
	subs := append([]func(ConnectionUpdate){}, b.connectionSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (b *EventBus) EmitCredsUpdate(u CredsUpdate) {
	b.mu.Lock()
	subs := append([]func(CredsUpdate){}, b.credsSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (b *EventBus) EmitMessagesUpsert(u MessagesUpsert) {
	b.mu.Lock()
	subs := append([]func(MessagesUpsert){}, b.messagesSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

// StanzaPredicate matches an inbound stanza by (tag, attr key:value,
// first-child-tag). Any field left empty
// is not checked.
type StanzaPredicate struct {
	Tag           string
	AttrKey       string
	AttrValue     string
	FirstChildTag string
}

func (p StanzaPredicate) matches(n *core.Node) bool {
	if p.Tag != "" && n.Tag != p.Tag {
		return false
	}
	if p.AttrKey != "" {
		if n.Attrs == nil || n.Attrs[p.AttrKey] != p.AttrValue {
			return false
		}
	}
	if p.FirstChildTag != "" {
		children, ok := n.Content.([]*core.Node)
		if !ok || len(children) == 0 || children[0].Tag != p.FirstChildTag {
			return false
		}
	}
	return true
}

// StanzaHandler is invoked for the first registered predicate that matches
// an inbound stanza.
type StanzaHandler func(n *core.Node)

type stanzaRoute struct {
	predicate StanzaPredicate
	handler   StanzaHandler
}

// StanzaRouter is the "callback-by-shape" dispatch table:
// a small registration table of predicate → handler, iterated in
// registration order on each inbound stanza; matching is first-hit.
type StanzaRouter struct {
	mu     sync.Mutex
	routes []stanzaRoute
}

func NewStanzaRouter() *StanzaRouter {
	return &StanzaRouter{}
}

// On registers a handler for every stanza matching predicate; the route
// stays registered.
// Observers subscribe to the most specific prefix they need.
func (r *StanzaRouter) On(predicate StanzaPredicate, handler StanzaHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, stanzaRoute{predicate: predicate, handler: handler})
}

// Dispatch runs the first matching handler in registration order. Returns
// false if no route matched.
func (r *StanzaRouter) Dispatch(n *core.Node) bool {
	r.mu.Lock()
	routes := append([]stanzaRoute{}, r.routes...)
	r.mu.Unlock()

	for _, route := range routes {
		if route.predicate.matches(n) {
			route.handler(n)
			return true
		}
	}
	return false
}

// responseWaiters implements the per-(session,id) single-shot response
// sink: at most one waiter per id, and the response
// handler for a given stanza id runs before any subsequent stanza with the
// same id is processed.
type responseWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan *core.Node
}

func newResponseWaiters() *responseWaiters {
	return &responseWaiters{waiters: make(map[string]chan *core.Node)}
}

// Await registers a single-shot waiter for stanza id and returns a channel
// that receives the matching response exactly once.
func (w *responseWaiters) Await(id string) <-chan *core.Node {
	ch := make(chan *core.Node, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

// Cancel removes a waiter without delivering a response, e.g. on timeout.
func (w *responseWaiters) Cancel(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// Deliver routes an inbound stanza with an `id` attribute to its waiter, if
// any. Returns true if a waiter consumed it.
func (w *responseWaiters) Deliver(n *core.Node) bool {
	if n.Attrs == nil {
		return false
	}
	id, ok := n.Attrs["id"]
	if !ok {
		return false
	}

	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	ch <- n
	return true
}
