// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavault/wagateway/internal/core"
)

func TestEventBusConnectionUpdateFanOut(t *testing.T) {
	bus := NewEventBus()
	var got1, got2 ConnectionUpdate
	bus.OnConnectionUpdate(func(u ConnectionUpdate) { got1 = u })
	bus.OnConnectionUpdate(func(u ConnectionUpdate) { got2 = u })

	bus.EmitConnectionUpdate(ConnectionUpdate{Connection: "open"})

	assert.Equal(t, "open", got1.Connection)
	assert.Equal(t, "open", got2.Connection)
}

func TestEventBusCredsAndMessagesUpsert(t *testing.T) {
	bus := NewEventBus()
	var gotCreds CredsUpdate
	var gotMsgs MessagesUpsert
	bus.OnCredsUpdate(func(u CredsUpdate) { gotCreds = u })
	bus.OnMessagesUpsert(func(u MessagesUpsert) { gotMsgs = u })

	bus.EmitCredsUpdate(CredsUpdate{})
	bus.EmitMessagesUpsert(MessagesUpsert{Type: "notify", Messages: []*core.Node{{Tag: "message"}}})

	assert.NotNil(t, gotCreds)
	assert.Equal(t, "notify", gotMsgs.Type)
	require.Len(t, gotMsgs.Messages, 1)
}

func TestStanzaPredicateMatches(t *testing.T) {
	p := StanzaPredicate{Tag: "iq", AttrKey: "type", AttrValue: "result", FirstChildTag: "pair-success"}
	match := &core.Node{
		Tag:     "iq",
		Attrs:   map[string]string{"type": "result"},
		Content: []*core.Node{{Tag: "pair-success"}},
	}
	assert.True(t, p.matches(match))

	wrongType := &core.Node{Tag: "iq", Attrs: map[string]string{"type": "error"}}
	assert.False(t, p.matches(wrongType))

	noChild := &core.Node{Tag: "iq", Attrs: map[string]string{"type": "result"}}
	assert.False(t, p.matches(noChild))
}

func TestStanzaRouterDispatchesFirstHitInRegistrationOrder(t *testing.T) {
	router := NewStanzaRouter()
	var hits []string
	router.On(StanzaPredicate{Tag: "iq"}, func(n *core.Node) { hits = append(hits, "generic-iq") })
	router.On(StanzaPredicate{Tag: "iq", AttrKey: "type", AttrValue: "result"}, func(n *core.Node) { hits = append(hits, "result-iq") })

	dispatched := router.Dispatch(&core.Node{Tag: "iq", Attrs: map[string]string{"type": "result"}})

	assert.True(t, dispatched)
	assert.Equal(t, []string{"generic-iq"}, hits)
}

func TestStanzaRouterNoMatchReturnsFalse(t *testing.T) {
	router := NewStanzaRouter()
	router.On(StanzaPredicate{Tag: "message"}, func(n *core.Node) {})
	assert.False(t, router.Dispatch(&core.Node{Tag: "iq"}))
}

func TestResponseWaitersDeliverToMatchingID(t *testing.T) {
	w := newResponseWaiters()
	ch := w.Await("abc123")

	delivered := w.Deliver(&core.Node{Tag: "iq", Attrs: map[string]string{"id": "abc123"}})
	assert.True(t, delivered)

	select {
	case n := <-ch:
		assert.Equal(t, "abc123", n.Attrs["id"])
	case <-time.After(time.Second):
		t.Fatal("waiter was not delivered to")
	}
}

func TestResponseWaitersDeliverIsSingleShot(t *testing.T) {
	w := newResponseWaiters()
	w.Await("dup")
	node := &core.Node{Tag: "iq", Attrs: map[string]string{"id": "dup"}}

	assert.True(t, w.Deliver(node))
	assert.False(t, w.Deliver(node))
}

func TestResponseWaitersCancel(t *testing.T) {
	w := newResponseWaiters()
	w.Await("to-cancel")
	w.Cancel("to-cancel")
	assert.False(t, w.Deliver(&core.Node{Tag: "iq", Attrs: map[string]string{"id": "to-cancel"}}))
}

func TestResponseWaitersDeliverNoAttrsOrUnknownID(t *testing.T) {
	w := newResponseWaiters()
	assert.False(t, w.Deliver(&core.Node{Tag: "iq"}))
	assert.False(t, w.Deliver(&core.Node{Tag: "iq", Attrs: map[string]string{"id": "nobody-waiting"}}))
}
