// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package webhook fans session events out to externally registered HTTP
// endpoints. Ordering is the one property the relay cannot compromise on:
// the session layer emits creds.update only after the backing write is
// durable, and connection.update transitions narrate a state machine. A
// subscriber that observes "open" after "close", or stale creds after
// fresh ones, reconstructs a session state that never existed. Deliveries
// to one endpoint are therefore strictly serialized: each subscription
// owns a queue drained by a single worker, and a retried delivery holds
// everything behind it back rather than letting later events overtake.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types, matching the session EventBus topics one-for-one.
const (
	EventConnectionUpdate = "connection.update"
	EventCredsUpdate      = "creds.update"
	EventMessagesUpsert   = "messages.upsert"
)

const (
	// queueDepth bounds how far a slow endpoint may fall behind before
	// the oldest queued events are shed.
	queueDepth  = 64
	maxAttempts = 4
	retryBase   = time.Second
)

// Subscription is one registered endpoint plus its delivery queue.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	queue chan Event
	done  chan struct{}
}

func (s *Subscription) wants(eventType string) bool {
	for _, ev := range s.Events {
		if ev == eventType || ev == "*" {
			return true
		}
	}
	return false
}

// Event is the envelope POSTed to an endpoint. SessionID says which
// session the event belongs to; one dispatcher serves every session in
// the registry.
type Event struct {
	Type      string      `json:"event"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatcher routes session events to every subscribed endpoint.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *zap.SugaredLogger
	client *http.Client
	wg     sync.WaitGroup
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		subs:   make(map[string]*Subscription),
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register adds an endpoint and starts its delivery worker.
func (d *Dispatcher) Register(url string, events []string, secret string) (*Subscription, error) {
	sub := &Subscription{
		ID:        "wh_" + uuid.New().String()[:8],
		URL:       url,
		Events:    events,
		Secret:    secret,
		CreatedAt: time.Now(),
		queue:     make(chan Event, queueDepth),
		done:      make(chan struct{}),
	}

	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()

	d.wg.Add(1)
	go d.deliverLoop(sub)

	if d.logger != nil {
		d.logger.Infow("registered webhook", "id", sub.ID, "events", events)
	}
	return sub, nil
}

// Unregister stops a subscription's worker and forgets it. Events still
// queued are discarded.
func (d *Dispatcher) Unregister(id string) error {
	d.mu.Lock()
	sub, exists := d.subs[id]
	if exists {
		delete(d.subs, id)
	}
	d.mu.Unlock()

	if !exists {
		return ErrWebhookNotFound
	}
	close(sub.done)
	if d.logger != nil {
		d.logger.Infow("unregistered webhook", "id", id)
	}
	return nil
}

// List returns every subscription with its secret masked.
func (d *Dispatcher) List() []*Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		masked := *sub
		if masked.Secret != "" {
			masked.Secret = "***"
		}
		out = append(out, &masked)
	}
	return out
}

// Dispatch enqueues one event for every subscription that wants it. It
// never blocks the caller: the session's event bus invokes this inline on
// emit, and a stalled endpoint must not stall the session. A full queue
// sheds its oldest event to make room, so a slow endpoint loses history
// but never sees what it does receive out of order.
func (d *Dispatcher) Dispatch(eventType, sessionID string, data interface{}) {
	ev := Event{Type: eventType, SessionID: sessionID, Timestamp: time.Now(), Data: data}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.queue <- ev:
			continue
		default:
		}
		// Queue full: shed the oldest entry (the worker may race us for
		// it), then try once more before giving up on this event.
		select {
		case dropped := <-sub.queue:
			if d.logger != nil {
				d.logger.Warnw("webhook queue full, dropping oldest", "id", sub.ID, "dropped", dropped.Type)
			}
		default:
		}
		select {
		case sub.queue <- ev:
		default:
			if d.logger != nil {
				d.logger.Warnw("webhook queue full, dropping event", "id", sub.ID, "event", eventType)
			}
		}
	}
}

// deliverLoop drains one subscription's queue in arrival order. A retried
// delivery blocks everything queued behind it; that is the point.
func (d *Dispatcher) deliverLoop(sub *Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			d.deliver(sub, ev)
		}
	}
}

func (d *Dispatcher) deliver(sub *Subscription, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		if d.logger != nil {
			d.logger.Errorw("webhook payload marshal failed", "id", sub.ID, "error", err)
		}
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-sub.done:
				return
			case <-time.After(retryBase << (attempt - 2)):
			}
		}
		if d.post(sub, ev, body) {
			return
		}
	}
	if d.logger != nil {
		d.logger.Errorw("webhook delivery abandoned", "id", sub.ID, "event", ev.Type, "attempts", maxAttempts)
	}
}

// post attempts one delivery. Returns true when the event is settled,
// either delivered (2xx) or permanently undeliverable.
func (d *Dispatcher) post(sub *Subscription, ev Event, body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		if d.logger != nil {
			d.logger.Errorw("webhook request build failed", "id", sub.ID, "error", err)
		}
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	if ev.SessionID != "" {
		req.Header.Set("X-Webhook-Session", ev.SessionID)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if d.logger != nil {
			d.logger.Warnw("webhook delivery failed", "id", sub.ID, "error", err)
		}
		return false
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	if d.logger != nil {
		d.logger.Warnw("webhook returned non-2xx", "id", sub.ID, "status", resp.StatusCode)
	}
	return false
}

// sign computes the hex HMAC-SHA256 of the exact request body, so the
// receiver verifies the bytes it read rather than a re-serialization.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Stop halts every delivery worker and waits for in-flight deliveries to
// settle. Queued events are dropped; call only on process shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for id, sub := range d.subs {
		close(sub.done)
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// ErrWebhookNotFound is returned by Unregister for an unknown id.
var ErrWebhookNotFound = &WebhookError{Message: "webhook not found"}

// WebhookError wraps a webhook-subsystem error message.
type WebhookError struct {
	Message string
}

func (e *WebhookError) Error() string {
	return e.Message
}
