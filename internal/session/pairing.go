// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
)

// QRRotationInterval is how long each QR ref stays current before the
// rotation advances to the next one.
const QRRotationInterval = 20 * time.Second

// ExtractPairDeviceRefs pulls the ordered `ref` children out of a
// `pair-device` node's content and decodes each as UTF-8.
func ExtractPairDeviceRefs(pairDevice *core.Node) []string {
	children, ok := pairDevice.Content.([]*core.Node)
	if !ok {
		return nil
	}
	var refs []string
	for _, child := range children {
		if child.Tag != "ref" {
			continue
		}
		if data, ok := child.Content.([]byte); ok {
			refs = append(refs, string(data))
		}
	}
	return refs
}

// ComposeQRList builds the rotating QR payload strings for a ref list:
// `ref,b64(noisePub),b64(identityPub),b64(advSecret)`.
func ComposeQRList(refs []string, noisePub, identityPub, advSecret [32]byte) []string {
	noiseB64 := base64.StdEncoding.EncodeToString(noisePub[:])
	identityB64 := base64.StdEncoding.EncodeToString(identityPub[:])
	advB64 := base64.StdEncoding.EncodeToString(advSecret[:])

	list := make([]string, len(refs))
	for i, ref := range refs {
		list[i] = fmt.Sprintf("%s,%s,%s,%s", ref, noiseB64, identityB64, advB64)
	}
	return list
}

// QRRotator drives the 20s-per-ref rotation: index=0, emit the current QR,
// advance on each tick; once the index runs off the end of the list,
// signal expiry.
type QRRotator struct {
	mu      sync.Mutex
	list    []string
	index   int
	timer   *time.Timer
	stopped bool

	onAdvance func(current string)
	onExpired func()
}

// NewQRRotator starts rotating immediately, invoking onAdvance with the
// first QR in list before returning.
func NewQRRotator(list []string, onAdvance func(string), onExpired func()) *QRRotator {
	r := &QRRotator{list: list, onAdvance: onAdvance, onExpired: onExpired}
	if len(list) == 0 {
		r.onExpired()
		return r
	}
	r.onAdvance(list[0])
	r.scheduleNext()
	return r
}

func (r *QRRotator) scheduleNext() {
	r.timer = time.AfterFunc(QRRotationInterval, r.advance)
}

func (r *QRRotator) advance() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.index++
	if r.index >= len(r.list) {
		r.stopped = true
		r.mu.Unlock()
		r.onExpired()
		return
	}
	current := r.list[r.index]
	r.mu.Unlock()

	r.onAdvance(current)
	r.scheduleNext()
}

// Stop halts rotation, e.g. on successful pairing or disconnect.
func (r *QRRotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// PairSuccessInfo is the parsed content of an `iq/set/pair-success` node.
// The wire's exact `pair-success` child shape is not pinned down by any
// protocol description available to this module; it is modeled as three
// optional children - `device` (attrs: jid, lid), `platform` (attrs:
// name), `biz` (attrs: name) - which is the shape the rest of the pairing
// flow (persist, reply, passive-active) is written against.
type PairSuccessInfo struct {
	DeviceJID string
	BizName   string
	LID       string
	Platform  string
}

// ParsePairSuccess extracts device identity fields from a `pair-success`
// node's children.
func ParsePairSuccess(pairSuccess *core.Node) (*PairSuccessInfo, error) {
	children, ok := pairSuccess.Content.([]*core.Node)
	if !ok {
		return nil, &ProtocolError{Message: "pair-success has no children"}
	}

	info := &PairSuccessInfo{Platform: "smba"}
	for _, child := range children {
		switch child.Tag {
		case "device":
			if child.Attrs != nil {
				info.DeviceJID = child.Attrs["jid"]
				info.LID = child.Attrs["lid"]
			}
		case "platform":
			if child.Attrs != nil && child.Attrs["name"] != "" {
				info.Platform = child.Attrs["name"]
			}
		case "biz":
			if child.Attrs != nil {
				info.BizName = child.Attrs["name"]
			}
		}
	}

	if info.DeviceJID == "" {
		return nil, &ProtocolError{Message: "pair-success missing device jid"}
	}
	return info, nil
}

// ApplyPairSuccess updates creds after a successful scan: sets the newly
// paired identity, marks the session registered, and prunes/reseeds the
// signalIdentities trust table down to the newly paired device's own
// entry. now is injected so callers control the timestamp source (tests,
// or a real clock).
func ApplyPairSuccess(creds *store.AuthCreds, info *PairSuccessInfo, now int64) {
	creds.Me = &store.MeInfo{ID: info.DeviceJID, Name: info.BizName, LID: info.LID}
	creds.Platform = info.Platform
	creds.Registered = true
	creds.LastAccountSyncTimestamp = now

	pruned := make(map[string][32]byte, 1)
	for name, pub := range creds.SignalIdentities {
		if name == info.DeviceJID {
			pruned[name] = pub
		}
	}
	pruned[info.DeviceJID] = creds.SignedIdentityKey.Public
	creds.SignalIdentities = pruned
}
