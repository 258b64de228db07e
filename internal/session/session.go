// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"context"
	"crypto/md5"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
	"github.com/wavault/wagateway/internal/transport"
)

const (
	defaultWSURL = "wss://web.whatsapp.com/ws/chat"
	pingTarget   = "s.whatsapp.net"

	// waVersion is the client build version reported to the server inside
	// the registration payload (MD5 of this string is the buildHash).
	waVersion = "2.3000.1025190524"

	handshakeTimeout = 20 * time.Second
	responseTimeout  = 20 * time.Second

	keepAliveInterval = 30 * time.Second
	keepAliveTimeout  = 2 * keepAliveInterval

	reconnectBaseDelay  = 3 * time.Second
	reconnectMaxAttempt = 5
	conflictBackoff     = 5 * time.Second
)

// reconnectableCloseCodes are the WebSocket close codes that allow a
// reconnect attempt, provided creds are complete.
var reconnectableCloseCodes = map[int]bool{
	1006: true,
	1011: true,
	1012: true,
	1013: true,
	1014: true,
}

// Config configures a Session.
type Config struct {
	SessionID string
	WSURL     string
	Origin    string
	ProxyURL  string
	Country   string
	Logger    *zap.SugaredLogger
	Store     *store.FileStore

	// Clock lets tests inject a deterministic "now"; defaults to
	// time.Now().Unix.
	Clock func() int64
}

// Session owns one logical WhatsApp connection: its Noise engine, its
// transport, its durable creds/keys, and the state machine, pair/QR flow,
// pre-key upload, keep-alive, and reconnection policy layered on top of
// them. Ownership is strict: this type owns the state machine and
// delegates WebSocket/framing to internal/transport and credential/key
// durability to internal/store; neither layer reaches back in.
type Session struct {
	id     string
	cfg    Config
	logger *zap.SugaredLogger
	store  *store.FileStore
	clock  func() int64

	Events  *EventBus
	Router  *StanzaRouter
	waiters *responseWaiters

	mu    sync.Mutex
	state State
	flags Flags

	creds *store.AuthCreds
	keys  *store.KeyStore

	noise     *core.NoiseEngine
	transport *transport.Transport
	qrRotator *QRRotator

	lastDateRecv      int64
	reconnectAttempts int
	lastQR            string
	everOpened        bool

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New creates a Session bound to sessionID. Credentials are loaded (or
// freshly generated) lazily on the first Connect.
func New(cfg Config) *Session {
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().Unix() }
	}
	return &Session{
		id:      cfg.SessionID,
		cfg:     cfg,
		logger:  cfg.Logger,
		store:   cfg.Store,
		clock:   cfg.Clock,
		Events:  NewEventBus(),
		Router:  NewStanzaRouter(),
		waiters: newResponseWaiters(),
		state:   StateClosed,
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session's identifier, as given to New.
func (s *Session) ID() string {
	return s.id
}

// CurrentQR returns the most recently emitted QR payload string, or "" if
// none has been issued yet (or it has already been consumed/expired).
func (s *Session) CurrentQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQR
}

// Info is a point-in-time snapshot of a session's identity and lifecycle
// state, for the control surface's get/list endpoints.
type Info struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Registered bool   `json:"registered"`
	MeID       string `json:"meId,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// Info returns a snapshot of this session suitable for JSON serialization.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{ID: s.id, State: s.state.String()}
	if s.creds != nil {
		info.Registered = s.creds.Registered
		info.Platform = s.creds.Platform
		if s.creds.Me != nil {
			info.MeID = s.creds.Me.ID
		}
	}
	return info
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Connect loads or initializes creds, dials the transport, performs the
// Noise handshake, and then either resumes an authenticated session or
// enters the pairing flow, walking closed, connecting, handshaking, and
// then awaiting_pair or authenticated. The read loop and
// keep-alive ticker run in background goroutines until disconnect.
//
// ctx is not used; in particular it is deliberately NOT the parent of
// the context that governs the connection's own lifetime. A Session's read
// loop, keep-alive ticker, and reconnect timers routinely outlive whatever
// request triggered Connect, and frameworks like fasthttp recycle their
// request context object once the handler returns, so rooting a long-lived
// goroutine's context in it would make that goroutine's cancellation
// depend on an unrelated, possibly-reused request. The run context is
// therefore rooted in context.Background() and cancelled only by
// Disconnect or failConnection (via s.cancelRun); each session is an
// independent task.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return &ProtocolError{Message: "connect called while not closed"}
	}
	s.flags.Reset()
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.loadOrInitCreds(); err != nil {
		s.setState(StateClosed)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	noise, err := core.NewNoiseEngine(s.creds.NoiseKey)
	if err != nil {
		cancel()
		s.setState(StateClosed)
		return &ProtocolError{Message: "noise init: " + err.Error()}
	}
	s.noise = noise

	tr, err := transport.Dial(runCtx, transport.DialOptions{URL: s.cfg.WSURL, Origin: s.cfg.Origin, ProxyURL: s.cfg.ProxyURL}, noise, s.logger)
	if err != nil {
		cancel()
		s.setState(StateClosed)
		s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "close", LastDisconnect: &LastDisconnect{Error: err.Error(), Date: s.clock()}})
		return err
	}
	s.transport = tr

	s.setState(StateHandshaking)
	s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "connecting"})

	hsCtx, hsCancel := context.WithTimeout(runCtx, handshakeTimeout)
	err = s.performHandshake(hsCtx)
	hsCancel()
	if err != nil {
		s.failConnection(err)
		return err
	}

	s.touchLastRecv()
	// runDone is created only once the run loop actually starts, so
	// disconnectLocked never waits on a loop that was never launched (a
	// dial or handshake failure returns before this point).
	s.runDone = make(chan struct{})
	go s.runLoop(runCtx, s.runDone)

	return nil
}

func (s *Session) touchLastRecv() {
	s.mu.Lock()
	s.lastDateRecv = s.clock()
	s.mu.Unlock()
}

func (s *Session) silentFor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock() - s.lastDateRecv
}

// performHandshake drives the Noise_XX initiator sequence: ClientHello
// out, ServerHello in, ClientFinish out.
func (s *Session) performHandshake(ctx context.Context) error {
	hello := s.noise.BuildClientHello()
	if err := s.transport.Send(ctx, hello); err != nil {
		return err
	}

	frame, err := s.transport.ReadFrame(ctx)
	if err != nil {
		return err
	}
	if err := s.noise.ProcessServerHello(frame.Payload); err != nil {
		return err
	}

	payload := core.EncodeClientPayload(s.clientPayloadOptions())
	finish, err := s.noise.BuildClientFinish(payload)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, finish)
}

func (s *Session) clientPayloadOptions() core.ClientPayloadOptions {
	if s.creds.Registered && s.creds.Me != nil {
		return core.ClientPayloadOptions{
			Registered: true,
			Username:   meJIDToUsername(s.creds.Me.ID),
			Device:     meJIDToDevice(s.creds.Me.ID),
			Country:    s.cfg.Country,
		}
	}
	buildHash := md5.Sum([]byte(waVersion))
	return core.ClientPayloadOptions{
		Registered: false,
		Country:    s.cfg.Country,
		Pairing: core.DevicePairingData{
			BuildHash:   buildHash[:],
			DeviceProps: core.EncodeDeviceProps(core.DevicePropsPlatformType(s.creds.Platform)),
			ERegID:      s.creds.RegistrationID,
			EKeytype:    core.DJBType,
			EIdent:      s.creds.SignedIdentityKey.Public,
			ESkeyID:     s.creds.SignedPreKey.KeyID,
			ESkeyVal:    s.creds.SignedPreKey.KeyPair.Public,
			ESkeySig:    s.creds.SignedPreKey.Signature,
		},
	}
}

// meJIDToUsername extracts the numeric user portion of a JID
// ("15551234567@s.whatsapp.net" -> 15551234567); returns 0 if it can't.
func meJIDToUsername(jid string) uint64 {
	var n uint64
	for i := 0; i < len(jid) && jid[i] >= '0' && jid[i] <= '9'; i++ {
		n = n*10 + uint64(jid[i]-'0')
	}
	return n
}

// meJIDToDevice extracts the device number suffix of a JID
// ("15551234567@s.whatsapp.net:3" -> 3); 0 when there is no suffix.
func meJIDToDevice(jid string) uint32 {
	idx := -1
	for i := len(jid) - 1; i >= 0; i-- {
		if jid[i] == ':' {
			idx = i
			break
		}
		if jid[i] == '@' {
			return 0
		}
	}
	if idx < 0 {
		return 0
	}
	var n uint32
	for i := idx + 1; i < len(jid); i++ {
		if jid[i] < '0' || jid[i] > '9' {
			return 0
		}
		n = n*10 + uint32(jid[i]-'0')
	}
	return n
}

// runLoop is the per-session background task: it owns the read loop and
// the keep-alive ticker for the lifetime of one connection attempt. It
// exits when ctx is cancelled (disconnect) or the transport fails. done is
// the runDone channel of the connection attempt that launched this loop;
// taking it as a parameter keeps a slow-exiting loop from closing a newer
// attempt's channel.
func (s *Session) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.creds.Registered {
		s.setState(StateAuthenticated)
		s.sendPresenceAvailable(ctx)
		s.handleAuthenticatedEntry(ctx)
	} else {
		s.setState(StateAwaitingPair)
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	readErrs := make(chan error, 1)
	go s.readLoop(ctx, readErrs)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrs:
			s.failConnection(err)
			return
		case <-keepAlive.C:
			if s.silentFor() > int64(keepAliveTimeout/time.Second) {
				s.failConnection(&TransportError{Message: "Connection was lost"})
				return
			}
			s.sendKeepAlivePing(ctx)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, errs chan<- error) {
	for {
		frame, err := s.transport.ReadFrame(ctx)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		s.touchLastRecv()

		node, err := core.DecodeBinaryNode(frame.Payload)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("dropping undecodable stanza", "error", err)
			}
			continue
		}
		s.handleInboundNode(ctx, node)
	}
}

// handleInboundNode implements the per-stanza dispatch: ping
// stream errors close with a fixed reason, other stream errors map to
// (reason, statusCode) and close the connection, response waiters take
// priority over the general router, and anything else is routed by shape.
func (s *Session) handleInboundNode(ctx context.Context, node *core.Node) {
	if node.Tag == "stream:error" {
		s.handleStreamError(ctx, node)
		return
	}
	if node.Tag == "iq" && node.Attrs["type"] == "get" && hasChildTag(node, "ping") {
		s.replyToPing(ctx, node)
		return
	}
	if node.Tag == "iq" && hasChildTag(node, "pair-device") {
		s.handlePairDevice(ctx, node)
		return
	}
	if node.Tag == "iq" && hasChildTag(node, "pair-success") {
		s.handlePairSuccess(ctx, node)
		return
	}
	if node.Tag == "success" {
		s.handleSuccessNode(ctx)
		return
	}
	if node.Tag == "message" {
		// Per-peer decryption belongs to the pluggable sub-service; the
		// engine's job ends at delivering the decoded stanza downstream.
		s.Events.EmitMessagesUpsert(MessagesUpsert{Messages: []*core.Node{node}, Type: "notify"})
		return
	}

	if s.waiters.Deliver(node) {
		return
	}
	if !s.Router.Dispatch(node) {
		// An unexpected direct request still requires an answer; everything
		// else is dropped with a debug log.
		if node.Tag == "iq" && node.Attrs["type"] == "get" && node.Attrs["id"] != "" {
			s.replyWithErrorIQ(ctx, node)
			return
		}
		if s.logger != nil {
			s.logger.Debugw("unhandled stanza", "tag", node.Tag)
		}
	}
}

func (s *Session) replyWithErrorIQ(ctx context.Context, req *core.Node) {
	reply := &core.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   pingTarget,
			"type": "error",
			"id":   req.Attrs["id"],
		},
		Content: []*core.Node{
			{Tag: "error", Attrs: map[string]string{"code": "501", "text": "feature-not-implemented"}},
		},
	}
	_ = s.send(ctx, reply)
}

func hasChildTag(n *core.Node, tag string) bool {
	children, ok := n.Content.([]*core.Node)
	if !ok {
		return false
	}
	for _, c := range children {
		if c.Tag == tag {
			return true
		}
	}
	return false
}

func (s *Session) handleStreamError(ctx context.Context, node *core.Node) {
	name := ""
	if children, ok := node.Content.([]*core.Node); ok && len(children) > 0 {
		name = children[0].Tag
	}
	if name == "ping" {
		_ = s.transport.Close(1000, "pong malformed")
		s.failConnection(&PingAsStreamError{})
		return
	}

	streamErr := MapStreamError(name, node.Attrs["code"])
	_ = s.transport.Close(1000, streamErr.Reason)
	s.failConnection(streamErr)
}

func (s *Session) replyToPing(ctx context.Context, ping *core.Node) {
	reply := &core.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   pingTarget,
			"type": "result",
			"id":   ping.Attrs["id"],
		},
	}
	_ = s.send(ctx, reply)
}

// sendPresenceAvailable announces the device as available on entry to
// authenticated for an already-registered login; the passive-active IQ is
// sent separately by handleAuthenticatedEntry.
func (s *Session) sendPresenceAvailable(ctx context.Context) {
	node := &core.Node{
		Tag:   "presence",
		Attrs: map[string]string{"type": "available"},
	}
	_ = s.send(ctx, node)
}

func (s *Session) sendKeepAlivePing(ctx context.Context) {
	node := &core.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   pingTarget,
			"type": "get",
			"id":   fmt.Sprintf("keepalive-%d", s.clock()),
		},
		Content: []*core.Node{{Tag: "ping", Attrs: map[string]string{"xmlns": "urn:xmpp:ping"}}},
	}
	_ = s.send(ctx, node)
}

// send encodes and transmits a single stanza.
func (s *Session) send(ctx context.Context, n *core.Node) error {
	return s.transport.Send(ctx, core.EncodeBinaryNode(n))
}

// handleAuthenticatedEntry runs on entry to authenticated (from runLoop for
// an already-registered account, from handlePairSuccess after pairing) and
// again from handleSuccessNode: it sends the passive-active IQ only the
// first time in a connection, and uploads pre-keys if the backlog requires it.
func (s *Session) handleAuthenticatedEntry(ctx context.Context) {
	s.mu.Lock()
	alreadySent := s.flags.PassiveActiveSent
	if !alreadySent {
		s.flags.PassiveActiveSent = true
	}
	s.mu.Unlock()

	if !alreadySent {
		passiveActive := &core.Node{
			Tag:   "iq",
			Attrs: map[string]string{"to": pingTarget, "type": "set", "id": fmt.Sprintf("passive-%d", s.clock())},
			Content: []*core.Node{
				{Tag: "passive", Attrs: map[string]string{"type": "active"}},
			},
		}
		_ = s.send(ctx, passiveActive)
	}
	s.maybeUploadPreKeys(ctx)
}

// SendIQ sends an IQ request and blocks for the matching response by id,
// bounded by responseTimeout. At most one waiter exists per (session, id).
func (s *Session) SendIQ(ctx context.Context, n *core.Node) (*core.Node, error) {
	id := n.Attrs["id"]
	if id == "" {
		return nil, &ProtocolError{Message: "iq request has no id"}
	}

	ch := s.waiters.Await(id)
	if err := s.send(ctx, n); err != nil {
		s.waiters.Cancel(id)
		return nil, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		s.waiters.Cancel(id)
		return nil, &ProtocolError{Message: "iq " + id + " timed out"}
	case <-ctx.Done():
		s.waiters.Cancel(id)
		return nil, ctx.Err()
	}
}

// maybeUploadPreKeys kicks off a pre-key upload in a short-lived helper
// goroutine if one is needed and none is in flight. The work happens off
// the read loop because the upload awaits its own IQ response, which the
// read loop is the one to deliver.
func (s *Session) maybeUploadPreKeys(ctx context.Context) {
	s.mu.Lock()
	if s.flags.PreKeyUploadInFlight || !NeedsUpload(s.creds) {
		s.mu.Unlock()
		return
	}
	s.flags.PreKeyUploadInFlight = true
	s.mu.Unlock()

	go s.uploadPreKeys(ctx)
}

// uploadPreKeys does the actual upload: generate the missing
// keys in [firstUnuploadedPreKeyId, nextPreKeyId), persist them, send the
// registration bundle, and advance the creds watermark only once the server
// acknowledges. PreKeyUploadInFlight is cleared on completion or failure.
func (s *Session) uploadPreKeys(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.flags.PreKeyUploadInFlight = false
		s.mu.Unlock()
	}()

	if s.transport == nil {
		return
	}

	batch, err := PrepareUploadBatch(s.creds, s.keys.PreKeys)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorw("pre-key batch generation failed", "error", err)
		}
		return
	}
	for _, pk := range batch {
		s.keys.PreKeys[pk.KeyID] = pk
		if err := s.store.PutPreKey(s.id, pk); err != nil {
			if s.logger != nil {
				s.logger.Errorw("pre-key persist failed", "error", err)
			}
			return
		}
	}

	full := make([]store.PreKey, 0, s.creds.NextPreKeyID-s.creds.FirstUnuploadedPreKeyID)
	for id := s.creds.FirstUnuploadedPreKeyID; id < s.creds.NextPreKeyID; id++ {
		if pk, ok := s.keys.PreKeys[id]; ok {
			full = append(full, pk)
		}
	}

	resp, err := s.SendIQ(ctx, s.buildPreKeyUploadIQ(full))
	if err != nil {
		if s.logger != nil {
			s.logger.Errorw("pre-key upload failed", "error", err)
		}
		return
	}
	if resp.Attrs["type"] != "result" {
		if s.logger != nil {
			s.logger.Errorw("pre-key upload rejected", "type", resp.Attrs["type"])
		}
		return
	}

	MarkUploaded(s.creds)
	if err := s.store.SaveCreds(s.id, s.creds); err != nil {
		if s.logger != nil {
			s.logger.Errorw("creds persist failed after pre-key upload", "error", err)
		}
		return
	}
	s.Events.EmitCredsUpdate(CredsUpdate{Creds: s.creds})
}

// buildPreKeyUploadIQ composes the registration-bundle IQ: registration id,
// identity key, the one-time pre-key batch, and the signed pre-key.
func (s *Session) buildPreKeyUploadIQ(batch []store.PreKey) *core.Node {
	regid := make([]byte, 4)
	binary.BigEndian.PutUint32(regid, s.creds.RegistrationID)

	keyNodes := make([]*core.Node, len(batch))
	for i, pk := range batch {
		keyNodes[i] = &core.Node{Tag: "key", Content: []*core.Node{
			{Tag: "id", Content: encodeKeyID(pk.KeyID)},
			{Tag: "value", Content: pk.KeyPair.Public[:]},
		}}
	}

	spk := s.creds.SignedPreKey
	return &core.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":    pingTarget,
			"type":  "set",
			"xmlns": "encrypt",
			"id":    fmt.Sprintf("prekeys-%d", s.clock()),
		},
		Content: []*core.Node{
			{Tag: "registration", Content: regid},
			{Tag: "type", Content: []byte{core.DJBType}},
			{Tag: "identity", Content: s.creds.SignedIdentityKey.Public[:]},
			{Tag: "list", Content: keyNodes},
			{Tag: "skey", Content: []*core.Node{
				{Tag: "id", Content: encodeKeyID(spk.KeyID)},
				{Tag: "value", Content: spk.KeyPair.Public[:]},
				{Tag: "signature", Content: spk.Signature[:]},
			}},
		},
	}
}

// encodeKeyID renders a pre-key id as the 3-byte big-endian form the wire
// uses.
func encodeKeyID(id uint32) []byte {
	return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

// ConsumePreKey records pre-key keyID as used. The per-peer decryption
// sub-service calls back in here whenever it consumes one of this
// session's one-time pre-keys. If the available count has dropped below
// PreKeyRefillThreshold, a fresh PreKeyBatchSize refill is generated,
// persisted, and queued for upload.
func (s *Session) ConsumePreKey(ctx context.Context, keyID uint32) error {
	if err := s.store.MarkPreKeyUsed(s.id, keyID); err != nil {
		return &PersistenceError{Message: err.Error()}
	}
	if pk, ok := s.keys.PreKeys[keyID]; ok {
		pk.Used = true
		s.keys.PreKeys[keyID] = pk
	}

	if !NeedsRefill(AvailableCount(s.keys)) {
		return nil
	}

	batch, err := RefillBatch(s.creds)
	if err != nil {
		return fmt.Errorf("session: refill pre-keys: %w", err)
	}
	for _, pk := range batch {
		s.keys.PreKeys[pk.KeyID] = pk
		if err := s.store.PutPreKey(s.id, pk); err != nil {
			return &PersistenceError{Message: err.Error()}
		}
	}
	if err := s.store.SaveCreds(s.id, s.creds); err != nil {
		return &PersistenceError{Message: err.Error()}
	}
	s.Events.EmitCredsUpdate(CredsUpdate{Creds: s.creds})

	s.maybeUploadPreKeys(ctx)
	return nil
}

// handlePairDevice starts the QR subsystem: ack the IQ,
// extract refs, compose the rotating QR strings, expose the full list to
// the consumer at once, and drive a QRRotator that emits the current QR
// until a ref is consumed or the list runs dry.
func (s *Session) handlePairDevice(ctx context.Context, node *core.Node) {
	var pairDevice *core.Node
	if children, ok := node.Content.([]*core.Node); ok {
		for _, c := range children {
			if c.Tag == "pair-device" {
				pairDevice = c
				break
			}
		}
	}
	if pairDevice == nil {
		return
	}

	ack := &core.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   node.Attrs["from"],
			"type": "result",
			"id":   node.Attrs["id"],
		},
	}
	if ack.Attrs["to"] == "" {
		ack.Attrs["to"] = pingTarget
	}
	_ = s.send(ctx, ack)

	refs := ExtractPairDeviceRefs(pairDevice)
	qrList := ComposeQRList(refs, s.creds.NoiseKey.Public, s.creds.SignedIdentityKey.Public, s.creds.AdvSecretKey)

	s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "connecting", QRRefs: qrList, IsNewLogin: true})

	s.qrRotator = NewQRRotator(qrList,
		func(current string) {
			s.mu.Lock()
			s.lastQR = current
			s.mu.Unlock()
			s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "connecting", QR: current})
		},
		func() {
			s.mu.Lock()
			s.flags.QRStopped = true
			s.lastQR = ""
			s.mu.Unlock()
			s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "close", LastDisconnect: &LastDisconnect{Error: "qr_expired", Date: s.clock()}})
			s.disconnectLocked(1000, "qr expired")
		},
	)
}

// handlePairSuccess finalizes pairing: parse the paired device identity,
// persist creds, upload pre-keys if needed, and announce the new login.
func (s *Session) handlePairSuccess(ctx context.Context, node *core.Node) {
	s.mu.Lock()
	if s.flags.PairSuccessHandled {
		s.mu.Unlock()
		return
	}
	s.flags.PairSuccessHandled = true
	s.mu.Unlock()

	var pairSuccess *core.Node
	if children, ok := node.Content.([]*core.Node); ok {
		for _, c := range children {
			if c.Tag == "pair-success" {
				pairSuccess = c
				break
			}
		}
	}
	if pairSuccess == nil {
		return
	}

	info, err := ParsePairSuccess(pairSuccess)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorw("pair-success parse failed", "error", err)
		}
		return
	}

	if s.qrRotator != nil {
		s.qrRotator.Stop()
	}
	s.mu.Lock()
	s.lastQR = ""
	s.mu.Unlock()

	ApplyPairSuccess(s.creds, info, s.clock())
	if err := s.store.SaveCreds(s.id, s.creds); err != nil {
		if s.logger != nil {
			s.logger.Errorw("creds persist failed after pairing", "error", err)
		}
		return
	}

	// Persist the local identity into the Signal session store under the
	// new deviceJid/device 0, so the per-peer decryption sub-service can
	// find our own identity key keyed the same way it looks up everyone
	// else's.
	localIdentityRecord := s.creds.SignedIdentityKey.Public[:]
	if err := s.store.PutSession(s.id, info.DeviceJID, 0, localIdentityRecord); err != nil {
		if s.logger != nil {
			s.logger.Errorw("local identity persist failed", "error", err)
		}
		return
	}
	if s.keys != nil {
		s.keys.Sessions[store.SessionKey{JID: info.DeviceJID, Device: 0}] = localIdentityRecord
	}

	s.Events.EmitCredsUpdate(CredsUpdate{Creds: s.creds})

	reply := &core.Node{
		Tag:   "iq",
		Attrs: map[string]string{"to": pingTarget, "type": "result", "id": node.Attrs["id"]},
	}
	_ = s.send(ctx, reply)

	s.setState(StateAuthenticated)
	s.handleAuthenticatedEntry(ctx)

	s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "connecting", IsNewLogin: true})
	// State stays authenticated; the subsequent "success" node (handled by
	// handleSuccessNode) drives the authenticated -> open transition and
	// the one-time connection.update{open}.
}

// handleSuccessNode drives the authenticated to open transition on an
// inbound success stanza: upload pre-keys if needed, send the passive-active
// IQ (skipped if the handleAuthenticatedEntry call from runLoop or
// handlePairSuccess already sent it), and emit connection.update{open} exactly once
// per successful Connect, guarded by SuccessHandled.
func (s *Session) handleSuccessNode(ctx context.Context) {
	s.mu.Lock()
	if s.flags.SuccessHandled || s.state != StateAuthenticated {
		s.mu.Unlock()
		return
	}
	s.flags.SuccessHandled = true
	s.everOpened = true
	s.mu.Unlock()

	s.handleAuthenticatedEntry(ctx)
	s.setState(StateOpen)
	s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "open"})
}

// failConnection tears down the current connection and decides whether to
// reconnect.
func (s *Session) failConnection(cause error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	if s.cancelRun != nil {
		s.cancelRun()
	}

	s.Events.EmitConnectionUpdate(ConnectionUpdate{Connection: "close", LastDisconnect: &LastDisconnect{Error: cause.Error(), Date: s.clock()}})
	s.setState(StateClosed)

	if !s.shouldReconnect(cause) {
		return
	}

	s.reconnectAttempts++
	delay := reconnectBaseDelay * time.Duration(1<<uint(s.reconnectAttempts-1))
	if streamErr, ok := cause.(*StreamError); ok && streamErr.Reason == "conflict" && delay < conflictBackoff {
		delay = conflictBackoff
	}

	time.AfterFunc(delay, func() {
		if err := s.Connect(context.Background()); err != nil {
			if s.logger != nil {
				s.logger.Errorw("reconnect attempt failed", "error", err)
			}
		} else {
			s.reconnectAttempts = 0
		}
	})
}

// credsComplete reports whether the persisted identity is sufficient to
// attempt a reconnect: me.id, noiseKey and signedIdentityKey all present.
func (s *Session) credsComplete() bool {
	if s.creds == nil || s.creds.Me == nil || s.creds.Me.ID == "" {
		return false
	}
	var zero [32]byte
	return s.creds.NoiseKey.Private != zero && s.creds.SignedIdentityKey.Private != zero
}

func (s *Session) shouldReconnect(cause error) bool {
	if s.reconnectAttempts >= reconnectMaxAttempt {
		return false
	}
	if !s.credsComplete() {
		return false
	}

	switch e := cause.(type) {
	case *transport.TransportError:
		if !reconnectableCloseCodes[e.CloseCode] {
			return false
		}
		// 1006 (abnormal closure) routinely follows pair-success; it is
		// reconnect-eligible only once the session has reached open at
		// least once with these creds.
		if e.CloseCode == 1006 {
			return s.creds.Registered && s.everOpened
		}
		return true
	case *TransportError:
		// Session-level transport failure: the keep-alive watchdog's
		// "Connection was lost". Always worth a retry with complete creds.
		return true
	case *core.HandshakeError:
		return true
	case *StreamError:
		// stream:error always calls for a reconnect (conflict included,
		// subject to the conflict-specific backoff applied in
		// failConnection); replaced/shutdown/system-shutdown are likewise
		// transient server-side conditions.
		return true
	case *PingAsStreamError:
		return false
	case *ProtocolError:
		return false
	default:
		return false
	}
}

// Disconnect idempotently tears the session down: stops timers, closes
// the WebSocket with a normal status, and transitions to closed. No
// further connection.update events fire until the next Connect.
func (s *Session) Disconnect() {
	s.disconnectLocked(1000, "closing")
}

func (s *Session) disconnectLocked(code int, reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.qrRotator != nil {
		s.qrRotator.Stop()
	}
	if s.transport != nil {
		_ = s.transport.Close(websocket.StatusCode(code), reason)
	}
	if s.runDone != nil {
		<-s.runDone
	}

	s.setState(StateClosed)
}

// Restart disconnects the current connection (if any) and reconnects from
// scratch, reusing existing creds.
func (s *Session) Restart(ctx context.Context) error {
	s.Disconnect()
	return s.Connect(ctx)
}

// Reset wipes this session's durable state and reconnects as a brand new,
// unregistered identity.
func (s *Session) Reset(ctx context.Context) error {
	s.Disconnect()
	if err := s.store.RemoveAll(s.id); err != nil {
		return &PersistenceError{Message: err.Error()}
	}
	return s.Connect(ctx)
}

// GenerateNewQR clears the in-flight QR rotation and allows the next
// server-driven pair-device stanza to start a fresh cycle. It does not
// tear down the connection itself.
func (s *Session) GenerateNewQR(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAwaitingPair {
		s.mu.Unlock()
		return &ProtocolError{Message: "generateNewQR called outside awaiting_pair"}
	}
	s.flags.QRStopped = false
	s.mu.Unlock()

	if s.qrRotator != nil {
		s.qrRotator.Stop()
		s.qrRotator = nil
	}

	req := &core.Node{
		Tag:   "iq",
		Attrs: map[string]string{"to": pingTarget, "type": "get", "id": fmt.Sprintf("qr-refresh-%d", s.clock())},
		Content: []*core.Node{
			{Tag: "pair-device", Attrs: map[string]string{"xmlns": "urn:xmpp:wa:pair"}},
		},
	}
	return s.send(ctx, req)
}

func (s *Session) loadOrInitCreds() error {
	creds, err := s.store.LoadCreds(s.id)
	if err != nil {
		return &PersistenceError{Message: err.Error()}
	}
	if creds != nil {
		s.creds = creds
	} else {
		fresh, err := initFreshCreds()
		if err != nil {
			return &PersistenceError{Message: err.Error()}
		}
		s.creds = fresh
		if err := s.store.SaveCreds(s.id, s.creds); err != nil {
			return &PersistenceError{Message: err.Error()}
		}
	}

	keys, err := s.store.LoadKeys(s.id)
	if err != nil {
		return &PersistenceError{Message: err.Error()}
	}
	s.keys = keys
	return nil
}

// initFreshCreds generates a brand new identity bundle for an
// unregistered session.
func initFreshCreds() (*store.AuthCreds, error) {
	noiseKey, err := core.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	identityKey, err := core.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signedPreKey, err := GenerateSignedPreKey(identityKey, 1)
	if err != nil {
		return nil, err
	}
	pairingEphemeral, err := core.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	var advSecret [32]byte
	if _, err := cryptorand.Read(advSecret[:]); err != nil {
		return nil, err
	}
	regID, err := generateRegistrationID()
	if err != nil {
		return nil, err
	}

	creds := &store.AuthCreds{
		NoiseKey:            noiseKey,
		SignedIdentityKey:   identityKey,
		SignedPreKey:        signedPreKey,
		RegistrationID:      regID,
		AdvSecretKey:        advSecret,
		PairingEphemeralKey: pairingEphemeral,
		// The first upload batch must actually contain keys: leaving
		// NextPreKeyID == FirstUnuploadedPreKeyID would make
		// PrepareUploadBatch's [FirstUnuploadedPreKeyID, NextPreKeyID)
		// range empty on a brand new identity. Reserve one full batch
		// ([1, 1+PreKeyBatchSize)) up front so the first
		// maybeUploadPreKeys call (triggered by ServerHasPreKeys == false)
		// has a real batch to generate and upload.
		NextPreKeyID:            1 + PreKeyBatchSize,
		FirstUnuploadedPreKeyID: 1,
	}
	return creds, nil
}

// generateRegistrationID draws a registration id uniformly from 1..16383.
func generateRegistrationID() (uint32, error) {
	var b [2]byte
	for {
		if _, err := cryptorand.Read(b[:]); err != nil {
			return 0, err
		}
		// Reject the top 4 values so that 65532 = 4*16383 inputs map evenly.
		if v := binary.BigEndian.Uint16(b[:]); v < 4*16383 {
			return uint32(v)%16383 + 1, nil
		}
	}
}
