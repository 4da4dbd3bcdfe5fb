// Package gateway implements the per-connection client handler: the state
// machine that owns one WebSocket connection end to end, running the
// six-step per-frame pipeline and dispatching to the rendezvous, relay,
// and pairing collaborators.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/Hamza-Labs-Core/zajel/internal/relay"
)

// ConnectionState models the handler's position in its lifecycle:
// Connected -> Registered -> [Paired | Subscribed | Relaying] -> Closing ->
// Closed. Paired/Subscribed/Relaying are not mutually exclusive in
// practice, so they collapse to a single Active state; what matters for
// dispatch is only whether the handler has completed registration and
// whether it is still accepting frames.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateRegistered
	StateActive
	StateClosing
	StateClosed
)

// rate limit: 60 messages / 10s burst, steady 10/s.
const (
	rateLimitSteady = 10
	rateLimitBurst  = 60
)

const outboundQueueSize = 64

// wsConn narrows *websocket.Conn to what Handler needs, so tests can supply
// a fake without a real socket.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Handler is the sole mutator of one connection's state. All
// inbound frame processing happens on the goroutine running Run, strictly
// serially; other goroutines may only reach this handler through its
// outbound channel (enqueueRaw / enqueueEvent) or through PeerTable.
type Handler struct {
	conn   wsConn
	server *Server
	logger *slog.Logger

	peerID      string
	pairingCode string
	state       int32 // ConnectionState, accessed via atomic load/store

	limiter  *rate.Limiter
	outbound chan []byte

	subscriptions map[string]bool
	ownedChannels map[string]bool

	attestationMu    sync.Mutex
	attestationNonce string
}

func (h *Handler) getState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&h.state))
}

func (h *Handler) setState(s ConnectionState) {
	atomic.StoreInt32(&h.state, int32(s))
}

func newHandler(conn wsConn, server *Server, logger *slog.Logger) *Handler {
	return &Handler{
		conn:          conn,
		server:        server,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(server.rateLimitSteady), server.rateLimitBurst),
		outbound:      make(chan []byte, outboundQueueSize),
		subscriptions: make(map[string]bool),
		ownedChannels: make(map[string]bool),
	}
}

// Run drives the connection until it closes: a writer goroutine drains the
// outbound queue while this goroutine reads and serially processes inbound
// frames.
func (h *Handler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(ctx)
	}()

	handshakeTimer := time.AfterFunc(handshakeTimeout, func() {
		if h.getState() == StateConnected {
			h.conn.Close(websocket.StatusPolicyViolation, "registration timeout")
		}
	})
	defer handshakeTimer.Stop()

	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			break
		}
		h.processFrame(ctx, data)
		if h.getState() != StateConnected {
			handshakeTimer.Stop()
		}
	}

	h.setState(StateClosing)
	h.disconnectCleanup(context.Background())
	h.setState(StateClosed)
	cancel()
	wg.Wait()
}

func (h *Handler) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-h.outbound:
			if !ok {
				return
			}
			if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// enqueueRaw pushes an already-encoded frame onto the outbound queue,
// non-blocking: a full queue reports failure rather than blocking the
// caller's own processing loop.
func (h *Handler) enqueueRaw(data []byte) bool {
	select {
	case h.outbound <- data:
		return true
	default:
		return false
	}
}

func (h *Handler) enqueueEvent(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal outbound event", "error", err)
		return
	}
	if !h.enqueueRaw(data) {
		h.logger.Warn("outbound queue full, dropping event", "peerId", h.peerID)
	}
}

func (h *Handler) sendError(reason, detail string) {
	h.enqueueEvent(newError(reason, detail))
}

// DeliverStreamFrame implements relay.Subscriber.
func (h *Handler) DeliverStreamFrame(data []byte) {
	h.enqueueRaw(data)
}

// processFrame runs the six-step pipeline: size cap, rate limit, parse,
// schema validate, peerId consistency, dispatch. Each early-exit step, the
// consistency check included, reports an error frame and preserves the
// connection.
func (h *Handler) processFrame(ctx context.Context, raw []byte) {
	// 1. Size cap. An unconditional hard ceiling catches anything before
	// we even know the message type; the stricter control-channel cap is
	// re-checked once the type is known.
	if len(raw) > BulkFrameCap {
		h.sendError(ReasonInvalidMessage, "frame exceeds maximum size")
		return
	}

	// 2. Token-bucket rate limit.
	if !h.limiter.Allow() {
		h.sendError(ReasonRateLimited, "")
		return
	}

	// 3. Parse as JSON object.
	frame, err := parseInboundFrame(raw)
	if err != nil {
		h.sendError(ReasonParseError, err.Error())
		return
	}

	if !isKnownType(frame.Type) {
		h.sendError(ReasonInvalidMessage, "unknown type "+frame.Type)
		return
	}
	if len(raw) > frameCap(frame.Type) {
		h.sendError(ReasonInvalidMessage, "frame exceeds cap for type "+frame.Type)
		return
	}

	// 4. Schema validation.
	if missing := h.validate(frame); len(missing) > 0 {
		h.sendError(ReasonInvalidMessage, fmt.Sprintf("missing fields: %v", missing))
		return
	}

	// 5. peerId consistency check.
	if frame.has("peerId") {
		if claimed := frame.str("peerId"); h.peerID != "" && claimed != h.peerID {
			h.sendError(ReasonInvalidMessage, "peerId does not match registered handler")
			return
		}
	}

	// 6. Dispatch, each under its own error boundary.
	h.dispatch(ctx, frame)
}

func (h *Handler) validate(frame inboundFrame) []string {
	if frame.Type == "register" {
		hasCodePlusKey := frame.has("pairingCode") && frame.has("publicKey")
		hasPeerID := frame.has("peerId")
		if hasCodePlusKey || hasPeerID {
			return nil
		}
		return []string{"pairingCode+publicKey or peerId"}
	}
	return frame.missingFields(schemas[frame.Type])
}

func (h *Handler) dispatch(ctx context.Context, frame inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in dispatch, connection preserved", "type", frame.Type, "panic", r)
			h.sendError(ReasonInternal, "")
		}
	}()

	switch frame.Type {
	case "register":
		h.handleRegister(ctx, frame)
	case "pair_request":
		h.handlePairRequest(frame)
	case "pair_response":
		h.handlePairResponse(frame)
	case "offer", "answer", "ice_candidate",
		"call_offer", "call_answer", "call_reject", "call_hangup", "call_ice":
		h.handleOpaqueRelay(frame)
	case "link_request":
		h.handleLinkRequest(frame)
	case "link_response":
		h.handleLinkResponse(frame)
	case "upstream-message":
		h.handleUpstreamMessage(ctx, frame)
	case "stream-start", "stream-frame", "stream-end":
		h.handleStreamFrame(frame)
	case "channel-subscribe":
		h.handleChannelSubscribe(frame)
	case "channel-owner-register":
		h.handleChannelOwnerRegister(frame)
	case "chunk_announce":
		h.handleChunkAnnounce(frame)
	case "chunk_request", "chunk_push":
		h.handleChunkRelay(ctx, frame)
	case "update_load":
		h.handleUpdateLoad(frame)
	case "register_rendezvous":
		h.handleRegisterRendezvous(frame)
	case "register-daily-points":
		h.handleRegisterDailyPoints(ctx, frame)
	case "register-hourly-tokens":
		h.handleRegisterHourlyTokens(ctx, frame)
	case "get-daily-point":
		h.handleGetDailyPoint(frame)
	case "heartbeat":
		h.handleHeartbeat(frame)
	case "ping":
		h.enqueueEvent(map[string]string{"type": "pong"})
	case "attest_request":
		h.handleAttestRequest(frame)
	case "attest_response":
		h.handleAttestResponse(frame)
	case "get_relays":
		h.handleGetRelays()
	default:
		h.sendError(ReasonInvalidMessage, "unhandled type "+frame.Type)
	}
}

func (h *Handler) handleRegister(ctx context.Context, frame inboundFrame) {
	if frame.has("peerId") {
		peerID := frame.str("peerId")
		h.peerID = peerID
		h.server.peers.Register(peerID, h)
		h.setState(StateRegistered)
		h.enqueueEvent(map[string]string{"type": "registered", "peerId": peerID})
		return
	}

	peerID, err := h.server.peers.Allocate(h)
	if err != nil {
		h.sendError(ReasonInternal, "could not allocate peer id")
		return
	}
	h.peerID = peerID

	code := frame.str("pairingCode")
	if code != "" {
		h.server.pairing.Claim(code, peerID)
	} else {
		allocated, err := h.server.pairing.Allocate(peerID)
		if err != nil {
			h.sendError(ReasonInternal, "could not allocate pairing code")
			return
		}
		code = allocated
	}
	h.pairingCode = code
	h.setState(StateRegistered)
	h.enqueueEvent(map[string]string{"type": "registered", "peerId": peerID, "pairingCode": code})
}

func (h *Handler) handlePairRequest(frame inboundFrame) {
	targetCode := frame.str("targetCode")
	ownerPeerID, ok := h.server.pairing.Owner(targetCode)
	if !ok {
		h.sendError(ReasonUnknownPeer, "no peer registered under that code")
		return
	}
	owner, online := h.server.peers.Lookup(ownerPeerID)
	if !online {
		h.sendError(ReasonUnknownPeer, "target peer is not connected")
		return
	}
	h.server.pairing.RecordRequest(targetCode, h.peerID)
	owner.enqueueEvent(map[string]any{
		"type":       "pair_request",
		"peerId":     h.peerID,
		"targetCode": targetCode,
	})
	h.setState(StateActive)
}

func (h *Handler) handlePairResponse(frame inboundFrame) {
	targetCode := frame.str("targetCode")
	accepted, _ := frame.bool("accepted")

	requesterID, ok := h.server.pairing.ResolveRequester(targetCode)
	if !ok {
		h.sendError(ReasonUnknownPeer, "no pending pair request for that code")
		return
	}
	if !accepted {
		h.server.pairing.TombstoneRequester(targetCode)
	}
	requester, online := h.server.peers.Lookup(requesterID)
	if !online {
		return
	}
	requester.enqueueEvent(map[string]any{
		"type":       "pair_response",
		"targetCode": targetCode,
		"accepted":   accepted,
		"peerId":     h.peerID,
	})
	if accepted {
		h.setState(StateActive)
	}
}

func (h *Handler) handleOpaqueRelay(frame inboundFrame) {
	target := frame.str("target")
	peer, ok := h.server.peers.Lookup(target)
	if !ok {
		h.sendError(ReasonUnknownPeer, "target not connected")
		return
	}
	relayed := cloneFrame(frame)
	relayed["peerId"] = h.peerID
	peer.enqueueEvent(relayed)
}

func (h *Handler) handleLinkRequest(frame inboundFrame) {
	linkCode := frame.str("linkCode")
	h.server.links.RecordRequest(linkCode, h.peerID)
}

func (h *Handler) handleLinkResponse(frame inboundFrame) {
	linkCode := frame.str("linkCode")
	requesterID, ok := h.server.links.ResolveRequester(linkCode)
	if !ok {
		h.sendError(ReasonUnknownPeer, "no pending link request for that code")
		return
	}
	requester, online := h.server.peers.Lookup(requesterID)
	if !online {
		return
	}
	relayed := cloneFrame(frame)
	relayed["peerId"] = h.peerID
	requester.enqueueEvent(relayed)
}

func (h *Handler) handleUpstreamMessage(ctx context.Context, frame inboundFrame) {
	channelID := frame.str("channelId")
	ownerPeerID, ok := h.server.channelOwner(channelID)
	if !ok {
		h.sendError(ReasonUnknownChannel, "")
		return
	}
	raw, _ := json.Marshal(cloneFrame(frame))
	h.server.channels.UpstreamMessage(ownerPeerID, raw, h.server.peers)
}

func (h *Handler) handleStreamFrame(frame inboundFrame) {
	channelID := frame.str("channelId")
	raw, _ := json.Marshal(cloneFrame(frame))
	h.server.channels.Broadcast(channelID, raw)
}

func (h *Handler) handleChannelSubscribe(frame inboundFrame) {
	channelID := frame.str("channelId")
	h.server.channels.Subscribe(channelID, h)
	h.subscriptions[channelID] = true
	h.setState(StateActive)
}

func (h *Handler) handleChannelOwnerRegister(frame inboundFrame) {
	channelID := frame.str("channelId")
	h.server.setChannelOwner(channelID, h.peerID)
	h.ownedChannels[channelID] = true
	h.setState(StateActive)

	for _, data := range h.server.channels.OwnerRegister(h.peerID) {
		h.enqueueRaw(data)
	}
}

func (h *Handler) handleChunkAnnounce(frame inboundFrame) {
	h.server.chunks.Announce(h.peerID, frame.strSlice("chunks"))
}

func (h *Handler) handleChunkRelay(ctx context.Context, frame inboundFrame) {
	channelID := frame.str("channelId")
	ownerPeerID, ok := h.server.channelOwner(channelID)
	if !ok {
		h.sendError(ReasonUnknownChannel, "")
		return
	}
	raw, _ := json.Marshal(cloneFrame(frame))
	h.server.channels.UpstreamMessage(ownerPeerID, raw, h.server.peers)
}

func (h *Handler) handleUpdateLoad(frame inboundFrame) {
	h.server.relays.Upsert(relay.Peer{
		PeerID:         frame.str("peerId"),
		ConnectedCount: intField(frame, "connectedCount"),
		MaxConnections: intField(frame, "maxConnections"),
	})
}

func (h *Handler) handleRegisterRendezvous(frame inboundFrame) {
	h.server.relays.Upsert(relay.Peer{PeerID: frame.str("peerId")})
}

// handleRegisterDailyPoints implements the dead-drop carrier side of §4.2:
// the caller's share of point hashes is registered against this server's
// share of the DHT router, and any hashes owned elsewhere come back as
// redirects for the client to retry against the named server.
func (h *Handler) handleRegisterDailyPoints(ctx context.Context, frame inboundFrame) {
	found, redirects, err := h.server.rendezvousRouter.RegisterDailyPoints(
		ctx, h.peerID, frame.strSlice("points"), frame.str("deadDrop"), frame.str("relayId"))
	if err != nil {
		h.sendError(ReasonInternal, "could not register daily points")
		return
	}
	h.enqueueEvent(map[string]any{
		"type":           "daily-points-registered",
		"foundDeadDrops": found,
		"redirects":      redirects,
	})
}

// handleRegisterHourlyTokens is the real-time analogue: in addition to
// returning already-present live matches, the registry notifies any peer
// matched with the caller via the single rendezvous event consumer.
func (h *Handler) handleRegisterHourlyTokens(ctx context.Context, frame inboundFrame) {
	matches, redirects, err := h.server.rendezvousRouter.RegisterHourlyTokens(
		ctx, h.peerID, frame.strSlice("tokens"), frame.str("relayId"))
	if err != nil {
		h.sendError(ReasonInternal, "could not register hourly tokens")
		return
	}
	h.enqueueEvent(map[string]any{
		"type":        "hourly-tokens-registered",
		"liveMatches": matches,
		"redirects":   redirects,
	})
}

func (h *Handler) handleGetDailyPoint(frame inboundFrame) {
	point := frame.str("point")
	entries, redirect := h.server.rendezvousRouter.GetDailyPoint(point)
	h.enqueueEvent(map[string]any{
		"type":     "daily-point",
		"point":    point,
		"entries":  entries,
		"redirect": redirect,
	})
}

func (h *Handler) handleHeartbeat(frame inboundFrame) {
	h.server.touchLiveness(frame.str("peerId"))
}

func (h *Handler) handleAttestRequest(frame inboundFrame) {
	h.attestationMu.Lock()
	h.attestationNonce = frame.str("device_id")
	h.attestationMu.Unlock()
}

func (h *Handler) handleAttestResponse(frame inboundFrame) {
	h.attestationMu.Lock()
	pending := h.attestationNonce
	h.attestationNonce = ""
	h.attestationMu.Unlock()
	if pending == "" {
		h.sendError(ReasonInvalidMessage, "no pending attestation challenge")
	}
}

func (h *Handler) handleGetRelays() {
	candidates := h.server.relays.GetAvailableRelays(h.peerID, defaultRelayCount)
	h.enqueueEvent(map[string]any{"type": "relays", "relays": candidates})
}

// disconnectCleanup runs each of the six cleanup sections under its own
// boundary, so a failure in one never skips the rest.
func (h *Handler) disconnectCleanup(ctx context.Context) {
	h.safely("attestation state", func() {
		h.attestationMu.Lock()
		h.attestationNonce = ""
		h.attestationMu.Unlock()
	})
	h.safely("rate limiter", func() {
		h.limiter = nil
	})
	h.safely("channel owner release", func() {
		// channelId -> ownerPeerId is a durable binding that survives
		// disconnect: upstream messages sent while this owner is offline
		// must still enqueue under its peerId so the owner receives them
		// on reconnect. Only this connection's local bookkeeping is
		// dropped here.
		h.ownedChannels = make(map[string]bool)
	})
	h.safely("channel subscriber removal", func() {
		for channelID := range h.subscriptions {
			h.server.channels.Unsubscribe(channelID, h)
		}
	})
	h.safely("pairing code reclaim", func() {
		h.server.pairing.Release(h.peerID)
	})
	h.safely("peer release", func() {
		if h.peerID == "" {
			return
		}
		h.server.peers.Remove(h.peerID)
		h.server.relays.Remove(h.peerID)
		h.server.chunks.Remove(h.peerID)
		if err := h.server.rendezvous.UnregisterPeer(ctx, h.peerID); err != nil {
			h.logger.Error("rendezvous cleanup failed", "peerId", h.peerID, "error", err)
		}
	})
}

func (h *Handler) safely(section string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("disconnect cleanup section panicked", "section", section, "panic", r)
		}
	}()
	fn()
}

func cloneFrame(frame inboundFrame) map[string]any {
	out := make(map[string]any, len(frame.raw))
	for k, v := range frame.raw {
		var decoded any
		_ = json.Unmarshal(v, &decoded)
		out[k] = decoded
	}
	return out
}

func intField(frame inboundFrame, field string) int {
	raw, ok := frame.raw[field]
	if !ok {
		return 0
	}
	var n float64
	_ = json.Unmarshal(raw, &n)
	return int(n)
}
