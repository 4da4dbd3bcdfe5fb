// Package gossip implements SWIM-style failure detection and membership
// gossip for the federation mesh: direct pings with indirect ping-req
// escalation, suspicion timers, incarnation-based conflict resolution, and
// piggybacked membership updates riding on every message.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/identity"
)

// Status is a membership entry's liveness state. Priority for same-incarnation
// conflicts is Alive > Suspect > Failed > Left (higher value wins ties).
type Status int

const (
	StatusUnknown Status = iota
	StatusLeft
	StatusFailed
	StatusSuspect
	StatusAlive
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusFailed:
		return "failed"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Member is one entry of the membership table.
type Member struct {
	ServerID    string            `json:"server_id"`
	Endpoint    string            `json:"endpoint"`
	PublicKey   string            `json:"public_key"` // PEM-encoded Ed25519 public key
	Status      Status            `json:"status"`
	Incarnation uint64            `json:"incarnation"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// clone returns a value copy safe to hand to callers outside the lock.
func (m Member) clone() Member {
	cp := m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Update is a single piggybacked membership change, carried on every
// gossip message.
type Update struct {
	ServerID    string `json:"server_id"`
	Status      Status `json:"status"`
	Incarnation uint64 `json:"incarnation"`
}

const piggybackSize = 5

// Subtype enumerates the gossip envelope subtypes.
type Subtype string

const (
	SubtypePing       Subtype = "ping"
	SubtypePingAck    Subtype = "ping_ack"
	SubtypePingReq    Subtype = "ping_req"
	SubtypeJoin       Subtype = "join"
	SubtypeLeave      Subtype = "leave"
	SubtypeSuspect    Subtype = "suspect"
	SubtypeConfirm    Subtype = "confirm"
	SubtypeStateSync  Subtype = "state_sync"
)

// Envelope is the signed, framed JSON message exchanged between servers.
type Envelope struct {
	Type           string          `json:"type"`
	Subtype        Subtype         `json:"subtype"`
	SenderID       string          `json:"sender_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Piggyback      []Update        `json:"piggyback,omitempty"`
	Signature      string          `json:"signature"`
}

// canonical returns the bytes signed by the sender: the envelope with the
// signature field cleared, so both sides compute the exact same digest.
func (e Envelope) canonical() []byte {
	unsigned := e
	unsigned.Signature = ""
	b, _ := json.Marshal(unsigned)
	return b
}

// pingReqPayload / suspectPayload / confirmPayload are the typed contents of
// Envelope.Payload for subtypes that need more than the envelope itself.
type pingReqPayload struct {
	Target string `json:"target"`
}
type suspectPayload struct {
	Target      string `json:"target"`
	Incarnation uint64 `json:"incarnation"`
}
type confirmPayload struct {
	Target string `json:"target"`
}
type statePayload struct {
	Members []Member `json:"members"`
}

// Transport delivers a signed envelope to a member's endpoint. It is owned
// by the server transport manager (internal/federation/transport); gossip
// only depends on this narrow interface.
type Transport interface {
	Send(ctx context.Context, endpoint string, env *Envelope) error
}

// Config holds SWIM timing parameters.
type Config struct {
	PingInterval           time.Duration
	PingTimeout            time.Duration
	IndirectPingCount      int
	SuspicionTimeout       time.Duration
	FailureTimeout         time.Duration
	StateExchangeInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval:          time.Second,
		PingTimeout:           500 * time.Millisecond,
		IndirectPingCount:     3,
		SuspicionTimeout:      5 * time.Second,
		FailureTimeout:        30 * time.Second,
		StateExchangeInterval: 30 * time.Second,
	}
}

// EventKind is the closed set of membership events gossip emits as tagged
// variants rather than loosely-typed handler callbacks.
type EventKind string

const (
	EventMemberJoin    EventKind = "member_join"
	EventMemberAlive   EventKind = "member_alive"
	EventMemberSuspect EventKind = "member_suspect"
	EventMemberFailed  EventKind = "member_failed"
	EventMemberLeave   EventKind = "member_left"
)

// Event is published on Gossip.Events() whenever a membership transition
// occurs; the DHT ring subscribes to these to stay in sync.
type Event struct {
	Kind   EventKind
	Member Member
}

type pendingPing struct {
	target string
	acked  chan bool
}

// Gossip runs the SWIM failure detector and membership table for one server.
// Member accesses serialize through mu; no suspension occurs while mu is
// held.
type Gossip struct {
	cfg       Config
	id        *identity.Identity
	transport Transport
	logger    *slog.Logger

	mu      sync.RWMutex
	members map[string]*Member

	seqMu sync.Mutex
	seq   uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingPing

	suspicionMu sync.Mutex
	suspicions  map[string]*time.Timer

	events  chan Event
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Gossip instance for the given identity. The local server is
// immediately inserted into the membership table as alive at incarnation 0.
func New(cfg Config, id *identity.Identity, endpoint string, transport Transport, logger *slog.Logger) *Gossip {
	g := &Gossip{
		cfg:        cfg,
		id:         id,
		transport:  transport,
		logger:     logger,
		members:    make(map[string]*Member),
		pending:    make(map[string]*pendingPing),
		suspicions: make(map[string]*time.Timer),
		events:     make(chan Event, 256),
		stopCh:     make(chan struct{}),
	}
	pub, _ := id.PublicKeyPEM()
	g.members[id.ServerID] = &Member{
		ServerID:  id.ServerID,
		Endpoint:  endpoint,
		PublicKey: pub,
		Status:    StatusAlive,
		LastSeen:  time.Now().UTC(),
	}
	return g
}

// Events returns the channel of membership transitions. Callers must drain
// it; it is buffered (256) and not unbounded: while it is full, new events
// are dropped with a logged warning.
func (g *Gossip) Events() <-chan Event { return g.events }

// Self returns the local member's current view of itself.
func (g *Gossip) Self() Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members[g.id.ServerID].clone()
}

// Snapshot returns a copy of the full membership table.
func (g *Gossip) Snapshot() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.clone())
	}
	return out
}

// Start launches the periodic ping round and state-exchange loops. It
// returns immediately; both loops stop when ctx is cancelled or Stop is
// called.
func (g *Gossip) Start(ctx context.Context) {
	go g.pingLoop(ctx)
	go g.stateExchangeLoop(ctx)
}

// Stop halts the background loops. Safe to call multiple times.
func (g *Gossip) Stop() {
	g.stopped.Do(func() { close(g.stopCh) })
}

func (g *Gossip) nextSeq() uint64 {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	g.seq++
	return g.seq
}

// sign builds and signs an envelope of the given subtype with the current
// piggyback list attached.
func (g *Gossip) sign(subtype Subtype, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling gossip payload: %w", err)
		}
		raw = b
	}
	env := &Envelope{
		Type:           "gossip",
		Subtype:        subtype,
		SenderID:       g.id.ServerID,
		SequenceNumber: g.nextSeq(),
		Timestamp:      time.Now().UTC(),
		Payload:        raw,
		Piggyback:      g.recentUpdates(),
	}
	env.Signature = g.id.Sign(env.canonical())
	return env, nil
}

// recentUpdates returns up to piggybackSize membership entries, preferring
// the local member and any non-alive (more urgent) entries first.
func (g *Gossip) recentUpdates() []Update {
	g.mu.RLock()
	defer g.mu.RUnlock()
	updates := make([]Update, 0, piggybackSize)
	// Local member first so peers always learn our latest incarnation.
	if self, ok := g.members[g.id.ServerID]; ok {
		updates = append(updates, Update{self.ServerID, self.Status, self.Incarnation})
	}
	for id, m := range g.members {
		if id == g.id.ServerID {
			continue
		}
		if len(updates) >= piggybackSize {
			break
		}
		updates = append(updates, Update{m.ServerID, m.Status, m.Incarnation})
	}
	return updates
}

// aliveExcludingSelf returns every member currently alive, excluding the
// local server.
func (g *Gossip) aliveExcludingSelf() []*Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Member, 0, len(g.members))
	for id, m := range g.members {
		if id == g.id.ServerID || m.Status != StatusAlive {
			continue
		}
		out = append(out, m)
	}
	return out
}

// pingLoop runs one SWIM round per PingInterval.
func (g *Gossip) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.round(ctx)
		}
	}
}

func (g *Gossip) round(ctx context.Context) {
	candidates := g.aliveExcludingSelf()
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	if g.pingAndWait(ctx, target.Endpoint, target.ServerID) {
		return
	}

	// Indirect ping-req escalation (step 2).
	proxies := candidates
	rand.Shuffle(len(proxies), func(i, j int) { proxies[i], proxies[j] = proxies[j], proxies[i] })
	k := g.cfg.IndirectPingCount
	if k > len(proxies) {
		k = len(proxies)
	}
	acked := make(chan bool, k)
	for _, proxy := range proxies[:k] {
		go func(p *Member) {
			env, err := g.sign(SubtypePingReq, pingReqPayload{Target: target.ServerID})
			if err != nil {
				acked <- false
				return
			}
			ctx2, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			defer cancel()
			acked <- g.transport.Send(ctx2, p.Endpoint, env) == nil
		}(proxy)
	}

	timeout := time.After(g.cfg.PingTimeout)
	for i := 0; i < k; i++ {
		select {
		case ok := <-acked:
			if ok {
				return
			}
		case <-timeout:
			i = k
		}
	}

	// No indirect ack either (step 3): suspect the target.
	g.markSuspect(target.ServerID, target.Incarnation)
}

// pingAndWait sends a direct ping and blocks up to PingTimeout for the ack.
func (g *Gossip) pingAndWait(ctx context.Context, endpoint, targetID string) bool {
	env, err := g.sign(SubtypePing, nil)
	if err != nil {
		return false
	}
	pp := &pendingPing{target: targetID, acked: make(chan bool, 1)}
	g.pendingMu.Lock()
	g.pending[fmt.Sprintf("%s:%d", targetID, env.SequenceNumber)] = pp
	g.pendingMu.Unlock()

	ctx2, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
	defer cancel()
	if err := g.transport.Send(ctx2, endpoint, env); err != nil {
		return false
	}
	select {
	case <-pp.acked:
		return true
	case <-time.After(g.cfg.PingTimeout):
		return false
	}
}

// markSuspect transitions a member to suspect and starts its suspicion
// timer; on expiry without refutation it is promoted to failed.
func (g *Gossip) markSuspect(serverID string, incarnation uint64) {
	transitioned := g.applyUpdate(Update{serverID, StatusSuspect, incarnation})
	if !transitioned {
		return
	}
	g.broadcastSome(SubtypeSuspect, suspectPayload{Target: serverID, Incarnation: incarnation}, 3)

	g.suspicionMu.Lock()
	if t, ok := g.suspicions[serverID]; ok {
		t.Stop()
	}
	g.suspicions[serverID] = time.AfterFunc(g.cfg.SuspicionTimeout, func() {
		g.suspicionMu.Lock()
		delete(g.suspicions, serverID)
		g.suspicionMu.Unlock()
		g.promoteFailed(serverID)
	})
	g.suspicionMu.Unlock()
}

func (g *Gossip) promoteFailed(serverID string) {
	g.mu.RLock()
	m, ok := g.members[serverID]
	var incarnation uint64
	if ok {
		incarnation = m.Incarnation
	}
	g.mu.RUnlock()
	if !ok || m.Status != StatusSuspect {
		return
	}
	if g.applyUpdate(Update{serverID, StatusFailed, incarnation}) {
		g.broadcastSome(SubtypeConfirm, confirmPayload{Target: serverID}, 3)
	}
}

// broadcastSome sends an envelope to up to n randomly chosen alive members.
func (g *Gossip) broadcastSome(subtype Subtype, payload any, n int) {
	env, err := g.sign(subtype, payload)
	if err != nil {
		return
	}
	targets := g.aliveExcludingSelf()
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	if n > len(targets) {
		n = len(targets)
	}
	for _, m := range targets[:n] {
		go g.transport.Send(context.Background(), m.Endpoint, env)
	}
}

// stateExchangeLoop exchanges full membership with one random peer every
// StateExchangeInterval.
func (g *Gossip) stateExchangeLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.StateExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			peers := g.aliveExcludingSelf()
			if len(peers) == 0 {
				continue
			}
			peer := peers[rand.Intn(len(peers))]
			env, err := g.sign(SubtypeStateSync, statePayload{Members: g.Snapshot()})
			if err != nil {
				continue
			}
			g.transport.Send(ctx, peer.Endpoint, env)
		}
	}
}

// Join sends a signed join envelope to a bootstrap endpoint and expects a
// state_sync response to seed the membership view.
func (g *Gossip) Join(ctx context.Context, bootstrapEndpoint string) error {
	env, err := g.sign(SubtypeJoin, nil)
	if err != nil {
		return err
	}
	return g.transport.Send(ctx, bootstrapEndpoint, env)
}

// Handle processes an inbound envelope after its signature has already been
// verified by the transport layer against the cached public key for
// env.SenderID (gossip itself never fetches keys — that is the transport
// manager's handshake concern).
func (g *Gossip) Handle(ctx context.Context, env *Envelope) {
	for _, u := range env.Piggyback {
		g.applyUpdate(u)
	}

	switch env.Subtype {
	case SubtypePing:
		g.replyAck(ctx, env)
	case SubtypePingAck:
		g.resolvePing(env)
	case SubtypePingReq:
		g.relayPingReq(ctx, env)
	case SubtypeSuspect:
		var p suspectPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			if p.Target == g.id.ServerID {
				g.refuteSelf()
			} else {
				g.markSuspect(p.Target, p.Incarnation)
			}
		}
	case SubtypeConfirm:
		var p confirmPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.Target != g.id.ServerID {
			g.mu.RLock()
			m, ok := g.members[p.Target]
			var inc uint64
			if ok {
				inc = m.Incarnation
			}
			g.mu.RUnlock()
			if ok {
				g.applyUpdate(Update{p.Target, StatusFailed, inc})
			}
		}
	case SubtypeJoin:
		g.applyUpdate(Update{env.SenderID, StatusAlive, 0})
		reply, err := g.sign(SubtypeStateSync, statePayload{Members: g.Snapshot()})
		if err == nil {
			g.mu.RLock()
			ep := ""
			if m, ok := g.members[env.SenderID]; ok {
				ep = m.Endpoint
			}
			g.mu.RUnlock()
			if ep != "" {
				g.transport.Send(ctx, ep, reply)
			}
		}
	case SubtypeStateSync:
		var p statePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, m := range p.Members {
				g.applyUpdate(Update{m.ServerID, m.Status, m.Incarnation})
			}
		}
	}
}

func (g *Gossip) replyAck(ctx context.Context, req *Envelope) {
	env, err := g.sign(SubtypePingAck, nil)
	if err != nil {
		return
	}
	env.SequenceNumber = req.SequenceNumber
	env.Signature = g.id.Sign(env.canonical())
	g.mu.RLock()
	ep := ""
	if m, ok := g.members[req.SenderID]; ok {
		ep = m.Endpoint
	}
	g.mu.RUnlock()
	if ep != "" {
		g.transport.Send(ctx, ep, env)
	}
}

func (g *Gossip) resolvePing(env *Envelope) {
	key := fmt.Sprintf("%s:%d", env.SenderID, env.SequenceNumber)
	g.pendingMu.Lock()
	pp, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	g.pendingMu.Unlock()
	if ok {
		select {
		case pp.acked <- true:
		default:
		}
	}
}

func (g *Gossip) relayPingReq(ctx context.Context, env *Envelope) {
	var p pingReqPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	g.mu.RLock()
	target, ok := g.members[p.Target]
	g.mu.RUnlock()
	if !ok {
		return
	}
	ok2 := g.pingAndWait(ctx, target.Endpoint, p.Target)
	if ok2 {
		ack, err := g.sign(SubtypePingAck, nil)
		if err == nil {
			g.mu.RLock()
			ep := ""
			if m, found := g.members[env.SenderID]; found {
				ep = m.Endpoint
			}
			g.mu.RUnlock()
			if ep != "" {
				g.transport.Send(ctx, ep, ack)
			}
		}
	}
}

// refuteSelf increments our own incarnation and marks ourselves alive: a
// node that sees a suspect or failed claim about itself increments its own
// incarnation so the higher number wins any conflicting report already in
// flight. recentUpdates always puts the local member first, so the bumped
// incarnation reaches peers as a piggyback on this node's very next signed
// message (ping, ack, or state exchange) without a dedicated broadcast.
func (g *Gossip) refuteSelf() {
	g.mu.Lock()
	self := g.members[g.id.ServerID]
	self.Incarnation++
	self.Status = StatusAlive
	self.LastSeen = time.Now().UTC()
	g.mu.Unlock()
}

// statusPriority implements the tie-break order for same-incarnation
// conflicts: alive > suspect > failed > left.
func statusPriority(s Status) int {
	switch s {
	case StatusAlive:
		return 3
	case StatusSuspect:
		return 2
	case StatusFailed:
		return 1
	case StatusLeft:
		return 0
	default:
		return -1
	}
}

// applyUpdate merges one membership update into the table: higher
// incarnation always wins; on a tie, status priority decides; a
// lower-incarnation suspect/failed report about a member already alive at a
// higher incarnation never overrides it. Returns true if the update changed
// the table and an event was emitted.
func (g *Gossip) applyUpdate(u Update) bool {
	g.mu.Lock()
	existing, ok := g.members[u.ServerID]
	if !ok {
		g.members[u.ServerID] = &Member{
			ServerID:    u.ServerID,
			Status:      u.Status,
			Incarnation: u.Incarnation,
			LastSeen:    time.Now().UTC(),
		}
		g.mu.Unlock()
		g.emit(u.ServerID, u.Status)
		return true
	}

	changed := false
	switch {
	case u.Incarnation > existing.Incarnation:
		existing.Incarnation = u.Incarnation
		existing.Status = u.Status
		changed = true
	case u.Incarnation == existing.Incarnation && statusPriority(u.Status) > statusPriority(existing.Status):
		existing.Status = u.Status
		changed = true
	}
	if changed {
		existing.LastSeen = time.Now().UTC()
	}
	newStatus := existing.Status
	g.mu.Unlock()

	if changed {
		g.emit(u.ServerID, newStatus)
	}
	return changed
}

func (g *Gossip) emit(serverID string, status Status) {
	var kind EventKind
	switch status {
	case StatusAlive:
		kind = EventMemberAlive
	case StatusSuspect:
		kind = EventMemberSuspect
	case StatusFailed:
		kind = EventMemberFailed
	case StatusLeft:
		kind = EventMemberLeave
	default:
		return
	}
	g.mu.RLock()
	m := g.members[serverID].clone()
	g.mu.RUnlock()
	select {
	case g.events <- Event{Kind: kind, Member: m}:
	default:
		g.logger.Warn("gossip event channel full, dropping event", "server_id", serverID, "kind", kind)
	}
}
