// Package transport manages long-lived authenticated WebSocket connections
// between federation servers: the signed handshake, outbound reconnection
// with exponential backoff, and bounded per-connection write queues that
// carry framed gossip envelopes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/identity"
)

// Backoff bounds for outbound reconnection.
const (
	MinBackoff = time.Second
	MaxBackoff = 60 * time.Second
	jitterFrac = 0.2

	writeQueueSize = 256
	handshakeTimeout = 30 * time.Second
)

// handshakeEnvelope is the signed payload exchanged when a connection is
// first established, proving ownership of the sender's Ed25519 identity.
type handshakeEnvelope struct {
	ServerID  string    `json:"server_id"`
	Endpoint  string    `json:"endpoint"`
	PublicKey string    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

func (h handshakeEnvelope) canonical() []byte {
	unsigned := h
	unsigned.Signature = ""
	b, _ := json.Marshal(unsigned)
	return b
}

// connection owns one live link to a remote server: a bounded write queue
// drained by a single writer goroutine, and a reader goroutine dispatching
// inbound envelopes to the gossip layer.
type connection struct {
	serverID string
	conn     *websocket.Conn
	writeCh  chan *gossip.Envelope
	degraded bool
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// Manager is the server-to-server transport manager: it keeps at most
// one live connection per peer, dials outbound connections with jittered
// exponential backoff, and hands inbound, already-handshaken envelopes to a
// gossip handler.
type Manager struct {
	id       *identity.Identity
	endpoint string
	logger   *slog.Logger
	onEnvelope func(ctx context.Context, env *gossip.Envelope)

	// peerKeys caches the PEM public key of known peers so inbound gossip
	// envelopes can be verified without a network round-trip; populated by
	// a successful handshake.
	peerKeys sync.Map // serverID -> PEM string

	mu    sync.Mutex
	conns map[string]*connection
}

func New(id *identity.Identity, endpoint string, logger *slog.Logger, onEnvelope func(ctx context.Context, env *gossip.Envelope)) *Manager {
	return &Manager{
		id:         id,
		endpoint:   endpoint,
		logger:     logger,
		onEnvelope: onEnvelope,
		conns:      make(map[string]*connection),
	}
}

// Send implements gossip.Transport: it enqueues msg on the connection to
// serverID's endpoint, dialing one if none exists yet. It returns once
// queued, not once acknowledged.
func (m *Manager) Send(ctx context.Context, endpoint string, env *gossip.Envelope) error {
	c := m.existingOrDial(endpoint)
	if c == nil {
		return fmt.Errorf("no connection available to %s", endpoint)
	}
	select {
	case c.writeCh <- env:
		return nil
	default:
		// Queue overflow: mark degraded, do not drop the connection outright.
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		return fmt.Errorf("write queue full for %s", endpoint)
	}
}

func (m *Manager) existingOrDial(endpoint string) *connection {
	m.mu.Lock()
	for _, c := range m.conns {
		if c.conn != nil && c.serverID == endpoint {
			m.mu.Unlock()
			return c
		}
	}
	m.mu.Unlock()
	return m.Dial(context.Background(), endpoint)
}

// Dial establishes (or returns the existing) outbound connection to a peer
// endpoint, performing the signed handshake and launching the reconnect
// loop on failure.
func (m *Manager) Dial(ctx context.Context, endpoint string) *connection {
	m.mu.Lock()
	if c, ok := m.conns[endpoint]; ok {
		m.mu.Unlock()
		return c
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{serverID: endpoint, writeCh: make(chan *gossip.Envelope, writeQueueSize), cancel: cancel}
	m.conns[endpoint] = c
	m.mu.Unlock()

	go m.maintain(cctx, c)
	return c
}

// maintain dials endpoint, handshakes, pumps reads/writes until the
// connection drops, then reconnects with exponential backoff + jitter,
// resetting the backoff on every successful handshake.
func (m *Manager) maintain(ctx context.Context, c *connection) {
	backoff := MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, wsURL(c.serverID), nil)
		if err != nil {
			m.logger.Warn("federation dial failed", "endpoint", c.serverID, "error", err)
			m.sleepBackoff(ctx, &backoff)
			continue
		}

		if err := m.handshake(ctx, conn); err != nil {
			m.logger.Warn("federation handshake failed", "endpoint", c.serverID, "error", err)
			conn.Close(websocket.StatusPolicyViolation, "handshake failed")
			m.sleepBackoff(ctx, &backoff)
			continue
		}

		backoff = MinBackoff
		c.mu.Lock()
		c.conn = conn
		c.degraded = false
		c.mu.Unlock()

		m.pump(ctx, c)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		m.sleepBackoff(ctx, &backoff)
	}
}

func (m *Manager) sleepBackoff(ctx context.Context, backoff *time.Duration) {
	jitter := 1 + (rand.Float64()*2-1)*jitterFrac
	d := time.Duration(float64(*backoff) * jitter)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	*backoff *= 2
	if *backoff > MaxBackoff {
		*backoff = MaxBackoff
	}
}

// handshake performs the mutual signed handshake: both sides prove
// ownership of their Ed25519 identity.
func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	pubPEM, err := m.id.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	hs := handshakeEnvelope{
		ServerID:  m.id.ServerID,
		Endpoint:  m.endpoint,
		PublicKey: pubPEM,
		Timestamp: time.Now().UTC(),
	}
	hs.Signature = m.id.Sign(hs.canonical())

	if err := writeJSON(ctx, conn, hs); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	var remote handshakeEnvelope
	if err := readJSON(ctx, conn, &remote); err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if reason := identity.ValidateTimestamp(remote.Timestamp); reason != "" {
		return fmt.Errorf("remote handshake timestamp rejected: %s", reason)
	}
	if !identity.Verify(remote.PublicKey, remote.canonical(), remote.Signature) {
		return fmt.Errorf("remote handshake signature invalid")
	}
	m.peerKeys.Store(remote.ServerID, remote.PublicKey)
	return nil
}

// pump runs the write-queue drain loop and concurrently reads inbound
// envelopes until the connection errors or ctx is cancelled.
func (m *Manager) pump(ctx context.Context, c *connection) {
	readErr := make(chan error, 1)
	go func() {
		for {
			var env gossip.Envelope
			if err := readJSON(ctx, c.conn, &env); err != nil {
				readErr <- err
				return
			}
			if !m.verifyEnvelope(&env) {
				continue // drop silently, never surfaced as a distinguishable error
			}
			m.onEnvelope(ctx, &env)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			m.logger.Debug("federation connection read loop ended", "endpoint", c.serverID, "error", err)
			return
		case env := <-c.writeCh:
			if err := writeJSON(ctx, c.conn, env); err != nil {
				return
			}
		}
	}
}

func (m *Manager) verifyEnvelope(env *gossip.Envelope) bool {
	key, ok := m.peerKeys.Load(env.SenderID)
	if !ok {
		return false
	}
	unsigned := *env
	unsigned.Signature = ""
	b, err := json.Marshal(unsigned)
	if err != nil {
		return false
	}
	return identity.Verify(key.(string), b, env.Signature)
}

// AcceptInbound handles an inbound federation connection (the server side
// of the handshake), accepting the upgrade and handing off to the same
// handshake+pump machinery used for outbound links. Concurrent dial races
// are resolved by a canonical winner: the lexicographically larger serverId
// keeps its outbound connection, the other side drops.
func (m *Manager) AcceptInbound(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return fmt.Errorf("accepting federation connection: %w", err)
	}

	ctx := r.Context()
	if err := m.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	var remoteID string
	m.peerKeys.Range(func(k, v any) bool { remoteID = k.(string); return false })

	m.mu.Lock()
	if existing, ok := m.conns[remoteID]; ok && existing.conn != nil {
		m.mu.Unlock()
		if remoteID > m.id.ServerID {
			// remote wins the race; drop our outbound in favor of theirs.
			existing.mu.Lock()
			existing.conn = nil
			existing.mu.Unlock()
		} else {
			conn.Close(websocket.StatusPolicyViolation, "superseded by canonical outbound connection")
			return nil
		}
		m.mu.Lock()
	}
	c, ok := m.conns[remoteID]
	if !ok {
		c = &connection{serverID: remoteID, writeCh: make(chan *gossip.Envelope, writeQueueSize)}
		m.conns[remoteID] = c
	}
	c.conn = conn
	m.mu.Unlock()

	m.pump(ctx, c)
	return nil
}

// Degraded reports whether the connection to serverID has a full write
// queue.
func (m *Manager) Degraded(serverID string) bool {
	m.mu.Lock()
	c, ok := m.conns[serverID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func wsURL(endpoint string) string {
	return fmt.Sprintf("wss://%s/federation/v1/gossip", endpoint)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, b, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
