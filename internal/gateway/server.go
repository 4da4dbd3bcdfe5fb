package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Hamza-Labs-Core/zajel/internal/relay"
	"github.com/Hamza-Labs-Core/zajel/internal/rendezvous"
)

const defaultRelayCount = 5

// handshakeTimeout bounds how long the WebSocket upgrade and registration
// may take before the connection is dropped.
const handshakeTimeout = 30 * time.Second

// Server accepts client WebSocket connections and wires each one to a
// fresh Handler sharing the process-wide collaborators.
type Server struct {
	logger *slog.Logger

	peers    *PeerTable
	pairing  *PairingCodeTable
	links    *LinkCodeTable
	relays   *relay.Registry
	channels *relay.ChannelRegistry
	chunks   *chunkRegistry

	rendezvous       *rendezvous.Registry
	rendezvousRouter *rendezvous.Router

	rateLimitSteady int
	rateLimitBurst  int

	ownerMu sync.RWMutex
	owners  map[string]string // channelId -> ownerPeerId

	livenessMu sync.Mutex
	liveness   map[string]time.Time
}

func NewServer(reg *rendezvous.Registry, logger *slog.Logger) *Server {
	return &Server{
		logger:     logger,
		peers:      NewPeerTable(),
		pairing:    NewPairingCodeTable(),
		links:      NewLinkCodeTable(),
		relays:     relay.NewRegistry(),
		channels:   relay.NewChannelRegistry(),
		chunks:     newChunkRegistry(),
		rendezvous: reg,
		// Default to an all-local router: a solo server (or one started
		// before its DHT ring is wired) still serves every point/token
		// itself. SetRendezvousRouter upgrades this once the ring exists.
		rendezvousRouter: rendezvous.NewRouter(reg, nil, ""),
		owners:           make(map[string]string),
		liveness:         make(map[string]time.Time),

		rateLimitSteady: rateLimitSteady,
		rateLimitBurst:  rateLimitBurst,
	}
}

// SetRateLimit overrides the per-connection token-bucket rate applied to
// new handlers. Non-positive values are ignored, leaving the prior setting
// (initially the package defaults) in place.
func (s *Server) SetRateLimit(steady, burst int) {
	if steady > 0 {
		s.rateLimitSteady = steady
	}
	if burst > 0 {
		s.rateLimitBurst = burst
	}
}

// SetRendezvousRouter installs a DHT-aware router, upgrading registration
// from the all-local default so that points/tokens outside this server's
// owned ring range produce redirects instead of being served here.
func (s *Server) SetRendezvousRouter(router *rendezvous.Router) {
	s.rendezvousRouter = router
}

// DeliverMatchEvent notifies an already-connected peer that
// registerHourlyTokens found it a live match, per §4.2's real-time
// notification for hourly tokens. A peer that has since disconnected simply
// misses the notification; it will see the same match on its next
// registration call.
func (s *Server) DeliverMatchEvent(ev rendezvous.MatchEvent) {
	peer, ok := s.peers.Lookup(ev.PeerID)
	if !ok {
		return
	}
	peer.enqueueEvent(map[string]any{
		"type":    "match",
		"token":   ev.Token,
		"peerId":  ev.PeerID,
		"relayId": ev.RelayID,
	})
}

func (s *Server) channelOwner(channelID string) (string, bool) {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()
	owner, ok := s.owners[channelID]
	return owner, ok
}

func (s *Server) setChannelOwner(channelID, peerID string) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	s.owners[channelID] = peerID
}

func (s *Server) touchLiveness(peerID string) {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	s.liveness[peerID] = time.Now()
}

// Stats is a point-in-time snapshot of this gateway's load, exposed over
// the admin /stats endpoint.
type Stats struct {
	ConnectedPeers int `json:"connectedPeers"`
	ActiveChannels int `json:"activeChannels"`
	KnownRelays    int `json:"knownRelays"`
}

// Stats reports current load for the admin surface.
func (s *Server) Stats() Stats {
	s.ownerMu.RLock()
	channels := len(s.owners)
	s.ownerMu.RUnlock()

	return Stats{
		ConnectedPeers: s.peers.Count(),
		ActiveChannels: channels,
		KnownRelays:    s.relays.Count(),
	}
}

// ServeHTTP upgrades the connection and runs a Handler for its lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	correlationID := uuid.NewString()
	logger := s.logger.With("correlationId", correlationID)

	h := newHandler(conn, s, logger)
	h.Run(r.Context())
}
