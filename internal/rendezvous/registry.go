// Package rendezvous implements the dead-drop registry: durable maps from
// opaque point/token hashes to peer entries, used by clients to discover
// each other without a direct introduction.
package rendezvous

import (
	"context"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/clock"
)

// TTLs for the two kinds of rendezvous entries.
const (
	DailyPointTTL  = 48 * time.Hour
	HourlyTokenTTL = 3 * time.Hour
	sweepInterval  = time.Minute
)

// DeadDrop is what registerDailyPoints returns for an already-present peer:
// enough for the caller to reach them via a relay-mediated dead drop.
type DeadDrop struct {
	PeerID   string `json:"peerId"`
	DeadDrop string `json:"deadDrop"`
	RelayID  string `json:"relayId"`
}

// LiveMatch is what registerHourlyTokens returns (and also emits as an
// event) for an already-present peer: enough to contact them in real time.
type LiveMatch struct {
	PeerID  string `json:"peerId"`
	RelayID string `json:"relayId"`
}

type pointEntry struct {
	PeerID      string
	DeadDrop    string
	RelayID     string
	ExpiresAt   time.Time
	VectorClock clock.HLCTimestamp
}

type tokenEntry struct {
	PeerID      string
	RelayID     string
	ExpiresAt   time.Time
	VectorClock clock.HLCTimestamp
}

// MatchEvent is published whenever registerHourlyTokens finds that a peer
// already waiting on a token should be notified of a new arrival in real
// time.
type MatchEvent struct {
	Token   string
	PeerID  string
	RelayID string
}

// Store persists rendezvous entries across restarts. A pgx-backed
// implementation is wired in internal/database; Registry works with any
// implementation, including an in-memory one for tests.
type Store interface {
	SaveDailyPoint(ctx context.Context, point string, peerID, deadDrop, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error
	SaveHourlyToken(ctx context.Context, token string, peerID, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error
	DeleteByPeer(ctx context.Context, peerID string) error
}

// Registry is the in-memory view of the rendezvous maps, write-through to a
// Store for durability. All mutation of a given point or token serializes
// through mu so that "each caller observes entries that existed strictly
// before its own write".
type Registry struct {
	mu     sync.Mutex
	points map[string][]pointEntry
	tokens map[string][]tokenEntry
	store  Store
	hlc    *clock.HLC

	events chan MatchEvent
}

func New(store Store) *Registry {
	return &Registry{
		points: make(map[string][]pointEntry),
		tokens: make(map[string][]tokenEntry),
		store:  store,
		hlc:    clock.NewHLC(),
		events: make(chan MatchEvent, 256),
	}
}

// Events delivers match notifications produced by RegisterHourlyTokens.
func (r *Registry) Events() <-chan MatchEvent { return r.events }

// RegisterDailyPoints atomically registers peerId under every point hash in
// points, returning the dead drops of any other, non-expired peer already
// registered at each of those points.
//
// The whole batch runs under a single critical section: either every point
// is recorded, or (on a store error) none of the in-memory state changes.
func (r *Registry) RegisterDailyPoints(ctx context.Context, peerID string, points []string, deadDrop, relayID string) ([]DeadDrop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	vc := r.hlc.Now()
	expiresAt := now.Add(DailyPointTTL)

	var found []DeadDrop
	type pending struct {
		point string
		entry pointEntry
	}
	var toCommit []pending

	for _, point := range points {
		for _, e := range r.points[point] {
			if e.PeerID == peerID || now.After(e.ExpiresAt) {
				continue
			}
			found = append(found, DeadDrop{PeerID: e.PeerID, DeadDrop: e.DeadDrop, RelayID: e.RelayID})
		}
		toCommit = append(toCommit, pending{point: point, entry: pointEntry{
			PeerID: peerID, DeadDrop: deadDrop, RelayID: relayID, ExpiresAt: expiresAt, VectorClock: vc,
		}})
	}

	if r.store != nil {
		for _, p := range toCommit {
			if err := r.store.SaveDailyPoint(ctx, p.point, peerID, deadDrop, relayID, expiresAt, vc); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range toCommit {
		r.points[p.point] = upsertPoint(r.points[p.point], p.entry)
	}
	return found, nil
}

// RegisterHourlyTokens is the real-time analogue of RegisterDailyPoints: it
// additionally publishes a MatchEvent for every already-present peer so
// they learn of the new arrival without polling.
func (r *Registry) RegisterHourlyTokens(ctx context.Context, peerID string, tokens []string, relayID string) ([]LiveMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	vc := r.hlc.Now()
	expiresAt := now.Add(HourlyTokenTTL)

	var found []LiveMatch
	type pending struct {
		token string
		entry tokenEntry
	}
	var toCommit []pending

	for _, token := range tokens {
		for _, e := range r.tokens[token] {
			if e.PeerID == peerID || now.After(e.ExpiresAt) {
				continue
			}
			found = append(found, LiveMatch{PeerID: e.PeerID, RelayID: e.RelayID})
		}
		toCommit = append(toCommit, pending{token: token, entry: tokenEntry{
			PeerID: peerID, RelayID: relayID, ExpiresAt: expiresAt, VectorClock: vc,
		}})
	}

	if r.store != nil {
		for _, p := range toCommit {
			if err := r.store.SaveHourlyToken(ctx, p.token, peerID, relayID, expiresAt, vc); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range toCommit {
		r.tokens[p.token] = upsertToken(r.tokens[p.token], p.entry)
	}

	for _, token := range tokens {
		for _, e := range r.tokens[token] {
			if e.PeerID == peerID {
				continue
			}
			select {
			case r.events <- MatchEvent{Token: token, PeerID: peerID, RelayID: relayID}:
			default:
			}
		}
	}
	return found, nil
}

// GetDailyPoint returns the non-expired entries registered at point.
func (r *Registry) GetDailyPoint(point string) []DeadDrop {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []DeadDrop
	for _, e := range r.points[point] {
		if now.After(e.ExpiresAt) {
			continue
		}
		out = append(out, DeadDrop{PeerID: e.PeerID, DeadDrop: e.DeadDrop, RelayID: e.RelayID})
	}
	return out
}

// UnregisterPeer removes peerID from every point and token it holds.
func (r *Registry) UnregisterPeer(ctx context.Context, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for point, entries := range r.points {
		r.points[point] = filterPoints(entries, peerID)
	}
	for token, entries := range r.tokens {
		r.tokens[token] = filterTokens(entries, peerID)
	}
	if r.store != nil {
		return r.store.DeleteByPeer(ctx, peerID)
	}
	return nil
}

// Cleanup evicts expired entries from the in-memory maps. Intended to be
// called periodically (see StartCleanupLoop); durable storage expiry is the
// store implementation's own concern.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for point, entries := range r.points {
		kept := entries[:0:0]
		for _, e := range entries {
			if !now.After(e.ExpiresAt) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.points, point)
		} else {
			r.points[point] = kept
		}
	}
	for token, entries := range r.tokens {
		kept := entries[:0:0]
		for _, e := range entries {
			if !now.After(e.ExpiresAt) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.tokens, token)
		} else {
			r.tokens[token] = kept
		}
	}
}

// StartCleanupLoop runs Cleanup on sweepInterval until ctx is cancelled.
func (r *Registry) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

func upsertPoint(entries []pointEntry, next pointEntry) []pointEntry {
	for i, e := range entries {
		if e.PeerID == next.PeerID {
			entries[i] = next
			return entries
		}
	}
	return append(entries, next)
}

func upsertToken(entries []tokenEntry, next tokenEntry) []tokenEntry {
	for i, e := range entries {
		if e.PeerID == next.PeerID {
			entries[i] = next
			return entries
		}
	}
	return append(entries, next)
}

func filterPoints(entries []pointEntry, peerID string) []pointEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.PeerID != peerID {
			out = append(out, e)
		}
	}
	return out
}

func filterTokens(entries []tokenEntry, peerID string) []tokenEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.PeerID != peerID {
			out = append(out, e)
		}
	}
	return out
}
