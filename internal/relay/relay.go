// Package relay implements relay selection and the offline-owner channel
// fan-out queue used when a message's owner peer is not currently connected.
package relay

import (
	"math/rand"
	"sort"
	"sync"
)

// Peer is a relay candidate as tracked by the registry.
type Peer struct {
	PeerID           string
	PublicKey        string
	ConnectedCount   int
	MaxConnections   int
}

// Capacity is connectedCount / maxConnections. A peer with no
// configured connection limit is treated as always available.
func (p Peer) Capacity() float64 {
	if p.MaxConnections <= 0 {
		return 0
	}
	return float64(p.ConnectedCount) / float64(p.MaxConnections)
}

// Candidate is one row of a getAvailableRelays result.
type Candidate struct {
	PeerID    string
	PublicKey string
	Capacity  float64
}

// Registry tracks currently known relay-capable peers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

func (r *Registry) Upsert(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.PeerID] = p
}

func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Count returns the number of currently known relay-capable peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// GetAvailableRelays returns up to count relay candidates, excluding
// excludePeerID, restricted to peers with capacity < 0.5, Fisher-Yates
// shuffled before truncation.
func (r *Registry) GetAvailableRelays(excludePeerID string, count int) []Candidate {
	r.mu.RLock()
	candidates := make([]Candidate, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excludePeerID {
			continue
		}
		capacity := p.Capacity()
		if capacity >= 0.5 {
			continue
		}
		candidates = append(candidates, Candidate{PeerID: p.PeerID, PublicKey: p.PublicKey, Capacity: capacity})
	}
	r.mu.RUnlock()

	// Sort first for determinism before shuffling, so tests and repeated
	// calls over identical input don't depend on Go's map iteration order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PeerID < candidates[j].PeerID })

	shuffle(candidates)
	if count >= 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// shuffle performs an in-place Fisher-Yates shuffle.
func shuffle(c []Candidate) {
	for i := len(c) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		c[i], c[j] = c[j], c[i]
	}
}
