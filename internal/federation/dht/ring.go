// Package dht implements the consistent hash ring used to distribute
// rendezvous points across federated servers, with virtual nodes for load
// smoothing and gossip-driven membership churn.
package dht

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
)

// DefaultVirtualNodes is the suggested virtual-node count per server (V=128).
const DefaultVirtualNodes = 128

// DefaultReplicationFactor is the suggested replication factor R.
const DefaultReplicationFactor = 3

type vnode struct {
	position uint64
	serverID string
}

// ringNode is a server's virtual node positions plus its current liveness
// status, tracked from gossip.
type ringNode struct {
	serverID string
	endpoint string
	status   gossip.Status
}

// Ring is the authoritative snapshot of which servers are responsible for
// which keys. All mutation serializes through a single lock.
type Ring struct {
	mu                sync.RWMutex
	virtualNodes      int
	replicationFactor int
	nodes             map[string]*ringNode
	positions         []vnode // sorted by position
}

func New(virtualNodes, replicationFactor int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return &Ring{
		virtualNodes:      virtualNodes,
		replicationFactor: replicationFactor,
		nodes:             make(map[string]*ringNode),
	}
}

// hashKey uniformly hashes an arbitrary string key to a ring position.
func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Upsert adds or updates a server's ring position and status. Idempotent:
// calling it again with the same server id replaces its prior entry rather
// than duplicating virtual nodes.
func (r *Ring) Upsert(serverID, endpoint string, status gossip.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[serverID] = &ringNode{serverID: serverID, endpoint: endpoint, status: status}
	r.rebuild()
}

// Remove deletes a server from the ring entirely (used for "left").
func (r *Ring) Remove(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, serverID)
	r.rebuild()
}

// rebuild recomputes the sorted virtual-node position list. Must be called
// with mu held.
func (r *Ring) rebuild() {
	positions := make([]vnode, 0, len(r.nodes)*r.virtualNodes)
	for serverID := range r.nodes {
		for i := 0; i < r.virtualNodes; i++ {
			key := serverID + "#" + strconv.Itoa(i)
			positions = append(positions, vnode{position: hashKey(key), serverID: serverID})
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].position < positions[j].position })
	r.positions = positions
}

// ApplyGossipEvent updates the ring in response to a membership transition
// reported by gossip.
func (r *Ring) ApplyGossipEvent(ev gossip.Event) {
	switch ev.Kind {
	case gossip.EventMemberLeave:
		r.Remove(ev.Member.ServerID)
	default:
		r.Upsert(ev.Member.ServerID, ev.Member.Endpoint, ev.Member.Status)
	}
}

// Responsible returns the next R distinct servers clockwise from key's hash
// position whose status is alive or suspect. If fewer than R qualify, it
// returns whatever is available rather than erroring, so routing degrades
// gracefully under a thin or partially-failed ring.
func (r *Ring) Responsible(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.positions) == 0 {
		return nil
	}

	target := hashKey(key)
	start := sort.Search(len(r.positions), func(i int) bool { return r.positions[i].position >= target })

	seen := make(map[string]bool, r.replicationFactor)
	out := make([]string, 0, r.replicationFactor)
	for i := 0; i < len(r.positions) && len(out) < r.replicationFactor; i++ {
		idx := (start + i) % len(r.positions)
		v := r.positions[idx]
		if seen[v.serverID] {
			continue
		}
		node, ok := r.nodes[v.serverID]
		if !ok || (node.status != gossip.StatusAlive && node.status != gossip.StatusSuspect) {
			continue
		}
		seen[v.serverID] = true
		out = append(out, v.serverID)
	}
	return out
}

// ShouldHandleLocally reports whether localServerID is one of the R servers
// responsible for key.
func (r *Ring) ShouldHandleLocally(key, localServerID string) bool {
	if r.ActiveCount() <= 1 {
		return true // solo mode
	}
	for _, id := range r.Responsible(key) {
		if id == localServerID {
			return true
		}
	}
	return false
}

// Redirect computes where a non-local key should be forwarded: the first
// responsible server and its endpoint, or ok=false if none are available.
func (r *Ring) Redirect(key string) (serverID, endpoint string, ok bool) {
	ids := r.Responsible(key)
	if len(ids) == 0 {
		return "", "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, exists := r.nodes[ids[0]]
	if !exists {
		return "", "", false
	}
	return node.serverID, node.endpoint, true
}

// ActiveCount returns the number of alive-or-suspect servers currently on
// the ring, used to decide solo-mode handling.
func (r *Ring) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, node := range r.nodes {
		if node.status == gossip.StatusAlive || node.status == gossip.StatusSuspect {
			n++
		}
	}
	return n
}

// String is a debug helper.
func (r *Ring) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("ring(servers=%d, vnodes=%d, positions=%d)", len(r.nodes), r.virtualNodes, len(r.positions))
}
