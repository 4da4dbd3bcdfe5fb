package rendezvous

import (
	"context"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/dht"
)

// Redirect is the partial-result companion to a batch registration: a group
// of hashes owned by another server, and where to forward them.
type Redirect struct {
	ServerID string   `json:"serverId"`
	Endpoint string   `json:"endpoint"`
	Items    []string `json:"items"`
}

// Router is the distributed variant of Registry described in §4.2: it
// consults the DHT ring to split a registration batch into the share this
// server owns (handled directly against Registry) and the remainder, grouped
// into redirects by owning server. With no ring wired, or with a ring that
// has at most one active node, every key is handled locally.
type Router struct {
	registry *Registry
	ring     *dht.Ring
	serverID string
}

func NewRouter(registry *Registry, ring *dht.Ring, serverID string) *Router {
	return &Router{registry: registry, ring: ring, serverID: serverID}
}

// partition splits keys into the ones this server owns and groups of the
// rest by their first responsible server. A key with no available
// responsible server (a thin or not-yet-converged ring) falls back to local
// handling rather than being silently dropped.
func (rt *Router) partition(keys []string) (local []string, redirects []Redirect) {
	byServer := make(map[string]*Redirect)
	for _, key := range keys {
		if rt.ring == nil || rt.ring.ShouldHandleLocally(key, rt.serverID) {
			local = append(local, key)
			continue
		}
		serverID, endpoint, ok := rt.ring.Redirect(key)
		if !ok {
			local = append(local, key)
			continue
		}
		group, exists := byServer[serverID]
		if !exists {
			group = &Redirect{ServerID: serverID, Endpoint: endpoint}
			byServer[serverID] = group
		}
		group.Items = append(group.Items, key)
	}
	for _, group := range byServer {
		redirects = append(redirects, *group)
	}
	return local, redirects
}

// RegisterDailyPoints runs this server's share of points through the
// registry and reports the rest as redirects for the caller to forward on.
func (rt *Router) RegisterDailyPoints(ctx context.Context, peerID string, points []string, deadDrop, relayID string) ([]DeadDrop, []Redirect, error) {
	local, redirects := rt.partition(points)
	if len(local) == 0 {
		return nil, redirects, nil
	}
	found, err := rt.registry.RegisterDailyPoints(ctx, peerID, local, deadDrop, relayID)
	if err != nil {
		return nil, nil, err
	}
	return found, redirects, nil
}

// RegisterHourlyTokens is the Router analogue of RegisterDailyPoints for
// live hourly tokens.
func (rt *Router) RegisterHourlyTokens(ctx context.Context, peerID string, tokens []string, relayID string) ([]LiveMatch, []Redirect, error) {
	local, redirects := rt.partition(tokens)
	if len(local) == 0 {
		return nil, redirects, nil
	}
	matches, err := rt.registry.RegisterHourlyTokens(ctx, peerID, local, relayID)
	if err != nil {
		return nil, nil, err
	}
	return matches, redirects, nil
}

// GetDailyPoint returns this server's entries for point, or a redirect if
// another server owns its hash.
func (rt *Router) GetDailyPoint(point string) ([]DeadDrop, *Redirect) {
	local, redirects := rt.partition([]string{point})
	if len(local) == 0 {
		if len(redirects) == 0 {
			return nil, nil
		}
		return nil, &redirects[0]
	}
	return rt.registry.GetDailyPoint(point), nil
}
