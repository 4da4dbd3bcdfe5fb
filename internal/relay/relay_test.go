package relay

import "testing"

func TestGetAvailableRelaysExcludesHighCapacity(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Peer{PeerID: "a", ConnectedCount: 1, MaxConnections: 10})  // 0.1
	r.Upsert(Peer{PeerID: "b", ConnectedCount: 9, MaxConnections: 10})  // 0.9
	r.Upsert(Peer{PeerID: "c", ConnectedCount: 4, MaxConnections: 10})  // 0.4

	candidates := r.GetAvailableRelays("", 10)
	ids := map[string]bool{}
	for _, c := range candidates {
		ids[c.PeerID] = true
	}
	if ids["b"] {
		t.Fatal("expected high-capacity peer b to be excluded")
	}
	if !ids["a"] || !ids["c"] {
		t.Fatalf("expected low-capacity peers a and c to be included, got %+v", candidates)
	}
}

func TestGetAvailableRelaysExcludesSelf(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Peer{PeerID: "self", ConnectedCount: 0, MaxConnections: 10})
	r.Upsert(Peer{PeerID: "other", ConnectedCount: 0, MaxConnections: 10})

	candidates := r.GetAvailableRelays("self", 10)
	for _, c := range candidates {
		if c.PeerID == "self" {
			t.Fatal("expected excludePeerID to never appear in results")
		}
	}
}

func TestGetAvailableRelaysTruncatesToCount(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Upsert(Peer{PeerID: id, ConnectedCount: 0, MaxConnections: 10})
	}
	candidates := r.GetAvailableRelays("", 2)
	if len(candidates) != 2 {
		t.Fatalf("expected exactly 2 candidates, got %d", len(candidates))
	}
}

func TestUnlimitedCapacityAlwaysAvailable(t *testing.T) {
	p := Peer{PeerID: "a", ConnectedCount: 1000, MaxConnections: 0}
	if p.Capacity() != 0 {
		t.Fatalf("expected zero capacity for unconfigured max connections, got %f", p.Capacity())
	}
}
