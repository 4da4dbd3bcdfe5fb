package rendezvous

import (
	"context"
	"testing"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/dht"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
)

func TestRouterWithNoRingHandlesEverythingLocally(t *testing.T) {
	reg := New(nil)
	router := NewRouter(reg, nil, "solo")
	ctx := context.Background()

	found, redirects, err := router.RegisterDailyPoints(ctx, "alice", []string{"p1"}, "drop-a", "relay-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(found) != 0 || len(redirects) != 0 {
		t.Fatalf("expected no redirects with no ring wired, got found=%v redirects=%v", found, redirects)
	}
	if len(reg.GetDailyPoint("p1")) != 1 {
		t.Fatal("expected the point to be registered locally")
	}
}

func TestRouterRedirectsNonLocalHashes(t *testing.T) {
	reg := New(nil)
	// Replication factor 1 so exactly one server owns each key, making it
	// possible for "self" to be non-responsible for some keys.
	ring := dht.New(32, 1)
	ring.Upsert("self", "self-endpoint", gossip.StatusAlive)
	ring.Upsert("other", "other-endpoint", gossip.StatusAlive)
	router := NewRouter(reg, ring, "self")
	ctx := context.Background()

	var nonLocalKey string
	for i := 0; i < 1000; i++ {
		key := "point-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if !ring.ShouldHandleLocally(key, "self") {
			nonLocalKey = key
			break
		}
	}
	if nonLocalKey == "" {
		t.Fatal("expected to find at least one key not owned by self")
	}

	found, redirects, err := router.RegisterDailyPoints(ctx, "alice", []string{nonLocalKey}, "drop-a", "relay-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no local results for a redirected key, got %v", found)
	}
	if len(redirects) != 1 || redirects[0].ServerID != "other" || len(redirects[0].Items) != 1 {
		t.Fatalf("expected a single redirect to other, got %+v", redirects)
	}
	if len(reg.GetDailyPoint(nonLocalKey)) != 0 {
		t.Fatal("expected a redirected key not to be registered locally")
	}
}

func TestRouterSoloModeHandlesEverythingLocally(t *testing.T) {
	reg := New(nil)
	ring := dht.New(16, 3)
	ring.Upsert("self", "self-endpoint", gossip.StatusAlive)
	router := NewRouter(reg, ring, "self")

	found, redirects, err := router.RegisterDailyPoints(context.Background(), "alice", []string{"any-point"}, "drop-a", "relay-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(redirects) != 0 {
		t.Fatalf("expected solo-node ring to handle everything locally, got redirects %v", redirects)
	}
	if len(found) != 0 {
		t.Fatalf("expected no other peers yet, got %v", found)
	}
}

func TestRouterGetDailyPointRedirectsNonLocalHash(t *testing.T) {
	reg := New(nil)
	ring := dht.New(32, 1)
	ring.Upsert("self", "self-endpoint", gossip.StatusAlive)
	ring.Upsert("other", "other-endpoint", gossip.StatusAlive)
	router := NewRouter(reg, ring, "self")

	var nonLocalKey string
	for i := 0; i < 1000; i++ {
		key := "probe-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if !ring.ShouldHandleLocally(key, "self") {
			nonLocalKey = key
			break
		}
	}
	if nonLocalKey == "" {
		t.Fatal("expected to find at least one key not owned by self")
	}

	entries, redirect := router.GetDailyPoint(nonLocalKey)
	if entries != nil {
		t.Fatalf("expected nil entries for a redirected key, got %v", entries)
	}
	if redirect == nil || redirect.ServerID != "other" {
		t.Fatalf("expected a redirect to other, got %+v", redirect)
	}
}
