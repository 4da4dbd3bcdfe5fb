package rendezvous

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/clock"
)

func TestRegisterDailyPointsReturnsOnlyOtherPeers(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	if _, err := r.RegisterDailyPoints(ctx, "alice", []string{"p1", "p2"}, "drop-a", "relay-1"); err != nil {
		t.Fatalf("alice register: %v", err)
	}

	found, err := r.RegisterDailyPoints(ctx, "bob", []string{"p1", "p3"}, "drop-b", "relay-1")
	if err != nil {
		t.Fatalf("bob register: %v", err)
	}
	if len(found) != 1 || found[0].PeerID != "alice" || found[0].DeadDrop != "drop-a" {
		t.Fatalf("expected to find alice's dead drop at p1, got %+v", found)
	}
}

func TestRegisterDailyPointsSelfExcluded(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	if _, err := r.RegisterDailyPoints(ctx, "alice", []string{"p1"}, "drop-a", "relay-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	found, err := r.RegisterDailyPoints(ctx, "alice", []string{"p1"}, "drop-a2", "relay-1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no self-match, got %+v", found)
	}
	entries := r.GetDailyPoint("p1")
	if len(entries) != 1 || entries[0].DeadDrop != "drop-a2" {
		t.Fatalf("expected re-register to update existing entry, got %+v", entries)
	}
}

func TestRegisterHourlyTokensEmitsMatchEvent(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	if _, err := r.RegisterHourlyTokens(ctx, "alice", []string{"t1"}, "relay-1"); err != nil {
		t.Fatalf("alice register: %v", err)
	}

	matches, err := r.RegisterHourlyTokens(ctx, "bob", []string{"t1"}, "relay-2")
	if err != nil {
		t.Fatalf("bob register: %v", err)
	}
	if len(matches) != 1 || matches[0].PeerID != "alice" {
		t.Fatalf("expected live match with alice, got %+v", matches)
	}

	select {
	case ev := <-r.Events():
		if ev.PeerID != "bob" || ev.Token != "t1" {
			t.Fatalf("unexpected match event: %+v", ev)
		}
	default:
		t.Fatal("expected a match event to be published for alice")
	}
}

func TestGetDailyPointExcludesExpired(t *testing.T) {
	r := New(nil)
	r.points["p1"] = []pointEntry{
		{PeerID: "alice", DeadDrop: "drop-a", ExpiresAt: time.Now().Add(-time.Minute)},
		{PeerID: "bob", DeadDrop: "drop-b", ExpiresAt: time.Now().Add(time.Hour)},
	}
	entries := r.GetDailyPoint("p1")
	if len(entries) != 1 || entries[0].PeerID != "bob" {
		t.Fatalf("expected only bob's unexpired entry, got %+v", entries)
	}
}

func TestUnregisterPeerRemovesFromAllPointsAndTokens(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	r.RegisterDailyPoints(ctx, "alice", []string{"p1", "p2"}, "drop-a", "relay-1")
	r.RegisterHourlyTokens(ctx, "alice", []string{"t1"}, "relay-1")

	if err := r.UnregisterPeer(ctx, "alice"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if len(r.GetDailyPoint("p1")) != 0 || len(r.GetDailyPoint("p2")) != 0 {
		t.Fatal("expected all of alice's points to be removed")
	}
	if len(r.tokens["t1"]) != 0 {
		t.Fatal("expected alice's token to be removed")
	}
}

func TestCleanupEvictsExpiredEntries(t *testing.T) {
	r := New(nil)
	r.points["p1"] = []pointEntry{{PeerID: "alice", ExpiresAt: time.Now().Add(-time.Minute)}}
	r.tokens["t1"] = []tokenEntry{{PeerID: "bob", ExpiresAt: time.Now().Add(-time.Minute)}}

	r.Cleanup()

	if _, ok := r.points["p1"]; ok {
		t.Fatal("expected expired point to be evicted entirely")
	}
	if _, ok := r.tokens["t1"]; ok {
		t.Fatal("expected expired token to be evicted entirely")
	}
}

func TestRegisterDailyPointsAtomicOnStoreFailure(t *testing.T) {
	r := New(failingStore{})
	ctx := context.Background()

	_, err := r.RegisterDailyPoints(ctx, "alice", []string{"p1", "p2"}, "drop-a", "relay-1")
	if err == nil {
		t.Fatal("expected store failure to surface as an error")
	}
	if len(r.points) != 0 {
		t.Fatalf("expected no partial state on store failure, got %+v", r.points)
	}
}

type failingStore struct{}

var errStoreUnavailable = errors.New("store unavailable")

func (failingStore) SaveDailyPoint(ctx context.Context, point, peerID, deadDrop, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	return errStoreUnavailable
}

func (failingStore) SaveHourlyToken(ctx context.Context, token, peerID, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	return errStoreUnavailable
}

func (failingStore) DeleteByPeer(ctx context.Context, peerID string) error {
	return errStoreUnavailable
}
