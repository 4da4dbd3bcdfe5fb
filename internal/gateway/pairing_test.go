package gateway

import "testing"

func TestPairingCodeTableAllocateReturnsDistinctCodes(t *testing.T) {
	table := NewPairingCodeTable()
	code1, err := table.Allocate("peer-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	code2, err := table.Allocate("peer-2")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if code1 == code2 {
		t.Errorf("expected distinct codes, both got %q", code1)
	}
	if len(code1) != pairingCodeLength {
		t.Errorf("code length = %d, want %d", len(code1), pairingCodeLength)
	}
}

func TestPairingCodeTableClaimEvictsPreviousOwner(t *testing.T) {
	table := NewPairingCodeTable()
	table.Claim("ABC123", "peer-1")
	table.Claim("ABC123", "peer-2")

	owner, ok := table.Owner("ABC123")
	if !ok || owner != "peer-2" {
		t.Fatalf("Owner(ABC123) = %q, %v; want peer-2, true", owner, ok)
	}
	if _, ok := table.peerToCode["peer-1"]; ok {
		t.Error("expected peer-1's reverse mapping evicted")
	}
}

func TestPairingCodeTableRequestResponseRouting(t *testing.T) {
	table := NewPairingCodeTable()
	table.Claim("CODE01", "owner-1")
	table.RecordRequest("CODE01", "requester-1")

	requester, ok := table.ResolveRequester("CODE01")
	if !ok || requester != "requester-1" {
		t.Fatalf("ResolveRequester = %q, %v; want requester-1, true", requester, ok)
	}
	if _, ok := table.ResolveRequester("CODE01"); ok {
		t.Error("expected request to be consumed after first resolve")
	}
}

func TestPairingCodeTableTombstoneRequesterLeavesOwnershipIntact(t *testing.T) {
	table := NewPairingCodeTable()
	table.Claim("CODE02", "owner-1")
	table.RecordRequest("CODE02", "requester-1")

	table.TombstoneRequester("CODE02")

	if _, ok := table.ResolveRequester("CODE02"); ok {
		t.Error("expected pending request cleared by tombstone")
	}
	owner, ok := table.Owner("CODE02")
	if !ok || owner != "owner-1" {
		t.Errorf("Owner(CODE02) = %q, %v; want owner-1, true", owner, ok)
	}
}

func TestPairingCodeTableReleaseRemovesOwnedCode(t *testing.T) {
	table := NewPairingCodeTable()
	code, _ := table.Allocate("peer-1")
	table.Release("peer-1")

	if _, ok := table.Owner(code); ok {
		t.Error("expected code released")
	}
}

func TestPairingCodeTableReleaseUnknownPeerIsNoop(t *testing.T) {
	table := NewPairingCodeTable()
	table.Release("never-registered")
}

func TestLinkCodeTableRequestResponseRouting(t *testing.T) {
	table := NewLinkCodeTable()
	table.RecordRequest("LINK01", "requester-1")

	requester, ok := table.ResolveRequester("LINK01")
	if !ok || requester != "requester-1" {
		t.Fatalf("ResolveRequester = %q, %v; want requester-1, true", requester, ok)
	}
	if _, ok := table.ResolveRequester("LINK01"); ok {
		t.Error("expected request consumed after first resolve")
	}
}
