package gateway

import (
	"crypto/rand"
	"sync"
)

const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const pairingCodeLength = 6

// PairingCodeTable maps a short pairing code to the peerId that owns it,
// and tracks the single most recent requester for that code so a
// pair_response can be routed back.
type PairingCodeTable struct {
	mu         sync.Mutex
	codeToPeer map[string]string
	peerToCode map[string]string
	pending    map[string]string // targetCode -> requester peerId
}

func NewPairingCodeTable() *PairingCodeTable {
	return &PairingCodeTable{
		codeToPeer: make(map[string]string),
		peerToCode: make(map[string]string),
		pending:    make(map[string]string),
	}
}

// Allocate assigns a fresh, collision-free code to peerID, retrying on
// collision.
func (t *PairingCodeTable) Allocate(peerID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := t.codeToPeer[code]; taken {
			continue
		}
		t.codeToPeer[code] = peerID
		t.peerToCode[peerID] = code
		return code, nil
	}
}

// Claim registers peerID under an explicit code supplied at register time,
// evicting any previous owner of the same code.
func (t *PairingCodeTable) Claim(code, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.codeToPeer[code]; ok {
		delete(t.peerToCode, prev)
	}
	t.codeToPeer[code] = peerID
	t.peerToCode[peerID] = code
}

func (t *PairingCodeTable) Owner(code string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peerID, ok := t.codeToPeer[code]
	return peerID, ok
}

// RecordRequest notes that requesterPeerID asked to pair with targetCode,
// so a later pair_response can be routed back to them.
func (t *PairingCodeTable) RecordRequest(targetCode, requesterPeerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[targetCode] = requesterPeerID
}

// ResolveRequester returns (and clears) the peer who most recently
// requested targetCode.
func (t *PairingCodeTable) ResolveRequester(targetCode string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peerID, ok := t.pending[targetCode]
	if ok {
		delete(t.pending, targetCode)
	}
	return peerID, ok
}

// TombstoneRequester drops a pending request without granting a match,
// used when pair_response carries accepted:false — it invalidates the
// requester's view of the code without affecting the target's ownership.
func (t *PairingCodeTable) TombstoneRequester(targetCode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, targetCode)
}

// Release removes peerID's owned code entirely (disconnect cleanup).
func (t *PairingCodeTable) Release(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	code, ok := t.peerToCode[peerID]
	if !ok {
		return
	}
	delete(t.peerToCode, peerID)
	delete(t.codeToPeer, code)
}

func randomCode() (string, error) {
	buf := make([]byte, pairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, pairingCodeLength)
	for i, b := range buf {
		code[i] = pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)]
	}
	return string(code), nil
}

// LinkCodeTable mirrors PairingCodeTable's request/response routing for the
// device-link tunnel key exchange.
type LinkCodeTable struct {
	mu      sync.Mutex
	pending map[string]string // linkCode -> requester peerId
}

func NewLinkCodeTable() *LinkCodeTable {
	return &LinkCodeTable{pending: make(map[string]string)}
}

func (t *LinkCodeTable) RecordRequest(linkCode, requesterPeerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[linkCode] = requesterPeerID
}

func (t *LinkCodeTable) ResolveRequester(linkCode string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peerID, ok := t.pending[linkCode]
	if ok {
		delete(t.pending, linkCode)
	}
	return peerID, ok
}
