// Package group implements sender-key group cryptography: each member
// encrypts once with its own symmetric key and broadcasts, rather than
// re-encrypting per recipient.
package group

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SenderKeySize = 32
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = 16
)

var (
	// ErrInvalidKey is returned by SetSenderKey for malformed input.
	ErrInvalidKey = errors.New("group: sender key must be 32 bytes")
	// ErrUnknownSender is returned by Decrypt when no key is registered for
	// the author.
	ErrUnknownSender = errors.New("group: unknown sender key")
	// ErrTooShort is returned by Decrypt when the input cannot contain a
	// nonce and tag.
	ErrTooShort = errors.New("group: ciphertext shorter than nonce+tag")
	// ErrAuthFailed wraps a ChaCha20-Poly1305 authentication failure.
	ErrAuthFailed = errors.New("group: authentication failed")
	// ErrDuplicateSequence is returned by Decrypt when (author, sequence)
	// has already been seen.
	ErrDuplicateSequence = errors.New("group: duplicate sequence number")
)

// GenerateSenderKey returns a fresh random 32-byte symmetric key.
func GenerateSenderKey() ([]byte, error) {
	key := make([]byte, SenderKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("group: generate sender key: %w", err)
	}
	return key, nil
}

type deviceKey struct {
	key      []byte
	lastSeen uint64
	seen     map[uint64]bool
}

// Store holds the sender keys known for each (groupId, deviceId) pair and
// tracks per-author sequence numbers for duplicate rejection and the
// per-author FIFO invariant.
type Store struct {
	mu    sync.Mutex
	keys  map[string]map[string]*deviceKey // groupId -> deviceId -> key
	nextSeq map[string]uint64               // groupId#selfDeviceId -> next sequence to send
}

func NewStore() *Store {
	return &Store{
		keys:    make(map[string]map[string]*deviceKey),
		nextSeq: make(map[string]uint64),
	}
}

// SetSenderKey registers deviceId's sender key for groupId. keyBase64 must
// decode from base64 to exactly 32 bytes or ErrInvalidKey is returned.
func (s *Store) SetSenderKey(groupID, deviceID string, keyBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil || len(raw) != SenderKeySize {
		return ErrInvalidKey
	}
	return s.setSenderKeyBytes(groupID, deviceID, raw)
}

func (s *Store) setSenderKeyBytes(groupID, deviceID string, raw []byte) error {
	if len(raw) != SenderKeySize {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, ok := s.keys[groupID]
	if !ok {
		devices = make(map[string]*deviceKey)
		s.keys[groupID] = devices
	}
	devices[deviceID] = &deviceKey{key: append([]byte(nil), raw...), seen: make(map[uint64]bool)}
	return nil
}

// RotateForRemoval purges leaverDeviceID's key from groupID in this store,
// so messages under that key no longer decrypt here. It does not generate
// or distribute new keys; callers are responsible for generating and
// redistributing the new keys for the remaining members.
func (s *Store) RotateForRemoval(groupID, leaverDeviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if devices, ok := s.keys[groupID]; ok {
		delete(devices, leaverDeviceID)
	}
}

// Encrypt seals plaintext with selfDeviceId's own sender key, returning
// [12B nonce][ciphertext][16B tag] plus the sequence number used, which the
// caller attaches to the outgoing message for per-author FIFO ordering.
func (s *Store) Encrypt(groupID, selfDeviceID string, plaintext []byte) (wire []byte, sequence uint64, err error) {
	s.mu.Lock()
	dk, ok := s.keys[groupID][selfDeviceID]
	if !ok {
		s.mu.Unlock()
		return nil, 0, ErrUnknownSender
	}
	seqKey := groupID + "#" + selfDeviceID
	sequence = s.nextSeq[seqKey]
	s.nextSeq[seqKey] = sequence + 1
	key := dk.key
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, 0, fmt.Errorf("group: new aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("group: nonce: %w", err)
	}
	wire = aead.Seal(nonce, nonce, plaintext, nil)
	return wire, sequence, nil
}

// Decrypt opens a message authored by authorDeviceID at the given
// sequence, enforcing per-author FIFO duplicate rejection.
// Failure modes are distinguishable via errors.Is: ErrUnknownSender,
// ErrTooShort, ErrAuthFailed, ErrDuplicateSequence.
func (s *Store) Decrypt(groupID, authorDeviceID string, sequence uint64, wire []byte) ([]byte, error) {
	s.mu.Lock()
	devices, ok := s.keys[groupID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownSender
	}
	dk, ok := devices[authorDeviceID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownSender
	}
	if len(wire) < NonceSize+TagSize {
		s.mu.Unlock()
		return nil, ErrTooShort
	}
	if dk.seen[sequence] {
		s.mu.Unlock()
		return nil, ErrDuplicateSequence
	}
	key := dk.key
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("group: new aead: %w", err)
	}
	nonce, ciphertext := wire[:NonceSize], wire[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	s.mu.Lock()
	dk.seen[sequence] = true
	if sequence >= dk.lastSeen {
		dk.lastSeen = sequence
	}
	s.mu.Unlock()
	return plaintext, nil
}
