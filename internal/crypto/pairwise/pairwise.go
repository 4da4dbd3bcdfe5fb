// Package pairwise implements peer-to-peer session cryptography: X25519
// key agreement, HKDF-SHA256 key derivation for the four contexts the
// system uses, and ChaCha20-Poly1305 authenticated encryption.
package pairwise

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = chacha20poly1305.NonceSize // 12
	TagSize   = 16
	KeySize   = chacha20poly1305.KeySize // 32
)

// ErrCiphertextTooShort is returned when a wire payload is shorter than a
// nonce plus authentication tag could ever be.
var ErrCiphertextTooShort = errors.New("pairwise: ciphertext shorter than nonce+tag")

// GenerateIdentityKey creates a new long-term X25519 identity key pair.
func GenerateIdentityKey() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// SharedSecret computes shared = X25519(ourPriv, theirPub).
func SharedSecret(ourPriv, theirPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(ourPriv[:], theirPub[:])
	if err != nil {
		return nil, fmt.Errorf("pairwise: X25519: %w", err)
	}
	return shared, nil
}

// Context names the four HKDF derivations the system uses. Info
// and Salt must be treated as fixed constants per context, never inputs.
type Context struct {
	Info string
	Salt string
}

func SessionContext() Context {
	return Context{Info: "zajel_session", Salt: "zajel-session-salt-v1"}
}

func ChannelContentContext(epoch uint64) Context {
	return Context{
		Info: fmt.Sprintf("zajel_channel_content_epoch_%d", epoch),
		Salt: "zajel-channel-salt-v1",
	}
}

func UpstreamMessageContext() Context {
	return Context{Info: "zajel_upstream_message", Salt: "zajel-upstream-salt-v1"}
}

func DeviceLinkTunnelContext(code string) Context {
	return Context{Info: "zajel_link_tunnel_" + code, Salt: "zajel-link-salt-v1"}
}

// DeriveKey runs HKDF-SHA256 over shared with ctx's salt/info, producing a
// 32-byte key.
func DeriveKey(shared []byte, ctx Context) ([]byte, error) {
	reader := hkdf.New(sha256.New, shared, []byte(ctx.Salt), []byte(ctx.Info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("pairwise: hkdf: %w", err)
	}
	return key, nil
}

// DeriveSessionKey is the common case: X25519 agreement followed by the
// session HKDF context.
func DeriveSessionKey(ourPriv, theirPub [32]byte) ([]byte, error) {
	shared, err := SharedSecret(ourPriv, theirPub)
	if err != nil {
		return nil, err
	}
	return DeriveKey(shared, SessionContext())
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// the wire layout [12B nonce][ciphertext][16B tag].
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pairwise: new aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("pairwise: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, verifying the authentication tag.
func Decrypt(key, wire []byte) ([]byte, error) {
	if len(wire) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pairwise: new aead: %w", err)
	}
	nonce, ciphertext := wire[:NonceSize], wire[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("pairwise: authentication failed: %w", err)
	}
	return plaintext, nil
}

// Fingerprint returns the SHA-256 fingerprint of an X25519 public key as
// lowercase hex, used for out-of-band MITM verification.
func Fingerprint(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}
