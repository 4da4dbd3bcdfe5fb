package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/identity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandshakeEnvelopeCanonicalExcludesSignature(t *testing.T) {
	hs := handshakeEnvelope{ServerID: "a", Endpoint: "a:1", PublicKey: "pem", Timestamp: time.Unix(0, 0).UTC()}
	hs.Signature = "should-not-appear"
	if strings.Contains(string(hs.canonical()), "should-not-appear") {
		t.Fatal("canonical() must not include the signature field")
	}

	withoutSig := hs
	withoutSig.Signature = ""
	if string(hs.canonical()) != string(withoutSig.canonical()) {
		t.Fatal("canonical() must be stable regardless of the signature value")
	}
}

func TestBackoffGrowsAndCapsAtMax(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // never actually sleep; only exercise the growth arithmetic

	m := &Manager{logger: discardLogger()}
	backoff := MinBackoff
	seen := []time.Duration{}
	for i := 0; i < 10; i++ {
		m.sleepBackoff(ctx, &backoff)
		seen = append(seen, backoff)
	}
	if seen[len(seen)-1] != MaxBackoff {
		t.Fatalf("expected backoff to cap at %v, got %v", MaxBackoff, seen[len(seen)-1])
	}
	for _, d := range seen {
		if d < MinBackoff || d > MaxBackoff {
			t.Fatalf("backoff %v out of bounds [%v, %v]", d, MinBackoff, MaxBackoff)
		}
	}
}

func TestHandshakeRoundTripOverLoopback(t *testing.T) {
	serverID, err := identity.Generate("server-a")
	if err != nil {
		t.Fatalf("identity.Generate(server): %v", err)
	}
	clientID, err := identity.Generate("server-b")
	if err != nil {
		t.Fatalf("identity.Generate(client): %v", err)
	}

	serverMgr := New(serverID, "server-a:8443", discardLogger(), func(context.Context, *gossip.Envelope) {})
	clientMgr := New(clientID, "server-b:8443", discardLogger(), func(context.Context, *gossip.Envelope) {})

	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		done <- serverMgr.handshake(r.Context(), conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := clientMgr.handshake(context.Background(), conn); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	if _, ok := clientMgr.peerKeys.Load("server-a"); !ok {
		t.Fatal("client did not record server's public key after handshake")
	}
	if _, ok := serverMgr.peerKeys.Load("server-b"); !ok {
		t.Fatal("server did not record client's public key after handshake")
	}
}

func TestVerifyEnvelopeRejectsUnknownSender(t *testing.T) {
	id, err := identity.Generate("server-a")
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	m := New(id, "server-a:8443", discardLogger(), func(context.Context, *gossip.Envelope) {})
	env := &gossip.Envelope{SenderID: "stranger", Type: "gossip", Subtype: gossip.SubtypePing}
	if m.verifyEnvelope(env) {
		t.Fatal("expected envelope from unknown sender to fail verification")
	}
}

func TestVerifyEnvelopeAcceptsSignedEnvelope(t *testing.T) {
	id, err := identity.Generate("server-a")
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	pub, err := id.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM: %v", err)
	}
	m := New(id, "server-a:8443", discardLogger(), func(context.Context, *gossip.Envelope) {})
	m.peerKeys.Store("server-a", pub)

	env := &gossip.Envelope{SenderID: "server-a", Type: "gossip", Subtype: gossip.SubtypePing, SequenceNumber: 7}
	unsigned := *env
	b, err := json.Marshal(unsigned)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env.Signature = id.Sign(b)

	if !m.verifyEnvelope(env) {
		t.Fatal("expected envelope signed by the known sender to verify")
	}
}
