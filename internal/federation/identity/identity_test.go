package identity

import (
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate("server-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pubPEM, err := id.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM: %v", err)
	}

	msg := []byte(`{"type":"ping"}`)
	sig := id.Sign(msg)

	if !Verify(pubPEM, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pubPEM, []byte(`{"type":"pong"}`), sig) {
		t.Fatal("expected signature over different payload to fail")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	if Verify("not a pem block", []byte("x"), "deadbeef") {
		t.Fatal("expected malformed PEM to fail verification, not error")
	}
	if Verify("", []byte("x"), "not hex") {
		t.Fatal("expected malformed signature to fail verification")
	}
}

func TestMarshalLoadRoundTrip(t *testing.T) {
	id, err := Generate("server-b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pemBytes, err := id.MarshalPEM()
	if err != nil {
		t.Fatalf("MarshalPEM: %v", err)
	}

	loaded, err := LoadFromPEM("server-b", pemBytes)
	if err != nil {
		t.Fatalf("LoadFromPEM: %v", err)
	}
	if !loaded.PublicKey.Equal(id.PublicKey) {
		t.Fatal("expected loaded public key to match original")
	}
}

func TestValidateTimestamp(t *testing.T) {
	cases := []struct {
		name    string
		ts      time.Time
		wantErr bool
	}{
		{"fresh", time.Now().UTC(), false},
		{"too old", time.Now().UTC().Add(-10 * time.Minute), true},
		{"too far future", time.Now().UTC().Add(2 * time.Minute), true},
		{"slightly future ok", time.Now().UTC().Add(10 * time.Second), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ValidateTimestamp(c.ts)
			if (got != "") != c.wantErr {
				t.Fatalf("ValidateTimestamp(%v) = %q, wantErr=%v", c.ts, got, c.wantErr)
			}
		})
	}
}

func TestValidateDomainBlocksInternal(t *testing.T) {
	cases := []string{"localhost", "foo.local", "foo.internal", "x.localhost"}
	for _, d := range cases {
		if err := ValidateDomain(d); err == nil {
			t.Fatalf("expected %q to be rejected", d)
		}
	}
}
