package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: TypeText, Flags: 0x0102, Payload: []byte("hello")}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != f.Type || got.Flags != f.Flags || string(got.Payload) != string(f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Frame{Type: FrameType(99)})
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError for unknown type, got %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw := []byte{2, byte(TypeText), 0, 0}
	_, err := Decode(raw)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError for unknown version, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := []byte{Version, 99, 0, 0}
	_, err := Decode(raw)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError for unknown type, got %v", err)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{Version, byte(TypeText)})
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError for short frame, got %v", err)
	}
}

func TestFileChunkRoundTrip(t *testing.T) {
	c := FileChunk{FileID: "f1", ChunkIndex: 2, TotalChunks: 5, EncryptedData: []byte{1, 2, 3}}
	payload, err := EncodeFileChunk(c)
	if err != nil {
		t.Fatalf("encode file chunk: %v", err)
	}
	got, err := DecodeFileChunk(payload)
	if err != nil {
		t.Fatalf("decode file chunk: %v", err)
	}
	if got.FileID != c.FileID || got.ChunkIndex != c.ChunkIndex || got.TotalChunks != c.TotalChunks {
		t.Fatalf("file chunk round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestDecodeFileChunkRejectsTruncatedPayload(t *testing.T) {
	c := FileChunk{FileID: "f1", ChunkIndex: 2, TotalChunks: 5, EncryptedData: []byte{1, 2, 3}}
	payload, err := EncodeFileChunk(c)
	if err != nil {
		t.Fatalf("encode file chunk: %v", err)
	}
	if _, err := DecodeFileChunk(payload[:len(payload)-1]); err == nil {
		t.Fatal("expected truncated file chunk payload to fail decoding")
	}
}

func TestHandshakePayloadRoundTrip(t *testing.T) {
	p := HandshakePayload{PeerID: "peer-1", PublicKey: "pub", Signature: "sig"}
	payload, err := EncodeHandshake(p)
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	got, err := DecodeHandshake(payload)
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if got != p {
		t.Fatalf("handshake round trip mismatch: got %+v, want %+v", got, p)
	}
}
