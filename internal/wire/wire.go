// Package wire implements the binary frame codec for peer-to-peer payloads:
// a one-byte version, one-byte type, big-endian flags, and a type-specific
// payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Version is the only frame version this codec understands.
const Version byte = 1

// FrameType identifies the payload that follows the header.
type FrameType byte

const (
	TypeText              FrameType = 1
	TypeHandshakeRequest  FrameType = 2
	TypeHandshakeResponse FrameType = 3
	TypeFileChunk         FrameType = 4
	TypeAck               FrameType = 7
	TypePing              FrameType = 8
	TypePong              FrameType = 9
)

func (t FrameType) known() bool {
	switch t {
	case TypeText, TypeHandshakeRequest, TypeHandshakeResponse, TypeFileChunk, TypeAck, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// ProtocolError reports a frame this codec refuses to decode: an unknown
// version or an unknown type.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: " + e.Reason }

// Unsupported constructs the error returned for an unknown frame version
// or type.
func Unsupported(detail string) error {
	return &ProtocolError{Reason: "unsupported: " + detail}
}

const headerSize = 4 // version(1) + type(1) + flags(2)

// Frame is a decoded wire frame.
type Frame struct {
	Type    FrameType
	Flags   uint16
	Payload []byte
}

// Encode writes [1B version][1B type][2B flags BE][payload].
func Encode(f Frame) ([]byte, error) {
	if !f.Type.known() {
		return nil, Unsupported(fmt.Sprintf("type %d", f.Type))
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = Version
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], f.Flags)
	copy(buf[4:], f.Payload)
	return buf, nil
}

// Decode parses a frame, returning a *ProtocolError built by Unsupported for
// a short frame or an unknown version or type.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < headerSize {
		return Frame{}, Unsupported("frame shorter than header")
	}
	if raw[0] != Version {
		return Frame{}, Unsupported(fmt.Sprintf("version %d", raw[0]))
	}
	ft := FrameType(raw[1])
	if !ft.known() {
		return Frame{}, Unsupported(fmt.Sprintf("type %d", ft))
	}
	flags := binary.BigEndian.Uint16(raw[2:4])
	payload := append([]byte(nil), raw[4:]...)
	return Frame{Type: ft, Flags: flags, Payload: payload}, nil
}

// FileChunk is the tagged binary sub-structure carried inside a
// TypeFileChunk payload.
type FileChunk struct {
	FileID        string
	ChunkIndex    uint32
	TotalChunks   uint32
	EncryptedData []byte
}

// fileChunkFixedSize is the byte cost of every length-prefixed and
// fixed-width field besides the variable-length fileId and encryptedData:
// 4B fileId length + 4B chunkIndex + 4B totalChunks + 4B encryptedData length.
const fileChunkFixedSize = 16

// EncodeFileChunk serializes a FileChunk as a tagged binary sub-structure:
// [4B fileId length][fileId][4B chunkIndex][4B totalChunks][4B encryptedData
// length][encryptedData], all big-endian. Unlike the handshake payloads,
// file chunks carry a bulk ciphertext blob, so this avoids JSON's base64
// inflation of EncryptedData.
func EncodeFileChunk(c FileChunk) ([]byte, error) {
	fileID := []byte(c.FileID)
	buf := make([]byte, fileChunkFixedSize+len(fileID)+len(c.EncryptedData))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(fileID)))
	off += 4
	off += copy(buf[off:], fileID)
	binary.BigEndian.PutUint32(buf[off:], c.ChunkIndex)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.TotalChunks)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.EncryptedData)))
	off += 4
	copy(buf[off:], c.EncryptedData)
	return buf, nil
}

func DecodeFileChunk(payload []byte) (FileChunk, error) {
	if len(payload) < 4 {
		return FileChunk{}, Unsupported("file chunk shorter than length prefix")
	}
	off := 0
	fileIDLen := int(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) < off+fileIDLen+12 {
		return FileChunk{}, Unsupported("file chunk truncated before fixed fields")
	}
	fileID := string(payload[off : off+fileIDLen])
	off += fileIDLen
	chunkIndex := binary.BigEndian.Uint32(payload[off:])
	off += 4
	totalChunks := binary.BigEndian.Uint32(payload[off:])
	off += 4
	dataLen := int(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) < off+dataLen {
		return FileChunk{}, Unsupported("file chunk data truncated")
	}
	data := append([]byte(nil), payload[off:off+dataLen]...)
	return FileChunk{FileID: fileID, ChunkIndex: chunkIndex, TotalChunks: totalChunks, EncryptedData: data}, nil
}

// HandshakePayload is the JSON object carried by handshakeRequest and
// handshakeResponse frames.
type HandshakePayload struct {
	PeerID    string `json:"peerId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

func EncodeHandshake(p HandshakePayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wire: encode handshake: %w", err)
	}
	return b, nil
}

func DecodeHandshake(payload []byte) (HandshakePayload, error) {
	var p HandshakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return HandshakePayload{}, fmt.Errorf("wire: decode handshake: %w", err)
	}
	return p, nil
}
