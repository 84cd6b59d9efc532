// Package wsbridge carries typed RPC over a single persistent binary
// WebSocket channel: a fixed-header frame codec, HMAC correlation for the
// loopback proxy, action routing, and the upload-and-poll process flow.
package wsbridge

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout, big-endian:
//
//	byte  0      protocol version (1)
//	byte  1      reserved
//	byte  2      compression (0=none, 1=gzip)
//	byte  3      payload kind (0=json, 1=text, 2=binary)
//	bytes 4-19   16-byte message id, opaque
//	bytes 20-23  payload length as stored, uint32
//	bytes 24-31  reserved zero
//	bytes 32-    payload
const (
	HeaderSize      = 32
	ProtocolVersion = 1
)

// Payload kinds.
const (
	KindJSON   byte = 0
	KindText   byte = 1
	KindBinary byte = 2
)

// Compression markers.
const (
	CompressionNone byte = 0
	CompressionGzip byte = 1
)

// compressThreshold is the stored-payload size at which gzip kicks in.
const compressThreshold = 32 << 10

// maxPayloadSize bounds the declared payload length on decode.
const maxPayloadSize = 64 << 20

var (
	ErrFrameTooSmall      = errors.New("frame too small")
	ErrUnsupportedVersion = errors.New("Unsupported WS protocol version")
	ErrPayloadIncomplete  = errors.New("payload incomplete")
)

// Frame is a decoded message: payload is always the uncompressed bytes,
// Compression records how the frame traveled.
type Frame struct {
	Compression byte
	Kind        byte
	MessageID   [16]byte
	Payload     []byte
}

// KindString maps a payload kind to its content-type label.
func KindString(kind byte) string {
	switch kind {
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// Encode builds a wire frame. Gzip applies when the payload is at least the
// compression threshold and contentType is not "image"; if compression fails
// the frame falls back to the uncompressed payload with the header byte
// rewritten to match.
func Encode(messageID [16]byte, kind byte, contentType string, payload []byte) []byte {
	stored := payload
	compression := CompressionNone

	if len(payload) >= compressThreshold && contentType != "image" {
		if compressed, err := gzipBytes(payload); err == nil {
			stored = compressed
			compression = CompressionGzip
		}
	}

	buf := make([]byte, HeaderSize+len(stored))
	buf[0] = ProtocolVersion
	buf[2] = compression
	buf[3] = kind
	copy(buf[4:20], messageID[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(stored)))
	copy(buf[HeaderSize:], stored)
	return buf
}

// Decode parses a wire frame and decompresses the payload if needed.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrFrameTooSmall
	}
	if data[0] != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	f := &Frame{
		Compression: data[2],
		Kind:        data[3],
	}
	copy(f.MessageID[:], data[4:20])

	length := binary.BigEndian.Uint32(data[20:24])
	if length > maxPayloadSize || int(length) > len(data)-HeaderSize {
		return nil, ErrPayloadIncomplete
	}

	stored := data[HeaderSize : HeaderSize+int(length)]
	switch f.Compression {
	case CompressionNone:
		f.Payload = append([]byte(nil), stored...)
	case CompressionGzip:
		payload, err := gunzipBytes(stored)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		f.Payload = payload
	default:
		return nil, fmt.Errorf("unknown compression marker %d", f.Compression)
	}
	return f, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
