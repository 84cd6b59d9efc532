package wsbridge

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgID(b byte) [16]byte {
	var id [16]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestFrameRoundTrip(t *testing.T) {
	id := msgID(0xAB)
	payload := []byte(`{"action":"studies.search","payload":{"key":"PatientID","value":"P1"}}`)

	wire := Encode(id, KindJSON, "json", payload)
	frame, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, id, frame.MessageID)
	assert.Equal(t, KindJSON, frame.Kind)
	assert.Equal(t, CompressionNone, frame.Compression)
	assert.Equal(t, payload, frame.Payload)
}

func TestFrameHeaderLayout(t *testing.T) {
	id := msgID(0x01)
	payload := []byte("hello")
	wire := Encode(id, KindText, "text", payload)

	require.Len(t, wire, HeaderSize+len(payload))
	assert.EqualValues(t, ProtocolVersion, wire[0])
	assert.EqualValues(t, 0, wire[1])
	assert.EqualValues(t, CompressionNone, wire[2])
	assert.EqualValues(t, KindText, wire[3])
	assert.Equal(t, id[:], wire[4:20])
	assert.EqualValues(t, len(payload), binary.BigEndian.Uint32(wire[20:24]))
	assert.Equal(t, make([]byte, 8), wire[24:32])
}

func TestFrameCompressionThreshold(t *testing.T) {
	large := bytes.Repeat([]byte("abcdefgh"), compressThreshold/8)

	wire := Encode(msgID(0x02), KindJSON, "json", large)
	assert.EqualValues(t, CompressionGzip, wire[2])
	assert.Less(t, len(wire), HeaderSize+len(large), "compressible payload should shrink")

	frame, err := Decode(wire)
	require.NoError(t, err)
	assert.EqualValues(t, CompressionGzip, frame.Compression)
	assert.Equal(t, large, frame.Payload)

	// One byte below the threshold stays uncompressed.
	small := large[:compressThreshold-1]
	wire = Encode(msgID(0x03), KindJSON, "json", small)
	assert.EqualValues(t, CompressionNone, wire[2])
}

func TestFrameImageNeverCompressed(t *testing.T) {
	large := bytes.Repeat([]byte{0xFF, 0xD8}, compressThreshold)
	wire := Encode(msgID(0x04), KindBinary, "image", large)
	assert.EqualValues(t, CompressionNone, wire[2])

	frame, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, large, frame.Payload)
}

func TestDecodeTooSmall(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrFrameTooSmall)
	assert.EqualError(t, err, "frame too small")
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	wire := Encode(msgID(0x05), KindJSON, "json", []byte("{}"))
	wire[0] = 2
	_, err := Decode(wire)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.EqualError(t, err, "Unsupported WS protocol version")
}

func TestDecodeTruncatedPayload(t *testing.T) {
	wire := Encode(msgID(0x06), KindJSON, "json", []byte("0123456789"))
	binary.BigEndian.PutUint32(wire[20:24], 11)
	_, err := Decode(wire)
	assert.ErrorIs(t, err, ErrPayloadIncomplete)
	assert.EqualError(t, err, "payload incomplete")
}

func TestDecodeEmptyPayload(t *testing.T) {
	frame, err := Decode(Encode(msgID(0x07), KindJSON, "json", nil))
	require.NoError(t, err)
	assert.Empty(t, frame.Payload)
}
