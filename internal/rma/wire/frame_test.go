package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Roundtrip(t *testing.T) {
	f := &frame{
		Kind:    framePut,
		Source:  3,
		WinKey:  "world/w0",
		Offset:  4096,
		A:       7,
		B:       -1,
		Req:     42,
		Payload: []byte("hello window"),
	}
	data, err := encodeFrame(f, 0, brotliDefaultLevel)
	require.NoError(t, err)

	got, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f.Kind, got.Kind)
	assert.Equal(t, f.Source, got.Source)
	assert.Equal(t, f.WinKey, got.WinKey)
	assert.Equal(t, f.Offset, got.Offset)
	assert.Equal(t, f.A, got.A)
	assert.Equal(t, f.B, got.B)
	assert.Equal(t, f.Req, got.Req)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestFrame_EmptyPayload(t *testing.T) {
	f := &frame{Kind: frameBarrier, Source: 0, Req: 1}
	data, err := encodeFrame(f, 0, brotliDefaultLevel)
	require.NoError(t, err)
	got, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.Empty(t, got.WinKey)
}

func TestFrame_CompressionAboveThreshold(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	f := &frame{Kind: framePut, WinKey: "k", Payload: payload}

	compressed, err := encodeFrame(f, 1024, brotliDefaultLevel)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload), "repetitive payload shrinks")

	got, err := decodeFrame(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
	assert.Zero(t, got.Flags&flagCompressed, "flag consumed during decode")
}

func TestFrame_CompressionSkippedBelowThreshold(t *testing.T) {
	payload := []byte("tiny")
	f := &frame{Kind: framePut, Payload: payload}
	data, err := encodeFrame(f, 1024, brotliDefaultLevel)
	require.NoError(t, err)
	assert.Zero(t, data[1]&flagCompressed)

	got, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestFrame_NoisyPayloadRoundtrip(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}
	f := &frame{Kind: framePut, Payload: payload}
	data, err := encodeFrame(f, 16, brotliDefaultLevel)
	require.NoError(t, err)

	got, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestFrame_DecodeErrors(t *testing.T) {
	_, err := decodeFrame([]byte{1, 2, 3})
	assert.Error(t, err, "short frame")

	f := &frame{Kind: frameGet, WinKey: "world/w1", Payload: []byte("data")}
	data, err := encodeFrame(f, 0, brotliDefaultLevel)
	require.NoError(t, err)

	_, err = decodeFrame(data[:len(data)-1])
	assert.Error(t, err, "truncated payload")

	_, err = decodeFrame(data[:12])
	assert.Error(t, err, "truncated header")
}

func TestFrame_ErrorAndOkResponses(t *testing.T) {
	ef := errorFrame(9, 2, assert.AnError)
	assert.Equal(t, frameResponse, ef.Kind)
	assert.NotZero(t, ef.Flags&flagError)
	assert.Equal(t, uint64(9), ef.Req)
	assert.Equal(t, int32(2), ef.Source)
	assert.Equal(t, assert.AnError.Error(), string(ef.Payload))

	ok := okFrame(9, 2, []byte("result"))
	assert.Equal(t, frameResponse, ok.Kind)
	assert.Zero(t, ok.Flags&flagError)
	assert.Equal(t, []byte("result"), ok.Payload)
}

func TestOffsets_Codec(t *testing.T) {
	offsets := []int64{0, 4096, -8, 1 << 40}
	data := []byte("payload bytes")
	packed := encodeOffsets(offsets, data)

	gotOffs, gotData, err := decodeOffsets(packed)
	require.NoError(t, err)
	assert.Equal(t, offsets, gotOffs)
	assert.Equal(t, data, gotData)
}

func TestOffsets_Truncated(t *testing.T) {
	_, _, err := decodeOffsets([]byte{1, 2})
	assert.Error(t, err)

	packed := encodeOffsets([]int64{1, 2, 3}, nil)
	_, _, err = decodeOffsets(packed[:12])
	assert.Error(t, err)
}
