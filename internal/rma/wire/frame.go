package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Frame kinds on the wire
const (
	frameHello uint8 = iota + 1
	framePut
	framePutV
	frameGet
	frameGetV
	frameAccumulate
	frameFetchOp
	frameCompareSwap
	frameLock
	frameUnlock
	frameMessage
	frameCollective
	frameBarrier
	frameResponse
	frameSignal
	frameBye
)

// Frame flags
const (
	flagCompressed uint8 = 1 << iota
	flagError
	flagExclusive
)

// frame is one wire message. A and B carry per-kind scalars: tag and
// sequence numbers, datatype and op codes, element sizes, roots.
type frame struct {
	Kind    uint8
	Flags   uint8
	Source  int32
	WinKey  string
	Offset  int64
	A, B    int64
	Req     uint64
	Payload []byte
}

// maxFrameSize bounds a decoded frame. Larger transfers must be split by
// the caller.
const maxFrameSize = 64 << 20

// encodeFrame serializes f, compressing the payload at or above threshold
func encodeFrame(f *frame, threshold, level int) ([]byte, error) {
	payload := f.Payload
	flags := f.Flags
	if threshold > 0 && len(payload) >= threshold {
		var buf bytes.Buffer
		bw := brotli.NewWriterLevel(&buf, level)
		if _, err := bw.Write(payload); err == nil && bw.Close() == nil && buf.Len() < len(payload) {
			payload = buf.Bytes()
			flags |= flagCompressed
		}
	}
	if len(f.WinKey) > 0xffff {
		return nil, fmt.Errorf("wire: window key too long")
	}
	out := make([]byte, 0, 40+len(f.WinKey)+len(payload))
	out = append(out, f.Kind, flags)
	out = binary.LittleEndian.AppendUint32(out, uint32(f.Source))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.WinKey)))
	out = append(out, f.WinKey...)
	out = binary.LittleEndian.AppendUint64(out, uint64(f.Offset))
	out = binary.LittleEndian.AppendUint64(out, uint64(f.A))
	out = binary.LittleEndian.AppendUint64(out, uint64(f.B))
	out = binary.LittleEndian.AppendUint64(out, f.Req)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// decodeFrame parses one serialized frame, decompressing as needed
func decodeFrame(data []byte) (*frame, error) {
	if len(data) < 40 {
		return nil, fmt.Errorf("wire: short frame (%d bytes)", len(data))
	}
	f := &frame{Kind: data[0], Flags: data[1]}
	f.Source = int32(binary.LittleEndian.Uint32(data[2:6]))
	keyLen := int(binary.LittleEndian.Uint16(data[6:8]))
	rest := data[8:]
	if len(rest) < keyLen+36 {
		return nil, fmt.Errorf("wire: truncated frame header")
	}
	f.WinKey = string(rest[:keyLen])
	rest = rest[keyLen:]
	f.Offset = int64(binary.LittleEndian.Uint64(rest[0:8]))
	f.A = int64(binary.LittleEndian.Uint64(rest[8:16]))
	f.B = int64(binary.LittleEndian.Uint64(rest[16:24]))
	f.Req = binary.LittleEndian.Uint64(rest[24:32])
	plen := int(binary.LittleEndian.Uint32(rest[32:36]))
	rest = rest[36:]
	if plen != len(rest) || plen > maxFrameSize {
		return nil, fmt.Errorf("wire: payload length mismatch (%d declared, %d present)", plen, len(rest))
	}
	payload := rest
	if f.Flags&flagCompressed != 0 {
		br := brotli.NewReader(bytes.NewReader(payload))
		expanded, err := io.ReadAll(io.LimitReader(br, maxFrameSize+1))
		if err != nil {
			return nil, fmt.Errorf("wire: decompress: %w", err)
		}
		if len(expanded) > maxFrameSize {
			return nil, fmt.Errorf("wire: decompressed payload too large")
		}
		payload = expanded
		f.Flags &^= flagCompressed
	}
	f.Payload = append([]byte(nil), payload...)
	return f, nil
}

// errorFrame builds the response for a failed request
func errorFrame(req uint64, self int, err error) *frame {
	return &frame{
		Kind:    frameResponse,
		Flags:   flagError,
		Source:  int32(self),
		Req:     req,
		Payload: []byte(err.Error()),
	}
}

// okFrame builds the response for a successful request
func okFrame(req uint64, self int, payload []byte) *frame {
	return &frame{Kind: frameResponse, Source: int32(self), Req: req, Payload: payload}
}

// encodeOffsets packs a vector-op payload: n offsets followed by data
func encodeOffsets(offsets []int64, data []byte) []byte {
	out := make([]byte, 0, 8+8*len(offsets)+len(data))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(offsets)))
	for _, off := range offsets {
		out = binary.LittleEndian.AppendUint64(out, uint64(off))
	}
	return append(out, data...)
}

// decodeOffsets unpacks a vector-op payload
func decodeOffsets(payload []byte) ([]int64, []byte, error) {
	if len(payload) < 8 {
		return nil, nil, fmt.Errorf("wire: truncated vector payload")
	}
	n := int(binary.LittleEndian.Uint64(payload[:8]))
	payload = payload[8:]
	if n < 0 || len(payload) < n*8 {
		return nil, nil, fmt.Errorf("wire: vector payload too short for %d offsets", n)
	}
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(binary.LittleEndian.Uint64(payload[i*8 : i*8+8]))
	}
	return offsets, payload[n*8:], nil
}
