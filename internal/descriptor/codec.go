package descriptor

import (
	"encoding/binary"
	"fmt"
)

// Wire layout: a fixed header followed by one triple per dimension.
//
//	header: elem_size int64 | type int32 | kind int32 | rank int32 | pad int32
//	dim:    lower int64 | upper int64 | stride int64
//
// All fields little-endian.
const (
	headerBytes = 8 + 4 + 4 + 4 + 4
	dimBytes    = 8 * 3
)

// EncodedSize returns the wire size of a descriptor of the given rank
func EncodedSize(rank int) int {
	return headerBytes + rank*dimBytes
}

// Marshal serializes the descriptor into its wire form
func Marshal(d *Descriptor) []byte {
	buf := make([]byte, EncodedSize(d.Rank()))
	binary.LittleEndian.PutUint64(buf[0:], uint64(d.ElemSize))
	binary.LittleEndian.PutUint32(buf[8:], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[12:], uint32(d.Kind))
	binary.LittleEndian.PutUint32(buf[16:], uint32(d.Rank()))
	off := headerBytes
	for _, dim := range d.Dims {
		binary.LittleEndian.PutUint64(buf[off:], uint64(dim.LowerBound))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(dim.UpperBound))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(dim.Stride))
		off += dimBytes
	}
	return buf
}

// Unmarshal parses a wire-form descriptor
func Unmarshal(buf []byte) (Descriptor, error) {
	var d Descriptor
	if len(buf) < headerBytes {
		return d, fmt.Errorf("descriptor truncated: %d bytes", len(buf))
	}
	d.ElemSize = int64(binary.LittleEndian.Uint64(buf[0:]))
	d.Type = Type(binary.LittleEndian.Uint32(buf[8:]))
	d.Kind = int32(binary.LittleEndian.Uint32(buf[12:]))
	rank := int(binary.LittleEndian.Uint32(buf[16:]))
	if rank < 0 || rank > MaxRank {
		return d, fmt.Errorf("descriptor rank %d out of range", rank)
	}
	if len(buf) < EncodedSize(rank) {
		return d, fmt.Errorf("descriptor truncated: %d bytes for rank %d", len(buf), rank)
	}
	d.Dims = make([]Dim, rank)
	off := headerBytes
	for i := 0; i < rank; i++ {
		d.Dims[i].LowerBound = int64(binary.LittleEndian.Uint64(buf[off:]))
		d.Dims[i].UpperBound = int64(binary.LittleEndian.Uint64(buf[off+8:]))
		d.Dims[i].Stride = int64(binary.LittleEndian.Uint64(buf[off+16:]))
		off += dimBytes
	}
	return d, nil
}
