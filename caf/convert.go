package caf

import (
	"encoding/binary"
	"math"

	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
)

// spaceChar is the pad code unit for character data, one octet for kind 1
// and a 32-bit code unit for kind 4
const spaceChar = 0x20

// questionChar replaces code points that do not survive narrowing
const questionChar = '?'

// padSpaces fills buf with the space character of the given kind
func padSpaces(buf []byte, kind int32) {
	if kind == 4 {
		for i := 0; i+4 <= len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:], spaceChar)
		}
		return
	}
	for i := range buf {
		buf[i] = spaceChar
	}
}

// convertChar copies one character element between kinds, padding the
// destination with spaces when it is longer. Narrowing kind 4 to kind 1
// replaces code points above 255 with '?'.
func convertChar(dst []byte, dstKind int32, src []byte, srcKind int32) error {
	switch {
	case dstKind == srcKind:
		n := copy(dst, src)
		padSpaces(dst[n:], dstKind)

	case dstKind == 1 && srcKind == 4:
		n := len(src) / 4
		if n > len(dst) {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			cp := binary.LittleEndian.Uint32(src[i*4:])
			if cp > 0xff {
				dst[i] = questionChar
			} else {
				dst[i] = byte(cp)
			}
		}
		padSpaces(dst[n:], 1)

	case dstKind == 4 && srcKind == 1:
		n := len(src)
		if n > len(dst)/4 {
			n = len(dst) / 4
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(src[i]))
		}
		padSpaces(dst[n*4:], 4)

	default:
		return NewError(ErrCodeConversion, StatError, "unsupported character kind pair").
			WithContext("dst_kind", dstKind).
			WithContext("src_kind", srcKind)
	}
	return nil
}

// readInt reads a signed integer of the given kind
func readInt(src []byte, kind int32) (int64, error) {
	switch kind {
	case 1:
		return int64(int8(src[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(src))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(src))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(src)), nil
	}
	return 0, NewError(ErrCodeConversion, StatError, "unsupported integer kind").
		WithContext("kind", kind)
}

func writeInt(dst []byte, kind int32, v int64) error {
	switch kind {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	default:
		return NewError(ErrCodeConversion, StatError, "unsupported integer kind").
			WithContext("kind", kind)
	}
	return nil
}

func readFloat(src []byte, kind int32) (float64, error) {
	switch kind {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src))), nil
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
	}
	return 0, NewError(ErrCodeConversion, StatError, "unsupported real kind").
		WithContext("kind", kind)
}

func writeFloat(dst []byte, kind int32, v float64) error {
	switch kind {
	case 4:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case 8:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	default:
		return NewError(ErrCodeConversion, StatError, "unsupported real kind").
			WithContext("kind", kind)
	}
	return nil
}

func readComplex(src []byte, kind int32) (complex128, error) {
	switch kind {
	case 4:
		re := math.Float32frombits(binary.LittleEndian.Uint32(src))
		im := math.Float32frombits(binary.LittleEndian.Uint32(src[4:]))
		return complex(float64(re), float64(im)), nil
	case 8:
		re := math.Float64frombits(binary.LittleEndian.Uint64(src))
		im := math.Float64frombits(binary.LittleEndian.Uint64(src[8:]))
		return complex(re, im), nil
	}
	return 0, NewError(ErrCodeConversion, StatError, "unsupported complex kind").
		WithContext("kind", kind)
}

func writeComplex(dst []byte, kind int32, v complex128) error {
	switch kind {
	case 4:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(real(v))))
		binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(float32(imag(v))))
	case 8:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(real(v)))
		binary.LittleEndian.PutUint64(dst[8:], math.Float64bits(imag(v)))
	default:
		return NewError(ErrCodeConversion, StatError, "unsupported complex kind").
			WithContext("kind", kind)
	}
	return nil
}

// asComplex promotes one numeric element to the widest complex
func asComplex(src []byte, typ descriptor.Type, kind int32) (complex128, error) {
	switch typ {
	case descriptor.TypeInteger, descriptor.TypeLogical:
		v, err := readInt(src, kind)
		return complex(float64(v), 0), err
	case descriptor.TypeReal:
		v, err := readFloat(src, kind)
		return complex(v, 0), err
	case descriptor.TypeComplex:
		return readComplex(src, kind)
	}
	return 0, NewError(ErrCodeConversion, StatError, "non-numeric source in numeric conversion").
		WithContext("type", typ.String())
}

// convertScalar converts one element between numeric types and kinds.
// Promotion goes through the widest type of the destination category,
// then demotes: integers sign-extend and truncate, reals round.
func convertScalar(dst []byte, dstType descriptor.Type, dstKind int32, src []byte, srcType descriptor.Type, srcKind int32) error {
	switch dstType {
	case descriptor.TypeInteger, descriptor.TypeLogical:
		switch srcType {
		case descriptor.TypeInteger, descriptor.TypeLogical:
			v, err := readInt(src, srcKind)
			if err != nil {
				return err
			}
			return writeInt(dst, dstKind, v)
		case descriptor.TypeReal:
			v, err := readFloat(src, srcKind)
			if err != nil {
				return err
			}
			return writeInt(dst, dstKind, int64(v))
		case descriptor.TypeComplex:
			v, err := readComplex(src, srcKind)
			if err != nil {
				return err
			}
			return writeInt(dst, dstKind, int64(real(v)))
		}

	case descriptor.TypeReal:
		v, err := asComplex(src, srcType, srcKind)
		if err != nil {
			return err
		}
		return writeFloat(dst, dstKind, real(v))

	case descriptor.TypeComplex:
		v, err := asComplex(src, srcType, srcKind)
		if err != nil {
			return err
		}
		return writeComplex(dst, dstKind, v)

	case descriptor.TypeCharacter:
		if srcType != descriptor.TypeCharacter {
			break
		}
		return convertChar(dst, dstKind, src, srcKind)
	}
	return NewError(ErrCodeConversion, StatError, "unsupported type conversion").
		WithContext("dst_type", dstType.String()).
		WithContext("src_type", srcType.String())
}

// convertElems converts count elements packed densely in src into dst
func convertElems(dst []byte, dstType descriptor.Type, dstKind int32, dstElem int64,
	src []byte, srcType descriptor.Type, srcKind int32, srcElem int64, count int64) error {
	for i := int64(0); i < count; i++ {
		d := dst[i*dstElem : (i+1)*dstElem]
		s := src[i*srcElem : (i+1)*srcElem]
		if err := convertScalar(d, dstType, dstKind, s, srcType, srcKind); err != nil {
			return err
		}
	}
	return nil
}

// sameRepresentation reports whether a transfer can move raw bytes with
// no per-element conversion
func sameRepresentation(dst, src *descriptor.Descriptor) bool {
	if dst.Type != src.Type || dst.Kind != src.Kind {
		return false
	}
	if dst.Type == descriptor.TypeCharacter {
		return dst.ElemSize == src.ElemSize
	}
	return dst.ElemSize == src.ElemSize
}
