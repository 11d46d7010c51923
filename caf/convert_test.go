package caf

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
)

func TestConvertScalar_IntegerKinds(t *testing.T) {
	// Widening sign-extends.
	src := []byte{0xfe} // -2 as int8
	dst := make([]byte, 8)
	require.NoError(t, convertScalar(dst, descriptor.TypeInteger, 8, src, descriptor.TypeInteger, 1))
	assert.Equal(t, int64(-2), int64(binary.LittleEndian.Uint64(dst)))

	// Narrowing truncates.
	wide := make([]byte, 8)
	binary.LittleEndian.PutUint64(wide, uint64(0x1_0000_0003))
	narrow := make([]byte, 4)
	require.NoError(t, convertScalar(narrow, descriptor.TypeInteger, 4, wide, descriptor.TypeInteger, 8))
	assert.Equal(t, int32(3), int32(binary.LittleEndian.Uint32(narrow)))
}

func TestConvertScalar_RealAndInteger(t *testing.T) {
	f := make([]byte, 8)
	binary.LittleEndian.PutUint64(f, math.Float64bits(3.9))
	i := make([]byte, 4)
	require.NoError(t, convertScalar(i, descriptor.TypeInteger, 4, f, descriptor.TypeReal, 8))
	assert.Equal(t, int32(3), int32(binary.LittleEndian.Uint32(i)), "real to integer truncates")

	binary.LittleEndian.PutUint32(i, uint32(7))
	require.NoError(t, convertScalar(f, descriptor.TypeReal, 8, i, descriptor.TypeInteger, 4))
	assert.Equal(t, 7.0, math.Float64frombits(binary.LittleEndian.Uint64(f)))

	// real(4) widens exactly.
	f32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(f32, math.Float32bits(1.5))
	require.NoError(t, convertScalar(f, descriptor.TypeReal, 8, f32, descriptor.TypeReal, 4))
	assert.Equal(t, 1.5, math.Float64frombits(binary.LittleEndian.Uint64(f)))
}

func TestConvertScalar_Complex(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, math.Float32bits(2))
	binary.LittleEndian.PutUint32(src[4:], math.Float32bits(-3))
	dst := make([]byte, 16)
	require.NoError(t, convertScalar(dst, descriptor.TypeComplex, 8, src, descriptor.TypeComplex, 4))
	assert.Equal(t, 2.0, math.Float64frombits(binary.LittleEndian.Uint64(dst)))
	assert.Equal(t, -3.0, math.Float64frombits(binary.LittleEndian.Uint64(dst[8:])))

	// Complex to integer keeps the real part.
	i := make([]byte, 4)
	require.NoError(t, convertScalar(i, descriptor.TypeInteger, 4, dst, descriptor.TypeComplex, 8))
	assert.Equal(t, int32(2), int32(binary.LittleEndian.Uint32(i)))
}

func TestConvertScalar_Unsupported(t *testing.T) {
	err := convertScalar(make([]byte, 4), descriptor.TypeInteger, 4, []byte("ch"), descriptor.TypeCharacter, 1)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeConversion, cerr.Code)
}

func TestConvertChar_SameKindPads(t *testing.T) {
	dst := make([]byte, 8)
	require.NoError(t, convertChar(dst, 1, []byte("hi"), 1))
	assert.Equal(t, "hi      ", string(dst))
}

func TestConvertChar_NarrowReplaces(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, 'A')
	binary.LittleEndian.PutUint32(src[4:], 0x2026) // ellipsis, no kind-1 form
	dst := make([]byte, 2)
	require.NoError(t, convertChar(dst, 1, src, 4))
	assert.Equal(t, "A?", string(dst))
}

func TestConvertChar_Widens(t *testing.T) {
	dst := make([]byte, 12)
	require.NoError(t, convertChar(dst, 4, []byte("ok"), 1))
	assert.Equal(t, uint32('o'), binary.LittleEndian.Uint32(dst))
	assert.Equal(t, uint32('k'), binary.LittleEndian.Uint32(dst[4:]))
	assert.Equal(t, uint32(' '), binary.LittleEndian.Uint32(dst[8:]))
}

func TestPadSpaces_Kind4(t *testing.T) {
	buf := make([]byte, 8)
	padSpaces(buf, 4)
	assert.Equal(t, uint32(' '), binary.LittleEndian.Uint32(buf))
	assert.Equal(t, uint32(' '), binary.LittleEndian.Uint32(buf[4:]))
}

func TestCheckCharExtent(t *testing.T) {
	short := descriptor.Scalar(descriptor.TypeCharacter, 1, 4)
	long := descriptor.Scalar(descriptor.TypeCharacter, 1, 8)
	assert.Error(t, checkCharExtent(&short, &long))
	assert.NoError(t, checkCharExtent(&long, &short), "padding is fine, truncation is not")

	// Different kinds convert instead.
	wide := descriptor.Scalar(descriptor.TypeCharacter, 4, 16)
	assert.NoError(t, checkCharExtent(&short, &wide))
}

func TestConvertElems(t *testing.T) {
	src := make([]byte, 8)
	src[0] = 5
	src[4] = 0xff // -1 as int8, padded to 4-byte elements
	dst := make([]byte, 16)
	require.NoError(t, convertElems(dst, descriptor.TypeInteger, 8, 8,
		src, descriptor.TypeInteger, 1, 4, 2))
	assert.Equal(t, int64(5), int64(binary.LittleEndian.Uint64(dst)))
	assert.Equal(t, int64(-1), int64(binary.LittleEndian.Uint64(dst[8:])))
}

func TestFillErrmsg(t *testing.T) {
	buf := make([]byte, 10)
	FillErrmsg(buf, "bad")
	assert.Equal(t, "bad       ", string(buf))

	small := make([]byte, 3)
	FillErrmsg(small, "overflowing")
	assert.Equal(t, "ove", string(small))
}

func TestReport(t *testing.T) {
	var stat int
	assert.False(t, Report(nil, &stat, nil))
	assert.Equal(t, StatOK, stat)

	err := ErrStoppedImage(2)
	msg := make([]byte, 30)
	assert.False(t, Report(err, &stat, msg))
	assert.Equal(t, StatStoppedImage, stat)
	assert.Contains(t, string(msg), "target image has stopped")

	assert.True(t, Report(err, nil, nil), "no stat means the caller must terminate")
	assert.False(t, Report(nil, nil, nil))
}

func TestStatOf(t *testing.T) {
	assert.Equal(t, StatOK, StatOf(nil))
	assert.Equal(t, StatFailedImage, StatOf(ErrFailedImage(3)))
	assert.Equal(t, StatAlreadyLocked, StatOf(ErrAlreadyLocked()))
	assert.Equal(t, StatError, StatOf(assert.AnError))
}

func TestError_Surface(t *testing.T) {
	base := assert.AnError
	err := WrapError(ErrCodeTransport, StatError, "send failed", base).
		WithContext("image", 3)
	assert.Contains(t, err.Error(), "TRANSPORT_ERROR")
	assert.Contains(t, err.Error(), "send failed")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 3, err.Context["image"])

	plain := NewError(ErrCodeBadImage, StatError, "out of range")
	assert.Nil(t, plain.Unwrap())
	assert.Contains(t, plain.Error(), "out of range")
}
