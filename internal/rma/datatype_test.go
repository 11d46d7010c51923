package rma

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i32s(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

func f64s(vals ...float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func TestApplyOp_IntSum(t *testing.T) {
	dst := i32s(1, 2, 3)
	src := i32s(10, 20, 30)
	require.NoError(t, ApplyOp(dst, src, DTInt32, OpSum))
	assert.Equal(t, i32s(11, 22, 33), dst)
}

func TestApplyOp_MinMax(t *testing.T) {
	dst := i32s(5, -5)
	require.NoError(t, ApplyOp(dst, i32s(3, 3), DTInt32, OpMin))
	assert.Equal(t, i32s(3, -5), dst)

	dst = i32s(5, -5)
	require.NoError(t, ApplyOp(dst, i32s(3, 3), DTInt32, OpMax))
	assert.Equal(t, i32s(5, 3), dst)
}

func TestApplyOp_Bitwise(t *testing.T) {
	dst := i32s(0b1100)
	require.NoError(t, ApplyOp(dst, i32s(0b1010), DTInt32, OpBAnd))
	assert.Equal(t, i32s(0b1000), dst)

	dst = i32s(0b1100)
	require.NoError(t, ApplyOp(dst, i32s(0b1010), DTInt32, OpBXor))
	assert.Equal(t, i32s(0b0110), dst)
}

func TestApplyOp_ReplaceAndNoOp(t *testing.T) {
	dst := i32s(1, 2)
	require.NoError(t, ApplyOp(dst, i32s(9, 9), DTInt32, OpReplace))
	assert.Equal(t, i32s(9, 9), dst)

	require.NoError(t, ApplyOp(dst, i32s(7, 7), DTInt32, OpNoOp))
	assert.Equal(t, i32s(9, 9), dst)
}

func TestApplyOp_FloatSum(t *testing.T) {
	dst := f64s(1.5, 2.5)
	require.NoError(t, ApplyOp(dst, f64s(0.5, 0.25), DTFloat64, OpSum))
	assert.Equal(t, f64s(2.0, 2.75), dst)
}

func TestApplyOp_FloatBitwiseRejected(t *testing.T) {
	dst := f64s(1)
	assert.Error(t, ApplyOp(dst, f64s(2), DTFloat64, OpBAnd))
}

func TestApplyOp_Misaligned(t *testing.T) {
	dst := make([]byte, 4)
	assert.Error(t, ApplyOp(dst, make([]byte, 3), DTInt32, OpSum))
}

func TestReduceOps(t *testing.T) {
	dst := i32s(4)
	require.NoError(t, SumOp(DTInt32).Combine(dst, i32s(6)))
	assert.Equal(t, i32s(10), dst)

	require.NoError(t, MinOp(DTInt32).Combine(dst, i32s(3)))
	assert.Equal(t, i32s(3), dst)

	require.NoError(t, MaxOp(DTInt32).Combine(dst, i32s(8)))
	assert.Equal(t, i32s(8), dst)

	user := UserOp{Fn: func(d, s []byte) error {
		d[0] = d[0] * s[0]
		return nil
	}}
	buf := []byte{3}
	require.NoError(t, user.Combine(buf, []byte{5}))
	assert.Equal(t, byte(15), buf[0])
}
