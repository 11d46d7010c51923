package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocFree(t *testing.T) {
	a := New(MinBlock, 16*MinBlock)

	off1, err := a.Alloc(MinBlock)
	require.NoError(t, err)

	off2, err := a.Alloc(MinBlock)
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)

	assert.Equal(t, int64(2*MinBlock), a.InUse())

	require.NoError(t, a.Free(off1))
	require.NoError(t, a.Free(off2))
	assert.Equal(t, int64(0), a.InUse())
}

func TestArena_RoundsUpToBlock(t *testing.T) {
	a := New(MinBlock, 16*MinBlock)

	off, err := a.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, int64(MinBlock), a.InUse())
	require.NoError(t, a.Free(off))
}

func TestArena_Coalesce(t *testing.T) {
	a := New(MinBlock, 8*MinBlock)

	// Fill with small blocks, free them all, then a full-size alloc must
	// succeed again.
	var offs []int64
	for i := 0; i < 8; i++ {
		off, err := a.Alloc(MinBlock)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	_, err := a.Alloc(MinBlock)
	assert.Error(t, err, "arena exhausted")

	for _, off := range offs {
		require.NoError(t, a.Free(off))
	}

	big, err := a.Alloc(8 * MinBlock)
	require.NoError(t, err)
	require.NoError(t, a.Free(big))
}

func TestArena_StableOffsetsAcrossChurn(t *testing.T) {
	a := New(MinBlock, 32*MinBlock)

	keep, err := a.Alloc(2 * MinBlock)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		off, err := a.Alloc(MinBlock)
		require.NoError(t, err)
		require.NoError(t, a.Free(off))
	}

	// The surviving allocation's offset never moves.
	assert.Equal(t, int64(2*MinBlock), a.InUse())
	require.NoError(t, a.Free(keep))
}

func TestArena_FreeErrors(t *testing.T) {
	a := New(MinBlock, 8*MinBlock)

	err := a.Free(0)
	assert.Error(t, err, "free of never-allocated offset")

	off, err := a.Alloc(MinBlock)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))
	assert.Error(t, a.Free(off), "double free")
}

func TestArena_TooLarge(t *testing.T) {
	a := New(MinBlock, 8*MinBlock)
	_, err := a.Alloc(16 * MinBlock)
	assert.Error(t, err)
}
