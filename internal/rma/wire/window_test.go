package wire

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWin_Segments(t *testing.T) {
	lw := newLocalWin(64)
	seg, err := lw.segment(16, 8)
	require.NoError(t, err)
	assert.Len(t, seg, 8)

	copy(seg, "payload!")
	again, err := lw.segment(16, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload!"), again, "segments alias the window memory")

	_, err = lw.segment(60, 8)
	assert.Error(t, err, "past the end")
	_, err = lw.segment(-1, 4)
	assert.Error(t, err)

	lw.freed = true
	_, err = lw.segment(0, 1)
	assert.Error(t, err, "freed window rejects access")
}

func TestLocalWin_LockHolders(t *testing.T) {
	lw := newLocalWin(8)

	lw.acquire(3, false)
	lw.acquire(5, false)
	require.NoError(t, lw.release(3))
	require.NoError(t, lw.release(5))

	lw.acquire(3, true)
	require.NoError(t, lw.release(3))

	assert.Error(t, lw.release(7), "never held")
}

func TestLocalWin_ExclusiveBlocksShared(t *testing.T) {
	lw := newLocalWin(8)
	lw.acquire(1, true)

	entered := make(chan struct{})
	go func() {
		lw.acquire(2, false)
		close(entered)
		_ = lw.release(2)
	}()

	select {
	case <-entered:
		t.Fatal("shared lock entered under an exclusive holder")
	default:
	}
	require.NoError(t, lw.release(1))
	<-entered
}

func TestLocalDyn_AttachDetach(t *testing.T) {
	d := newLocalDyn()

	off1, mem1, err := d.attach(100)
	require.NoError(t, err)
	require.Len(t, mem1, 100)

	off2, _, err := d.attach(200)
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)

	seg, err := d.segment(off1+10, 20)
	require.NoError(t, err)
	assert.Len(t, seg, 20)

	_, err = d.segment(off1+90, 20)
	assert.Error(t, err, "crosses the attachment boundary")

	require.NoError(t, d.detach(off1))
	_, err = d.segment(off1, 4)
	assert.Error(t, err)
	assert.Error(t, d.detach(off1), "double detach")

	// The freed range is reusable.
	off3, _, err := d.attach(100)
	require.NoError(t, err)
	assert.Equal(t, off1, off3)
}

func TestLocalDyn_ConcurrentAttach(t *testing.T) {
	d := newLocalDyn()
	var wg sync.WaitGroup
	offs := make([]int64, 16)
	for i := range offs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off, _, err := d.attach(4096)
			require.NoError(t, err)
			offs[i] = off
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, off := range offs {
		assert.False(t, seen[off], "offsets never collide")
		seen[off] = true
	}
}
