package caf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncAll_Fences(t *testing.T) {
	runJob(t, 4, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		desc := i32Vec(1)
		tok, mem := r.Register(4, RegCoarrayStatic, &desc, &stat, nil)
		require.Equal(t, StatOK, stat)

		writeI32(mem, 0, int32(r.ThisImage()))
		require.NoError(t, r.SyncAll(&stat, nil))
		assert.Equal(t, StatOK, stat)

		// After the fence every peer's write is visible.
		right := r.ThisImage()%r.NumImages() + 1
		out := make([]byte, 4)
		require.NoError(t, r.Get(tok, 0, right, &desc, out, &desc, false, &stat, nil))
		assert.Equal(t, int32(right), readI32(out, 0))

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_Pair(t *testing.T) {
	runJob(t, 3, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		switch r.ThisImage() {
		case 1:
			require.NoError(t, r.SyncImages([]int{2}, &stat, nil))
			assert.Equal(t, StatOK, stat)
		case 2:
			require.NoError(t, r.SyncImages([]int{1}, &stat, nil))
			assert.Equal(t, StatOK, stat)
		case 3:
			// Not in the subset; stays out of the exchange entirely.
		}
		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_AllPeers(t *testing.T) {
	runJob(t, 3, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		require.NoError(t, r.SyncImages(nil, &stat, nil))
		assert.Equal(t, StatOK, stat)
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_SelfOnly(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		require.NoError(t, r.SyncImages([]int{r.ThisImage()}, &stat, nil))
		assert.Equal(t, StatOK, stat)
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_Duplicate(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		if r.ThisImage() == 1 {
			err := r.SyncImages([]int{2, 2}, &stat, nil)
			require.Error(t, err)
			assert.Equal(t, StatDupSyncImages, stat)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, ErrCodeDupSyncImages, cerr.Code)
		}
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_BadImage(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		if r.ThisImage() == 1 {
			err := r.SyncImages([]int{7}, &stat, nil)
			require.Error(t, err)
			assert.Equal(t, StatError, stat)
		}
		require.NoError(t, r.Finalize())
	})
}

func TestSyncImages_StoppedPeer(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		if r.ThisImage() == 2 {
			assert.Equal(t, 7, r.StopNumeric(7))
			return
		}
		err := r.SyncImages([]int{2}, &stat, nil)
		require.Error(t, err)
		assert.Equal(t, StatStoppedImage, stat)
		assert.Equal(t, []int{2}, r.StoppedImages())
		require.NoError(t, r.Finalize())
	})
}
