package caf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failureConfig() Config {
	cfg := quietConfig()
	cfg.FailureHandling = true
	return cfg
}

// waitFailed blocks until the runtime has noticed image's death
func waitFailed(t *testing.T, r *Runtime, image int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !r.imageFailed(image) {
		if time.Now().After(deadline) {
			t.Fatalf("image %d never marked failed", image)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFailure_DetectAndRepair(t *testing.T) {
	runJob(t, 3, failureConfig(), func(t *testing.T, r *Runtime) {
		if r.ThisImage() == 3 {
			r.FailImage()
			return
		}

		var stat int
		err := r.SyncAll(&stat, nil)
		require.Error(t, err)
		assert.Equal(t, StatFailedImage, stat)

		waitFailed(t, r, 3)
		assert.Equal(t, []int{3}, r.FailedImages())
		status, err := r.ImageStatus(3)
		require.NoError(t, err)
		assert.Equal(t, StatFailedImage, status)

		require.NoError(t, r.Repair(&stat, nil))
		assert.Equal(t, StatOK, stat)
		assert.Equal(t, 2, r.NumImages())
		assert.Empty(t, r.FailedImages())

		// The shrunken job is fully operational again.
		desc := i32Vec(1)
		tok, mem := r.Register(4, RegCoarrayStatic, &desc, &stat, nil)
		require.Equal(t, StatOK, stat)
		writeI32(mem, 0, int32(r.ThisImage()*7))
		require.NoError(t, r.SyncAll(&stat, nil))

		peer := 3 - r.ThisImage()
		out := make([]byte, 4)
		require.NoError(t, r.Get(tok, 0, peer, &desc, out, &desc, false, &stat, nil))
		assert.Equal(t, int32(peer*7), readI32(out, 0))

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestFailure_LockSteal(t *testing.T) {
	runJob(t, 2, failureConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		if r.ThisImage() == 2 {
			require.NoError(t, r.Lock(0, 0, 1, nil, &stat, nil))
			require.NoError(t, r.EventPost(0, 0, 1, &stat, nil))
			r.FailImage()
			return
		}

		require.NoError(t, r.EventWait(0, 0, 1, &stat, nil))
		waitFailed(t, r, 2)

		// The slot still names the dead holder; acquisition steals it.
		require.NoError(t, r.Lock(0, 0, 1, nil, &stat, nil))
		assert.Equal(t, StatOK, stat)
		require.NoError(t, r.Unlock(0, 0, 1, &stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestFailure_ImageStatusRunning(t *testing.T) {
	runJob(t, 2, failureConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		peer := 3 - r.ThisImage()
		status, err := r.ImageStatus(peer)
		require.NoError(t, err)
		assert.Equal(t, 0, status)

		_, err = r.ImageStatus(9)
		require.Error(t, err)

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestFailure_StatusWithoutHandling(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		peer := 3 - r.ThisImage()
		status, err := r.ImageStatus(peer)
		require.NoError(t, err)
		assert.Equal(t, 0, status, "liveness tracking is off")
		require.NoError(t, r.Finalize())
	})
}
