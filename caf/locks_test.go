package caf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// incrementUnderLock does a non-atomic read-modify-write of the shared
// counter on image 1, which is only safe while the slot is held
func incrementUnderLock(t *testing.T, r *Runtime, tok Token) {
	var stat int
	desc := i32Vec(1)
	buf := make([]byte, 4)
	require.NoError(t, r.Get(tok, 0, 1, &desc, buf, &desc, false, &stat, nil))
	writeI32(buf, 0, readI32(buf, 0)+1)
	require.NoError(t, r.Send(tok, 0, 1, &desc, &desc, buf, false, &stat, nil))
}

func TestLock_MutualExclusion(t *testing.T) {
	const rounds = 10
	runJob(t, 4, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		desc := i32Vec(1)
		tok, mem := r.Register(4, RegCoarrayStatic, &desc, &stat, nil)
		require.Equal(t, StatOK, stat)
		require.NoError(t, r.SyncAll(&stat, nil))

		for i := 0; i < rounds; i++ {
			require.NoError(t, r.Lock(0, 3, 1, nil, &stat, nil))
			incrementUnderLock(t, r, tok)
			require.NoError(t, r.Unlock(0, 3, 1, &stat, nil))
		}
		require.NoError(t, r.SyncAll(&stat, nil))

		if r.ThisImage() == 1 {
			assert.Equal(t, int32(4*rounds), readI32(mem, 0))
		}
		require.NoError(t, r.Finalize())
	})
}

func TestLock_NonBlockingAttempt(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		if r.ThisImage() == 1 {
			require.NoError(t, r.Lock(0, 1, 1, nil, &stat, nil))
			require.NoError(t, r.EventPost(0, 0, 2, &stat, nil))
			require.NoError(t, r.EventWait(0, 1, 1, &stat, nil))
			require.NoError(t, r.Unlock(0, 1, 1, &stat, nil))
		} else {
			require.NoError(t, r.EventWait(0, 0, 1, &stat, nil))
			var acquired bool
			require.NoError(t, r.Lock(0, 1, 1, &acquired, &stat, nil))
			assert.False(t, acquired, "slot is held by image 1")
			assert.Equal(t, StatOK, stat)
			require.NoError(t, r.EventPost(0, 1, 1, &stat, nil))
		}
		require.NoError(t, r.Finalize())
	})
}

func TestLock_SelfRelock(t *testing.T) {
	runJob(t, 1, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		require.NoError(t, r.Lock(0, 0, 1, nil, &stat, nil))
		require.Equal(t, StatOK, stat)

		err := r.Lock(0, 0, 1, nil, &stat, nil)
		require.Error(t, err)
		assert.Equal(t, StatAlreadyLocked, stat)

		require.NoError(t, r.Unlock(0, 0, 1, &stat, nil))

		var acquired bool
		require.NoError(t, r.Lock(0, 0, 1, &acquired, &stat, nil))
		assert.True(t, acquired)
		require.NoError(t, r.Unlock(0, 0, 1, &stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestLock_RegisteredLockCoarray(t *testing.T) {
	runJob(t, 2, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		tok, _ := r.Register(2, RegLockStatic, nil, &stat, nil)
		require.Equal(t, StatOK, stat)
		require.NoError(t, r.SyncAll(&stat, nil))

		require.NoError(t, r.Lock(tok, 1, 2, nil, &stat, nil))
		require.NoError(t, r.Unlock(tok, 1, 2, &stat, nil))

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestCritical_Nesting(t *testing.T) {
	runJob(t, 1, quietConfig(), func(t *testing.T, r *Runtime) {
		require.NoError(t, r.CriticalEnter())
		require.NoError(t, r.CriticalEnter())
		require.NoError(t, r.CriticalExit())
		require.NoError(t, r.CriticalExit())

		// Full exit released the underlying slot.
		var acquired bool
		var stat int
		require.NoError(t, r.Lock(0, 0, 1, &acquired, &stat, nil))
		assert.True(t, acquired)
		require.NoError(t, r.Unlock(0, 0, 1, &stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestCritical_Serializes(t *testing.T) {
	const rounds = 5
	runJob(t, 3, quietConfig(), func(t *testing.T, r *Runtime) {
		var stat int
		desc := i32Vec(1)
		tok, mem := r.Register(4, RegCoarrayStatic, &desc, &stat, nil)
		require.Equal(t, StatOK, stat)
		require.NoError(t, r.SyncAll(&stat, nil))

		for i := 0; i < rounds; i++ {
			require.NoError(t, r.CriticalEnter())
			incrementUnderLock(t, r, tok)
			require.NoError(t, r.CriticalExit())
		}
		require.NoError(t, r.SyncAll(&stat, nil))

		if r.ThisImage() == 1 {
			assert.Equal(t, int32(3*rounds), readI32(mem, 0))
		}
		require.NoError(t, r.Finalize())
	})
}
