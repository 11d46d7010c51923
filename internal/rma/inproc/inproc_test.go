package inproc

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// runImages drives one goroutine per image and fails the test if the job
// does not complete within the deadline.
func runImages(t *testing.T, n int, fn func(t *testing.T, w *World, tp rma.Transport)) {
	t.Helper()
	w := NewWorld(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			fn(t, w, w.Endpoint(rank))
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job deadlocked")
	}
}

func putU64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getU64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

func TestWindow_PutGet(t *testing.T) {
	runImages(t, 2, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)

		if tp.Rank() == 0 {
			buf := make([]byte, 8)
			putU64(buf, 12345)
			require.NoError(t, win.Put(ctx, 1, 0, buf))
			require.NoError(t, win.Flush(1))
		}
		require.NoError(t, tp.Barrier(ctx))

		if tp.Rank() == 1 {
			assert.Equal(t, uint64(12345), getU64(win.Base()))

			dest := make([]byte, 8)
			require.NoError(t, win.Get(ctx, 1, 0, dest))
			assert.Equal(t, uint64(12345), getU64(dest))
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_GetRemote(t *testing.T) {
	runImages(t, 3, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)

		putU64(win.Base(), uint64(100+tp.Rank()))
		require.NoError(t, tp.Barrier(ctx))

		// Every image reads every other image's value.
		for target := 0; target < tp.Size(); target++ {
			dest := make([]byte, 8)
			require.NoError(t, win.Get(ctx, target, 0, dest))
			assert.Equal(t, uint64(100+target), getU64(dest))
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_BoundsChecked(t *testing.T) {
	runImages(t, 2, func(t *testing.T, w *World, tp rma.Transport) {
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)
		ctx := context.Background()

		assert.Error(t, win.Put(ctx, 1, 4, make([]byte, 8)), "write past end")
		assert.Error(t, win.Get(ctx, 1, -1, make([]byte, 4)), "negative offset")
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_VectorOps(t *testing.T) {
	runImages(t, 2, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(64)
		require.NoError(t, err)

		if tp.Rank() == 0 {
			// Scatter 4 words into every other slot of image 1.
			data := make([]byte, 32)
			for i := 0; i < 4; i++ {
				putU64(data[i*8:], uint64(i+1))
			}
			offsets := []int64{0, 16, 32, 48}
			require.NoError(t, win.PutV(ctx, 1, offsets, 8, data))
		}
		require.NoError(t, tp.Barrier(ctx))

		if tp.Rank() == 1 {
			base := win.Base()
			for i := 0; i < 4; i++ {
				assert.Equal(t, uint64(i+1), getU64(base[i*16:]))
			}

			// Gather them back in reverse order.
			dest := make([]byte, 32)
			require.NoError(t, win.GetV(ctx, 1, []int64{48, 32, 16, 0}, 8, dest))
			for i := 0; i < 4; i++ {
				assert.Equal(t, uint64(4-i), getU64(dest[i*8:]))
			}
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_AccumulateConcurrent(t *testing.T) {
	const n = 4
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)
		require.NoError(t, tp.Barrier(ctx))

		// Everyone adds its rank+1 into image 0's word, concurrently.
		operand := make([]byte, 8)
		putU64(operand, uint64(tp.Rank()+1))
		require.NoError(t, win.Accumulate(ctx, 0, 0, operand, rma.DTInt64, rma.OpSum))
		require.NoError(t, tp.Barrier(ctx))

		if tp.Rank() == 0 {
			assert.Equal(t, uint64(1+2+3+4), getU64(win.Base()))
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_FetchAndOp(t *testing.T) {
	const n = 4
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)
		require.NoError(t, tp.Barrier(ctx))

		one := make([]byte, 8)
		putU64(one, 1)
		old := make([]byte, 8)
		require.NoError(t, win.FetchAndOp(ctx, 0, 0, rma.DTInt64, rma.OpSum, one, old))
		fetched := getU64(old)
		assert.Less(t, fetched, uint64(n), "each fetch sees a prior partial sum")

		require.NoError(t, tp.Barrier(ctx))
		if tp.Rank() == 0 {
			assert.Equal(t, uint64(n), getU64(win.Base()))
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestWindow_CompareAndSwap(t *testing.T) {
	const n = 4
	var winners int64
	var mu sync.Mutex
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)
		require.NoError(t, tp.Barrier(ctx))

		zero := make([]byte, 8)
		mine := make([]byte, 8)
		putU64(mine, uint64(tp.Rank()+1))
		old := make([]byte, 8)
		require.NoError(t, win.CompareAndSwap(ctx, 0, 0, zero, mine, old))
		if getU64(old) == 0 {
			mu.Lock()
			winners++
			mu.Unlock()
		}
		require.NoError(t, tp.Barrier(ctx))

		if tp.Rank() == 0 {
			got := getU64(win.Base())
			assert.True(t, got >= 1 && got <= n, "winner's value installed")
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
	assert.Equal(t, int64(1), winners, "exactly one swap succeeds")
}

func TestWindow_LockSerializes(t *testing.T) {
	const n = 4
	const rounds = 25
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		win, err := tp.CreateWindow(8)
		require.NoError(t, err)
		require.NoError(t, tp.Barrier(ctx))

		for i := 0; i < rounds; i++ {
			require.NoError(t, win.Lock(0, true))
			buf := make([]byte, 8)
			require.NoError(t, win.Get(ctx, 0, 0, buf))
			putU64(buf, getU64(buf)+1)
			require.NoError(t, win.Put(ctx, 0, 0, buf))
			require.NoError(t, win.Unlock(0))
		}
		require.NoError(t, tp.Barrier(ctx))

		if tp.Rank() == 0 {
			assert.Equal(t, uint64(n*rounds), getU64(win.Base()))
		}
		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, win.Free())
	})
}

func TestDynamicWindow_AttachAccess(t *testing.T) {
	runImages(t, 2, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		dyn := tp.DynamicWindow()

		off, mem, err := dyn.Attach(16)
		require.NoError(t, err)
		putU64(mem, uint64(7000+tp.Rank()))

		// Exchange offsets over the message surface.
		offBuf := make([]byte, 8)
		putU64(offBuf, uint64(off))
		other := 1 - tp.Rank()
		require.NoError(t, tp.Send(ctx, other, 1, offBuf))
		msg := <-tp.Recv(other, 1)
		peerOff := int64(getU64(msg.Payload))

		dest := make([]byte, 8)
		require.NoError(t, dyn.Get(ctx, other, peerOff, dest))
		assert.Equal(t, uint64(7000+other), getU64(dest))

		require.NoError(t, tp.Barrier(ctx))
		require.NoError(t, dyn.Detach(off))
		assert.Error(t, dyn.Detach(off), "double detach")
	})
}

func TestSendRecv_BothOrders(t *testing.T) {
	runImages(t, 2, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		if tp.Rank() == 0 {
			// Send first; receiver posts later and drains the mailbox.
			require.NoError(t, tp.Send(ctx, 1, 5, []byte("early")))
			require.NoError(t, tp.Barrier(ctx))

			// Receiver-first order: the post below blocks until we send.
			require.NoError(t, tp.Barrier(ctx))
			require.NoError(t, tp.Send(ctx, 1, 6, []byte("late")))
		} else {
			require.NoError(t, tp.Barrier(ctx))
			msg := <-tp.Recv(0, 5)
			assert.Equal(t, []byte("early"), msg.Payload)
			assert.Equal(t, 0, msg.Source)

			ch := tp.Recv(0, 6)
			require.NoError(t, tp.Barrier(ctx))
			msg = <-ch
			assert.Equal(t, []byte("late"), msg.Payload)
		}
	})
}

func TestReduce_AllReduceSum(t *testing.T) {
	const n = 4
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		buf := make([]byte, 8)
		putU64(buf, uint64(tp.Rank()+1))
		out, err := tp.Reduce(context.Background(), buf, 1, 8, rma.SumOp(rma.DTInt64), -1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1+2+3+4), getU64(out))
	})
}

func TestReduce_Rooted(t *testing.T) {
	const n = 3
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		buf := make([]byte, 8)
		putU64(buf, uint64(10*(tp.Rank()+1)))
		out, err := tp.Reduce(context.Background(), buf, 1, 8, rma.MaxOp(rma.DTInt64), 1)
		require.NoError(t, err)
		if tp.Rank() == 1 {
			assert.Equal(t, uint64(30), getU64(out))
		} else {
			assert.Nil(t, out)
		}
	})
}

func TestBroadcast(t *testing.T) {
	const n = 4
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		buf := []byte{byte(tp.Rank())}
		out, err := tp.Broadcast(context.Background(), buf, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{2}, out)
	})
}

func TestBarrier_Rendezvous(t *testing.T) {
	const n = 4
	var phase int64
	var mu sync.Mutex
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ctx := context.Background()
		mu.Lock()
		phase++
		mu.Unlock()
		require.NoError(t, tp.Barrier(ctx))

		mu.Lock()
		assert.Equal(t, int64(n), phase, "no image passes before all arrive")
		mu.Unlock()
	})
}

func TestFinalize(t *testing.T) {
	w := NewWorld(1)
	tp := w.Endpoint(0)
	require.NoError(t, tp.Finalize())
	assert.ErrorIs(t, tp.Finalize(), rma.ErrFinalized)
	assert.ErrorIs(t, tp.Barrier(context.Background()), rma.ErrFinalized)
	_, err := tp.CreateWindow(8)
	assert.ErrorIs(t, err, rma.ErrFinalized)
}

// ========== Failure handling ==========

func TestKill_BarrierFails(t *testing.T) {
	runImages(t, 3, func(t *testing.T, w *World, tp rma.Transport) {
		if tp.Rank() == 2 {
			w.Kill(2)
			return
		}
		// Whether the kill lands before or during the rendezvous, the
		// barrier must not hang.
		err := tp.Barrier(context.Background())
		assert.ErrorIs(t, err, rma.ErrRankFailed)
	})
}

func TestKill_RecvUnblocks(t *testing.T) {
	// Receive posted, then the source dies.
	w := NewWorld(2)
	tp := w.Endpoint(1)
	ch := tp.Recv(0, 3)
	w.Kill(0)
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes without delivery")
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock")
	}
}

func TestKill_SendToDeadRank(t *testing.T) {
	w := NewWorld(2)
	tp := w.Endpoint(0)
	w.Kill(1)
	err := tp.Send(context.Background(), 1, 1, []byte("x"))
	assert.ErrorIs(t, err, rma.ErrRankFailed)
}

func TestFailures_Notified(t *testing.T) {
	w := NewWorld(3)
	ep := w.Endpoint(0).(*Endpoint)
	ch := ep.Failures()
	w.Kill(2)
	select {
	case r := <-ch:
		assert.Equal(t, 2, r)
	case <-time.After(time.Second):
		t.Fatal("no failure notification")
	}

	// A subscriber arriving after the fact still learns about the death.
	late := w.Endpoint(1).(*Endpoint).Failures()
	assert.Equal(t, 2, <-late)
}

func TestShrink_SurvivorsContinue(t *testing.T) {
	const n = 4
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		if tp.Rank() == 1 {
			w.Kill(1)
			return
		}
		ft := tp.(rma.FaultTolerant)

		// Wait until the failure is visible.
		<-ft.Failures()

		nt, lost, err := ft.Shrink()
		require.NoError(t, err)
		assert.Equal(t, []int{1}, lost)
		assert.Equal(t, 3, nt.Size())

		nft := nt.(rma.FaultTolerant)
		ok, err := nft.Agree(true)
		require.NoError(t, err)
		assert.True(t, ok)

		// The shrunk group is fully collective again.
		buf := make([]byte, 8)
		putU64(buf, 1)
		out, err := nt.Reduce(context.Background(), buf, 1, 8, rma.SumOp(rma.DTInt64), -1)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), getU64(out))

		require.NoError(t, nt.Barrier(context.Background()))

		win, err := nt.CreateWindow(8)
		require.NoError(t, err)
		require.NoError(t, nt.Barrier(context.Background()))
		require.NoError(t, win.Free())
	})
}

func TestAgree_VetoWins(t *testing.T) {
	const n = 3
	runImages(t, n, func(t *testing.T, w *World, tp rma.Transport) {
		ft := tp.(rma.FaultTolerant)
		ok, err := ft.Agree(tp.Rank() != 2)
		require.NoError(t, err)
		assert.False(t, ok, "one dissenter flips the verdict")
	})
}

func TestAbort_Reported(t *testing.T) {
	w := NewWorld(2)
	tp := w.Endpoint(0)
	tp.Abort(3)
	aborted, code := w.Aborted()
	assert.True(t, aborted)
	assert.Equal(t, 3, code)
}
