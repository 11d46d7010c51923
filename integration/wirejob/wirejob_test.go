package wirejob

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NITIALODDS/OpenCoarrays/caf"
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma/wire"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// reservePorts grabs n loopback ports and releases them for the job to
// re-bind. The window between release and re-bind is small enough for a
// local test.
func reservePorts(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return addrs
}

// launchJob runs fn once per rank, each rank on its own websocket mesh
// node, and waits for every image to return.
func launchJob(t *testing.T, n int, tune func(*wire.Config), fn func(t *testing.T, r *caf.Runtime)) {
	t.Helper()
	peers := reservePorts(t, n)

	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			wcfg := wire.DefaultConfig(rank, peers)
			wcfg.LogLevel = utils.ERROR
			if tune != nil {
				tune(&wcfg)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			tp, err := wire.Dial(ctx, wcfg)
			require.NoError(t, err)

			cfg := caf.DefaultConfig()
			cfg.LogLevel = utils.ERROR
			r, err := caf.Init(tp, cfg)
			require.NoError(t, err)
			fn(t, r)
		}(rank)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("wire job deadlocked")
	}
}

func i64Scalar() descriptor.Descriptor {
	return descriptor.Vector(descriptor.TypeInteger, 8, 8, 1)
}

func TestWireJob_PutGet_Integration(t *testing.T) {
	launchJob(t, 3, nil, func(t *testing.T, r *caf.Runtime) {
		var stat int
		desc := i64Scalar()
		tok, mem := r.Register(8, caf.RegCoarrayStatic, &desc, &stat, nil)
		require.Equal(t, caf.StatOK, stat)
		writeWord(mem, int64(r.ThisImage()*1000))
		require.NoError(t, r.SyncAll(&stat, nil))

		// Each image reads every peer's word over the mesh.
		for img := 1; img <= r.NumImages(); img++ {
			out := make([]byte, 8)
			require.NoError(t, r.Get(tok, 0, img, &desc, out, &desc, false, &stat, nil))
			assert.Equal(t, int64(img*1000), readWord(out))
		}

		// Ring push: my number lands on the right neighbor.
		right := r.ThisImage()%r.NumImages() + 1
		buf := make([]byte, 8)
		writeWord(buf, int64(r.ThisImage()))
		require.NoError(t, r.Send(tok, 0, right, &desc, &desc, buf, false, &stat, nil))
		require.NoError(t, r.SyncAll(&stat, nil))

		left := (r.ThisImage()+r.NumImages()-2)%r.NumImages() + 1
		assert.Equal(t, int64(left), readWord(mem))

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func TestWireJob_Collectives_Integration(t *testing.T) {
	launchJob(t, 3, nil, func(t *testing.T, r *caf.Runtime) {
		var stat int
		desc := i64Scalar()
		mem := make([]byte, 8)
		writeWord(mem, int64(r.ThisImage()))

		require.NoError(t, r.CoSum(&desc, mem, 0, &stat, nil))
		assert.Equal(t, int64(6), readWord(mem))

		writeWord(mem, int64(r.ThisImage()*10))
		require.NoError(t, r.CoMax(&desc, mem, 0, &stat, nil))
		assert.Equal(t, int64(30), readWord(mem))

		writeWord(mem, int64(r.ThisImage()))
		require.NoError(t, r.CoBroadcast(&desc, mem, 2, &stat, nil))
		assert.Equal(t, int64(2), readWord(mem))

		require.NoError(t, r.Finalize())
	})
}

func TestWireJob_EventsAndLocks_Integration(t *testing.T) {
	launchJob(t, 2, nil, func(t *testing.T, r *caf.Runtime) {
		var stat int
		desc := i64Scalar()
		tok, mem := r.Register(8, caf.RegCoarrayStatic, &desc, &stat, nil)
		require.NoError(t, r.SyncAll(&stat, nil))

		// Both images bump a counter on image 1 under the same lock.
		for i := 0; i < 5; i++ {
			require.NoError(t, r.Lock(0, 1, 1, nil, &stat, nil))
			cur := make([]byte, 8)
			require.NoError(t, r.Get(tok, 0, 1, &desc, cur, &desc, false, &stat, nil))
			writeWord(cur, readWord(cur)+1)
			require.NoError(t, r.Send(tok, 0, 1, &desc, &desc, cur, false, &stat, nil))
			require.NoError(t, r.Unlock(0, 1, 1, &stat, nil))
		}
		require.NoError(t, r.EventPost(0, 0, 1, &stat, nil))
		if r.ThisImage() == 1 {
			require.NoError(t, r.EventWait(0, 0, 2, &stat, nil))
			assert.Equal(t, int64(10), readWord(mem))
		}

		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

// Payloads past the threshold travel brotli-compressed; the transfer is
// still byte-exact.
func TestWireJob_CompressedBulk_Integration(t *testing.T) {
	launchJob(t, 2, func(cfg *wire.Config) {
		cfg.CompressionThreshold = 512
	}, func(t *testing.T, r *caf.Runtime) {
		var stat int
		const words = 8192
		desc := descriptor.Vector(descriptor.TypeInteger, 8, 8, words)
		tok, mem := r.Register(words*8, caf.RegCoarrayStatic, &desc, &stat, nil)
		require.NoError(t, r.SyncAll(&stat, nil))

		if r.ThisImage() == 1 {
			buf := make([]byte, words*8)
			for i := 0; i < words; i++ {
				writeWord(buf[i*8:], int64(i*3))
			}
			require.NoError(t, r.Send(tok, 0, 2, &desc, &desc, buf, false, &stat, nil))
		}
		require.NoError(t, r.SyncAll(&stat, nil))

		if r.ThisImage() == 2 {
			for _, i := range []int{0, 1, words / 2, words - 1} {
				assert.Equal(t, int64(i*3), readWord(mem[i*8:]), fmt.Sprintf("word %d", i))
			}
		}
		require.NoError(t, r.SyncAll(&stat, nil))
		require.NoError(t, r.Finalize())
	})
}

func writeWord(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(v) >> (8 * i))
	}
}

func readWord(b []byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return int64(v)
}
