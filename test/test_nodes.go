package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/NITIALODDS/OpenCoarrays/caf"
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma/wire"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

const numImages = 4
const numRounds = 50

// Load-tests the websocket mesh with every image hammering every other
// image, then fences and verifies the totals. Run it standalone:
//
//	go run ./test
func main() {
	fmt.Printf("[INFO] Reserving %d loopback ports...\n", numImages)
	peers, err := reservePorts(numImages)
	if err != nil {
		fmt.Println("[ERROR] port reservation:", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	failures := make([]int, numImages)
	for rank := 0; rank < numImages; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			failures[rank] = runImage(rank, peers)
		}(rank)
	}
	wg.Wait()

	total := 0
	for _, f := range failures {
		total += f
	}
	if total > 0 {
		fmt.Printf("[ERROR] %d check(s) failed\n", total)
		os.Exit(1)
	}
	fmt.Println("[INFO] Mesh load test complete.")
}

func runImage(rank int, peers []string) int {
	wcfg := wire.DefaultConfig(rank, peers)
	wcfg.LogLevel = utils.WARN
	wcfg.CompressionThreshold = 256

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tp, err := wire.Dial(ctx, wcfg)
	if err != nil {
		fmt.Printf("[ERROR] rank %d dial: %v\n", rank, err)
		return 1
	}

	cfg := caf.DefaultConfig()
	cfg.LogLevel = utils.WARN
	r, err := caf.Init(tp, cfg)
	if err != nil {
		fmt.Printf("[ERROR] rank %d init: %v\n", rank, err)
		return 1
	}
	me, n := r.ThisImage(), r.NumImages()
	fmt.Printf("[INFO] Image %d of %d up.\n", me, n)

	var stat int
	desc := descriptor.Vector(descriptor.TypeInteger, 8, 8, int64(n))
	tok, mem := r.Register(int64(n*8), caf.RegCoarrayStatic, &desc, &stat, nil)
	if stat != caf.StatOK {
		return 1
	}
	if err := r.SyncAll(&stat, nil); err != nil {
		return 1
	}

	// Load phase: every round, deposit a word into every peer's slot
	// for this image, in random target order.
	one := descriptor.Vector(descriptor.TypeInteger, 8, 8, 1)
	bad := 0
	for round := 0; round < numRounds; round++ {
		order := rand.Perm(n)
		for _, t := range order {
			target := t + 1
			if target == me {
				continue
			}
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(round*1000+me))
			off := int64((me - 1) * 8)
			if err := r.Send(tok, off, target, &one, &one, buf, false, &stat, nil); err != nil {
				fmt.Printf("[ERROR] image %d send round %d: %v\n", me, round, err)
				bad++
			}
		}
	}
	if err := r.SyncAll(&stat, nil); err != nil {
		return bad + 1
	}

	// Verify phase: every peer's slot holds its final-round word.
	for img := 1; img <= n; img++ {
		if img == me {
			continue
		}
		got := int64(binary.LittleEndian.Uint64(mem[(img-1)*8:]))
		want := int64((numRounds-1)*1000 + img)
		if got != want {
			fmt.Printf("[ERROR] image %d slot %d: got %d want %d\n", me, img, got, want)
			bad++
		}
	}

	// Cross-check with a co_sum of the image numbers.
	sum := make([]byte, 8)
	binary.LittleEndian.PutUint64(sum, uint64(me))
	if err := r.CoSum(&one, sum, 0, &stat, nil); err != nil {
		return bad + 1
	}
	if got := int64(binary.LittleEndian.Uint64(sum)); got != int64(n*(n+1)/2) {
		fmt.Printf("[ERROR] image %d co_sum: got %d\n", me, got)
		bad++
	}

	if err := r.SyncAll(&stat, nil); err != nil {
		return bad + 1
	}
	if err := r.Finalize(); err != nil {
		bad++
	}
	fmt.Printf("[INFO] Image %d done, %d failure(s).\n", me, bad)
	return bad
}

func reservePorts(n int) ([]string, error) {
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return addrs, nil
}
