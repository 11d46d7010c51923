package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NITIALODDS/OpenCoarrays/caf"
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma/wire"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

const appName = "caf-node"

var levelsByName = map[string]utils.LogLevel{
	"debug": utils.DEBUG,
	"info":  utils.INFO,
	"warn":  utils.WARN,
	"error": utils.ERROR,
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s joins one image of a coarray job over the wire transport.

Every rank runs the same invocation with its own -rank. The peer list is
identical on all ranks and fixes the job size.

  %s -rank 0 -peers 10.0.0.1:7000,10.0.0.2:7000

Flags:
`, appName, appName)
	flag.PrintDefaults()
}

func main() {
	var (
		rank        = flag.Int("rank", -1, "this node's 0-based rank in the peer list")
		peerList    = flag.String("peers", "", "comma-separated host:port per rank")
		dataChannel = flag.Bool("datachannel", false, "upgrade peer links to WebRTC data channels")
		failures    = flag.Bool("failures", false, "track failed images and allow repair")
		nonBlocking = flag.Bool("nonblocking-put", false, "defer remote completion of sends to the next fence")
		perElement  = flag.Bool("per-element", false, "move strided sections one element at a time")
		logLevel    = flag.String("log", "info", "log level: debug, info, warn, error")
		eventSlots  = flag.Int("event-slots", 64, "event counters per image")
		lockSlots   = flag.Int("lock-slots", 64, "lock slots per image")
		dialTimeout = flag.Duration("dial-timeout", 60*time.Second, "time allowed for the job to assemble")
		smoke       = flag.Bool("smoke", false, "run a ring-exchange self test after init, then stop")
	)
	flag.Usage = usage
	flag.Parse()

	level, ok := levelsByName[strings.ToLower(*logLevel)]
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: unknown log level %q\n", appName, *logLevel)
		os.Exit(2)
	}

	peers := strings.Split(*peerList, ",")
	if *peerList == "" || len(peers) < 1 {
		fmt.Fprintf(os.Stderr, "%s: -peers is required\n", appName)
		os.Exit(2)
	}
	if *rank < 0 || *rank >= len(peers) {
		fmt.Fprintf(os.Stderr, "%s: -rank must name an entry of -peers\n", appName)
		os.Exit(2)
	}

	wcfg := wire.DefaultConfig(*rank, peers)
	wcfg.PreferDataChannel = *dataChannel
	wcfg.LogLevel = level

	ctx, cancel := context.WithTimeout(context.Background(), *dialTimeout)
	tp, err := wire.Dial(ctx, wcfg)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: join failed: %v\n", appName, err)
		os.Exit(1)
	}

	cfg := caf.DefaultConfig()
	cfg.LogLevel = level
	cfg.FailureHandling = *failures
	cfg.NonBlockingPut = *nonBlocking
	cfg.EventSlots = *eventSlots
	cfg.LockSlots = *lockSlots
	if *perElement {
		cfg.StridedPolicy = caf.StridedPerElement
	}

	r, err := caf.Init(tp, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: init failed: %v\n", appName, err)
		os.Exit(1)
	}

	if *smoke {
		os.Exit(r.StopNumeric(runSmoke(r)))
	}

	// Without a program to run, hold the image until the job is torn down
	// externally. Embedders link the runtime instead of spawning this
	// binary; the standalone node exists for bring-up and debugging.
	fmt.Printf("%s: image %d of %d up\n", appName, r.ThisImage(), r.NumImages())
	select {}
}

// runSmoke pushes each image's number to its right neighbor, fences, and
// cross-checks with a co_sum. A non-zero return is the number of checks
// that came back wrong.
func runSmoke(r *caf.Runtime) int {
	var stat int
	me, n := r.ThisImage(), r.NumImages()
	desc := descriptor.Vector(descriptor.TypeInteger, 8, 8, 1)

	tok, mem := r.Register(8, caf.RegCoarrayStatic, &desc, &stat, nil)
	if stat != caf.StatOK {
		return 1
	}
	if err := r.SyncAll(&stat, nil); err != nil {
		return 1
	}

	right := me%n + 1
	buf := make([]byte, 8)
	writeWord(buf, int64(me))
	if err := r.Send(tok, 0, right, &desc, &desc, buf, false, &stat, nil); err != nil {
		return 1
	}
	if err := r.SyncAll(&stat, nil); err != nil {
		return 1
	}

	left := (me+n-2)%n + 1
	bad := 0
	if readWord(mem) != int64(left) {
		fmt.Fprintf(os.Stderr, "%s: image %d expected %d from the ring, got %d\n",
			appName, me, left, readWord(mem))
		bad++
	}

	writeWord(mem, int64(me))
	if err := r.CoSum(&desc, mem, 0, &stat, nil); err != nil {
		return bad + 1
	}
	want := int64(n * (n + 1) / 2)
	if readWord(mem) != want {
		fmt.Fprintf(os.Stderr, "%s: image %d co_sum gave %d, want %d\n",
			appName, me, readWord(mem), want)
		bad++
	}

	if bad == 0 {
		fmt.Printf("%s: image %d of %d ok\n", appName, me, n)
	}
	return bad
}

func writeWord(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) }

func readWord(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) }
