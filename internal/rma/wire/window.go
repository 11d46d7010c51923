package wire

import (
	"fmt"
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/arena"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// dynKey names the node's dynamic window in frames
const dynKey = "dyn"

// localWin is the locally hosted segment of one symmetric window
type localWin struct {
	mem []byte

	// opMu serializes accumulates and read-modify-write ops
	opMu sync.Mutex

	// lockMu backs remote passive-target locks
	lockMu  sync.RWMutex
	holdMu  sync.Mutex
	holders map[int]bool // origin world rank -> exclusive

	freed bool
}

func newLocalWin(size int64) *localWin {
	return &localWin{mem: make([]byte, size), holders: make(map[int]bool)}
}

func (lw *localWin) segment(offset, length int64) ([]byte, error) {
	if lw.freed {
		return nil, fmt.Errorf("wire: window already freed")
	}
	if offset < 0 || offset+length > int64(len(lw.mem)) {
		return nil, fmt.Errorf("wire: access [%d,%d) outside window of %d bytes",
			offset, offset+length, len(lw.mem))
	}
	return lw.mem[offset : offset+length], nil
}

// acquire takes the passive-target lock on behalf of origin
func (lw *localWin) acquire(origin int, exclusive bool) {
	if exclusive {
		lw.lockMu.Lock()
	} else {
		lw.lockMu.RLock()
	}
	lw.holdMu.Lock()
	lw.holders[origin] = exclusive
	lw.holdMu.Unlock()
}

// release drops origin's passive-target lock
func (lw *localWin) release(origin int) error {
	lw.holdMu.Lock()
	exclusive, ok := lw.holders[origin]
	delete(lw.holders, origin)
	lw.holdMu.Unlock()
	if !ok {
		return fmt.Errorf("wire: unlock without a held lock")
	}
	if exclusive {
		lw.lockMu.Unlock()
	} else {
		lw.lockMu.RUnlock()
	}
	return nil
}

// localDyn is the node's dynamic window: attachments carved out of an
// arena so offsets stay stable across attach and detach.
type localDyn struct {
	mu  sync.Mutex
	ar  *arena.Arena
	att map[int64][]byte

	opMu sync.Mutex
}

func newLocalDyn() *localDyn {
	return &localDyn{ar: arena.New(arena.MinBlock, 1<<30), att: make(map[int64][]byte)}
}

func (d *localDyn) attach(size int64) (int64, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.ar.Alloc(size)
	if err != nil {
		return 0, nil, err
	}
	mem := make([]byte, size)
	d.att[off] = mem
	return off, mem, nil
}

func (d *localDyn) detach(offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.att[offset]; !ok {
		return fmt.Errorf("wire: detach of unattached offset %d", offset)
	}
	delete(d.att, offset)
	return d.ar.Free(offset)
}

// segment finds the attachment covering [offset, offset+length)
func (d *localDyn) segment(offset, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for base, mem := range d.att {
		if offset >= base && offset+length <= base+int64(len(mem)) {
			return mem[offset-base : offset-base+length], nil
		}
	}
	return nil, fmt.Errorf("wire: dynamic access [%d,%d) hits no attachment", offset, offset+length)
}

// hosted resolves a window key to its local backing store, returning the
// segment and the mutex that serializes read-modify-write ops on it.
func (n *node) hosted(key string, offset, length int64) ([]byte, *sync.Mutex, error) {
	if key == dynKey {
		seg, err := n.dyn.segment(offset, length)
		if err != nil {
			return nil, nil, err
		}
		return seg, &n.dyn.opMu, nil
	}
	n.winMu.Lock()
	lw := n.windows[key]
	n.winMu.Unlock()
	if lw == nil {
		return nil, nil, fmt.Errorf("wire: unknown window %q", key)
	}
	seg, err := lw.segment(offset, length)
	if err != nil {
		return nil, nil, err
	}
	return seg, &lw.opMu, nil
}

var _ rma.Window = (*remoteWindow)(nil)
var _ rma.DynamicWindow = (*remoteDyn)(nil)
