package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/arena"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// sharedWindow is the world-side state of one collectively created window:
// one byte slice per world rank plus the passive-target locks.
type sharedWindow struct {
	w    *World
	need int

	mem      map[int][]byte
	provided int
	ready    chan struct{}

	opMu  sync.Mutex
	locks map[int]*sync.RWMutex

	freed bool
}

func newSharedWindow(w *World, need int) *sharedWindow {
	return &sharedWindow{
		w:     w,
		need:  need,
		mem:   make(map[int][]byte),
		ready: make(chan struct{}),
		locks: make(map[int]*sync.RWMutex),
	}
}

// provide records rank's local segment. Caller holds w.mu.
func (sw *sharedWindow) provide(worldRank int, size int64) {
	if _, ok := sw.mem[worldRank]; ok {
		return
	}
	sw.mem[worldRank] = make([]byte, size)
	sw.locks[worldRank] = &sync.RWMutex{}
	sw.provided++
	if sw.provided == sw.need {
		close(sw.ready)
	}
}

func (sw *sharedWindow) segment(worldRank int, offset, length int64) ([]byte, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if sw.freed {
		return nil, fmt.Errorf("inproc: window freed")
	}
	if sw.w.dead[worldRank] {
		return nil, rma.ErrRankFailed
	}
	mem, ok := sw.mem[worldRank]
	if !ok {
		return nil, fmt.Errorf("inproc: rank %d has no segment", worldRank)
	}
	if offset < 0 || offset+length > int64(len(mem)) {
		return nil, fmt.Errorf("inproc: access [%d,%d) outside window of %d bytes", offset, offset+length, len(mem))
	}
	return mem[offset : offset+length], nil
}

// windowView is one endpoint's handle on a shared window
type windowView struct {
	ep   *Endpoint
	sw   *sharedWindow
	held map[int]bool // target -> exclusive?
}

var _ rma.Window = (*windowView)(nil)

func (v *windowView) resolve(target int, offset, length int64) ([]byte, error) {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return nil, err
	}
	return v.sw.segment(wr, offset, length)
}

func (v *windowView) Put(ctx context.Context, target int, offset int64, data []byte) error {
	seg, err := v.resolve(target, offset, int64(len(data)))
	if err != nil {
		return err
	}
	v.sw.opMu.Lock()
	copy(seg, data)
	v.sw.opMu.Unlock()
	return nil
}

func (v *windowView) Get(ctx context.Context, target int, offset int64, dest []byte) error {
	seg, err := v.resolve(target, offset, int64(len(dest)))
	if err != nil {
		return err
	}
	v.sw.opMu.Lock()
	copy(dest, seg)
	v.sw.opMu.Unlock()
	return nil
}

func (v *windowView) PutV(ctx context.Context, target int, offsets []int64, elemSize int64, data []byte) error {
	if int64(len(data)) < int64(len(offsets))*elemSize {
		return fmt.Errorf("inproc: vectored put payload short: %d bytes for %d elements", len(data), len(offsets))
	}
	for i, off := range offsets {
		src := data[int64(i)*elemSize : int64(i+1)*elemSize]
		if err := v.Put(ctx, target, off, src); err != nil {
			return err
		}
	}
	return nil
}

func (v *windowView) GetV(ctx context.Context, target int, offsets []int64, elemSize int64, dest []byte) error {
	if int64(len(dest)) < int64(len(offsets))*elemSize {
		return fmt.Errorf("inproc: vectored get buffer short: %d bytes for %d elements", len(dest), len(offsets))
	}
	for i, off := range offsets {
		dst := dest[int64(i)*elemSize : int64(i+1)*elemSize]
		if err := v.Get(ctx, target, off, dst); err != nil {
			return err
		}
	}
	return nil
}

func (v *windowView) Accumulate(ctx context.Context, target int, offset int64, data []byte, dtype rma.Datatype, op rma.Op) error {
	seg, err := v.resolve(target, offset, int64(len(data)))
	if err != nil {
		return err
	}
	v.sw.opMu.Lock()
	defer v.sw.opMu.Unlock()
	return rma.ApplyOp(seg, data, dtype, op)
}

func (v *windowView) FetchAndOp(ctx context.Context, target int, offset int64, dtype rma.Datatype, op rma.Op, operand, result []byte) error {
	width := dtype.Size()
	seg, err := v.resolve(target, offset, width)
	if err != nil {
		return err
	}
	v.sw.opMu.Lock()
	defer v.sw.opMu.Unlock()
	if result != nil {
		copy(result, seg[:width])
	}
	if op == rma.OpNoOp {
		return nil
	}
	return rma.ApplyOp(seg[:width], operand, dtype, op)
}

func (v *windowView) CompareAndSwap(ctx context.Context, target int, offset int64, compare, swap, result []byte) error {
	width := int64(len(compare))
	seg, err := v.resolve(target, offset, width)
	if err != nil {
		return err
	}
	v.sw.opMu.Lock()
	defer v.sw.opMu.Unlock()
	copy(result, seg[:width])
	if bytesEqual(seg[:width], compare) {
		copy(seg[:width], swap)
	}
	return nil
}

func (v *windowView) Lock(target int, exclusive bool) error {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return err
	}
	v.sw.w.mu.Lock()
	mu := v.sw.locks[wr]
	v.sw.w.mu.Unlock()
	if mu == nil {
		return fmt.Errorf("inproc: rank %d has no segment", wr)
	}
	if exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}
	v.held[target] = exclusive
	return nil
}

func (v *windowView) Unlock(target int) error {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return err
	}
	exclusive, ok := v.held[target]
	if !ok {
		return fmt.Errorf("inproc: unlock of unheld lock on rank %d", target)
	}
	delete(v.held, target)
	v.sw.w.mu.Lock()
	mu := v.sw.locks[wr]
	v.sw.w.mu.Unlock()
	if exclusive {
		mu.Unlock()
	} else {
		mu.RUnlock()
	}
	return nil
}

// Flush is immediate completion: in-process copies finish before returning
func (v *windowView) Flush(target int) error { return nil }

func (v *windowView) Sync() error { return nil }

func (v *windowView) Base() []byte {
	wr, err := v.ep.worldRank(v.ep.self)
	if err != nil {
		return nil
	}
	v.sw.w.mu.Lock()
	defer v.sw.w.mu.Unlock()
	return v.sw.mem[wr]
}

func (v *windowView) Free() error {
	v.sw.w.mu.Lock()
	defer v.sw.w.mu.Unlock()
	v.sw.freed = true
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ========== Dynamic window ==========

// dynWindow is the single process-wide dynamic window. Attachments carry
// stable offsets drawn from a shared arena, so an offset one image hands
// out addresses the same attachment from every image.
type dynWindow struct {
	w  *World
	ar *arena.Arena

	opMu  sync.Mutex
	locks map[int]*sync.RWMutex

	// worldRank -> offset -> backing memory
	attachments map[int]map[int64][]byte
}

func newDynWindow(w *World, ar *arena.Arena) *dynWindow {
	return &dynWindow{
		w:           w,
		ar:          ar,
		locks:       make(map[int]*sync.RWMutex),
		attachments: make(map[int]map[int64][]byte),
	}
}

func (dw *dynWindow) lockFor(worldRank int) *sync.RWMutex {
	dw.w.mu.Lock()
	defer dw.w.mu.Unlock()
	mu := dw.locks[worldRank]
	if mu == nil {
		mu = &sync.RWMutex{}
		dw.locks[worldRank] = mu
	}
	return mu
}

func (dw *dynWindow) attach(worldRank int, size int64) (int64, []byte, error) {
	off, err := dw.ar.Alloc(size)
	if err != nil {
		return 0, nil, err
	}
	mem := make([]byte, size)
	dw.w.mu.Lock()
	per := dw.attachments[worldRank]
	if per == nil {
		per = make(map[int64][]byte)
		dw.attachments[worldRank] = per
	}
	per[off] = mem
	dw.w.mu.Unlock()
	return off, mem, nil
}

func (dw *dynWindow) detach(worldRank int, off int64) error {
	dw.w.mu.Lock()
	per := dw.attachments[worldRank]
	if _, ok := per[off]; !ok {
		dw.w.mu.Unlock()
		return fmt.Errorf("inproc: detach of unattached offset %d", off)
	}
	delete(per, off)
	dw.w.mu.Unlock()
	return dw.ar.Free(off)
}

// segment finds the attachment of worldRank covering [offset, offset+length)
func (dw *dynWindow) segment(worldRank int, offset, length int64) ([]byte, error) {
	dw.w.mu.Lock()
	defer dw.w.mu.Unlock()
	if dw.w.dead[worldRank] {
		return nil, rma.ErrRankFailed
	}
	for base, mem := range dw.attachments[worldRank] {
		if offset >= base && offset+length <= base+int64(len(mem)) {
			return mem[offset-base : offset-base+length], nil
		}
	}
	return nil, fmt.Errorf("inproc: offset [%d,%d) not attached on rank %d", offset, offset+length, worldRank)
}

// dynView binds the dynamic window to one endpoint
type dynView struct {
	ep   *Endpoint
	dw   *dynWindow
	held map[int]bool
}

var _ rma.DynamicWindow = (*dynView)(nil)

func (v *dynView) resolve(target int, offset, length int64) ([]byte, error) {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return nil, err
	}
	return v.dw.segment(wr, offset, length)
}

func (v *dynView) Put(ctx context.Context, target int, offset int64, data []byte) error {
	seg, err := v.resolve(target, offset, int64(len(data)))
	if err != nil {
		return err
	}
	v.dw.opMu.Lock()
	copy(seg, data)
	v.dw.opMu.Unlock()
	return nil
}

func (v *dynView) Get(ctx context.Context, target int, offset int64, dest []byte) error {
	seg, err := v.resolve(target, offset, int64(len(dest)))
	if err != nil {
		return err
	}
	v.dw.opMu.Lock()
	copy(dest, seg)
	v.dw.opMu.Unlock()
	return nil
}

func (v *dynView) PutV(ctx context.Context, target int, offsets []int64, elemSize int64, data []byte) error {
	if int64(len(data)) < int64(len(offsets))*elemSize {
		return fmt.Errorf("inproc: vectored put payload short: %d bytes for %d elements", len(data), len(offsets))
	}
	for i, off := range offsets {
		if err := v.Put(ctx, target, off, data[int64(i)*elemSize:int64(i+1)*elemSize]); err != nil {
			return err
		}
	}
	return nil
}

func (v *dynView) GetV(ctx context.Context, target int, offsets []int64, elemSize int64, dest []byte) error {
	if int64(len(dest)) < int64(len(offsets))*elemSize {
		return fmt.Errorf("inproc: vectored get buffer short: %d bytes for %d elements", len(dest), len(offsets))
	}
	for i, off := range offsets {
		if err := v.Get(ctx, target, off, dest[int64(i)*elemSize:int64(i+1)*elemSize]); err != nil {
			return err
		}
	}
	return nil
}

func (v *dynView) Accumulate(ctx context.Context, target int, offset int64, data []byte, dtype rma.Datatype, op rma.Op) error {
	seg, err := v.resolve(target, offset, int64(len(data)))
	if err != nil {
		return err
	}
	v.dw.opMu.Lock()
	defer v.dw.opMu.Unlock()
	return rma.ApplyOp(seg, data, dtype, op)
}

func (v *dynView) FetchAndOp(ctx context.Context, target int, offset int64, dtype rma.Datatype, op rma.Op, operand, result []byte) error {
	width := dtype.Size()
	seg, err := v.resolve(target, offset, width)
	if err != nil {
		return err
	}
	v.dw.opMu.Lock()
	defer v.dw.opMu.Unlock()
	if result != nil {
		copy(result, seg[:width])
	}
	if op == rma.OpNoOp {
		return nil
	}
	return rma.ApplyOp(seg[:width], operand, dtype, op)
}

func (v *dynView) CompareAndSwap(ctx context.Context, target int, offset int64, compare, swap, result []byte) error {
	width := int64(len(compare))
	seg, err := v.resolve(target, offset, width)
	if err != nil {
		return err
	}
	v.dw.opMu.Lock()
	defer v.dw.opMu.Unlock()
	copy(result, seg[:width])
	if bytesEqual(seg[:width], compare) {
		copy(seg[:width], swap)
	}
	return nil
}

func (v *dynView) Lock(target int, exclusive bool) error {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return err
	}
	mu := v.dw.lockFor(wr)
	if exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}
	v.held[target] = exclusive
	return nil
}

func (v *dynView) Unlock(target int) error {
	wr, err := v.ep.worldRank(target)
	if err != nil {
		return err
	}
	exclusive, ok := v.held[target]
	if !ok {
		return fmt.Errorf("inproc: unlock of unheld lock on rank %d", target)
	}
	delete(v.held, target)
	mu := v.dw.lockFor(wr)
	if exclusive {
		mu.Unlock()
	} else {
		mu.RUnlock()
	}
	return nil
}

func (v *dynView) Flush(target int) error { return nil }
func (v *dynView) Sync() error            { return nil }

// Base is meaningless for the dynamic window; memory lives in attachments
func (v *dynView) Base() []byte { return nil }

func (v *dynView) Free() error { return nil }

func (v *dynView) Attach(size int64) (int64, []byte, error) {
	wr, err := v.ep.worldRank(v.ep.self)
	if err != nil {
		return 0, nil, err
	}
	return v.dw.attach(wr, size)
}

func (v *dynView) Detach(offset int64) error {
	wr, err := v.ep.worldRank(v.ep.self)
	if err != nil {
		return err
	}
	return v.dw.detach(wr, offset)
}
