package caf

import (
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// Register allocates shared storage and returns its token and the local
// memory. Collective for master kinds: every image must call it in the
// same order. size is in bytes, except for lock, event and critical kinds
// where it counts integer slots.
//
// RegAllocRegisterOnly creates a slave token with no memory; allocate
// later with AllocateComponent.
func (r *Runtime) Register(size int64, kind RegKind, desc *descriptor.Descriptor, stat *int, errmsg []byte) (Token, []byte) {
	if err := r.checkLive(); err != nil {
		r.fail(NewError(ErrCodeAllocation, StatStoppedImage, "register after finalize"), stat, errmsg)
		return 0, nil
	}

	bytes := size
	switch kind {
	case RegLockStatic, RegLockAlloc, RegCritical, RegEventStatic, RegEventAlloc:
		bytes = size * 4
	}

	switch kind {
	case RegAllocRegisterOnly:
		tok := r.reg.addSlave(kind, 0, nil, 0, desc)
		return tok, nil

	case RegAllocAllocateOnly:
		r.fail(NewError(ErrCodeAllocation, StatError, "allocate-only register needs an existing token"), stat, errmsg)
		return 0, nil
	}

	win, err := r.tp.CreateWindow(bytes)
	if err != nil {
		code := StatError
		if r.imageStopped(r.thisImage) {
			code = StatStoppedImage
		}
		r.fail(WrapError(ErrCodeAllocation, code, "coarray allocation failed", err).
			WithContext("bytes", bytes), stat, errmsg)
		return 0, nil
	}
	mem := win.Base()

	// Lock and event payloads start at zero on every image; publish the
	// zeros so no image observes stale slot contents.
	switch kind {
	case RegLockStatic, RegLockAlloc, RegCritical, RegEventStatic, RegEventAlloc:
		for i := range mem {
			mem[i] = 0
		}
		if err := win.Sync(); err != nil {
			r.fail(ErrTransport("zero-initialize", err), stat, errmsg)
			return 0, nil
		}
	}

	var recorded *descriptor.Descriptor
	if desc != nil && desc.Rank() > 0 {
		recorded = desc
	}
	tok := r.reg.addMaster(kind, win, bytes, recorded)

	if err := r.tp.Barrier(r.ctx); err != nil {
		r.fail(r.classify("register barrier", 0, err), stat, errmsg)
		return 0, nil
	}
	if stat != nil {
		*stat = StatOK
	}
	r.log.Debug("registered coarray",
		utils.Int64("token", int64(tok)),
		utils.Int64("bytes", bytes),
		utils.Int("kind", int(kind)))
	return tok, mem
}

// AllocateComponent gives memory to a slave token created register-only,
// or reallocates one in place: detach, free, allocate, attach. The token
// survives; only its attachment moves.
func (r *Runtime) AllocateComponent(tok Token, size int64, desc *descriptor.Descriptor, stat *int, errmsg []byte) []byte {
	e, ok := r.reg.slave(tok)
	if !ok {
		r.fail(NewError(ErrCodeAllocation, StatError, "unknown slave token"), stat, errmsg)
		return nil
	}
	dyn := r.tp.DynamicWindow()
	if e.offset != 0 {
		if err := dyn.Detach(e.offset); err != nil {
			r.fail(ErrTransport("detach", err), stat, errmsg)
			return nil
		}
		e.offset = 0
		e.mem = nil
	}
	off, mem, err := dyn.Attach(size)
	if err != nil {
		r.fail(ErrAllocation(size, err), stat, errmsg)
		return nil
	}
	e.offset = off
	e.mem = mem
	e.size = size
	if desc != nil && desc.Rank() > 0 {
		e.desc = desc
	}
	if stat != nil {
		*stat = StatOK
	}
	return mem
}

// RegisterComponent creates a slave token with memory attached to the
// global dynamic window in one call
func (r *Runtime) RegisterComponent(size int64, desc *descriptor.Descriptor, stat *int, errmsg []byte) (Token, []byte) {
	dyn := r.tp.DynamicWindow()
	off, mem, err := dyn.Attach(size)
	if err != nil {
		r.fail(ErrAllocation(size, err), stat, errmsg)
		return 0, nil
	}
	tok := r.reg.addSlave(RegCoarrayAlloc, off, mem, size, desc)
	if stat != nil {
		*stat = StatOK
	}
	return tok, mem
}

// Deregister releases a token. DeregAll on a master token frees window
// and record after a sync point; on a slave token it detaches memory and
// frees the record. DeregDeallocateOnly on a slave token keeps the token
// but detaches its memory, the fast path for component reallocation; on
// a master token it releases nothing and reports StatOK.
func (r *Runtime) Deregister(tok Token, mode DeregMode, stat *int, errmsg []byte) {
	if e, ok := r.reg.slave(tok); ok {
		dyn := r.tp.DynamicWindow()
		if e.offset != 0 {
			if err := dyn.Detach(e.offset); err != nil {
				r.fail(ErrTransport("detach", err), stat, errmsg)
				return
			}
			e.offset = 0
			e.mem = nil
			e.size = 0
		}
		if mode != DeregDeallocateOnly {
			r.reg.removeSlave(tok)
		}
		if stat != nil {
			*stat = StatOK
		}
		return
	}

	e, ok := r.reg.master(tok)
	if !ok {
		r.fail(NewError(ErrCodeAllocation, StatError, "unknown token"), stat, errmsg)
		return
	}
	if mode == DeregDeallocateOnly {
		if stat != nil {
			*stat = StatOK
		}
		return
	}

	// No peer may still hold an outstanding RMA on the window.
	if err := r.tp.Barrier(r.ctx); err != nil {
		r.fail(r.classify("deregister barrier", 0, err), stat, errmsg)
		return
	}
	if err := e.win.Free(); err != nil {
		r.fail(ErrTransport("window free", err), stat, errmsg)
		return
	}
	r.reg.removeMaster(tok)
	if stat != nil {
		*stat = StatOK
	}
}

// Lookup resolves a token to the window carrying it, the base offset of
// its data inside that window, and its recorded descriptor. Constant
// time for masters; slaves pay a bloom-filter probe first.
func (r *Runtime) Lookup(tok Token) (win rma.Window, base int64, desc *descriptor.Descriptor, ok bool) {
	if e, found := r.reg.master(tok); found {
		return e.win, 0, e.desc, true
	}
	if e, found := r.reg.slave(tok); found {
		return r.tp.DynamicWindow(), e.offset, e.desc, true
	}
	return nil, 0, nil, false
}
