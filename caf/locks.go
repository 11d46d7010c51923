package caf

import (
	"encoding/binary"
	"time"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// lockWindow resolves the window backing a lock coarray. Token zero names
// the runtime's built-in lock window.
func (r *Runtime) lockWindow(tok Token) (rma.Window, int64, error) {
	if tok == 0 {
		return r.lockWin, 0, nil
	}
	win, base, _, ok := r.Lookup(tok)
	if !ok {
		return nil, 0, NewError(ErrCodeAllocation, StatError, "unknown lock token")
	}
	return win, base, nil
}

// Lock acquires the lock at slot index of the lock coarray on image. A
// free slot holds zero; a held slot holds the 1-based index of the
// holder. image 0 means self.
//
// With acquiredLock non-nil the call does not block: one attempt is made
// and the outcome reported. Otherwise the caller spins with a growing
// backoff until the slot is won. Locking a slot this image already holds
// reports stat 99.
func (r *Runtime) Lock(tok Token, index int64, image int, acquiredLock *bool, stat *int, errmsg []byte) error {
	if image == 0 {
		image = r.thisImage
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, base, err := r.lockWindow(tok)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	target := image - 1
	offset := base + index*4

	var zero, self, observed [4]byte
	binary.LittleEndian.PutUint32(self[:], uint32(r.thisImage))

	for iter := 1; ; iter++ {
		if err := win.CompareAndSwap(r.ctx, target, offset, zero[:], self[:], observed[:]); err != nil {
			return r.fail(r.classify("lock", image, err), stat, errmsg)
		}
		holder := int(binary.LittleEndian.Uint32(observed[:]))
		if holder == 0 {
			if acquiredLock != nil {
				*acquiredLock = true
			}
			if stat != nil {
				*stat = StatOK
			}
			return nil
		}
		if holder == r.thisImage {
			return r.fail(ErrAlreadyLocked(), stat, errmsg)
		}
		if acquiredLock != nil {
			*acquiredLock = false
			if stat != nil {
				*stat = StatOK
			}
			return nil
		}
		if r.cfg.FailureHandling && r.imageFailed(holder) {
			// Steal the lock from a dead holder and retry.
			var holderWord [4]byte
			binary.LittleEndian.PutUint32(holderWord[:], uint32(holder))
			if err := win.CompareAndSwap(r.ctx, target, offset, holderWord[:], zero[:], observed[:]); err != nil {
				return r.fail(r.classify("lock steal", image, err), stat, errmsg)
			}
			r.log.Warn("stole lock from failed image",
				utils.Int("holder", holder),
				utils.Int64("slot", index))
			continue
		}
		time.Sleep(time.Duration(r.thisImage*iter) * time.Microsecond)
	}
}

// Unlock releases the lock at slot index on image by swapping the holder
// out for zero
func (r *Runtime) Unlock(tok Token, index int64, image int, stat *int, errmsg []byte) error {
	if image == 0 {
		image = r.thisImage
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, base, err := r.lockWindow(tok)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	var zero [4]byte
	if err := win.FetchAndOp(r.ctx, image-1, base+index*4, rma.DTInt32, rma.OpReplace, zero[:], nil); err != nil {
		return r.fail(r.classify("unlock", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// CriticalEnter serializes a critical section across the job: slot zero
// of the built-in lock window on image 1. Nested entry on the same image
// is counted, not re-locked.
func (r *Runtime) CriticalEnter() error {
	r.mu.Lock()
	if r.criticalDepth > 0 {
		r.criticalDepth++
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if err := r.Lock(0, 0, 1, nil, nil, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.criticalDepth = 1
	r.mu.Unlock()
	return nil
}

// CriticalExit leaves the critical section
func (r *Runtime) CriticalExit() error {
	r.mu.Lock()
	if r.criticalDepth > 1 {
		r.criticalDepth--
		r.mu.Unlock()
		return nil
	}
	r.criticalDepth = 0
	r.mu.Unlock()
	return r.Unlock(0, 0, 1, nil, nil)
}
