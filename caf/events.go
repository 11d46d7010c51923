package caf

import (
	"encoding/binary"
	"runtime"
	"time"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// eventWindow resolves the window backing an event coarray. Token zero
// names the runtime's built-in event window.
func (r *Runtime) eventWindow(tok Token) (rma.Window, int64, error) {
	if tok == 0 {
		return r.eventWin, 0, nil
	}
	win, base, _, ok := r.Lookup(tok)
	if !ok {
		return nil, 0, NewError(ErrCodeAllocation, StatError, "unknown event token")
	}
	return win, base, nil
}

// EventPost atomically increments the event counter at slot index on
// image. image 0 means self.
func (r *Runtime) EventPost(tok Token, index int64, image int, stat *int, errmsg []byte) error {
	if image == 0 {
		image = r.thisImage
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, base, err := r.eventWindow(tok)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	var one [4]byte
	binary.LittleEndian.PutUint32(one[:], 1)
	if err := win.Accumulate(r.ctx, image-1, base+index*4, one[:], rma.DTInt32, rma.OpSum); err != nil {
		return r.fail(r.classify("event_post", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// EventWait blocks until the local counter at slot index reaches until,
// then consumes exactly until counts
func (r *Runtime) EventWait(tok Token, index int64, until int64, stat *int, errmsg []byte) error {
	win, base, err := r.eventWindow(tok)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	self := r.thisImage - 1
	offset := base + index*4

	var cur [4]byte
	for spin := 0; ; spin++ {
		if err := win.Sync(); err != nil {
			return r.fail(r.classify("event_wait", r.thisImage, err), stat, errmsg)
		}
		if err := win.FetchAndOp(r.ctx, self, offset, rma.DTInt32, rma.OpNoOp, nil, cur[:]); err != nil {
			return r.fail(r.classify("event_wait", r.thisImage, err), stat, errmsg)
		}
		if int64(int32(binary.LittleEndian.Uint32(cur[:]))) >= until {
			break
		}
		if spin < 1000 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	var dec [4]byte
	binary.LittleEndian.PutUint32(dec[:], uint32(int32(-until)))
	if err := win.FetchAndOp(r.ctx, self, offset, rma.DTInt32, rma.OpSum, dec[:], cur[:]); err != nil {
		return r.fail(r.classify("event_wait", r.thisImage, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// EventQuery fetches the current counter value at slot index on image
// without consuming it
func (r *Runtime) EventQuery(tok Token, index int64, image int, count *int64, stat *int, errmsg []byte) error {
	if image == 0 {
		image = r.thisImage
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, base, err := r.eventWindow(tok)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	var cur [4]byte
	if err := win.FetchAndOp(r.ctx, image-1, base+index*4, rma.DTInt32, rma.OpNoOp, nil, cur[:]); err != nil {
		return r.fail(r.classify("event_query", image, err), stat, errmsg)
	}
	*count = int64(int32(binary.LittleEndian.Uint32(cur[:])))
	if stat != nil {
		*stat = StatOK
	}
	return nil
}
