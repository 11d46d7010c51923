package caf

import (
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// Atomic op codes passed by the front-end
const (
	AtomicAdd = 1
	AtomicAnd = 2
	AtomicOr  = 4
	AtomicXor = 5
)

// atomicDatatype maps an element type and kind to the transport datatype
// used for window atomics
func atomicDatatype(typ descriptor.Type, kind int32) (rma.Datatype, error) {
	switch typ {
	case descriptor.TypeInteger:
		switch kind {
		case 1:
			return rma.DTInt8, nil
		case 2:
			return rma.DTInt16, nil
		case 4:
			return rma.DTInt32, nil
		case 8:
			return rma.DTInt64, nil
		}
	case descriptor.TypeLogical:
		if kind == 4 {
			return rma.DTInt32, nil
		}
	}
	return 0, NewError(ErrCodeConversion, StatError, "unsupported atomic type").
		WithContext("type", typ.String()).
		WithContext("kind", kind)
}

// atomicTarget resolves token, offset and image for one atomic access.
// image 0 means self.
func (r *Runtime) atomicTarget(tok Token, image int) (rma.Window, int, error) {
	if image == 0 {
		image = r.thisImage
	}
	if err := r.checkImage(image); err != nil {
		return nil, 0, err
	}
	win, _, _, ok := r.Lookup(tok)
	if !ok {
		return nil, 0, NewError(ErrCodeAllocation, StatError, "unknown token")
	}
	return win, image, nil
}

// AtomicDefine atomically stores value at (token, offset) on image
func (r *Runtime) AtomicDefine(tok Token, offset int64, image int, value []byte, typ descriptor.Type, kind int32, stat *int, errmsg []byte) error {
	dt, err := atomicDatatype(typ, kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, image, err := r.atomicTarget(tok, image)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := win.Accumulate(r.ctx, image-1, offset, value, dt, rma.OpReplace); err != nil {
		return r.fail(r.classify("atomic_define", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// AtomicRef atomically fetches the value at (token, offset) on image
func (r *Runtime) AtomicRef(tok Token, offset int64, image int, value []byte, typ descriptor.Type, kind int32, stat *int, errmsg []byte) error {
	dt, err := atomicDatatype(typ, kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, image, err := r.atomicTarget(tok, image)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := win.FetchAndOp(r.ctx, image-1, offset, dt, rma.OpNoOp, nil, value); err != nil {
		return r.fail(r.classify("atomic_ref", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// AtomicCAS compares the value at (token, offset) on image with compare
// and installs swap on match; old always receives the prior value
func (r *Runtime) AtomicCAS(tok Token, offset int64, image int, old, compare, swap []byte, typ descriptor.Type, kind int32, stat *int, errmsg []byte) error {
	if _, err := atomicDatatype(typ, kind); err != nil {
		return r.fail(err, stat, errmsg)
	}
	win, image, err := r.atomicTarget(tok, image)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := win.CompareAndSwap(r.ctx, image-1, offset, compare, swap, old); err != nil {
		return r.fail(r.classify("atomic_cas", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// AtomicOp applies one of the fetch-and-op codes at (token, offset) on
// image. old, when non-nil, receives the prior value.
func (r *Runtime) AtomicOp(opCode int, tok Token, offset int64, image int, value, old []byte, typ descriptor.Type, kind int32, stat *int, errmsg []byte) error {
	dt, err := atomicDatatype(typ, kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	var op rma.Op
	switch opCode {
	case AtomicAdd:
		op = rma.OpSum
	case AtomicAnd:
		op = rma.OpBAnd
	case AtomicOr:
		op = rma.OpBOr
	case AtomicXor:
		op = rma.OpBXor
	default:
		return r.fail(NewError(ErrCodeConversion, StatError, "unknown atomic op").
			WithContext("op", opCode), stat, errmsg)
	}
	win, image, err := r.atomicTarget(tok, image)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := win.FetchAndOp(r.ctx, image-1, offset, dt, op, value, old); err != nil {
		return r.fail(r.classify("atomic_op", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}
