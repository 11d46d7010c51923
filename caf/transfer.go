package caf

import (
	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// Send writes the section dstDesc selects inside (token, offset) on the
// target image from the local section srcDesc selects over srcMem. The
// destination's extents drive the element count; the source must select
// at least as many elements. mayRequireTemp forces staging through a
// temporary when source and destination may overlap locally.
func (r *Runtime) Send(tok Token, offset int64, image int, dstDesc, srcDesc *descriptor.Descriptor, srcMem []byte, mayRequireTemp bool, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	count := dstDesc.Count()
	if count == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}
	if err := checkCharExtent(dstDesc, srcDesc); err != nil {
		return r.fail(err, stat, errmsg)
	}

	if image == r.thisImage {
		return r.fail(r.localCopy(tok, offset, dstDesc, srcDesc, srcMem, mayRequireTemp), stat, errmsg)
	}

	win, base, _, ok := r.Lookup(tok)
	if !ok {
		return r.fail(NewError(ErrCodeAllocation, StatError, "unknown token"), stat, errmsg)
	}
	base += offset

	packed, err := packSection(dstDesc, srcDesc, srcMem, count)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}

	target := image - 1
	acc := rma.Accessor{Win: win, Mode: r.cfg.AccessMode}
	if err := acc.BeginExclusive(target); err != nil {
		return r.fail(r.classify("send lock", image, err), stat, errmsg)
	}
	err = r.putSection(win, target, base, dstDesc, packed)
	if r.cfg.NonBlockingPut && r.cfg.AccessMode == rma.AccessLockAllFlush {
		r.pending.add(image, win)
	} else if endErr := acc.End(target); err == nil {
		err = endErr
	}
	if err != nil {
		return r.fail(r.classify("send", image, err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// Get reads the section srcDesc selects inside (token, offset) on the
// target image into the local section dstDesc selects over dstMem
func (r *Runtime) Get(tok Token, offset int64, image int, dstDesc *descriptor.Descriptor, dstMem []byte, srcDesc *descriptor.Descriptor, mayRequireTemp bool, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}
	count := dstDesc.Count()
	if count == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}
	if err := checkCharExtent(dstDesc, srcDesc); err != nil {
		return r.fail(err, stat, errmsg)
	}

	if image == r.thisImage {
		return r.fail(r.localCopyOut(tok, offset, dstDesc, dstMem, srcDesc, mayRequireTemp), stat, errmsg)
	}

	win, base, _, ok := r.Lookup(tok)
	if !ok {
		return r.fail(NewError(ErrCodeAllocation, StatError, "unknown token"), stat, errmsg)
	}
	base += offset

	target := image - 1
	staging := make([]byte, count*srcDesc.ElemSize)

	acc := rma.Accessor{Win: win, Mode: r.cfg.AccessMode}
	if err := acc.Begin(target); err != nil {
		return r.fail(r.classify("get lock", image, err), stat, errmsg)
	}
	err := r.getSection(win, target, base, srcDesc, staging, count)
	if endErr := acc.End(target); err == nil {
		err = endErr
	}
	if err != nil {
		return r.fail(r.classify("get", image, err), stat, errmsg)
	}

	if err := unpackSection(dstDesc, dstMem, srcDesc, staging, count); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// SendGet moves data between two images without staging on either: get
// from the source image into a local temporary, then send to the
// destination image.
func (r *Runtime) SendGet(dstTok Token, dstOffset int64, dstImage int, dstDesc *descriptor.Descriptor,
	srcTok Token, srcOffset int64, srcImage int, srcDesc *descriptor.Descriptor, stat *int, errmsg []byte) error {
	count := dstDesc.Count()
	if count == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}

	// Dense temporary in the source's representation.
	tmp := make([]byte, count*srcDesc.ElemSize)
	tmpDesc := descriptor.Vector(srcDesc.Type, srcDesc.Kind, srcDesc.ElemSize, count)

	if err := r.Get(srcTok, srcOffset, srcImage, &tmpDesc, tmp, srcDesc, false, stat, errmsg); err != nil {
		return err
	}
	return r.Send(dstTok, dstOffset, dstImage, dstDesc, &tmpDesc, tmp, false, stat, errmsg)
}

// SyncMemory drains the deferred-put queue, making prior sends from this
// image visible
func (r *Runtime) SyncMemory(stat *int, errmsg []byte) {
	r.pending.drainAll()
	if stat != nil {
		*stat = StatOK
	}
}

// ========== Section movement ==========

// checkCharExtent rejects a character store that would silently truncate:
// same kind, destination element shorter than source
func checkCharExtent(dst, src *descriptor.Descriptor) error {
	if dst.Type == descriptor.TypeCharacter && src.Type == descriptor.TypeCharacter &&
		dst.Kind == src.Kind && dst.ElemSize < src.ElemSize {
		return NewError(ErrCodeExtentMismatch, StatError, "character destination shorter than source").
			WithContext("dst_len", dst.ElemSize).
			WithContext("src_len", src.ElemSize)
	}
	return nil
}

// packSection gathers count elements of the source section into a dense
// buffer already converted to the destination's representation
func packSection(dst, src *descriptor.Descriptor, srcMem []byte, count int64) ([]byte, error) {
	out := make([]byte, count*dst.ElemSize)
	if sameRepresentation(dst, src) && (src.Rank() == 0 || src.Contiguous()) {
		copy(out, srcMem[:count*src.ElemSize])
		return out, nil
	}
	offs := descriptor.Offsets(src)
	if int64(len(offs)) < count {
		return nil, NewError(ErrCodeExtentMismatch, StatError, "source selects fewer elements than destination").
			WithContext("src_count", int64(len(offs))).
			WithContext("dst_count", count)
	}
	for i := int64(0); i < count; i++ {
		s := srcMem[offs[i] : offs[i]+src.ElemSize]
		d := out[i*dst.ElemSize : (i+1)*dst.ElemSize]
		if sameRepresentation(dst, src) {
			copy(d, s)
			continue
		}
		if err := convertScalar(d, dst.Type, dst.Kind, s, src.Type, src.Kind); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// unpackSection scatters a dense buffer in the source representation into
// the destination section, converting per element when needed
func unpackSection(dst *descriptor.Descriptor, dstMem []byte, src *descriptor.Descriptor, staging []byte, count int64) error {
	if sameRepresentation(dst, src) && (dst.Rank() == 0 || dst.Contiguous()) {
		copy(dstMem[:count*dst.ElemSize], staging)
		return nil
	}
	offs := descriptor.Offsets(dst)
	for i := int64(0); i < count; i++ {
		s := staging[i*src.ElemSize : (i+1)*src.ElemSize]
		d := dstMem[offs[i] : offs[i]+dst.ElemSize]
		if sameRepresentation(dst, src) {
			copy(d, s)
			continue
		}
		if err := convertScalar(d, dst.Type, dst.Kind, s, src.Type, src.Kind); err != nil {
			return err
		}
	}
	return nil
}

// putSection issues the remote write of a dense payload into the section
// dstDesc selects at base
func (r *Runtime) putSection(win rma.Window, target int, base int64, dstDesc *descriptor.Descriptor, packed []byte) error {
	if dstDesc.Rank() == 0 || dstDesc.Contiguous() {
		return win.Put(r.ctx, target, base, packed)
	}
	if r.cfg.StridedPolicy == StridedVectored {
		offs := descriptor.Offsets(dstDesc)
		for i := range offs {
			offs[i] += base
		}
		return win.PutV(r.ctx, target, offs, dstDesc.ElemSize, packed)
	}
	it := descriptor.NewSectionIter(dstDesc, dstDesc)
	for {
		linear, _, dstOff, ok := it.Next()
		if !ok {
			return nil
		}
		chunk := packed[linear*dstDesc.ElemSize : (linear+1)*dstDesc.ElemSize]
		if err := win.Put(r.ctx, target, base+dstOff, chunk); err != nil {
			return err
		}
	}
}

// getSection reads count elements of the section srcDesc selects at base
// into a dense staging buffer
func (r *Runtime) getSection(win rma.Window, target int, base int64, srcDesc *descriptor.Descriptor, staging []byte, count int64) error {
	if srcDesc.Rank() == 0 || srcDesc.Contiguous() {
		return win.Get(r.ctx, target, base, staging[:count*srcDesc.ElemSize])
	}
	if r.cfg.StridedPolicy == StridedVectored {
		offs := descriptor.Offsets(srcDesc)
		if int64(len(offs)) > count {
			offs = offs[:count]
		}
		for i := range offs {
			offs[i] += base
		}
		return win.GetV(r.ctx, target, offs, srcDesc.ElemSize, staging)
	}
	it := descriptor.NewSectionIter(srcDesc, srcDesc)
	for {
		linear, srcOff, _, ok := it.Next()
		if !ok {
			return nil
		}
		if linear >= count {
			return nil
		}
		chunk := staging[linear*srcDesc.ElemSize : (linear+1)*srcDesc.ElemSize]
		if err := win.Get(r.ctx, target, base+srcOff, chunk); err != nil {
			return err
		}
	}
}

// ========== Self access ==========

// localMem resolves a token's local storage on this image
func (r *Runtime) localMem(tok Token) ([]byte, bool) {
	if e, ok := r.reg.master(tok); ok {
		return e.win.Base(), true
	}
	if e, ok := r.reg.slave(tok); ok {
		return e.mem, true
	}
	return nil, false
}

// localCopy is the self-access short-circuit of Send: a plain memory copy,
// staged through a temporary when the caller flagged possible overlap
func (r *Runtime) localCopy(tok Token, offset int64, dstDesc, srcDesc *descriptor.Descriptor, srcMem []byte, mayRequireTemp bool) error {
	mem, ok := r.localMem(tok)
	if !ok {
		return NewError(ErrCodeAllocation, StatError, "unknown token")
	}
	count := dstDesc.Count()
	if mayRequireTemp || !sameRepresentation(dstDesc, srcDesc) {
		packed, err := packSection(dstDesc, srcDesc, srcMem, count)
		if err != nil {
			return err
		}
		dense := descriptor.Vector(dstDesc.Type, dstDesc.Kind, dstDesc.ElemSize, count)
		return unpackSection(dstDesc, mem[offset:], &dense, packed, count)
	}
	if (dstDesc.Rank() == 0 || dstDesc.Contiguous()) && (srcDesc.Rank() == 0 || srcDesc.Contiguous()) {
		copy(mem[offset:offset+count*dstDesc.ElemSize], srcMem[:count*srcDesc.ElemSize])
		return nil
	}
	srcOffs := descriptor.Offsets(srcDesc)
	dstOffs := descriptor.Offsets(dstDesc)
	if int64(len(srcOffs)) < count {
		return NewError(ErrCodeExtentMismatch, StatError, "source selects fewer elements than destination")
	}
	for i := int64(0); i < count; i++ {
		copy(mem[offset+dstOffs[i]:offset+dstOffs[i]+dstDesc.ElemSize], srcMem[srcOffs[i]:srcOffs[i]+srcDesc.ElemSize])
	}
	return nil
}

// localCopyOut is the self-access short-circuit of Get
func (r *Runtime) localCopyOut(tok Token, offset int64, dstDesc *descriptor.Descriptor, dstMem []byte, srcDesc *descriptor.Descriptor, mayRequireTemp bool) error {
	mem, ok := r.localMem(tok)
	if !ok {
		return NewError(ErrCodeAllocation, StatError, "unknown token")
	}
	count := dstDesc.Count()
	if mayRequireTemp || !sameRepresentation(dstDesc, srcDesc) || !(srcDesc.Rank() == 0 || srcDesc.Contiguous()) {
		staging, err := packSection(srcDesc, srcDesc, mem[offset:], count)
		if err != nil {
			return err
		}
		return unpackSection(dstDesc, dstMem, srcDesc, staging, count)
	}
	return unpackSection(dstDesc, dstMem, srcDesc, mem[offset:offset+count*srcDesc.ElemSize], count)
}
