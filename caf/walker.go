package caf

import (
	"encoding/binary"

	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// RefKind discriminates reference-chain nodes
type RefKind int

const (
	// RefComponent selects a component at a byte offset, optionally
	// dereferencing an allocatable/pointer component.
	RefComponent RefKind = iota + 1

	// RefArray selects an array section whose bounds come from a
	// descriptor fetched from the remote image.
	RefArray

	// RefStaticArray is an array section whose bounds and strides are
	// carried by the node itself.
	RefStaticArray
)

// DimMode is the subscript style of one dimension of an array reference
type DimMode int

const (
	DimSingle DimMode = iota + 1
	DimRange
	DimOpenStart
	DimOpenEnd
	DimFull
	DimVector
)

// RefDim describes one dimension of an array reference. RANGE uses all
// three bounds; SINGLE uses Lower; OPEN_START omits Lower, OPEN_END omits
// Upper, FULL omits both. VECTOR carries explicit indices.
type RefDim struct {
	Mode       DimMode
	Lower      int64
	Upper      int64
	Stride     int64
	Vector     []int64
	VectorKind int32
}

// Ref is one node of a reference chain
type Ref struct {
	Next     *Ref
	Kind     RefKind
	ItemSize int64

	// Component fields. TokenOffset > 0 marks an allocatable or pointer
	// component whose remote pointer must be dereferenced.
	Offset      int64
	TokenOffset int64

	// Array fields. For RefStaticArray, Dims carry their own bounds and
	// strides; for RefArray, bounds come from the fetched descriptor.
	Dims []RefDim
}

// refPlan is the outcome of the planning pass: where the final data
// lives and which elements of it are selected.
type refPlan struct {
	win      rma.Window
	base     int64
	offsets  []int64 // element byte offsets relative to base; nil = scalar
	extents  []int64
	elemSize int64
	typ      descriptor.Type
	kind     int32
	present  bool
}

func (p *refPlan) count() int64 {
	if p.offsets == nil {
		return 1
	}
	return int64(len(p.offsets))
}

// Remote layout of a dereferenceable component: an 8-byte pointer word (a
// dynamic-window offset, zero when unallocated) followed, for array
// components, by the serialized descriptor.
const ptrWordSize = 8

// fetchWord reads the remote pointer word at (win, off) on target
func (r *Runtime) fetchWord(win rma.Window, target int, off int64) (int64, error) {
	var word [ptrWordSize]byte
	if err := win.Get(r.ctx, target, off, word[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(word[:])), nil
}

// fetchDescriptor reads a serialized descriptor from the remote image.
// The staging buffer is sized for the maximum supported rank.
func (r *Runtime) fetchDescriptor(win rma.Window, target int, off int64) (descriptor.Descriptor, error) {
	buf := make([]byte, descriptor.EncodedSize(descriptor.MaxRank))
	if err := win.Get(r.ctx, target, off, buf); err != nil {
		return descriptor.Descriptor{}, err
	}
	return descriptor.Unmarshal(buf)
}

// dimIndices expands one reference dimension into the element indices it
// selects, resolving open bounds against the remote descriptor dimension
func dimIndices(rd RefDim, dd descriptor.Dim) ([]int64, error) {
	lower, upper, stride := rd.Lower, rd.Upper, rd.Stride
	switch rd.Mode {
	case DimSingle:
		return []int64{rd.Lower}, nil
	case DimFull:
		lower, upper = dd.LowerBound, dd.UpperBound
		if stride == 0 {
			stride = 1
		}
	case DimOpenStart:
		lower = dd.LowerBound
		if stride == 0 {
			stride = 1
		}
	case DimOpenEnd:
		upper = dd.UpperBound
		if stride == 0 {
			stride = 1
		}
	case DimRange:
		if stride == 0 {
			stride = 1
		}
	case DimVector:
		switch rd.VectorKind {
		case 1, 2, 4, 8:
			return rd.Vector, nil
		default:
			return nil, NewError(ErrCodeBadVectorKind, StatError, "unsupported vector subscript kind").
				WithContext("kind", rd.VectorKind)
		}
	default:
		return nil, NewError(ErrCodeBadArrayRef, StatError, "unknown array reference kind").
			WithContext("mode", int(rd.Mode))
	}
	n := (upper-lower)/stride + 1
	if n < 0 {
		n = 0
	}
	out := make([]int64, 0, n)
	for i, idx := int64(0), lower; i < n; i, idx = i+1, idx+stride {
		out = append(out, idx)
	}
	return out, nil
}

// sectionOffsets expands an array reference against a descriptor into
// per-element byte offsets in element order, plus the section extents
func sectionOffsets(ref *Ref, d *descriptor.Descriptor) ([]int64, []int64, error) {
	if len(ref.Dims) != d.Rank() {
		return nil, nil, NewError(ErrCodeRankOutOfRange, StatError, "array reference rank mismatch").
			WithContext("ref_rank", len(ref.Dims)).
			WithContext("descriptor_rank", d.Rank())
	}
	if len(ref.Dims) > descriptor.MaxRank {
		return nil, nil, NewError(ErrCodeRankOutOfRange, StatError, "array reference rank out of range").
			WithContext("rank", len(ref.Dims))
	}
	perDim := make([][]int64, len(ref.Dims))
	var extents []int64
	for j, rd := range ref.Dims {
		idxs, err := dimIndices(rd, d.Dims[j])
		if err != nil {
			return nil, nil, err
		}
		for _, idx := range idxs {
			if idx < d.Dims[j].LowerBound || idx > d.Dims[j].UpperBound {
				return nil, nil, NewError(ErrCodeExtentMismatch, StatError, "subscript outside array bounds").
					WithContext("dim", j).
					WithContext("index", idx)
			}
		}
		perDim[j] = idxs
		if rd.Mode != DimSingle {
			extents = append(extents, int64(len(idxs)))
		}
	}

	count := int64(1)
	for _, idxs := range perDim {
		count *= int64(len(idxs))
	}
	// Element order is column-major over the selection: leftmost
	// subscript varies fastest.
	offsets := make([]int64, 0, count)
	total := count
	for i := int64(0); i < total; i++ {
		rem := i
		var off int64
		for j := range perDim {
			idx := perDim[j][rem%int64(len(perDim[j]))]
			rem /= int64(len(perDim[j]))
			off += (idx - d.Dims[j].LowerBound) * d.Dims[j].Stride * d.ElemSize
		}
		offsets = append(offsets, off)
	}
	return offsets, extents, nil
}

// staticDescriptor fabricates the descriptor a static array reference
// implies from its own bounds
func staticDescriptor(ref *Ref) descriptor.Descriptor {
	d := descriptor.Descriptor{ElemSize: ref.ItemSize}
	stride := int64(1)
	for _, rd := range ref.Dims {
		dim := descriptor.Dim{LowerBound: rd.Lower, UpperBound: rd.Upper, Stride: stride}
		if rd.Mode == DimVector {
			var max int64
			for _, v := range rd.Vector {
				if v > max {
					max = v
				}
			}
			dim = descriptor.Dim{LowerBound: 1, UpperBound: max, Stride: stride}
		}
		d.Dims = append(d.Dims, dim)
		stride *= dim.Extent()
	}
	return d
}

// plan walks the chain once, following component pointers and expanding
// the single array part, and reports where the selected data lives
func (r *Runtime) plan(tok Token, image int, refs *Ref) (*refPlan, error) {
	win, base, desc, ok := r.Lookup(tok)
	if !ok {
		return nil, NewError(ErrCodeAllocation, StatError, "unknown token")
	}
	target := image - 1
	dyn := r.tp.DynamicWindow()

	p := &refPlan{win: win, base: base, present: true}
	sawArray := false
	curDesc := desc

	acc := rma.Accessor{Win: win, Mode: r.cfg.AccessMode}
	if err := acc.Begin(target); err != nil {
		return nil, r.classify("by_ref lock", image, err)
	}
	defer acc.End(target)

	for ref := refs; ref != nil; ref = ref.Next {
		switch ref.Kind {
		case RefComponent:
			p.base += ref.Offset
			p.elemSize = ref.ItemSize
			if ref.TokenOffset > 0 {
				ptr, err := r.fetchWord(p.win, target, p.base)
				if err != nil {
					return nil, r.classify("by_ref pointer fetch", image, err)
				}
				if ptr == 0 {
					p.present = false
					return p, nil
				}
				if next := ref.Next; next != nil && next.Kind == RefArray {
					d, err := r.fetchDescriptor(p.win, target, p.base+ptrWordSize)
					if err != nil {
						return nil, r.classify("by_ref descriptor fetch", image, err)
					}
					curDesc = &d
				}
				p.win = dyn
				p.base = ptr
			}

		case RefArray:
			if curDesc == nil {
				return nil, NewError(ErrCodeBadRefType, StatError, "array reference without a descriptor")
			}
			offs, extents, err := sectionOffsets(ref, curDesc)
			if err != nil {
				return nil, err
			}
			if len(extents) > 0 {
				if sawArray {
					return nil, NewError(ErrCodeDoubleArrayRef, StatError, "two or more array parts in reference chain")
				}
				sawArray = true
			}
			p.offsets = offs
			p.extents = extents
			p.elemSize = ref.ItemSize
			p.typ = curDesc.Type
			p.kind = curDesc.Kind

		case RefStaticArray:
			d := staticDescriptor(ref)
			offs, extents, err := sectionOffsets(ref, &d)
			if err != nil {
				return nil, err
			}
			if len(extents) > 0 {
				if sawArray {
					return nil, NewError(ErrCodeDoubleArrayRef, StatError, "two or more array parts in reference chain")
				}
				sawArray = true
			}
			p.offsets = offs
			p.extents = extents
			p.elemSize = ref.ItemSize

		default:
			return nil, NewError(ErrCodeBadRefType, StatError, "unsupported reference type").
				WithContext("kind", int(ref.Kind))
		}
	}
	if p.elemSize == 0 {
		p.elemSize = 1
	}
	return p, nil
}

// GetByRef fetches the sub-object a reference chain selects on a remote
// image into a local destination, reallocating it when permitted. dst
// carries the destination's type, kind and current shape; dstMem points
// at its storage, nil when unallocated.
func (r *Runtime) GetByRef(tok Token, image int, refs *Ref, dst *descriptor.Descriptor, dstMem *[]byte, reallocatable bool, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := r.checkImage(image); err != nil {
		return r.fail(err, stat, errmsg)
	}

	p, err := r.plan(tok, image, refs)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	if !p.present {
		return r.fail(NewError(ErrCodeBadRefType, StatError, "reference through unallocated component"), stat, errmsg)
	}

	count := p.count()
	if dst.Count() != count || *dstMem == nil {
		if !reallocatable {
			return r.fail(NewError(ErrCodeNotReallocatable, StatError,
				"destination extent does not match referenced section").
				WithContext("needed", count).
				WithContext("have", dst.Count()), stat, errmsg)
		}
		dst.Dims = dst.Dims[:0]
		for _, ext := range p.extents {
			dst.Dims = append(dst.Dims, descriptor.Dim{LowerBound: 1, UpperBound: ext, Stride: 1})
		}
		*dstMem = make([]byte, count*dst.ElemSize)
		// Dense allocation: rebuild strides in element order.
		stride := int64(1)
		for i := range dst.Dims {
			dst.Dims[i].Stride = stride
			stride *= dst.Dims[i].Extent()
		}
	}

	target := image - 1
	staging := make([]byte, count*p.elemSize)
	acc := rma.Accessor{Win: p.win, Mode: r.cfg.AccessMode}
	if err := acc.Begin(target); err != nil {
		return r.fail(r.classify("get_by_ref lock", image, err), stat, errmsg)
	}
	if p.offsets == nil {
		err = p.win.Get(r.ctx, target, p.base, staging)
	} else if dense(p.offsets, p.elemSize) {
		err = p.win.Get(r.ctx, target, p.base+p.offsets[0], staging)
	} else {
		offs := make([]int64, len(p.offsets))
		for i, o := range p.offsets {
			offs[i] = p.base + o
		}
		err = p.win.GetV(r.ctx, target, offs, p.elemSize, staging)
	}
	if endErr := acc.End(target); err == nil {
		err = endErr
	}
	if err != nil {
		return r.fail(r.classify("get_by_ref", image, err), stat, errmsg)
	}

	srcType := p.typ
	if srcType == 0 {
		srcType = dst.Type
	}
	srcKind := p.kind
	if srcKind == 0 {
		srcKind = dst.Kind
	}
	src := descriptor.Vector(srcType, srcKind, p.elemSize, count)
	if err := unpackSection(dst, *dstMem, &src, staging, count); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// IsPresent walks the chain without transferring and reports whether the
// final dereferenced pointer is non-null
func (r *Runtime) IsPresent(tok Token, image int, refs *Ref) (bool, error) {
	if err := r.checkImage(image); err != nil {
		return false, err
	}
	p, err := r.plan(tok, image, refs)
	if err != nil {
		return false, err
	}
	return p.present, nil
}

// SendByRef writes through a reference chain on a remote image. Remote
// reallocation of allocatable components is not implemented.
func (r *Runtime) SendByRef(tok Token, image int, refs *Ref, src *descriptor.Descriptor, srcMem []byte, stat *int, errmsg []byte) error {
	return r.fail(NewError(ErrCodeUnimplemented, StatError,
		"sending to remote allocatable components is not implemented"), stat, errmsg)
}

// SendGetByRef moves data between reference chains on two images. Not
// implemented for the same reason as SendByRef.
func (r *Runtime) SendGetByRef(dstTok Token, dstImage int, dstRefs *Ref, srcTok Token, srcImage int, srcRefs *Ref, stat *int, errmsg []byte) error {
	return r.fail(NewError(ErrCodeUnimplemented, StatError,
		"sending to remote allocatable components is not implemented"), stat, errmsg)
}

// dense reports whether offsets form one contiguous ascending run
func dense(offsets []int64, elemSize int64) bool {
	for i := 1; i < len(offsets); i++ {
		if offsets[i] != offsets[i-1]+elemSize {
			return false
		}
	}
	return true
}
