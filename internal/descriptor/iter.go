package descriptor

// SectionIter walks two array sections in lockstep, unraveling a linear
// element index into per-dimension indices and yielding matching byte
// offsets for source and destination. The destination's extents drive the
// traversal; the source must select at least as many elements.
type SectionIter struct {
	src, dst   *Descriptor
	count      int64
	next       int64
	srcExtents [MaxRank]int64
	dstExtents [MaxRank]int64
}

// NewSectionIter builds an iterator over the elements selected by dst
func NewSectionIter(dst, src *Descriptor) *SectionIter {
	it := &SectionIter{src: src, dst: dst, count: dst.Count()}
	for j, dim := range src.Dims {
		it.srcExtents[j] = dim.Extent()
	}
	for j, dim := range dst.Dims {
		it.dstExtents[j] = dim.Extent()
	}
	return it
}

// Count returns the number of elements the iterator will yield
func (it *SectionIter) Count() int64 {
	return it.count
}

// Next yields the next (linear, srcOffset, dstOffset) triple. The boolean
// is false once the section is exhausted.
func (it *SectionIter) Next() (linear, srcOff, dstOff int64, ok bool) {
	if it.next >= it.count {
		return 0, 0, 0, false
	}
	linear = it.next
	it.next++
	srcOff = unravel(linear, it.src, it.srcExtents[:len(it.src.Dims)])
	dstOff = unravel(linear, it.dst, it.dstExtents[:len(it.dst.Dims)])
	return linear, srcOff, dstOff, true
}

// unravel converts a linear index to the byte offset of the selected
// element: ij = (i / prod(extent_k, k<j)) mod extent_j, then offsets
// accumulate stride_j * ij elements.
func unravel(linear int64, d *Descriptor, extents []int64) int64 {
	var off int64
	block := int64(1)
	for j := range d.Dims {
		ext := extents[j]
		if ext == 0 {
			return 0
		}
		ij := (linear / block) % ext
		step := d.Dims[j].Stride
		off += ij * step
		block *= ext
	}
	// Negative strides yield negative offsets; the caller's base offset
	// points at the first selected element, so they address below it.
	return off * d.ElemSize
}

// Offsets materializes every byte offset of the section in element order.
// The transfer engine hands these to vectored window ops.
func Offsets(d *Descriptor) []int64 {
	count := d.Count()
	out := make([]int64, 0, count)
	extents := make([]int64, len(d.Dims))
	for j, dim := range d.Dims {
		extents[j] = dim.Extent()
	}
	for i := int64(0); i < count; i++ {
		out = append(out, unravel(i, d, extents))
	}
	return out
}
