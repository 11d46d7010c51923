package descriptor

import "fmt"

// MaxRank is the maximum array rank the runtime supports. Remote descriptor
// images are staged in fixed buffers of this capacity.
const MaxRank = 7

// Type identifies the element category of an array
type Type int32

const (
	TypeInteger Type = iota + 1
	TypeLogical
	TypeReal
	TypeComplex
	TypeCharacter
	TypeDerived
)

func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeLogical:
		return "logical"
	case TypeReal:
		return "real"
	case TypeComplex:
		return "complex"
	case TypeCharacter:
		return "character"
	case TypeDerived:
		return "derived"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// Dim describes one dimension of an array section. The bounds select the
// elements; Stride is the memory step between consecutive selected
// elements, so a strided section of k elements carries bounds spanning k
// and the combined step in Stride.
type Dim struct {
	LowerBound int64
	UpperBound int64
	Stride     int64 // in elements, may be negative
}

// Extent returns the number of elements selected along this dimension.
// The bounds alone decide it; for a negative stride the bounds run
// downward.
func (d Dim) Extent() int64 {
	var num int64
	if d.Stride < 0 {
		num = d.LowerBound + 1 - d.UpperBound
	} else {
		num = d.UpperBound + 1 - d.LowerBound
	}
	if num <= 0 {
		return 0
	}
	return num
}

// Descriptor carries the shape and layout metadata of a multi-dimensional
// array. Rank 0 describes a scalar. Strides are measured in elements of
// ElemSize bytes; the linear byte offset of element (i0..iR-1) is
// sum((ij-lbj)*stridej)*ElemSize.
type Descriptor struct {
	ElemSize int64
	Type     Type
	Kind     int32
	Dims     []Dim
}

// Scalar builds a rank-0 descriptor
func Scalar(typ Type, kind int32, elemSize int64) Descriptor {
	return Descriptor{ElemSize: elemSize, Type: typ, Kind: kind}
}

// Vector builds a contiguous rank-1 descriptor with bounds [1..n]
func Vector(typ Type, kind int32, elemSize, n int64) Descriptor {
	return Descriptor{
		ElemSize: elemSize,
		Type:     typ,
		Kind:     kind,
		Dims:     []Dim{{LowerBound: 1, UpperBound: n, Stride: 1}},
	}
}

// Rank returns the number of dimensions
func (d *Descriptor) Rank() int {
	return len(d.Dims)
}

// Count returns the total number of selected elements, zero when any
// dimension selects nothing
func (d *Descriptor) Count() int64 {
	count := int64(1)
	for _, dim := range d.Dims {
		count *= dim.Extent()
		if count == 0 {
			return 0
		}
	}
	return count
}

// Contiguous reports whether the selected elements occupy one dense run in
// element order. A scalar is contiguous by definition.
func (d *Descriptor) Contiguous() bool {
	expected := int64(1)
	for _, dim := range d.Dims {
		if dim.Stride != expected {
			return false
		}
		expected *= dim.Extent()
	}
	return true
}

// ByteOffset converts per-dimension indices to a byte offset from the base
func (d *Descriptor) ByteOffset(indices []int64) int64 {
	var off int64
	for j, dim := range d.Dims {
		off += (indices[j] - dim.LowerBound) * dim.Stride
	}
	return off * d.ElemSize
}

// ByteSpan returns the total bytes of the dense payload (count*elemsize)
func (d *Descriptor) ByteSpan() int64 {
	return d.Count() * d.ElemSize
}

// SameShape reports whether two descriptors select the same extents
func (d *Descriptor) SameShape(o *Descriptor) bool {
	if len(d.Dims) != len(o.Dims) {
		return false
	}
	for i := range d.Dims {
		if d.Dims[i].Extent() != o.Dims[i].Extent() {
			return false
		}
	}
	return true
}
