package rma

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Datatype names the element interpretation of accumulate-style operations.
// Transports apply the op element by element on the target's memory.
type Datatype int32

const (
	DTByte Datatype = iota + 1
	DTInt8
	DTInt16
	DTInt32
	DTInt64
	DTFloat32
	DTFloat64
	DTComplex64
	DTComplex128
)

// Size returns the element width in bytes
func (dt Datatype) Size() int64 {
	switch dt {
	case DTByte, DTInt8:
		return 1
	case DTInt16:
		return 2
	case DTInt32, DTFloat32:
		return 4
	case DTInt64, DTFloat64, DTComplex64:
		return 8
	case DTComplex128:
		return 16
	}
	return 0
}

func (dt Datatype) String() string {
	switch dt {
	case DTByte:
		return "byte"
	case DTInt8:
		return "int8"
	case DTInt16:
		return "int16"
	case DTInt32:
		return "int32"
	case DTInt64:
		return "int64"
	case DTFloat32:
		return "float32"
	case DTFloat64:
		return "float64"
	case DTComplex64:
		return "complex64"
	case DTComplex128:
		return "complex128"
	}
	return fmt.Sprintf("datatype(%d)", int32(dt))
}

// Op is an element-wise accumulate operation
type Op int32

const (
	OpReplace Op = iota + 1
	OpNoOp
	OpSum
	OpBAnd
	OpBOr
	OpBXor
	OpMin
	OpMax
)

func (op Op) String() string {
	switch op {
	case OpReplace:
		return "replace"
	case OpNoOp:
		return "no_op"
	case OpSum:
		return "sum"
	case OpBAnd:
		return "band"
	case OpBOr:
		return "bor"
	case OpBXor:
		return "bxor"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	}
	return fmt.Sprintf("op(%d)", int32(op))
}

// ApplyOp combines src into dst element-wise: dst = dst (op) src. Both
// slices must hold a whole number of dt-sized elements. Transports share
// this so accumulate semantics are identical across backends.
func ApplyOp(dst, src []byte, dt Datatype, op Op) error {
	if op == OpNoOp {
		return nil
	}
	if op == OpReplace {
		copy(dst, src)
		return nil
	}
	width := dt.Size()
	if width == 0 {
		return fmt.Errorf("rma: unknown datatype %v", dt)
	}
	n := int64(len(src))
	if n%width != 0 || int64(len(dst)) < n {
		return fmt.Errorf("rma: accumulate buffer misaligned for %v", dt)
	}
	for off := int64(0); off < n; off += width {
		d := dst[off : off+width]
		s := src[off : off+width]
		if err := applyElem(d, s, dt, op); err != nil {
			return err
		}
	}
	return nil
}

func applyElem(dst, src []byte, dt Datatype, op Op) error {
	switch dt {
	case DTByte, DTInt8:
		dst[0] = byte(opInt(int64(int8(dst[0])), int64(int8(src[0])), op))
	case DTInt16:
		a := int64(int16(binary.LittleEndian.Uint16(dst)))
		b := int64(int16(binary.LittleEndian.Uint16(src)))
		binary.LittleEndian.PutUint16(dst, uint16(opInt(a, b, op)))
	case DTInt32:
		a := int64(int32(binary.LittleEndian.Uint32(dst)))
		b := int64(int32(binary.LittleEndian.Uint32(src)))
		binary.LittleEndian.PutUint32(dst, uint32(opInt(a, b, op)))
	case DTInt64:
		a := int64(binary.LittleEndian.Uint64(dst))
		b := int64(binary.LittleEndian.Uint64(src))
		binary.LittleEndian.PutUint64(dst, uint64(opInt(a, b, op)))
	case DTFloat32:
		a := math.Float32frombits(binary.LittleEndian.Uint32(dst))
		b := math.Float32frombits(binary.LittleEndian.Uint32(src))
		r, err := opFloat(float64(a), float64(b), op)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(r)))
	case DTFloat64:
		a := math.Float64frombits(binary.LittleEndian.Uint64(dst))
		b := math.Float64frombits(binary.LittleEndian.Uint64(src))
		r, err := opFloat(a, b, op)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(r))
	case DTComplex64:
		ar := math.Float32frombits(binary.LittleEndian.Uint32(dst))
		ai := math.Float32frombits(binary.LittleEndian.Uint32(dst[4:]))
		br := math.Float32frombits(binary.LittleEndian.Uint32(src))
		bi := math.Float32frombits(binary.LittleEndian.Uint32(src[4:]))
		r, err := opComplex(complex(float64(ar), float64(ai)), complex(float64(br), float64(bi)), op)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(real(r))))
		binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(float32(imag(r))))
	case DTComplex128:
		ar := math.Float64frombits(binary.LittleEndian.Uint64(dst))
		ai := math.Float64frombits(binary.LittleEndian.Uint64(dst[8:]))
		br := math.Float64frombits(binary.LittleEndian.Uint64(src))
		bi := math.Float64frombits(binary.LittleEndian.Uint64(src[8:]))
		r, err := opComplex(complex(ar, ai), complex(br, bi), op)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(real(r)))
		binary.LittleEndian.PutUint64(dst[8:], math.Float64bits(imag(r)))
	default:
		return fmt.Errorf("rma: unknown datatype %v", dt)
	}
	return nil
}

func opInt(a, b int64, op Op) int64 {
	switch op {
	case OpSum:
		return a + b
	case OpBAnd:
		return a & b
	case OpBOr:
		return a | b
	case OpBXor:
		return a ^ b
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpMax:
		if b > a {
			return b
		}
		return a
	}
	return a
}

func opFloat(a, b float64, op Op) (float64, error) {
	switch op {
	case OpSum:
		return a + b, nil
	case OpMin:
		return math.Min(a, b), nil
	case OpMax:
		return math.Max(a, b), nil
	}
	return 0, fmt.Errorf("rma: op %v undefined for floating point", op)
}

func opComplex(a, b complex128, op Op) (complex128, error) {
	if op == OpSum {
		return a + b, nil
	}
	return 0, fmt.Errorf("rma: op %v undefined for complex", op)
}

// ReduceOp combines two element buffers in place during Reduce. Combine
// folds src into dst.
type ReduceOp interface {
	Combine(dst, src []byte) error
}

type builtinReduce struct {
	dt Datatype
	op Op
}

func (r builtinReduce) Combine(dst, src []byte) error {
	return ApplyOp(dst, src, r.dt, r.op)
}

// SumOp returns a ReduceOp that sums elements of the given datatype
func SumOp(dt Datatype) ReduceOp { return builtinReduce{dt: dt, op: OpSum} }

// MinOp returns a ReduceOp taking the element-wise minimum
func MinOp(dt Datatype) ReduceOp { return builtinReduce{dt: dt, op: OpMin} }

// MaxOp returns a ReduceOp taking the element-wise maximum
func MaxOp(dt Datatype) ReduceOp { return builtinReduce{dt: dt, op: OpMax} }

// UserOp wraps an opaque pairwise combiner supplied by the caller
type UserOp struct {
	Fn func(dst, src []byte) error
}

func (u UserOp) Combine(dst, src []byte) error { return u.Fn(dst, src) }
