package caf

import (
	"bytes"
	"encoding/binary"

	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// ReduceFunc is a user-supplied pairwise operator: combine b into a
type ReduceFunc func(a, b []byte)

// collectiveDatatype maps descriptor element metadata to the transport
// datatype used by built-in reductions
func collectiveDatatype(typ descriptor.Type, kind int32) (rma.Datatype, error) {
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
	case descriptor.TypeReal:
		switch kind {
		case 4:
			return rma.DTFloat32, nil
		case 8:
			return rma.DTFloat64, nil
		}
	case descriptor.TypeComplex:
		switch kind {
		case 4:
			return rma.DTComplex64, nil
		case 8:
			return rma.DTComplex128, nil
		}
	}
	return 0, NewError(ErrCodeConversion, StatError, "unsupported collective element type").
		WithContext("type", typ.String()).
		WithContext("kind", kind)
}

// byReference adapts a user operator to the transport's custom-op shape,
// applying it element by element over the exchanged buffers
func byReference(fn ReduceFunc, elemSize int64) rma.ReduceOp {
	return rma.UserOp{Fn: func(dst, src []byte) error {
		for off := int64(0); off+elemSize <= int64(len(dst)); off += elemSize {
			fn(dst[off:off+elemSize], src[off:off+elemSize])
		}
		return nil
	}}
}

// charCompareOp orders character elements bytewise, used by co_min and
// co_max on CHARACTER data
func charCompareOp(max bool, elemSize int64) rma.ReduceOp {
	return byReference(func(a, b []byte) {
		if (bytes.Compare(b, a) > 0) == max {
			copy(a, b)
		}
	}, elemSize)
}

// coReduceOp runs one reduction over the section desc selects on mem.
// resultImage zero means every image receives the result.
func (r *Runtime) coReduceOp(desc *descriptor.Descriptor, mem []byte, op rma.ReduceOp, resultImage int, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	count := desc.Count()
	if count == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}
	root := -1
	if resultImage != 0 {
		if err := r.checkImage(resultImage); err != nil {
			return r.fail(err, stat, errmsg)
		}
		root = resultImage - 1
	}

	packed, err := packSection(desc, desc, mem, count)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	result, err := r.tp.Reduce(r.ctx, packed, int(count), desc.ElemSize, op, root)
	if err != nil {
		return r.fail(r.classifyCollective("co_reduce", err), stat, errmsg)
	}
	if result != nil {
		dense := descriptor.Vector(desc.Type, desc.Kind, desc.ElemSize, count)
		if err := unpackSection(desc, mem, &dense, result, count); err != nil {
			return r.fail(err, stat, errmsg)
		}
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// CoSum sums the section across all images
func (r *Runtime) CoSum(desc *descriptor.Descriptor, mem []byte, resultImage int, stat *int, errmsg []byte) error {
	dt, err := collectiveDatatype(desc.Type, desc.Kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	return r.coReduceOp(desc, mem, rma.SumOp(dt), resultImage, stat, errmsg)
}

// CoMin takes the element-wise minimum across all images
func (r *Runtime) CoMin(desc *descriptor.Descriptor, mem []byte, resultImage int, stat *int, errmsg []byte) error {
	if desc.Type == descriptor.TypeCharacter {
		return r.coReduceOp(desc, mem, charCompareOp(false, desc.ElemSize), resultImage, stat, errmsg)
	}
	dt, err := collectiveDatatype(desc.Type, desc.Kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	return r.coReduceOp(desc, mem, rma.MinOp(dt), resultImage, stat, errmsg)
}

// CoMax takes the element-wise maximum across all images
func (r *Runtime) CoMax(desc *descriptor.Descriptor, mem []byte, resultImage int, stat *int, errmsg []byte) error {
	if desc.Type == descriptor.TypeCharacter {
		return r.coReduceOp(desc, mem, charCompareOp(true, desc.ElemSize), resultImage, stat, errmsg)
	}
	dt, err := collectiveDatatype(desc.Type, desc.Kind)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	return r.coReduceOp(desc, mem, rma.MaxOp(dt), resultImage, stat, errmsg)
}

// CoReduce applies a user-supplied operator across all images. CHARACTER
// operators always run by reference with the committed element size.
func (r *Runtime) CoReduce(desc *descriptor.Descriptor, mem []byte, fn ReduceFunc, resultImage int, stat *int, errmsg []byte) error {
	return r.coReduceOp(desc, mem, byReference(fn, desc.ElemSize), resultImage, stat, errmsg)
}

// CoBroadcast distributes the section from sourceImage to every image.
// CHARACTER scalars broadcast the length first, then the payload;
// CHARACTER arrays are unsupported.
func (r *Runtime) CoBroadcast(desc *descriptor.Descriptor, mem []byte, sourceImage int, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if err := r.checkImage(sourceImage); err != nil {
		return r.fail(err, stat, errmsg)
	}
	root := sourceImage - 1

	if desc.Type == descriptor.TypeCharacter {
		if desc.Rank() > 0 {
			return r.fail(NewError(ErrCodeConversion, StatError,
				"co_broadcast of character arrays is not supported"), stat, errmsg)
		}
		var lenWord [8]byte
		binary.LittleEndian.PutUint64(lenWord[:], uint64(desc.ElemSize))
		got, err := r.tp.Broadcast(r.ctx, lenWord[:], root)
		if err != nil {
			return r.fail(r.classifyCollective("co_broadcast", err), stat, errmsg)
		}
		n := int64(binary.LittleEndian.Uint64(got))
		payload, err := r.tp.Broadcast(r.ctx, mem[:min64(n, int64(len(mem)))], root)
		if err != nil {
			return r.fail(r.classifyCollective("co_broadcast", err), stat, errmsg)
		}
		copy(mem, payload)
		if n < int64(len(mem)) {
			padSpaces(mem[n:], desc.Kind)
		}
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}

	count := desc.Count()
	if count == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}
	packed, err := packSection(desc, desc, mem, count)
	if err != nil {
		return r.fail(err, stat, errmsg)
	}
	result, err := r.tp.Broadcast(r.ctx, packed, root)
	if err != nil {
		return r.fail(r.classifyCollective("co_broadcast", err), stat, errmsg)
	}
	dense := descriptor.Vector(desc.Type, desc.Kind, desc.ElemSize, count)
	if err := unpackSection(desc, mem, &dense, result, count); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
