package rma

import (
	"context"
	"errors"
)

// Transport is the message-passing layer the runtime drives: one-sided
// windows, a small two-sided surface for tagged notifications, collectives,
// and a barrier. One Transport endpoint exists per image; ranks are 0-based.
type Transport interface {
	Rank() int
	Size() int

	// CreateWindow is collective: every rank must call it in the same
	// order, and every rank ends up with symmetric access to the window.
	CreateWindow(size int64) (Window, error)

	// DynamicWindow returns the single process-wide window that memory
	// ranges are attached to and detached from at runtime.
	DynamicWindow() DynamicWindow

	// Send delivers a tagged payload to target. Matching receives are
	// posted with Recv; payloads are buffered until consumed.
	Send(ctx context.Context, target, tag int, payload []byte) error

	// Recv posts an asynchronous receive. The returned channel delivers
	// one message from the given source with the given tag, or is closed
	// without a message if the source fails first.
	Recv(source, tag int) <-chan Message

	Barrier(ctx context.Context) error

	// Reduce combines count elements of elemSize bytes across all ranks.
	// root < 0 means all-reduce: every rank receives the result.
	Reduce(ctx context.Context, buf []byte, count int, elemSize int64, op ReduceOp, root int) ([]byte, error)

	// Broadcast distributes root's buffer to every rank. Callers pass a
	// buffer of identical size on every rank.
	Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error)

	// Abort tears the whole job down with the given exit code.
	Abort(code int)

	// Finalize releases the endpoint. Windows must be freed first.
	Finalize() error
}

// Message is a tagged two-sided payload
type Message struct {
	Source  int
	Tag     int
	Payload []byte
}

// Window exposes a symmetric region of memory for one-sided access
type Window interface {
	Put(ctx context.Context, target int, offset int64, data []byte) error
	Get(ctx context.Context, target int, offset int64, dest []byte) error

	// PutV and GetV transfer one element of elemSize bytes per offset,
	// packed densely in data/dest. This is the vectored strided path.
	PutV(ctx context.Context, target int, offsets []int64, elemSize int64, data []byte) error
	GetV(ctx context.Context, target int, offsets []int64, elemSize int64, dest []byte) error

	Accumulate(ctx context.Context, target int, offset int64, data []byte, dtype Datatype, op Op) error
	FetchAndOp(ctx context.Context, target int, offset int64, dtype Datatype, op Op, operand, result []byte) error
	CompareAndSwap(ctx context.Context, target int, offset int64, compare, swap, result []byte) error

	Lock(target int, exclusive bool) error
	Unlock(target int) error
	Flush(target int) error

	// Sync makes local stores visible to subsequent one-sided reads and
	// vice versa.
	Sync() error

	// Base returns the local portion of the window.
	Base() []byte

	Free() error
}

// DynamicWindow additionally supports attaching and detaching memory
// ranges. Attached ranges are addressed by the returned offset, which is
// stable for the lifetime of the attachment and meaningful to every rank.
type DynamicWindow interface {
	Window
	Attach(size int64) (offset int64, mem []byte, err error)
	Detach(offset int64) error
}

// FaultTolerant is the optional failure extension of a Transport.
type FaultTolerant interface {
	// Failures delivers world ranks observed dead.
	Failures() <-chan int

	// Shrink builds a survivor transport excluding dead ranks and reports
	// which world ranks were lost.
	Shrink() (Transport, []int, error)

	// Agree reaches consensus on a flag across survivors (logical AND).
	Agree(ok bool) (bool, error)
}

// ErrRankFailed is returned by operations that targeted a dead image
var ErrRankFailed = errors.New("rma: target rank failed")

// ErrFinalized is returned once the endpoint has been torn down
var ErrFinalized = errors.New("rma: transport finalized")
