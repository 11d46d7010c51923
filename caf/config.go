package caf

import (
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// StridedPolicy selects how non-contiguous sections are moved
type StridedPolicy int

const (
	// StridedVectored describes the section's element offsets to the
	// transport in one vectored operation.
	StridedVectored StridedPolicy = iota

	// StridedPerElement issues one transfer per element.
	StridedPerElement
)

// Config carries the knobs of one runtime instance
type Config struct {
	// LogLevel is the minimum severity emitted by the runtime logger.
	LogLevel utils.LogLevel

	// NonBlockingPut defers remote completion of sends under
	// AccessLockAllFlush: each send is queued and flushed at the next
	// sync_memory, barrier, or sync. Under AccessPerOpLock it has no
	// effect; the unlock after each send completes it.
	NonBlockingPut bool

	// StridedPolicy picks the strided transfer strategy.
	StridedPolicy StridedPolicy

	// AccessMode tells the engine how to bracket one-sided operations.
	AccessMode rma.AccessMode

	// FailureHandling enables failed-image detection, lock stealing and
	// communicator shrink/repair. Without it, image_status always
	// reports 0 and peer death aborts the job.
	FailureHandling bool

	// EventSlots sizes the per-image event window, in counters.
	EventSlots int

	// LockSlots sizes the per-image lock window, in slots. Slot 0 of
	// image 1 backs critical sections.
	LockSlots int
}

// DefaultConfig returns the configuration used when the embedder passes
// nothing
func DefaultConfig() Config {
	return Config{
		LogLevel:       utils.INFO,
		NonBlockingPut: false,
		StridedPolicy:  StridedVectored,
		AccessMode:     rma.AccessLockAllFlush,
		FailureHandling: false,
		EventSlots:     64,
		LockSlots:      64,
	}
}
