package rma

// AccessMode tells the transfer engine how a window wants to be driven for
// one-sided access. Some backends hold a shared lock on every peer for the
// window's whole lifetime and only need a flush per operation; others take
// and drop a lock around each access.
type AccessMode int

const (
	// AccessPerOpLock brackets every one-sided operation with
	// Lock(target)/Unlock(target).
	AccessPerOpLock AccessMode = iota

	// AccessLockAllFlush assumes a standing shared lock and completes
	// operations with Flush(target).
	AccessLockAllFlush
)

// Accessor wraps a Window with the bracketing its AccessMode requires.
// Begin must be paired with End around each one-sided operation on target.
type Accessor struct {
	Win  Window
	Mode AccessMode
}

// Begin opens an access epoch on target
func (a Accessor) Begin(target int) error {
	if a.Mode == AccessPerOpLock {
		return a.Win.Lock(target, false)
	}
	return nil
}

// End completes the epoch, forcing remote completion of operations issued
// since Begin
func (a Accessor) End(target int) error {
	if a.Mode == AccessPerOpLock {
		return a.Win.Unlock(target)
	}
	return a.Win.Flush(target)
}

// BeginExclusive opens an exclusive epoch for read-modify-write sequences
func (a Accessor) BeginExclusive(target int) error {
	if a.Mode == AccessPerOpLock {
		return a.Win.Lock(target, true)
	}
	return nil
}
