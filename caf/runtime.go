// Package caf is the core of a PGAS coarray runtime: a compiler-facing
// surface of images, tokens, one-sided transfers, synchronization, atomics
// and collectives layered over an RMA transport.
package caf

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// SyncImagesTag is the message tag reserved for subset synchronization
const SyncImagesTag = 424242

// statusRunning is the status-window value of a healthy image
const statusRunning = 0

// Runtime is one image's view of the job. Everything the runtime owns
// hangs off this value; init creates it and finalize destroys it.
type Runtime struct {
	cfg Config
	log *utils.Logger

	tp rma.Transport
	ft rma.FaultTolerant // nil unless the transport supports failures

	thisImage int // 1-based
	numImages int

	statusWin rma.Window
	lockWin   rma.Window
	eventWin  rma.Window

	reg     *registry
	pending *flushQueue

	mu        sync.Mutex
	finalized bool
	exitCode  int
	stopped   map[int]bool
	failed    map[int]bool

	// critical-section nesting depth on this image
	criticalDepth int

	ctx context.Context
}

// Init brings up the runtime over an already-connected transport. It is
// collective: every image must call it before any other operation.
func Init(tp rma.Transport, cfg Config) (*Runtime, error) {
	r := &Runtime{
		cfg:       cfg,
		tp:        tp,
		thisImage: tp.Rank() + 1,
		numImages: tp.Size(),
		reg:       newRegistry(),
		pending:   newFlushQueue(),
		stopped:   make(map[int]bool),
		failed:    make(map[int]bool),
		ctx:       context.Background(),
	}
	r.log = utils.NewLogger(utils.LoggerConfig{
		Level:     cfg.LogLevel,
		Component: "caf",
		Image:     r.thisImage,
		Colorize:  true,
	}).WithImage(r.thisImage)

	var err error
	if r.statusWin, err = tp.CreateWindow(4); err != nil {
		return nil, ErrTransport("create status window", err)
	}
	if r.lockWin, err = tp.CreateWindow(int64(cfg.LockSlots) * 4); err != nil {
		return nil, ErrTransport("create lock window", err)
	}
	if r.eventWin, err = tp.CreateWindow(int64(cfg.EventSlots) * 4); err != nil {
		return nil, ErrTransport("create event window", err)
	}

	if cfg.FailureHandling {
		if ft, ok := tp.(rma.FaultTolerant); ok {
			r.ft = ft
			go r.watchFailures()
		} else {
			r.log.Warn("failure handling requested but transport has no failure extension")
		}
	}

	if err := tp.Barrier(r.ctx); err != nil {
		return nil, ErrTransport("init barrier", err)
	}
	r.log.Debug("runtime initialized",
		utils.Int("num_images", r.numImages))
	return r, nil
}

// ThisImage returns this image's 1-based index
func (r *Runtime) ThisImage() int { return r.thisImage }

// NumImages returns the number of images in the job
func (r *Runtime) NumImages() int { return r.numImages }

// Transport exposes the underlying endpoint. Embedders that share the
// transport use this for out-of-band traffic.
func (r *Runtime) Transport() rma.Transport { return r.tp }

func (r *Runtime) checkImage(image int) error {
	if image < 1 || image > r.numImages {
		return ErrBadImage(image, r.numImages)
	}
	return nil
}

func (r *Runtime) checkLive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return NewError(ErrCodeFinalized, StatStoppedImage, "runtime already finalized")
	}
	return nil
}

// imageFailed reports whether image is known dead
func (r *Runtime) imageFailed(image int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[image]
}

func (r *Runtime) imageStopped(image int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[image]
}

func (r *Runtime) noteStopped(image int) {
	r.mu.Lock()
	r.stopped[image] = true
	r.mu.Unlock()
}

// classify maps a transport error to the runtime error surface
func (r *Runtime) classify(op string, image int, err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case rma.ErrRankFailed:
		if image < 1 {
			// Collective failure with no single culprit.
			return NewError(ErrCodeFailedImage, StatFailedImage, "a peer image has failed")
		}
		if r.imageStopped(image) {
			return ErrStoppedImage(image)
		}
		r.noteFailed(image)
		return ErrFailedImage(image)
	case rma.ErrFinalized:
		return NewError(ErrCodeFinalized, StatStoppedImage, "transport finalized")
	}
	return ErrTransport(op, err)
}

func (r *Runtime) noteFailed(image int) {
	r.mu.Lock()
	if !r.failed[image] {
		r.failed[image] = true
		r.log.Warn("image marked failed", utils.Int("image", image))
	}
	r.mu.Unlock()
}

// watchFailures drains the transport's failure channel into the local
// failed set. Runs for the life of the runtime.
func (r *Runtime) watchFailures() {
	for rank := range r.ft.Failures() {
		r.noteFailed(rank + 1)
	}
}

// publishStatus writes code into this image's status slot and tells every
// peer over the sync-images tag so blocked subset syncs observe it.
func (r *Runtime) publishStatus(code int) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(code))

	self := r.thisImage - 1
	if err := r.statusWin.Lock(self, true); err == nil {
		_ = r.statusWin.Put(r.ctx, self, 0, word[:])
		_ = r.statusWin.Unlock(self)
	} else {
		_ = r.statusWin.Put(r.ctx, self, 0, word[:])
		_ = r.statusWin.Flush(self)
	}

	for img := 1; img <= r.numImages; img++ {
		if img == r.thisImage {
			continue
		}
		_ = r.tp.Send(r.ctx, img-1, SyncImagesTag, word[:])
	}
}

// Finalize tears the runtime down in registry order: slave tokens first,
// then master tokens, then the runtime windows. Collective.
func (r *Runtime) Finalize() error {
	return r.finalizeWith(StatStoppedImage)
}

func (r *Runtime) finalizeWith(code int) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	r.mu.Unlock()

	r.pending.drainAll()
	r.publishStatus(code)

	if err := r.tp.Barrier(r.ctx); err != nil {
		r.log.Warn("finalize barrier failed", utils.Err(err))
	}

	dyn := r.tp.DynamicWindow()
	for _, s := range r.reg.slaveTeardown() {
		if s.offset != 0 {
			if err := dyn.Detach(s.offset); err != nil {
				r.log.Warn("slave detach failed", utils.Err(err),
					utils.Int64("offset", s.offset))
			}
		}
	}
	for _, m := range r.reg.masterTeardown() {
		if err := m.win.Free(); err != nil {
			r.log.Warn("window free failed", utils.Err(err))
		}
	}
	_ = r.statusWin.Free()
	_ = r.lockWin.Free()
	_ = r.eventWin.Free()

	if err := r.tp.Finalize(); err != nil && err != rma.ErrFinalized {
		return ErrTransport("finalize", err)
	}
	r.log.Debug("runtime finalized", utils.Int("code", code))
	return nil
}

// abortJob is the no-stat escape hatch: teardown then transport abort
func (r *Runtime) abortJob(err error) {
	r.log.Error("fatal runtime error", utils.Err(err))
	code := StatOf(err)
	if code == StatOK {
		code = StatError
	}
	_ = r.finalizeWith(code)
	r.tp.Abort(code)
}

// fail reports err through stat/errmsg or terminates the image when the
// caller supplied no stat. FAILED_IMAGE is never silent.
func (r *Runtime) fail(err error, stat *int, errmsg []byte) error {
	if Report(err, stat, errmsg) {
		r.abortJob(err)
	}
	return err
}

func (r *Runtime) String() string {
	return fmt.Sprintf("caf.Runtime(image %d of %d)", r.thisImage, r.numImages)
}
