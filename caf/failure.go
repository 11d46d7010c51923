package caf

import (
	"encoding/binary"
	"sort"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// ImageStatus reports the liveness of image: 0 for a running image,
// StatStoppedImage for one that stopped, StatFailedImage for one that
// died. Without failure handling every image reads as running.
func (r *Runtime) ImageStatus(image int) (int, error) {
	if err := r.checkImage(image); err != nil {
		return 0, err
	}
	if !r.cfg.FailureHandling {
		return 0, nil
	}
	r.mu.Lock()
	if r.failed[image] {
		r.mu.Unlock()
		return StatFailedImage, nil
	}
	if r.stopped[image] {
		r.mu.Unlock()
		return StatStoppedImage, nil
	}
	r.mu.Unlock()

	// Consult the peer's published status word.
	var word [4]byte
	target := image - 1
	if err := r.statusWin.Lock(target, false); err != nil {
		if err == rma.ErrRankFailed {
			r.noteFailed(image)
			return StatFailedImage, nil
		}
		return 0, r.classify("image_status", image, err)
	}
	getErr := r.statusWin.Get(r.ctx, target, 0, word[:])
	_ = r.statusWin.Unlock(target)
	if getErr != nil {
		if getErr == rma.ErrRankFailed {
			r.noteFailed(image)
			return StatFailedImage, nil
		}
		return 0, r.classify("image_status", image, getErr)
	}
	code := int(int32(binary.LittleEndian.Uint32(word[:])))
	if code == StatStoppedImage {
		r.noteStopped(image)
	}
	return code, nil
}

// FailedImages returns the sorted 1-based indices of images known dead
func (r *Runtime) FailedImages() []int {
	r.mu.Lock()
	out := make([]int, 0, len(r.failed))
	for img := range r.failed {
		out = append(out, img)
	}
	r.mu.Unlock()
	sort.Ints(out)
	return out
}

// StoppedImages returns the sorted 1-based indices of images that stopped
func (r *Runtime) StoppedImages() []int {
	r.mu.Lock()
	out := make([]int, 0, len(r.stopped))
	for img := range r.stopped {
		out = append(out, img)
	}
	r.mu.Unlock()
	sort.Ints(out)
	return out
}

// Repair rebuilds the job over the surviving images after failures: the
// transport shrinks to the alive subset, the survivors agree the shrink
// worked everywhere, then the runtime re-homes itself on the new group.
// Coarrays registered before the failure belong to the dead group and are
// discarded; callers re-register what they still need.
func (r *Runtime) Repair(stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	if r.ft == nil {
		return r.fail(NewError(ErrCodeUnimplemented, StatError,
			"transport has no failure extension"), stat, errmsg)
	}

	nt, lost, err := r.ft.Shrink()
	if err != nil {
		return r.fail(r.classify("repair", r.thisImage, err), stat, errmsg)
	}
	nft, _ := nt.(rma.FaultTolerant)
	if nft != nil {
		ok, aerr := nft.Agree(true)
		if aerr != nil || !ok {
			return r.fail(ErrTransport("repair agreement", aerr), stat, errmsg)
		}
	}

	r.mu.Lock()
	r.tp = nt
	r.ft = nft
	oldImage := r.thisImage
	r.thisImage = nt.Rank() + 1
	r.numImages = nt.Size()
	r.stopped = make(map[int]bool)
	r.failed = make(map[int]bool)
	r.mu.Unlock()

	r.pending = newFlushQueue()
	r.reg = newRegistry()
	r.log = r.log.WithImage(r.thisImage)

	if r.statusWin, err = nt.CreateWindow(4); err != nil {
		return r.fail(ErrTransport("repair status window", err), stat, errmsg)
	}
	if r.lockWin, err = nt.CreateWindow(int64(r.cfg.LockSlots) * 4); err != nil {
		return r.fail(ErrTransport("repair lock window", err), stat, errmsg)
	}
	if r.eventWin, err = nt.CreateWindow(int64(r.cfg.EventSlots) * 4); err != nil {
		return r.fail(ErrTransport("repair event window", err), stat, errmsg)
	}
	if err := nt.Barrier(r.ctx); err != nil {
		return r.fail(r.classifyCollective("repair barrier", err), stat, errmsg)
	}

	if nft != nil {
		go r.watchFailures()
	}
	r.log.Info("job repaired",
		utils.Int("was_image", oldImage),
		utils.Int("now_image", r.thisImage),
		utils.Int("num_images", r.numImages),
		utils.Int("lost", len(lost)))
	if stat != nil {
		*stat = StatOK
	}
	return nil
}
