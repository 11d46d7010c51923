package caf

import (
	"encoding/binary"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// SyncAll is the full barrier: drain deferred puts, fence every image.
// Failure of a peer surfaces as FAILED_IMAGE through stat; without a
// stat, the image terminates.
func (r *Runtime) SyncAll(stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	r.pending.drainAll()
	if err := r.tp.Barrier(r.ctx); err != nil {
		return r.fail(r.classifyCollective("sync_all", err), stat, errmsg)
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}

// classifyCollective maps a collective failure without a single target
func (r *Runtime) classifyCollective(op string, err error) error {
	cerr := r.classify(op, 0, err)
	if e, ok := cerr.(*Error); ok && e.Code == ErrCodeFailedImage && r.cfg.FailureHandling {
		// Recovery is the caller's move; the stat already says why.
		return e
	}
	return cerr
}

// SyncImages synchronizes with an arbitrary subset of images. A nil set
// means every other image. Each pairing exchanges one status word over
// the reserved tag; observing a stopped peer promotes the result to
// STOPPED_IMAGE.
func (r *Runtime) SyncImages(images []int, stat *int, errmsg []byte) error {
	if err := r.checkLive(); err != nil {
		return r.fail(err, stat, errmsg)
	}
	r.pending.drainAll()

	var targets []int
	if images == nil {
		for img := 1; img <= r.numImages; img++ {
			if img != r.thisImage {
				targets = append(targets, img)
			}
		}
	} else {
		seen := make(map[int]bool, len(images))
		for _, img := range images {
			if err := r.checkImage(img); err != nil {
				return r.fail(err, stat, errmsg)
			}
			if seen[img] {
				return r.fail(NewError(ErrCodeDupSyncImages, StatDupSyncImages,
					"duplicate image in sync images set").WithContext("image", img), stat, errmsg)
			}
			seen[img] = true
			if img != r.thisImage {
				targets = append(targets, img)
			}
		}
	}
	if len(targets) == 0 {
		if stat != nil {
			*stat = StatOK
		}
		return nil
	}

	// Post every receive before the first send so no message races a
	// matching receive.
	arrived := make(map[int]<-chan rma.Message, len(targets))
	for _, img := range targets {
		arrived[img] = r.tp.Recv(img-1, SyncImagesTag)
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(statusRunning))
	for _, img := range targets {
		if err := r.tp.Send(r.ctx, img-1, SyncImagesTag, word[:]); err != nil {
			return r.fail(r.classify("sync_images send", img, err), stat, errmsg)
		}
	}

	for _, img := range targets {
		msg, ok := <-arrived[img]
		if !ok {
			return r.fail(r.classify("sync_images wait", img, rma.ErrRankFailed), stat, errmsg)
		}
		peerStatus := int(int32(binary.LittleEndian.Uint32(msg.Payload)))
		if peerStatus == StatStoppedImage {
			r.noteStopped(img)
			r.log.Debug("peer stopped during sync images", utils.Int("image", img))
			return r.fail(ErrStoppedImage(img), stat, errmsg)
		}
	}
	if stat != nil {
		*stat = StatOK
	}
	return nil
}
