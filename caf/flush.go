package caf

import (
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// flushQueue holds the completion debt of non-blocking puts: per target
// image, the windows with outstanding sends. sync_memory and every
// barrier drain it.
type flushQueue struct {
	mu      sync.Mutex
	pending map[int][]rma.Window
}

func newFlushQueue() *flushQueue {
	return &flushQueue{pending: make(map[int][]rma.Window)}
}

// add records an unflushed put to image through win
func (q *flushQueue) add(image int, win rma.Window) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.pending[image] {
		if w == win {
			return
		}
	}
	q.pending[image] = append(q.pending[image], win)
}

// drain flushes everything outstanding toward one image
func (q *flushQueue) drain(image int) {
	q.mu.Lock()
	wins := q.pending[image]
	delete(q.pending, image)
	q.mu.Unlock()
	for _, w := range wins {
		_ = w.Flush(image - 1)
	}
}

// drainAll flushes every outstanding put
func (q *flushQueue) drainAll() {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[int][]rma.Window)
	q.mu.Unlock()
	for image, wins := range pending {
		for _, w := range wins {
			_ = w.Flush(image - 1)
		}
	}
}
