// Package inproc runs a whole job inside one process: every image is a
// goroutine and windows are plain byte slices. It exists for tests and for
// single-node runs without a network fabric.
package inproc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/arena"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

type mboxKey struct {
	dst, src, tag int
}

// World holds the state shared by every in-process image: mailboxes,
// windows, collective rendezvous slots, and liveness.
type World struct {
	mu sync.Mutex
	n  int

	logger *utils.Logger

	dead      map[int]bool
	aborted   bool
	abortCode int
	abortCh   chan struct{}

	mbox  map[mboxKey][][]byte
	recvQ map[mboxKey][]chan rma.Message

	windows  map[string][]*sharedWindow
	colls    map[string]map[int]*collState
	barriers map[string]map[int]*barrierState

	dyn *dynWindow

	failSubs []chan int
}

// NewWorld creates a job of n images
func NewWorld(n int) *World {
	w := &World{
		n:        n,
		logger:   utils.DefaultLogger("inproc"),
		dead:     make(map[int]bool),
		abortCh:  make(chan struct{}),
		mbox:     make(map[mboxKey][][]byte),
		recvQ:    make(map[mboxKey][]chan rma.Message),
		windows:  make(map[string][]*sharedWindow),
		colls:    make(map[string]map[int]*collState),
		barriers: make(map[string]map[int]*barrierState),
	}
	w.dyn = newDynWindow(w, arena.New(arena.MinBlock, 1<<30))
	return w
}

// Endpoint returns rank's transport. The world group spans all n images.
func (w *World) Endpoint(rank int) rma.Transport {
	group := make([]int, w.n)
	for i := range group {
		group[i] = i
	}
	return &Endpoint{w: w, gid: "world", group: group, self: rank}
}

// Kill marks a world rank dead and wakes everything blocked on it. Test
// and failure-injection hook.
func (w *World) Kill(rank int) {
	w.mu.Lock()
	if w.dead[rank] {
		w.mu.Unlock()
		return
	}
	w.dead[rank] = true
	w.logger.Warn("image failed", utils.Int("rank", rank))

	// Fail in-flight rendezvous: survivors see the failure instead of
	// waiting for an arrival that will never come.
	for _, perGid := range w.barriers {
		for _, b := range perGid {
			if !b.closed {
				b.err = rma.ErrRankFailed
				b.closed = true
				close(b.done)
			}
		}
	}
	for _, perGid := range w.colls {
		for _, c := range perGid {
			if !c.closed {
				c.err = rma.ErrRankFailed
				c.closed = true
				close(c.done)
			}
		}
	}

	// Pending receives from the dead rank complete by channel close.
	for key, chans := range w.recvQ {
		if key.src != rank {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(w.recvQ, key)
	}

	subs := append([]chan int(nil), w.failSubs...)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rank:
		default:
		}
	}
}

// Aborted reports whether any image called Abort, and with what code
func (w *World) Aborted() (bool, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted, w.abortCode
}

func (w *World) alive(group []int) []int {
	out := make([]int, 0, len(group))
	for _, r := range group {
		if !w.dead[r] {
			out = append(out, r)
		}
	}
	return out
}

// Endpoint is one image's view of the world. group maps group ranks to
// world ranks; self indexes this image within group.
type Endpoint struct {
	w     *World
	gid   string
	group []int
	self  int

	mu        sync.Mutex
	winSeq    int
	collSeq   int
	barSeq    int
	finalized bool
}

var _ rma.Transport = (*Endpoint)(nil)
var _ rma.FaultTolerant = (*Endpoint)(nil)

func (e *Endpoint) Rank() int { return e.self }
func (e *Endpoint) Size() int { return len(e.group) }

func (e *Endpoint) worldRank(groupRank int) (int, error) {
	if groupRank < 0 || groupRank >= len(e.group) {
		return 0, fmt.Errorf("inproc: rank %d out of range [0,%d)", groupRank, len(e.group))
	}
	return e.group[groupRank], nil
}

func (e *Endpoint) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return rma.ErrFinalized
	}
	return nil
}

func (e *Endpoint) nextSeq(which *int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := *which
	*which++
	return seq
}

// CreateWindow is collective over the endpoint's group. It blocks until
// every member has made the matching call.
func (e *Endpoint) CreateWindow(size int64) (rma.Window, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	seq := e.nextSeq(&e.winSeq)

	w := e.w
	w.mu.Lock()
	wins := w.windows[e.gid]
	for len(wins) <= seq {
		wins = append(wins, newSharedWindow(w, len(w.alive(e.group))))
		w.windows[e.gid] = wins
	}
	sw := wins[seq]
	self, _ := e.worldRank(e.self)
	sw.provide(self, size)
	done := sw.ready
	w.mu.Unlock()

	select {
	case <-done:
	case <-w.abortCh:
		return nil, fmt.Errorf("inproc: job aborted during window creation")
	}
	return &windowView{ep: e, sw: sw, held: make(map[int]bool)}, nil
}

// DynamicWindow returns the process-wide dynamic window bound to this image
func (e *Endpoint) DynamicWindow() rma.DynamicWindow {
	return &dynView{ep: e, dw: e.w.dyn, held: make(map[int]bool)}
}

func (e *Endpoint) Send(ctx context.Context, target, tag int, payload []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	dst, err := e.worldRank(target)
	if err != nil {
		return err
	}
	src, _ := e.worldRank(e.self)

	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead[dst] {
		return rma.ErrRankFailed
	}
	key := mboxKey{dst: dst, src: src, tag: tag}
	buf := append([]byte(nil), payload...)
	if waiting := w.recvQ[key]; len(waiting) > 0 {
		ch := waiting[0]
		if len(waiting) == 1 {
			delete(w.recvQ, key)
		} else {
			w.recvQ[key] = waiting[1:]
		}
		ch <- rma.Message{Source: e.self, Tag: tag, Payload: buf}
		close(ch)
		return nil
	}
	w.mbox[key] = append(w.mbox[key], buf)
	return nil
}

// Recv posts a receive from the given group-rank source. The channel is
// closed after delivering one message, or without one if the source fails.
func (e *Endpoint) Recv(source, tag int) <-chan rma.Message {
	ch := make(chan rma.Message, 1)
	src, err := e.worldRank(source)
	if err != nil {
		close(ch)
		return ch
	}
	self, _ := e.worldRank(e.self)

	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	key := mboxKey{dst: self, src: src, tag: tag}
	if queued := w.mbox[key]; len(queued) > 0 {
		payload := queued[0]
		if len(queued) == 1 {
			delete(w.mbox, key)
		} else {
			w.mbox[key] = queued[1:]
		}
		ch <- rma.Message{Source: source, Tag: tag, Payload: payload}
		close(ch)
		return ch
	}
	if w.dead[src] {
		close(ch)
		return ch
	}
	w.recvQ[key] = append(w.recvQ[key], ch)
	return ch
}

type barrierState struct {
	need   int
	count  int
	done   chan struct{}
	err    error
	closed bool
}

func (e *Endpoint) Barrier(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	seq := e.nextSeq(&e.barSeq)

	w := e.w
	w.mu.Lock()
	alive := w.alive(e.group)
	if len(alive) < len(e.group) {
		w.mu.Unlock()
		return rma.ErrRankFailed
	}
	perGid := w.barriers[e.gid]
	if perGid == nil {
		perGid = make(map[int]*barrierState)
		w.barriers[e.gid] = perGid
	}
	b := perGid[seq]
	if b == nil {
		b = &barrierState{need: len(e.group), done: make(chan struct{})}
		perGid[seq] = b
	}
	b.count++
	if b.count == b.need && !b.closed {
		b.closed = true
		close(b.done)
		delete(perGid, seq)
	}
	w.mu.Unlock()

	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.abortCh:
		return fmt.Errorf("inproc: job aborted")
	}
}

type collState struct {
	need    int
	contrib map[int][]byte
	op      rma.ReduceOp
	root    int
	done    chan struct{}
	result  []byte
	err     error
	closed  bool
}

func (e *Endpoint) rendezvous(ctx context.Context, contribution []byte, op rma.ReduceOp, root int, finish func(*collState, []int)) ([]byte, error) {
	seq := e.nextSeq(&e.collSeq)

	w := e.w
	w.mu.Lock()
	if len(w.alive(e.group)) < len(e.group) {
		w.mu.Unlock()
		return nil, rma.ErrRankFailed
	}
	perGid := w.colls[e.gid]
	if perGid == nil {
		perGid = make(map[int]*collState)
		w.colls[e.gid] = perGid
	}
	c := perGid[seq]
	if c == nil {
		c = &collState{need: len(e.group), contrib: make(map[int][]byte), done: make(chan struct{})}
		perGid[seq] = c
	}
	c.contrib[e.self] = append([]byte(nil), contribution...)
	if op != nil {
		c.op = op
	}
	c.root = root
	if len(c.contrib) == c.need && !c.closed {
		finish(c, e.group)
		c.closed = true
		close(c.done)
		delete(perGid, seq)
	}
	w.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.abortCh:
		return nil, fmt.Errorf("inproc: job aborted")
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.root >= 0 && c.root != e.self {
		return nil, nil
	}
	return append([]byte(nil), c.result...), nil
}

func (e *Endpoint) Reduce(ctx context.Context, buf []byte, count int, elemSize int64, op rma.ReduceOp, root int) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.rendezvous(ctx, buf, op, root, func(c *collState, group []int) {
		acc := append([]byte(nil), c.contrib[0]...)
		for gr := 1; gr < len(group); gr++ {
			if err := c.op.Combine(acc, c.contrib[gr]); err != nil {
				c.err = err
				return
			}
		}
		c.result = acc
	})
}

func (e *Endpoint) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	out, err := e.rendezvous(ctx, buf, nil, -1, func(c *collState, group []int) {
		c.result = c.contrib[root]
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Endpoint) Abort(code int) {
	w := e.w
	w.mu.Lock()
	if !w.aborted {
		w.aborted = true
		w.abortCode = code
		close(w.abortCh)
		w.logger.Error("job aborted", utils.Int("code", code), utils.Int("rank", e.self))
	}
	w.mu.Unlock()
}

func (e *Endpoint) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return rma.ErrFinalized
	}
	e.finalized = true
	return nil
}

// ========== Failure extension ==========

// FailSelf marks this image dead in the world, as if its process had
// crashed. Peers see failures, not a clean shutdown.
func (e *Endpoint) FailSelf() {
	self, _ := e.worldRank(e.self)
	e.w.Kill(self)
}

// Failures returns a channel of world ranks observed dead
func (e *Endpoint) Failures() <-chan int {
	ch := make(chan int, e.w.n)
	w := e.w
	w.mu.Lock()
	for r := range w.dead {
		ch <- r
	}
	w.failSubs = append(w.failSubs, ch)
	w.mu.Unlock()
	return ch
}

// Shrink builds a survivor transport over the alive subset of this
// endpoint's group. Every survivor computes the same group independently.
func (e *Endpoint) Shrink() (rma.Transport, []int, error) {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()

	survivors := w.alive(e.group)
	if len(survivors) == 0 {
		return nil, nil, fmt.Errorf("inproc: no survivors")
	}
	sort.Ints(survivors)

	var lost []int
	for _, r := range e.group {
		if w.dead[r] {
			lost = append(lost, r)
		}
	}

	self, _ := e.worldRank(e.self)
	if w.dead[self] {
		return nil, nil, rma.ErrRankFailed
	}
	newSelf := -1
	for i, r := range survivors {
		if r == self {
			newSelf = i
		}
	}
	gid := fmt.Sprintf("%s/shrink%v", e.gid, survivors)
	return &Endpoint{w: w, gid: gid, group: survivors, self: newSelf}, lost, nil
}

// Agree reaches consensus on the logical AND of ok across alive group
// members. Members that die before contributing are excluded.
func (e *Endpoint) Agree(ok bool) (bool, error) {
	w := e.w
	w.mu.Lock()
	alive := w.alive(e.group)
	gid := e.gid + "/agree"
	perGid := w.colls[gid]
	if perGid == nil {
		perGid = make(map[int]*collState)
		w.colls[gid] = perGid
	}
	seq := e.nextSeq(&e.collSeq)
	c := perGid[seq]
	if c == nil {
		c = &collState{need: len(alive), contrib: make(map[int][]byte), done: make(chan struct{})}
		perGid[seq] = c
	}
	val := byte(0)
	if ok {
		val = 1
	}
	c.contrib[e.self] = []byte{val}
	if len(c.contrib) >= c.need && !c.closed {
		agreed := byte(1)
		for _, v := range c.contrib {
			agreed &= v[0]
		}
		c.result = []byte{agreed}
		c.closed = true
		close(c.done)
		delete(perGid, seq)
	}
	w.mu.Unlock()

	select {
	case <-c.done:
	case <-w.abortCh:
		return false, fmt.Errorf("inproc: job aborted")
	}
	if c.err != nil {
		// A failure mid-agreement still yields a verdict from whoever
		// contributed.
		if len(c.result) == 1 {
			return c.result[0] == 1, nil
		}
		return false, c.err
	}
	return c.result[0] == 1, nil
}
