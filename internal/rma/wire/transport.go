package wire

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// Collective kinds, one letter each in the rendezvous key
const (
	collReduce    = 'r'
	collBroadcast = 'b'
	collBarrier   = 'x'
	collAgree     = 'a'
)

// Transport is one group's view of a wire node. The world transport comes
// from Dial; shrunken views share the node with a remapped group.
type Transport struct {
	node  *node
	gid   string
	group []int // group rank -> world rank
	self  int   // this rank within group

	mu        sync.Mutex
	winSeq    int
	collSeq   int
	finalized bool
}

var _ rma.Transport = (*Transport)(nil)
var _ rma.FaultTolerant = (*Transport)(nil)

func (t *Transport) Rank() int { return t.self }
func (t *Transport) Size() int { return len(t.group) }

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized || t.node.closed.Load() {
		return rma.ErrFinalized
	}
	return nil
}

func (t *Transport) nextSeq(which *int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := *which
	*which++
	return seq
}

func (t *Transport) world(groupRank int) (int, error) {
	if groupRank < 0 || groupRank >= len(t.group) {
		return 0, fmt.Errorf("wire: rank %d out of range [0,%d)", groupRank, len(t.group))
	}
	return t.group[groupRank], nil
}

func (t *Transport) anyFailed() bool {
	for _, world := range t.group {
		if t.node.isFailed(world) {
			return true
		}
	}
	return false
}

// ========== Windows ==========

// CreateWindow hosts the local segment under a group-scoped key and
// barriers so every member's segment exists before anyone returns.
func (t *Transport) CreateWindow(size int64) (rma.Window, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	seq := t.nextSeq(&t.winSeq)
	key := fmt.Sprintf("%s/w%d", t.gid, seq)

	t.node.winMu.Lock()
	t.node.windows[key] = newLocalWin(size)
	t.node.winMu.Unlock()

	if err := t.Barrier(context.Background()); err != nil {
		return nil, err
	}
	return &remoteWindow{t: t, key: key}, nil
}

func (t *Transport) DynamicWindow() rma.DynamicWindow {
	return &remoteDyn{remoteWindow{t: t, key: dynKey}}
}

// ========== Two-sided ==========

func (t *Transport) Send(ctx context.Context, target, tag int, payload []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	world, err := t.world(target)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), payload...)
	if world == t.node.self {
		t.node.deliver(world, tag, buf)
		return nil
	}
	if t.node.isFailed(world) {
		return rma.ErrRankFailed
	}
	return t.node.peers[world].send(&frame{
		Kind: frameMessage, Source: int32(t.node.self), A: int64(tag), Payload: buf,
	})
}

func (t *Transport) Recv(source, tag int) <-chan rma.Message {
	out := make(chan rma.Message, 1)
	world, err := t.world(source)
	if err != nil {
		close(out)
		return out
	}
	in := t.node.postRecv(world, tag)
	go func() {
		msg, ok := <-in
		if ok {
			msg.Source = source
			out <- msg
		}
		close(out)
	}()
	return out
}

// ========== Collectives ==========

// gather is the leader-side rendezvous for one collective. Contributions
// arrive keyed by group rank; completion bundles them in rank order and
// answers every remote contributor.
type gather struct {
	kind   byte
	need   int
	worlds []int
	root   int

	got  map[int][]byte
	reqs map[int]gatherPending

	done   chan struct{}
	bundle []byte
	err    error
	closed bool
}

type gatherPending struct {
	world int
	req   uint64
}

func (n *node) ensureGather(key string) *gather {
	g := n.gathers[key]
	if g == nil {
		g = &gather{got: make(map[int][]byte), reqs: make(map[int]gatherPending), done: make(chan struct{})}
		n.gathers[key] = g
	}
	return g
}

// collectiveArrived records one remote contribution at the leader
func (n *node) collectiveArrived(p *peer, f *frame) {
	n.gatherMu.Lock()
	g := n.ensureGather(f.WinKey)
	gr := int(f.A)
	g.got[gr] = f.Payload
	g.reqs[gr] = gatherPending{world: p.rank, req: f.Req}
	n.maybeCompleteGather(f.WinKey, g)
	n.gatherMu.Unlock()
}

// maybeCompleteGather closes out a gather once the leader has described
// it and every contribution is in. Called with gatherMu held.
func (n *node) maybeCompleteGather(key string, g *gather) {
	if g.closed || g.need == 0 || len(g.got) < g.need {
		return
	}
	for gr := 0; gr < g.need; gr++ {
		g.bundle = append(g.bundle, g.got[gr]...)
	}
	g.closed = true
	delete(n.gathers, key)
	close(g.done)
	go n.answerGather(g)
}

// answerGather replies to every remote contributor with its share of the
// result
func (n *node) answerGather(g *gather) {
	for gr, pend := range g.reqs {
		p := n.peers[pend.world]
		if p == nil {
			continue
		}
		if g.err != nil {
			_ = p.send(errorFrame(pend.req, n.self, g.err))
			continue
		}
		_ = p.send(okFrame(pend.req, n.self, g.share(gr)))
	}
}

// share picks what one member receives from a completed gather
func (g *gather) share(groupRank int) []byte {
	switch g.kind {
	case collBarrier:
		return nil
	case collBroadcast:
		return g.got[g.root]
	case collReduce:
		if g.root >= 0 && groupRank != g.root {
			return nil
		}
		return g.bundle
	default:
		return g.bundle
	}
}

// failGathersMissing fails every open gather still waiting on world
func (n *node) failGathersMissing(world int) {
	n.gatherMu.Lock()
	for key, g := range n.gathers {
		if g.closed || g.worlds == nil {
			continue
		}
		waiting := false
		for gr, w := range g.worlds {
			if w == world {
				if _, ok := g.got[gr]; !ok {
					waiting = true
				}
			}
		}
		if !waiting {
			continue
		}
		g.err = rma.ErrRankFailed
		g.closed = true
		delete(n.gathers, key)
		close(g.done)
		go n.answerGather(g)
	}
	n.gatherMu.Unlock()
}

// collect runs one collective through the group leader. The returned
// payload is this member's share of the result.
func (t *Transport) collect(ctx context.Context, kind byte, root int, contribution []byte) ([]byte, error) {
	seq := t.nextSeq(&t.collSeq)
	key := fmt.Sprintf("%s/%c%d", t.gid, kind, seq)

	if kind != collAgree && t.anyFailed() {
		return nil, rma.ErrRankFailed
	}
	leaderWorld := t.group[0]

	if t.self != 0 {
		return t.node.request(ctx, leaderWorld, &frame{
			Kind:    frameCollective,
			WinKey:  key,
			A:       int64(t.self),
			B:       int64(root),
			Payload: contribution,
		})
	}

	n := t.node
	n.gatherMu.Lock()
	g := n.ensureGather(key)
	g.kind = kind
	g.root = root
	g.worlds = t.group
	g.need = len(t.group)
	if kind == collAgree {
		// Agreement counts only members still alive from the leader's view.
		need := 0
		g.worlds = nil
		for _, w := range t.group {
			if !n.isFailed(w) {
				need++
			}
		}
		g.need = need
	}
	g.got[0] = contribution
	n.maybeCompleteGather(key, g)
	n.gatherMu.Unlock()

	select {
	case <-g.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.share(0), nil
}

func (t *Transport) Barrier(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	_, err := t.collect(ctx, collBarrier, -1, nil)
	return err
}

// Reduce gathers all contributions at the leader and folds them locally
// in group-rank order, so user-supplied operators never cross the wire.
func (t *Transport) Reduce(ctx context.Context, buf []byte, count int, elemSize int64, op rma.ReduceOp, root int) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	bundle, err := t.collect(ctx, collReduce, root, buf)
	if err != nil {
		return nil, err
	}
	if root >= 0 && t.self != root {
		return nil, nil
	}
	size := len(buf)
	if len(bundle) != size*len(t.group) {
		return nil, fmt.Errorf("wire: reduce bundle of %d bytes, want %d", len(bundle), size*len(t.group))
	}
	acc := append([]byte(nil), bundle[:size]...)
	for gr := 1; gr < len(t.group); gr++ {
		if err := op.Combine(acc, bundle[gr*size:(gr+1)*size]); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (t *Transport) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.collect(ctx, collBroadcast, root, buf)
}

// ========== Lifecycle ==========

func (t *Transport) Abort(code int) {
	t.node.log.Error("job aborted", utils.Int("code", code), utils.Int("rank", t.node.self))
	for _, p := range t.node.peers {
		if p != nil {
			_ = p.send(&frame{Kind: frameBye, Source: int32(t.node.self), A: int64(code)})
		}
	}
	t.node.shutdown()
}

func (t *Transport) Finalize() error {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return rma.ErrFinalized
	}
	t.finalized = true
	t.mu.Unlock()

	if t.gid != "world" {
		return nil
	}
	for _, p := range t.node.peers {
		if p != nil {
			_ = p.send(&frame{Kind: frameBye, Source: int32(t.node.self)})
		}
	}
	t.node.shutdown()
	return nil
}

// ========== Failure extension ==========

func (t *Transport) Failures() <-chan int {
	ch := make(chan int, t.node.n)
	n := t.node
	n.failMu.Lock()
	for world := range n.failed {
		ch <- world
	}
	n.failSubs = append(n.failSubs, ch)
	n.failMu.Unlock()
	return ch
}

func (t *Transport) Shrink() (rma.Transport, []int, error) {
	n := t.node
	var survivors, lost []int
	for _, world := range t.group {
		if n.isFailed(world) {
			lost = append(lost, world)
		} else {
			survivors = append(survivors, world)
		}
	}
	if len(survivors) == 0 {
		return nil, nil, fmt.Errorf("wire: no survivors")
	}
	sort.Ints(survivors)
	newSelf := -1
	for i, world := range survivors {
		if world == n.self {
			newSelf = i
		}
	}
	if newSelf < 0 {
		return nil, nil, rma.ErrRankFailed
	}
	gid := fmt.Sprintf("%s/shrink%v", t.gid, survivors)
	return &Transport{node: n, gid: gid, group: survivors, self: newSelf}, lost, nil
}

func (t *Transport) Agree(ok bool) (bool, error) {
	val := byte(0)
	if ok {
		val = 1
	}
	bundle, err := t.collect(context.Background(), collAgree, -1, []byte{val})
	if err != nil {
		return false, err
	}
	agreed := byte(1)
	for _, v := range bundle {
		agreed &= v
	}
	return agreed == 1, nil
}

// ========== Window views ==========

// remoteWindow is the caller-side handle on one symmetric window. Local
// targets short-circuit into the hosted segment.
type remoteWindow struct {
	t   *Transport
	key string
}

func (w *remoteWindow) resolve(target int) (int, bool, error) {
	world, err := w.t.world(target)
	if err != nil {
		return 0, false, err
	}
	return world, world == w.t.node.self, nil
}

func (w *remoteWindow) Put(ctx context.Context, target int, offset int64, data []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		return w.t.node.applyPut(w.key, offset, data)
	}
	return w.t.node.asyncRequest(world, &frame{
		Kind: framePut, WinKey: w.key, Offset: offset, Payload: append([]byte(nil), data...),
	})
}

func (w *remoteWindow) Get(ctx context.Context, target int, offset int64, dest []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		out, err := w.t.node.applyGet(w.key, offset, int64(len(dest)))
		if err != nil {
			return err
		}
		copy(dest, out)
		return nil
	}
	out, err := w.t.node.request(ctx, world, &frame{
		Kind: frameGet, WinKey: w.key, Offset: offset, A: int64(len(dest)),
	})
	if err != nil {
		return err
	}
	copy(dest, out)
	return nil
}

func (w *remoteWindow) PutV(ctx context.Context, target int, offsets []int64, elemSize int64, data []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	payload := encodeOffsets(offsets, data)
	if local {
		return w.t.node.applyPutV(w.key, payload, elemSize)
	}
	return w.t.node.asyncRequest(world, &frame{
		Kind: framePutV, WinKey: w.key, A: elemSize, Payload: payload,
	})
}

func (w *remoteWindow) GetV(ctx context.Context, target int, offsets []int64, elemSize int64, dest []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	payload := encodeOffsets(offsets, nil)
	var out []byte
	if local {
		out, err = w.t.node.applyGetV(w.key, payload, elemSize)
	} else {
		out, err = w.t.node.request(ctx, world, &frame{
			Kind: frameGetV, WinKey: w.key, A: elemSize, Payload: payload,
		})
	}
	if err != nil {
		return err
	}
	copy(dest, out)
	return nil
}

func (w *remoteWindow) Accumulate(ctx context.Context, target int, offset int64, data []byte, dtype rma.Datatype, op rma.Op) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		return w.t.node.applyAccumulate(w.key, offset, data, dtype, op)
	}
	_, err = w.t.node.request(ctx, world, &frame{
		Kind: frameAccumulate, WinKey: w.key, Offset: offset,
		A: int64(dtype), B: int64(op), Payload: append([]byte(nil), data...),
	})
	return err
}

func (w *remoteWindow) FetchAndOp(ctx context.Context, target int, offset int64, dtype rma.Datatype, op rma.Op, operand, result []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	var out []byte
	if local {
		out, err = w.t.node.applyFetchOp(w.key, offset, operand, dtype, op)
	} else {
		out, err = w.t.node.request(ctx, world, &frame{
			Kind: frameFetchOp, WinKey: w.key, Offset: offset,
			A: int64(dtype), B: int64(op), Payload: append([]byte(nil), operand...),
		})
	}
	if err != nil {
		return err
	}
	if result != nil {
		copy(result, out)
	}
	return nil
}

func (w *remoteWindow) CompareAndSwap(ctx context.Context, target int, offset int64, compare, swap, result []byte) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(compare)+len(swap))
	payload = append(payload, compare...)
	payload = append(payload, swap...)
	var out []byte
	if local {
		out, err = w.t.node.applyCompareSwap(w.key, offset, payload, int64(len(compare)))
	} else {
		out, err = w.t.node.request(ctx, world, &frame{
			Kind: frameCompareSwap, WinKey: w.key, Offset: offset,
			B: int64(len(compare)), Payload: payload,
		})
	}
	if err != nil {
		return err
	}
	if result != nil {
		copy(result, out)
	}
	return nil
}

func (w *remoteWindow) Lock(target int, exclusive bool) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		return w.t.node.applyLock(w.key, w.t.node.self, exclusive)
	}
	var flags uint8
	if exclusive {
		flags = flagExclusive
	}
	_, err = w.t.node.request(context.Background(), world, &frame{
		Kind: frameLock, Flags: flags, WinKey: w.key,
	})
	return err
}

func (w *remoteWindow) Unlock(target int) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		return w.t.node.applyUnlock(w.key, w.t.node.self)
	}
	_, err = w.t.node.request(context.Background(), world, &frame{
		Kind: frameUnlock, WinKey: w.key,
	})
	return err
}

// Flush waits for every outstanding one-sided write to target, across
// all windows sharing the link
func (w *remoteWindow) Flush(target int) error {
	world, local, err := w.resolve(target)
	if err != nil {
		return err
	}
	if local {
		return nil
	}
	return w.t.node.peers[world].drain()
}

func (w *remoteWindow) Sync() error { return nil }

func (w *remoteWindow) Base() []byte {
	if w.key == dynKey {
		return nil
	}
	w.t.node.winMu.Lock()
	defer w.t.node.winMu.Unlock()
	if lw := w.t.node.windows[w.key]; lw != nil {
		return lw.mem
	}
	return nil
}

func (w *remoteWindow) Free() error {
	if w.key == dynKey {
		return nil
	}
	w.t.node.winMu.Lock()
	defer w.t.node.winMu.Unlock()
	lw := w.t.node.windows[w.key]
	if lw == nil {
		return fmt.Errorf("wire: window %q already freed", w.key)
	}
	lw.freed = true
	delete(w.t.node.windows, w.key)
	return nil
}

// remoteDyn adds attach and detach over the node's dynamic window
type remoteDyn struct {
	remoteWindow
}

func (d *remoteDyn) Attach(size int64) (int64, []byte, error) {
	return d.t.node.dyn.attach(size)
}

func (d *remoteDyn) Detach(offset int64) error {
	return d.t.node.dyn.detach(offset)
}
