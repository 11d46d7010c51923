package wire

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"golang.org/x/net/netutil"

	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// Config describes one rank of a wire job. The peer list is static: every
// rank knows every address before the job starts.
type Config struct {
	// Rank is this node's 0-based world rank.
	Rank int

	// Peers holds one host:port per rank. Peers[Rank] is the address this
	// node listens on.
	Peers []string

	// PreferDataChannel upgrades each peer link from WebSocket to a WebRTC
	// data channel after the handshake, keeping the socket for signaling.
	PreferDataChannel bool
	ICEServers        []string

	// MaxConns caps accepted connections on the listener.
	MaxConns int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DialRetry        time.Duration

	// CompressionThreshold is the payload size at or above which frames
	// are brotli-compressed. Zero disables compression.
	CompressionThreshold int
	CompressionLevel     int

	// InboundRate and InboundBurst pace frame processing per peer.
	InboundRate  int64
	InboundBurst int64

	// BreakerThreshold is the consecutive send failures that open a peer's
	// circuit and mark it failed.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	LogLevel utils.LogLevel
}

// DefaultConfig returns production defaults for a job of the given peers
func DefaultConfig(rank int, peers []string) Config {
	return Config{
		Rank:                 rank,
		Peers:                peers,
		MaxConns:             256,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         30 * time.Second,
		DialRetry:            250 * time.Millisecond,
		CompressionThreshold: 4096,
		CompressionLevel:     brotliDefaultLevel,
		InboundRate:          50000,
		InboundBurst:         10000,
		BreakerThreshold:     5,
		BreakerTimeout:       10 * time.Second,
		ICEServers:           []string{"stun:stun.l.google.com:19302"},
		LogLevel:             utils.INFO,
	}
}

const brotliDefaultLevel = 4

type msgKey struct {
	src, tag int
}

type pendingReq struct {
	ch     chan *frame
	target int
}

// node owns everything shared across this rank's transport views:
// connections, hosted windows, mailboxes, and liveness.
type node struct {
	cfg Config
	log *utils.Logger

	self int
	n    int

	peers []*peer // indexed by world rank, nil at self

	winMu   sync.Mutex
	windows map[string]*localWin
	dyn     *localDyn

	reqSeq  atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]*pendingReq

	boxMu sync.Mutex
	mbox  map[msgKey][][]byte
	recvQ map[msgKey][]chan rma.Message

	gatherMu sync.Mutex
	gathers  map[string]*gather

	failMu   sync.Mutex
	failed   map[int]bool
	failSubs []chan int

	limiter *limiter.TokenBucket

	ln     net.Listener
	server *http.Server
	closed atomic.Bool
}

// peer is one live link to another rank. Sends route through a circuit
// breaker; enough consecutive failures declare the rank dead.
type peer struct {
	rank int
	n    *node

	mu   sync.Mutex
	conn Conn // primary carrier
	sig  Conn // signaling carrier, equals conn unless upgraded

	breaker *gobreaker.CircuitBreaker
	sigCh   chan []byte

	outMu       sync.Mutex
	outCond     *sync.Cond
	outstanding int
	putErr      error
}

func newPeer(n *node, rank int, conn Conn) *peer {
	p := &peer{rank: rank, n: n, conn: conn, sig: conn, sigCh: make(chan []byte, 16)}
	p.outCond = sync.NewCond(&p.outMu)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("peer-%d", rank),
		Timeout: n.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n.cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				n.markFailed(rank)
			}
		},
	})
	return p
}

// send encodes and writes one frame through the breaker
func (p *peer) send(f *frame) error {
	data, err := encodeFrame(f, p.n.cfg.CompressionThreshold, p.n.cfg.CompressionLevel)
	if err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, conn.Send(data)
	})
	if err == gobreaker.ErrOpenState {
		return rma.ErrRankFailed
	}
	if err != nil && p.n.isFailed(p.rank) {
		return rma.ErrRankFailed
	}
	return err
}

func (p *peer) sendSignal(payload []byte) error {
	f := &frame{Kind: frameSignal, Source: int32(p.n.self), Payload: payload}
	data, err := encodeFrame(f, 0, 0)
	if err != nil {
		return err
	}
	p.mu.Lock()
	sig := p.sig
	p.mu.Unlock()
	return sig.Send(data)
}

func (p *peer) recvSignal(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-p.sigCh:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ========== Mesh bootstrap ==========

// Dial brings up a full mesh for this rank: listen, connect to every
// lower rank, accept every higher rank, then optionally upgrade links to
// data channels. It returns the world transport once all peers are up.
func Dial(ctx context.Context, cfg Config) (rma.Transport, error) {
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, fmt.Errorf("wire: rank %d outside peer list of %d", cfg.Rank, len(cfg.Peers))
	}
	n := &node{
		cfg:     cfg,
		self:    cfg.Rank,
		n:       len(cfg.Peers),
		peers:   make([]*peer, len(cfg.Peers)),
		windows: make(map[string]*localWin),
		dyn:     newLocalDyn(),
		pending: make(map[uint64]*pendingReq),
		mbox:    make(map[msgKey][][]byte),
		recvQ:   make(map[msgKey][]chan rma.Message),
		gathers: make(map[string]*gather),
		failed:  make(map[int]bool),
	}
	n.log = utils.NewLogger(utils.LoggerConfig{
		Level:     cfg.LogLevel,
		Component: "wire",
		Image:     cfg.Rank + 1,
	})
	n.limiter, _ = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.InboundRate,
			Duration: time.Second,
			Burst:    cfg.InboundBurst,
		},
		store.NewMemoryStore(time.Minute),
	)

	accepted := make(chan *peer, n.n)
	if err := n.listen(accepted); err != nil {
		return nil, err
	}

	dialed := make(chan *peer, n.n)
	errCh := make(chan error, n.n)
	for rank := 0; rank < n.self; rank++ {
		go func(rank int) {
			p, err := n.dialPeer(ctx, rank)
			if err != nil {
				errCh <- err
				return
			}
			dialed <- p
		}(rank)
	}

	want := n.n - 1
	for got := 0; got < want; got++ {
		select {
		case p := <-accepted:
			n.peers[p.rank] = p
		case p := <-dialed:
			n.peers[p.rank] = p
		case err := <-errCh:
			n.shutdown()
			return nil, err
		case <-ctx.Done():
			n.shutdown()
			return nil, ctx.Err()
		}
	}

	for _, p := range n.peers {
		if p != nil {
			go n.readLoop(p, p.conn, true)
		}
	}

	if cfg.PreferDataChannel {
		if err := n.upgradeLinks(ctx); err != nil {
			n.log.Warn("data-channel upgrade failed, staying on websocket", utils.Err(err))
		}
	}

	n.log.Info("mesh established",
		utils.Int("rank", n.self),
		utils.Int("size", n.n),
		utils.Bool("datachannel", cfg.PreferDataChannel))

	group := make([]int, n.n)
	for i := range group {
		group[i] = i
	}
	return &Transport{node: n, gid: "world", group: group, self: n.self}, nil
}

func (n *node) listen(accepted chan<- *peer) error {
	ln, err := net.Listen("tcp", n.cfg.Peers[n.self])
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", n.cfg.Peers[n.self], err)
	}
	n.ln = netutil.LimitListener(ln, n.cfg.MaxConns)

	upgrader := websocket.Upgrader{
		HandshakeTimeout: n.cfg.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rma", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(ws, n.cfg.WriteTimeout)
		data, err := conn.Receive()
		if err != nil {
			conn.Close()
			return
		}
		hello, err := decodeFrame(data)
		if err != nil || hello.Kind != frameHello {
			conn.Close()
			return
		}
		rank := int(hello.Source)
		if rank <= n.self || rank >= n.n {
			n.log.Warn("rejecting handshake", utils.Int("claimed_rank", rank))
			conn.Close()
			return
		}
		accepted <- newPeer(n, rank, conn)
	})
	n.server = &http.Server{Handler: mux}
	go func() {
		_ = n.server.Serve(n.ln)
	}()
	return nil
}

func (n *node) dialPeer(ctx context.Context, rank int) (*peer, error) {
	url := fmt.Sprintf("ws://%s/rma", n.cfg.Peers[rank])
	dialer := websocket.Dialer{HandshakeTimeout: n.cfg.HandshakeTimeout}
	for {
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			conn := newWSConn(ws, n.cfg.WriteTimeout)
			hello := &frame{Kind: frameHello, Source: int32(n.self), A: 1}
			data, _ := encodeFrame(hello, 0, 0)
			if err := conn.Send(data); err != nil {
				conn.Close()
				return nil, err
			}
			return newPeer(n, rank, conn), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wire: dial rank %d at %s: %w", rank, url, err)
		case <-time.After(n.cfg.DialRetry):
		}
	}
}

// upgradeLinks negotiates a data channel with each peer over the open
// websocket. The dialer of the socket makes the offer.
func (n *node) upgradeLinks(ctx context.Context) error {
	for rank, p := range n.peers {
		if p == nil {
			continue
		}
		var dc Conn
		var err error
		if rank < n.self {
			dc, err = offerDataChannel(ctx, p, n.cfg.ICEServers)
		} else {
			dc, err = answerDataChannel(ctx, p, n.cfg.ICEServers)
		}
		if err != nil {
			return fmt.Errorf("wire: upgrade link to rank %d: %w", rank, err)
		}
		p.mu.Lock()
		p.conn = dc
		p.mu.Unlock()
		go n.readLoop(p, dc, true)
		n.log.Debug("link upgraded to data channel", utils.Int("peer", rank))
	}
	return nil
}

// ========== Inbound processing ==========

// readLoop drains one carrier. primary loops report the peer failed on
// read errors; the signaling loop of an upgraded link exits quietly.
func (n *node) readLoop(p *peer, conn Conn, primary bool) {
	key := strconv.Itoa(p.rank)
	for {
		data, err := conn.Receive()
		if err != nil {
			// After an upgrade the socket only carries signaling.
			p.mu.Lock()
			signaling := p.conn != conn
			p.mu.Unlock()
			if primary && !signaling && !n.closed.Load() && err != errConnClosed {
				n.markFailed(p.rank)
			}
			return
		}
		for !n.limiter.Allow(key) {
			time.Sleep(time.Millisecond)
		}
		f, err := decodeFrame(data)
		if err != nil {
			n.log.Warn("dropping malformed frame", utils.Int("peer", p.rank), utils.Err(err))
			continue
		}
		n.dispatch(p, f)
	}
}

// dispatch handles one inbound frame. Requests that can block run in
// their own goroutine; everything else applies in carrier order.
func (n *node) dispatch(p *peer, f *frame) {
	switch f.Kind {
	case frameResponse:
		n.pendMu.Lock()
		req := n.pending[f.Req]
		delete(n.pending, f.Req)
		n.pendMu.Unlock()
		if req != nil {
			req.ch <- f
		}
	case framePut:
		n.reply(p, f.Req, n.applyPut(f.WinKey, f.Offset, f.Payload))
	case framePutV:
		n.reply(p, f.Req, n.applyPutV(f.WinKey, f.Payload, f.A))
	case frameGet:
		out, err := n.applyGet(f.WinKey, f.Offset, f.A)
		n.replyData(p, f.Req, out, err)
	case frameGetV:
		out, err := n.applyGetV(f.WinKey, f.Payload, f.A)
		n.replyData(p, f.Req, out, err)
	case frameAccumulate:
		n.reply(p, f.Req, n.applyAccumulate(f.WinKey, f.Offset, f.Payload, rma.Datatype(f.A), rma.Op(f.B)))
	case frameFetchOp:
		out, err := n.applyFetchOp(f.WinKey, f.Offset, f.Payload, rma.Datatype(f.A), rma.Op(f.B))
		n.replyData(p, f.Req, out, err)
	case frameCompareSwap:
		out, err := n.applyCompareSwap(f.WinKey, f.Offset, f.Payload, f.B)
		n.replyData(p, f.Req, out, err)
	case frameLock:
		go func() {
			n.reply(p, f.Req, n.applyLock(f.WinKey, int(f.Source), f.Flags&flagExclusive != 0))
		}()
	case frameUnlock:
		n.reply(p, f.Req, n.applyUnlock(f.WinKey, int(f.Source)))
	case frameMessage:
		n.deliver(int(f.Source), int(f.A), f.Payload)
	case frameCollective:
		n.collectiveArrived(p, f)
	case frameSignal:
		select {
		case p.sigCh <- f.Payload:
		default:
			n.log.Warn("signal buffer full", utils.Int("peer", p.rank))
		}
	case frameBye:
		n.peerClosed(p.rank)
	default:
		n.log.Warn("unknown frame kind", utils.Int("kind", int(f.Kind)), utils.Int("peer", p.rank))
	}
}

func (n *node) reply(p *peer, req uint64, err error) {
	if err != nil {
		_ = p.send(errorFrame(req, n.self, err))
		return
	}
	_ = p.send(okFrame(req, n.self, nil))
}

func (n *node) replyData(p *peer, req uint64, data []byte, err error) {
	if err != nil {
		_ = p.send(errorFrame(req, n.self, err))
		return
	}
	_ = p.send(okFrame(req, n.self, data))
}

// ========== Hosted-side operations ==========

func (n *node) applyPut(key string, offset int64, data []byte) error {
	seg, _, err := n.hosted(key, offset, int64(len(data)))
	if err != nil {
		return err
	}
	copy(seg, data)
	return nil
}

func (n *node) applyPutV(key string, payload []byte, elemSize int64) error {
	offsets, data, err := decodeOffsets(payload)
	if err != nil {
		return err
	}
	for i, off := range offsets {
		seg, _, err := n.hosted(key, off, elemSize)
		if err != nil {
			return err
		}
		copy(seg, data[int64(i)*elemSize:int64(i+1)*elemSize])
	}
	return nil
}

func (n *node) applyGet(key string, offset, length int64) ([]byte, error) {
	seg, _, err := n.hosted(key, offset, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), seg...), nil
}

func (n *node) applyGetV(key string, payload []byte, elemSize int64) ([]byte, error) {
	offsets, _, err := decodeOffsets(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, int64(len(offsets))*elemSize)
	for i, off := range offsets {
		seg, _, err := n.hosted(key, off, elemSize)
		if err != nil {
			return nil, err
		}
		copy(out[int64(i)*elemSize:], seg)
	}
	return out, nil
}

func (n *node) applyAccumulate(key string, offset int64, data []byte, dt rma.Datatype, op rma.Op) error {
	seg, opMu, err := n.hosted(key, offset, int64(len(data)))
	if err != nil {
		return err
	}
	opMu.Lock()
	defer opMu.Unlock()
	return rma.ApplyOp(seg, data, dt, op)
}

func (n *node) applyFetchOp(key string, offset int64, operand []byte, dt rma.Datatype, op rma.Op) ([]byte, error) {
	size := dt.Size()
	seg, opMu, err := n.hosted(key, offset, size)
	if err != nil {
		return nil, err
	}
	opMu.Lock()
	defer opMu.Unlock()
	old := append([]byte(nil), seg...)
	if op != rma.OpNoOp {
		if err := rma.ApplyOp(seg, operand, dt, op); err != nil {
			return nil, err
		}
	}
	return old, nil
}

func (n *node) applyCompareSwap(key string, offset int64, payload []byte, elemLen int64) ([]byte, error) {
	if int64(len(payload)) != 2*elemLen {
		return nil, fmt.Errorf("wire: compare-swap payload of %d bytes, want %d", len(payload), 2*elemLen)
	}
	seg, opMu, err := n.hosted(key, offset, elemLen)
	if err != nil {
		return nil, err
	}
	opMu.Lock()
	defer opMu.Unlock()
	old := append([]byte(nil), seg...)
	if bytesEqual(seg, payload[:elemLen]) {
		copy(seg, payload[elemLen:])
	}
	return old, nil
}

func (n *node) applyLock(key string, origin int, exclusive bool) error {
	if key == dynKey {
		return nil
	}
	n.winMu.Lock()
	lw := n.windows[key]
	n.winMu.Unlock()
	if lw == nil {
		return fmt.Errorf("wire: unknown window %q", key)
	}
	lw.acquire(origin, exclusive)
	return nil
}

func (n *node) applyUnlock(key string, origin int) error {
	if key == dynKey {
		return nil
	}
	n.winMu.Lock()
	lw := n.windows[key]
	n.winMu.Unlock()
	if lw == nil {
		return fmt.Errorf("wire: unknown window %q", key)
	}
	return lw.release(origin)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ========== Mailboxes ==========

func (n *node) deliver(src, tag int, payload []byte) {
	n.boxMu.Lock()
	defer n.boxMu.Unlock()
	key := msgKey{src: src, tag: tag}
	if waiting := n.recvQ[key]; len(waiting) > 0 {
		ch := waiting[0]
		if len(waiting) == 1 {
			delete(n.recvQ, key)
		} else {
			n.recvQ[key] = waiting[1:]
		}
		ch <- rma.Message{Source: src, Tag: tag, Payload: payload}
		close(ch)
		return
	}
	n.mbox[key] = append(n.mbox[key], payload)
}

func (n *node) postRecv(src, tag int) <-chan rma.Message {
	ch := make(chan rma.Message, 1)
	n.boxMu.Lock()
	defer n.boxMu.Unlock()
	key := msgKey{src: src, tag: tag}
	if queued := n.mbox[key]; len(queued) > 0 {
		payload := queued[0]
		if len(queued) == 1 {
			delete(n.mbox, key)
		} else {
			n.mbox[key] = queued[1:]
		}
		ch <- rma.Message{Source: src, Tag: tag, Payload: payload}
		close(ch)
		return ch
	}
	if n.isFailed(src) {
		close(ch)
		return ch
	}
	n.recvQ[key] = append(n.recvQ[key], ch)
	return ch
}

// ========== Requests ==========

// request sends f to a world rank and waits for the matching response
func (n *node) request(ctx context.Context, world int, f *frame) ([]byte, error) {
	p := n.peers[world]
	if p == nil {
		return nil, fmt.Errorf("wire: no link to rank %d", world)
	}
	if n.isFailed(world) {
		return nil, rma.ErrRankFailed
	}
	f.Source = int32(n.self)
	f.Req = n.reqSeq.Add(1)
	ch := make(chan *frame, 1)
	n.pendMu.Lock()
	n.pending[f.Req] = &pendingReq{ch: ch, target: world}
	n.pendMu.Unlock()

	if err := p.send(f); err != nil {
		n.pendMu.Lock()
		delete(n.pending, f.Req)
		n.pendMu.Unlock()
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Flags&flagError != 0 {
			if string(resp.Payload) == rma.ErrRankFailed.Error() {
				return nil, rma.ErrRankFailed
			}
			return nil, fmt.Errorf("wire: remote: %s", resp.Payload)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		n.pendMu.Lock()
		delete(n.pending, f.Req)
		n.pendMu.Unlock()
		return nil, ctx.Err()
	}
}

// asyncRequest sends f without waiting. The peer's outstanding counter
// tracks it until the ack arrives; Flush drains the counter.
func (n *node) asyncRequest(world int, f *frame) error {
	p := n.peers[world]
	if p == nil {
		return fmt.Errorf("wire: no link to rank %d", world)
	}
	if n.isFailed(world) {
		return rma.ErrRankFailed
	}
	f.Source = int32(n.self)
	f.Req = n.reqSeq.Add(1)
	ch := make(chan *frame, 1)
	n.pendMu.Lock()
	n.pending[f.Req] = &pendingReq{ch: ch, target: world}
	n.pendMu.Unlock()

	p.outMu.Lock()
	p.outstanding++
	p.outMu.Unlock()

	if err := p.send(f); err != nil {
		n.pendMu.Lock()
		delete(n.pending, f.Req)
		n.pendMu.Unlock()
		p.settle(err)
		return err
	}
	go func() {
		resp := <-ch
		var err error
		if resp.Flags&flagError != 0 {
			err = fmt.Errorf("wire: remote: %s", resp.Payload)
			if string(resp.Payload) == rma.ErrRankFailed.Error() {
				err = rma.ErrRankFailed
			}
		}
		p.settle(err)
	}()
	return nil
}

// settle retires one outstanding async request
func (p *peer) settle(err error) {
	p.outMu.Lock()
	p.outstanding--
	if err != nil && p.putErr == nil {
		p.putErr = err
	}
	p.outCond.Broadcast()
	p.outMu.Unlock()
}

// drain blocks until every outstanding async request has settled and
// returns the first recorded error
func (p *peer) drain() error {
	p.outMu.Lock()
	for p.outstanding > 0 {
		p.outCond.Wait()
	}
	err := p.putErr
	p.putErr = nil
	p.outMu.Unlock()
	return err
}

// ========== Liveness ==========

func (n *node) isFailed(world int) bool {
	n.failMu.Lock()
	defer n.failMu.Unlock()
	return n.failed[world]
}

// markFailed declares a world rank dead: pending work targeting it
// errors out, posted receives from it close, gathers missing it fail.
func (n *node) markFailed(world int) {
	n.failMu.Lock()
	if n.failed[world] {
		n.failMu.Unlock()
		return
	}
	n.failed[world] = true
	subs := append([]chan int(nil), n.failSubs...)
	n.failMu.Unlock()

	n.log.Warn("peer failed", utils.Int("rank", world))
	n.completeDead(world, false)

	for _, ch := range subs {
		select {
		case ch <- world:
		default:
		}
	}
	if p := n.peers[world]; p != nil {
		p.outMu.Lock()
		for p.outstanding > 0 {
			p.outstanding--
		}
		if p.putErr == nil {
			p.putErr = rma.ErrRankFailed
		}
		p.outCond.Broadcast()
		p.outMu.Unlock()
	}
	n.failGathersMissing(world)
}

// peerClosed handles a clean goodbye: like a failure for blocked work,
// but not announced as one.
func (n *node) peerClosed(world int) {
	n.failMu.Lock()
	already := n.failed[world]
	n.failed[world] = true
	n.failMu.Unlock()
	if already {
		return
	}
	n.log.Debug("peer closed", utils.Int("rank", world))
	n.completeDead(world, true)
	n.failGathersMissing(world)
}

// completeDead finishes pending requests and posted receives that can
// never complete now that world is gone
func (n *node) completeDead(world int, clean bool) {
	n.pendMu.Lock()
	for id, req := range n.pending {
		if req.target != world {
			continue
		}
		delete(n.pending, id)
		req.ch <- errorFrame(id, world, rma.ErrRankFailed)
	}
	n.pendMu.Unlock()

	n.boxMu.Lock()
	for key, chans := range n.recvQ {
		if key.src != world {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(n.recvQ, key)
	}
	n.boxMu.Unlock()
}

func (n *node) shutdown() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	if n.server != nil {
		_ = n.server.Close()
	}
	for _, p := range n.peers {
		if p == nil {
			continue
		}
		p.mu.Lock()
		conn, sig := p.conn, p.sig
		p.mu.Unlock()
		_ = conn.Close()
		if sig != conn {
			_ = sig.Close()
		}
	}
}
