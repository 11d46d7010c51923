package caf

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/NITIALODDS/OpenCoarrays/internal/descriptor"
	"github.com/NITIALODDS/OpenCoarrays/internal/rma"
)

// Token is the opaque handle the compiler front-end passes back into every
// operation. Handles are stable integers into the per-image registry;
// callers never inspect them. Zero is never a valid token.
type Token int64

// RegKind selects what register builds
type RegKind int

const (
	RegCoarrayStatic RegKind = iota + 1
	RegCoarrayAlloc
	RegLockStatic
	RegLockAlloc
	RegCritical
	RegEventStatic
	RegEventAlloc

	// RegAllocRegisterOnly creates a slave token record without memory;
	// RegAllocAllocateOnly later allocates into it.
	RegAllocRegisterOnly
	RegAllocAllocateOnly
)

// DeregMode selects how much deregister releases
type DeregMode int

const (
	// DeregAll frees memory, window and token record.
	DeregAll DeregMode = iota + 1

	// DeregDeallocateOnly detaches and frees the memory but keeps the
	// token for a later re-allocation.
	DeregDeallocateOnly
)

// masterEntry backs one collectively registered coarray: a symmetric
// window whose local base is the coarray's memory on this image.
type masterEntry struct {
	tok  Token
	kind RegKind
	win  rma.Window
	size int64
	desc *descriptor.Descriptor
}

// slaveEntry backs a non-symmetric allocation attached to the global
// dynamic window. offset is the attachment's stable address, zero while
// the token is registered but unallocated.
type slaveEntry struct {
	tok    Token
	kind   RegKind
	offset int64
	mem    []byte
	size   int64
	desc   *descriptor.Descriptor
}

// registry owns every runtime-created token on this image. Two ordered
// lists drive teardown; maps give constant-time lookup. A bloom filter in
// front of the slave map short-circuits lookups for tokens that were
// never slaves, which the reference walker issues in bulk.
type registry struct {
	mu         sync.Mutex
	nextHandle Token

	masters    map[Token]*masterEntry
	masterList []*masterEntry

	slaves      map[Token]*slaveEntry
	slaveList   []*slaveEntry
	slaveFilter *bloom.BloomFilter
}

func newRegistry() *registry {
	return &registry{
		nextHandle:  1,
		masters:     make(map[Token]*masterEntry),
		slaves:      make(map[Token]*slaveEntry),
		slaveFilter: bloom.NewWithEstimates(100000, 0.01),
	}
}

func tokenKey(tok Token) []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(tok))
	return key[:]
}

func (g *registry) addMaster(kind RegKind, win rma.Window, size int64, desc *descriptor.Descriptor) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok := g.nextHandle
	g.nextHandle++
	e := &masterEntry{tok: tok, kind: kind, win: win, size: size, desc: desc}
	g.masters[tok] = e
	g.masterList = append(g.masterList, e)
	return tok
}

func (g *registry) addSlave(kind RegKind, offset int64, mem []byte, size int64, desc *descriptor.Descriptor) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok := g.nextHandle
	g.nextHandle++
	e := &slaveEntry{tok: tok, kind: kind, offset: offset, mem: mem, size: size, desc: desc}
	g.slaves[tok] = e
	g.slaveList = append(g.slaveList, e)
	g.slaveFilter.Add(tokenKey(tok))
	return tok
}

func (g *registry) master(tok Token) (*masterEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.masters[tok]
	return e, ok
}

func (g *registry) slave(tok Token) (*slaveEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.slaveFilter.Test(tokenKey(tok)) {
		return nil, false
	}
	e, ok := g.slaves[tok]
	return e, ok
}

func (g *registry) removeMaster(tok Token) (*masterEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.masters[tok]
	if !ok {
		return nil, false
	}
	delete(g.masters, tok)
	for i, m := range g.masterList {
		if m == e {
			g.masterList = append(g.masterList[:i], g.masterList[i+1:]...)
			break
		}
	}
	return e, true
}

func (g *registry) removeSlave(tok Token) (*slaveEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.slaves[tok]
	if !ok {
		return nil, false
	}
	delete(g.slaves, tok)
	for i, s := range g.slaveList {
		if s == e {
			g.slaveList = append(g.slaveList[:i], g.slaveList[i+1:]...)
			break
		}
	}
	return e, true
}

// slaveTeardown returns the slave list in teardown order and empties it
func (g *registry) slaveTeardown() []*slaveEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.slaveList
	g.slaveList = nil
	g.slaves = make(map[Token]*slaveEntry)
	return out
}

// masterTeardown returns the master list in teardown order and empties it
func (g *registry) masterTeardown() []*masterEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.masterList
	g.masterList = nil
	g.masters = make(map[Token]*masterEntry)
	return out
}
