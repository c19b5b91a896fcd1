// Package kvcache implements the paged KV cache backing attention: a
// two-tier block allocator with prefix reuse, per-sequence block lists and
// a block-pointer table published to attention kernels.
package kvcache

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// tokenKey hashes a token window into the key used by prefix-tree child
// maps. Matches verify the full token slice, so a collision can never
// alias two different prefixes.
func tokenKey(tokens []int32) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Block is the metadata for a single cache block. Contents live in the
// pools; Block only tracks identity, references and the block's place in
// the free queue and prefix tree. Blocks are created once at startup and
// reassigned across requests.
type Block struct {
	// position of this block in BlockManager.allBlocks
	idx int

	// block in the memory pool backing this block
	poolOffset int
	primary    bool

	refCount           int
	schedulingRefCount int

	// token window keying this block in its parent's children map
	tokens []int32
	isFull bool

	// prefix tree links. prev is a back-reference used only to unlink on
	// eviction; children hold the forward references.
	prev     *Block
	children *orderedmap.OrderedMap[uint64, *Block]

	// position in the owning free queue, nil while referenced
	freeElem  *list.Element
	freeQueue *list.List
}

func newBlock(idx, poolOffset int, primary bool) *Block {
	return &Block{
		idx:        idx,
		poolOffset: poolOffset,
		primary:    primary,
		children:   orderedmap.New[uint64, *Block](),
	}
}

func (b *Block) Idx() int        { return b.idx }
func (b *Block) PoolOffset() int { return b.poolOffset }
func (b *Block) IsPrimary() bool { return b.primary }
func (b *Block) IsFull() bool    { return b.isFull }
func (b *Block) Tokens() []int32 { return b.tokens }

func (b *Block) hasRefs() bool { return b.refCount > 0 }

func (b *Block) incRef() { b.refCount++ }

func (b *Block) decRef() {
	if b.refCount <= 0 {
		panic(fmt.Errorf("kvcache: refcount of block %d decremented below zero", b.idx))
	}
	b.refCount--
}

func (b *Block) decSchedulingRef() {
	if b.schedulingRefCount <= 0 {
		panic(fmt.Errorf("kvcache: scheduling refcount of block %d decremented below zero", b.idx))
	}
	b.schedulingRefCount--
}

func (b *Block) setTokens(tokens []int32, isFull bool) {
	b.tokens = tokens
	b.isFull = isFull
}

// swapPoolOffset exchanges backing storage with another block. Used by
// onboarding: after the content copy the offloaded block takes over the
// primary slot and the donor becomes secondary.
func (b *Block) swapPoolOffset(other *Block) {
	b.poolOffset, other.poolOffset = other.poolOffset, b.poolOffset
	b.primary, other.primary = other.primary, b.primary
}

func (b *Block) addChild(child *Block) {
	child.prev = b
	b.children.Set(tokenKey(child.tokens), child)
}

func (b *Block) removeChild(child *Block) {
	key := tokenKey(child.tokens)
	if got, ok := b.children.Get(key); ok && got == child {
		b.children.Delete(key)
	}
	child.prev = nil
}

// findMatchingChild returns the child keyed by the given token window, or
// nil. The stored tokens are compared on a hash hit.
func (b *Block) findMatchingChild(tokens []int32) *Block {
	child, ok := b.children.Get(tokenKey(tokens))
	if !ok || !slices.Equal(child.tokens, tokens) {
		return nil
	}
	return child
}

// isLeaf reports whether no block in the prefix tree descends from b.
func (b *Block) isLeaf() bool { return b.children.Len() == 0 }

// detach unlinks a leaf block from the prefix tree.
func (b *Block) detach() {
	if !b.isLeaf() {
		panic(fmt.Errorf("kvcache: detaching non-leaf block %d", b.idx))
	}
	if b.prev != nil {
		b.prev.removeChild(b)
	}
}
