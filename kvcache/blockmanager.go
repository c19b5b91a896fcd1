package kvcache

import (
	"container/list"
	"errors"
	"fmt"
	"slices"

	"github.com/skiffml/skiff/logutil"
	"github.com/skiffml/skiff/ml"
)

var (
	// ErrOutOfCache is returned when no block can be allocated or freed in
	// either tier. The scheduler is expected to evict or defer requests.
	ErrOutOfCache = errors.New("out of kv cache blocks")

	// ErrMaxBatchExceeded is returned for sequence slots outside the
	// configured range.
	ErrMaxBatchExceeded = errors.New("sequence slot exceeds max batch size")
)

// Config holds the cache geometry. It has no file or environment surface;
// the embedding API fills it directly.
type Config struct {
	NumLayers      int
	NumKvHeads     int
	SizePerHead    int
	TokensPerBlock int

	BlocksInPrimaryPool   int
	BlocksInSecondaryPool int

	MaxSequences int
	MaxBeamWidth int

	// MaxAttentionWindow enables the cyclic cache when a sequence grows
	// past it. SinkTokenLength tokens at the front are never overwritten.
	MaxAttentionWindow int
	SinkTokenLength    int

	DType ml.DType

	EnableBlockReuse bool
	UseUvm           bool
	OnboardBlocks    bool
}

// BlockManager owns all cache blocks. It keeps a free queue per memory
// tier, the prefix tree of reusable blocks, and the per-sequence block
// lists. Alloc pops at the queue front; free pushes to the back unless the
// block should be evicted first. It is driven only from the decoder
// thread and is not internally synchronized.
type BlockManager struct {
	stream *ml.Stream

	tokensPerBlock int
	onboardBlocks  bool

	freePrimary   *list.List
	freeSecondary *list.List

	allBlocks []*Block

	primary   *ml.Pool
	secondary *ml.Pool

	// dummy root anchoring prefix-tree searches
	root *Block

	// free-block forecast maintained during scheduling dry runs
	schedulingNumFreeBlocks int

	allocTotalBlocks int
	allocNewBlocks   int
	reusedBlocks     int
}

func NewBlockManager(cfg Config, stream *ml.Stream) *BlockManager {
	m := &BlockManager{
		stream:         stream,
		tokensPerBlock: cfg.TokensPerBlock,
		onboardBlocks:  cfg.OnboardBlocks,
		freePrimary:    list.New(),
		freeSecondary:  list.New(),
		primary:        ml.NewPool(0, cfg.DType, cfg.BlocksInPrimaryPool, cfg.NumKvHeads, cfg.TokensPerBlock, cfg.SizePerHead),
		root:           newBlock(-1, -1, true),
	}

	if cfg.BlocksInSecondaryPool > 0 {
		m.secondary = ml.NewPool(1, cfg.DType, cfg.BlocksInSecondaryPool, cfg.NumKvHeads, cfg.TokensPerBlock, cfg.SizePerHead)
	}

	for i := range cfg.BlocksInPrimaryPool {
		b := newBlock(i, i, true)
		m.allBlocks = append(m.allBlocks, b)
		m.pushFree(b, false)
	}
	for i := range cfg.BlocksInSecondaryPool {
		b := newBlock(cfg.BlocksInPrimaryPool+i, i, false)
		m.allBlocks = append(m.allBlocks, b)
		m.pushFree(b, false)
	}

	return m
}

func (m *BlockManager) TokensPerBlock() int { return m.tokensPerBlock }

func (m *BlockManager) GetMaxNumBlocks() int { return len(m.allBlocks) }

func (m *BlockManager) GetNumFreeBlocks() int { return m.freePrimary.Len() }

func (m *BlockManager) GetNumAllocatedBlocks() int {
	return m.GetMaxNumBlocks() - m.GetNumFreeBlocks() - m.freeSecondary.Len()
}

func (m *BlockManager) HasFreeBlocks(numRequired int) bool {
	return m.GetNumFreeBlocks() >= numRequired
}

func (m *BlockManager) GetNumReusedBlocks() int { return m.reusedBlocks }

func (m *BlockManager) GetAllocTotalBlocks() int { return m.allocTotalBlocks }

func (m *BlockManager) GetAllocNewBlocks() int { return m.allocNewBlocks }

// BlockSize is the number of elements in one field of one block:
// numKvHeads * tokensPerBlock * sizePerHead.
func (m *BlockManager) BlockSize() int { return m.primary.FieldSize() }

func (m *BlockManager) PrimaryPool() *ml.Pool { return m.primary }

func (m *BlockManager) blockByID(id int32) *Block { return m.allBlocks[id] }

// free queue maintenance. refCount == 0 iff the block sits in a queue.

func (m *BlockManager) queueFor(b *Block) *list.List {
	if b.primary {
		return m.freePrimary
	}
	return m.freeSecondary
}

func (m *BlockManager) pushFree(b *Block, toFront bool) {
	if b.freeElem != nil {
		panic(fmt.Errorf("kvcache: block %d already in a free queue", b.idx))
	}
	q := m.queueFor(b)
	if toFront {
		b.freeElem = q.PushFront(b)
	} else {
		b.freeElem = q.PushBack(b)
	}
	b.freeQueue = q
}

// claimBlock removes a block from its free queue while keeping any prefix
// tree links. Used when a cached block is matched for reuse.
func (m *BlockManager) claimBlock(b *Block) {
	if b.freeElem == nil {
		panic(fmt.Errorf("kvcache: claiming block %d which is not free", b.idx))
	}
	b.freeQueue.Remove(b.freeElem)
	b.freeElem = nil
	b.freeQueue = nil
}

// claimLeafBlock claims a free leaf and unlinks it from the prefix tree;
// its previous contents are no longer reachable for reuse.
func (m *BlockManager) claimLeafBlock(b *Block) {
	b.detach()
	m.claimBlock(b)
	b.setTokens(nil, false)
}

// findFreeLeaf scans a free queue front to back for the first block
// without prefix-tree descendants. Ties between equally good victims go
// to the block released earlier.
func (m *BlockManager) findFreeLeaf(q *list.List) *Block {
	for e := q.Front(); e != nil; e = e.Next() {
		if b := e.Value.(*Block); b.isLeaf() {
			return b
		}
	}
	return nil
}

// getFreeBlock returns the block least likely to be reused next, evicting
// it from the prefix tree. Primary memory is preferred; a free secondary
// block is used once the primary tier is exhausted.
func (m *BlockManager) getFreeBlock() (*Block, error) {
	for _, q := range []*list.List{m.freePrimary, m.freeSecondary} {
		if q.Len() == 0 {
			continue
		}
		b := q.Front().Value.(*Block)
		if !b.isLeaf() {
			b = m.findFreeLeaf(q)
		}
		if b == nil {
			continue
		}
		m.allocTotalBlocks++
		if len(b.tokens) > 0 {
			logutil.Trace("evicting cached block", "block", b.idx, "primary", b.primary)
		} else {
			m.allocNewBlocks++
		}
		m.claimLeafBlock(b)
		return b, nil
	}
	return nil, ErrOutOfCache
}

// onboardBlock brings an offloaded block into primary memory by copying
// its contents into a just-vacated primary slot and swapping offsets with
// the donor. No-op if the block is already primary, onboarding is
// disabled, or no primary block can be freed.
func (m *BlockManager) onboardBlock(b *Block) {
	if b.primary || !m.onboardBlocks {
		return
	}
	if m.freePrimary.Len() == 0 {
		return
	}

	donor := m.findFreeLeaf(m.freePrimary)
	if donor == nil {
		return
	}
	m.claimLeafBlock(donor)

	dstOffset := donor.poolOffset
	srcOffset := b.poolOffset
	m.stream.Launch(func() error {
		ml.CopyBlock(m.primary, dstOffset, m.secondary, srcOffset)
		return nil
	})
	b.swapPoolOffset(donor)
	logutil.Trace("onboarded block", "block", b.idx, "donor", donor.idx)

	// the donor now backs the vacated secondary slot
	m.pushFree(donor, false)
}

// releaseBlock drops one reference; at zero the block returns to its free
// queue, at the front when it should be evicted first.
func (m *BlockManager) releaseBlock(b *Block, toFront bool) {
	b.decRef()
	if !b.hasRefs() {
		m.pushFree(b, toFront)
	}
}

func (m *BlockManager) addBlockToBeam(b *Block, seq *GenerationRequest, beamIdx int) {
	b.incRef()
	seq.addCacheBlock(beamIdx, int32(b.idx))
}

// AllocateBlock appends one fresh block to every beam of the sequence, or
// a single block shared by all beams.
func (m *BlockManager) AllocateBlock(seq *GenerationRequest, shareAmongBeams bool) error {
	if shareAmongBeams {
		b, err := m.getFreeBlock()
		if err != nil {
			return err
		}
		for beam := range seq.beamWidth {
			m.addBlockToBeam(b, seq, beam)
		}
		return nil
	}

	for beam := range seq.beamWidth {
		b, err := m.getFreeBlock()
		if err != nil {
			return err
		}
		m.addBlockToBeam(b, seq, beam)
	}
	return nil
}

// AddSequence assigns numBlocks context blocks to the sequence, shared
// among beams except for the block at unsharedBlockIdx, which each beam
// gets privately as the fork point for beam search.
func (m *BlockManager) AddSequence(seq *GenerationRequest, numBlocks, unsharedBlockIdx int) error {
	for i := range numBlocks {
		if err := m.AllocateBlock(seq, i != unsharedBlockIdx); err != nil {
			return err
		}
	}
	return nil
}

// AddSequenceWithReuse assigns context blocks for the prompt, reusing
// cached blocks for every leading full-block token window found in the
// prefix tree. Fresh full blocks are inserted into the tree as they are
// allocated so that concurrent requests with the same prompt can share
// them. Returns the number of prepopulated tokens.
func (m *BlockManager) AddSequenceWithReuse(seq *GenerationRequest, promptTokens []int32) (int, error) {
	if seq.beamWidth != 1 {
		panic(fmt.Errorf("kvcache: block reuse requires beam width 1, got %d", seq.beamWidth))
	}

	matched := 0
	matching := true
	parent := m.root

	for start := 0; start < len(promptTokens); start += m.tokensPerBlock {
		end := min(start+m.tokensPerBlock, len(promptTokens))
		window := promptTokens[start:end]
		full := len(window) == m.tokensPerBlock

		if matching && full {
			if match := parent.findMatchingChild(window); match != nil {
				m.onboardBlock(match)
				if !match.hasRefs() {
					m.claimBlock(match)
				}
				m.addBlockToBeam(match, seq, 0)
				m.reusedBlocks++
				matched += len(window)
				parent = match
				continue
			}
			matching = false
		}

		b, err := m.getFreeBlock()
		if err != nil {
			return matched, err
		}
		b.setTokens(slices.Clone(window), full)
		if full && parent != nil {
			parent.addChild(b)
			parent = b
		} else {
			parent = nil
		}
		m.addBlockToBeam(b, seq, 0)
	}

	seq.numPrepopulatedTokens[0] = matched
	return matched, nil
}

// storeBlocks inserts a released sequence's full blocks into the prefix
// tree, keyed by their token windows. When a child with the same key
// already exists the existing block is kept and the duplicate stays a
// plain free block.
func (m *BlockManager) storeBlocks(blockedTokens [][]int32, blockIDs []int32) {
	parent := m.root
	for i, window := range blockedTokens {
		if i >= len(blockIDs) || len(window) != m.tokensPerBlock {
			break
		}
		b := m.blockByID(blockIDs[i])
		if existing := parent.findMatchingChild(window); existing != nil {
			if existing != b {
				// duplicate chain: keep the established block
				parent = existing
				continue
			}
			parent = b
			continue
		}
		b.setTokens(slices.Clone(window), true)
		parent.addChild(b)
		parent = b
	}
}

// ReleaseBlocks returns all of the sequence's blocks. With reuse enabled
// and the sequence's token history provided, full blocks are stored in
// the prefix tree before release so later requests can match them.
func (m *BlockManager) ReleaseBlocks(seq *GenerationRequest, tokens []int32) {
	if tokens != nil && seq.beamWidth == 1 {
		var windows [][]int32
		for start := 0; start+m.tokensPerBlock <= len(tokens); start += m.tokensPerBlock {
			windows = append(windows, tokens[start:start+m.tokensPerBlock])
		}
		m.storeBlocks(windows, seq.cacheBlockIDs[0])
	}

	for beam := range seq.beamWidth {
		for _, id := range seq.cacheBlockIDs[beam] {
			b := m.blockByID(id)
			// blocks without a token key can never be reused: evict first
			m.releaseBlock(b, len(b.tokens) == 0)
		}
	}
	seq.clearCacheBlocks()
}

// ReleaseLastBlock drops the tail block of every beam, queueing it at the
// evict-first end since its contents were just rolled back.
func (m *BlockManager) ReleaseLastBlock(seq *GenerationRequest) {
	for beam := range seq.beamWidth {
		ids := seq.cacheBlockIDs[beam]
		if len(ids) == 0 {
			panic(fmt.Errorf("kvcache: releasing last block of sequence %d with no blocks", seq.seqSlotIdx))
		}
		m.releaseBlock(m.blockByID(ids[len(ids)-1]), true)
	}
	seq.removeLastBlock()
}

// ReplaceSharedBlock forks the shared block at the given position into a
// private copy per beam when beams diverge. Contents are copied on the
// stream.
func (m *BlockManager) ReplaceSharedBlock(seq *GenerationRequest, blockIdx int) error {
	shared := m.blockByID(seq.cacheBlockIDs[0][blockIdx])

	for beam := range seq.beamWidth {
		fresh, err := m.getFreeBlock()
		if err != nil {
			return err
		}

		srcOffset, dstOffset := shared.poolOffset, fresh.poolOffset
		srcPool, dstPool := m.poolOf(shared), m.poolOf(fresh)
		m.stream.Launch(func() error {
			ml.CopyBlock(dstPool, dstOffset, srcPool, srcOffset)
			return nil
		})

		fresh.incRef()
		seq.changeCacheBlock(beam, blockIdx, int32(fresh.idx))
		m.releaseBlock(shared, false)
	}
	return nil
}

func (m *BlockManager) poolOf(b *Block) *ml.Pool {
	if b.primary {
		return m.primary
	}
	return m.secondary
}

// Handle returns the published address of one field (K=0, V=1) of a block.
func (m *BlockManager) Handle(b *Block, field int) int64 {
	return m.poolOf(b).Handle(b.poolOffset, field)
}

// StartScheduling snapshots reference counts so the external scheduler can
// forecast capacity with SchedulingReleaseBlocks without touching real
// state.
func (m *BlockManager) StartScheduling() {
	m.schedulingNumFreeBlocks = m.GetNumFreeBlocks()
	for _, b := range m.allBlocks {
		b.schedulingRefCount = b.refCount
	}
}

// SchedulingReleaseBlocks simulates freeing the sequence's blocks,
// updating only the scheduling forecast.
func (m *BlockManager) SchedulingReleaseBlocks(seq *GenerationRequest) {
	for beam := range seq.beamWidth {
		for _, id := range seq.cacheBlockIDs[beam] {
			b := m.blockByID(id)
			b.decSchedulingRef()
			if b.schedulingRefCount == 0 {
				m.schedulingNumFreeBlocks++
			}
		}
	}
}

func (m *BlockManager) SchedulingHasFreeBlocks(numRequired int) bool {
	return m.schedulingNumFreeBlocks >= numRequired
}
