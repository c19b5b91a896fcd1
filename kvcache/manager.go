package kvcache

import (
	"fmt"

	"github.com/skiffml/skiff/logutil"
	"github.com/skiffml/skiff/ml"
)

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	MaxNumBlocks   int
	FreeNumBlocks  int
	UsedNumBlocks  int
	TokensPerBlock int
	ReusedBlocks   int
}

// Manager wraps the BlockManager with per-sequence lifecycle and the
// block-pointer table consumed by attention kernels. One Manager serves
// one decoder; it is driven only from the decoder thread.
type Manager struct {
	cfg Config

	blockManager *BlockManager

	// sequences by slot; nil entries are free slots
	sequences []*GenerationRequest

	maxBlocksPerSeq int

	// sink geometry. The bubble pads the sink tokens up to a full block;
	// when sinkTokenLength is already block-aligned the bubble is zero.
	sinkBubbleLength     int
	sinkBlockTokenLength int

	// token capacity per sequence before writes wrap
	maxTokenNum int

	// published pointers, laid out [slot, beam, 2, maxBlocksPerSeq]
	pointerTable []int64
}

func NewManager(cfg Config, stream *ml.Stream) *Manager {
	if cfg.TokensPerBlock <= 0 {
		panic(fmt.Errorf("kvcache: tokens per block must be positive, got %d", cfg.TokensPerBlock))
	}

	sinkBubble := roundUp(cfg.SinkTokenLength, cfg.TokensPerBlock) - cfg.SinkTokenLength
	sinkBlockTokens := cfg.SinkTokenLength + sinkBubble

	maxTokenNum := cfg.MaxAttentionWindow + sinkBlockTokens
	if cfg.MaxAttentionWindow <= 0 {
		// no sliding window: bound only by pool capacity
		maxTokenNum = cfg.BlocksInPrimaryPool * cfg.TokensPerBlock
	}

	m := &Manager{
		cfg:                  cfg,
		blockManager:         NewBlockManager(cfg, stream),
		sequences:            make([]*GenerationRequest, cfg.MaxSequences),
		maxBlocksPerSeq:      ceilDiv(maxTokenNum, cfg.TokensPerBlock),
		sinkBubbleLength:     sinkBubble,
		sinkBlockTokenLength: sinkBlockTokens,
		maxTokenNum:          maxTokenNum,
	}
	m.pointerTable = make([]int64, cfg.MaxSequences*cfg.MaxBeamWidth*ml.FieldsPerBlock*m.maxBlocksPerSeq)
	return m
}

func roundUp(n, pad int) int { return ceilDiv(n, pad) * pad }
func ceilDiv(a, b int) int   { return (a + b - 1) / b }

func (m *Manager) TokensPerBlock() int   { return m.cfg.TokensPerBlock }
func (m *Manager) MaxBlocksPerSeq() int  { return m.maxBlocksPerSeq }
func (m *Manager) MaxTokenNum() int      { return m.maxTokenNum }
func (m *Manager) SinkBubbleLength() int { return m.sinkBubbleLength }

func (m *Manager) BlockManager() *BlockManager { return m.blockManager }

func (m *Manager) GetNumFreeBlocks() int { return m.blockManager.GetNumFreeBlocks() }
func (m *Manager) GetMaxNumBlocks() int  { return m.blockManager.GetMaxNumBlocks() }

func (m *Manager) EnableBlockReuse() bool { return m.cfg.EnableBlockReuse }

func (m *Manager) GetStats() Stats {
	return Stats{
		MaxNumBlocks:   m.blockManager.GetMaxNumBlocks(),
		FreeNumBlocks:  m.blockManager.GetNumFreeBlocks(),
		UsedNumBlocks:  m.blockManager.GetNumAllocatedBlocks(),
		TokensPerBlock: m.cfg.TokensPerBlock,
		ReusedBlocks:   m.blockManager.GetNumReusedBlocks(),
	}
}

func (m *Manager) sequence(slot int) *GenerationRequest {
	if slot < 0 || slot >= len(m.sequences) {
		panic(fmt.Errorf("kvcache: %w: slot %d of %d", ErrMaxBatchExceeded, slot, len(m.sequences)))
	}
	seq := m.sequences[slot]
	if seq == nil {
		panic(fmt.Errorf("kvcache: no sequence at slot %d", slot))
	}
	return seq
}

// neededBlocks computes the block count backing a sequence of numTokens
// tokens: the sink bubble pads the front, and the cyclic cache caps the
// footprint once the attention window is exceeded.
func (m *Manager) neededBlocks(numTokens int) int {
	padded := min(numTokens+m.sinkBubbleLength, m.maxTokenNum)
	return ceilDiv(padded, m.cfg.TokensPerBlock)
}

// AddSequence admits a sequence at the given slot. promptTokens is only
// consulted for prefix reuse and may be nil.
func (m *Manager) AddSequence(slot, inputLength, beamWidth int, promptTokens []int32) error {
	if slot < 0 || slot >= len(m.sequences) {
		return fmt.Errorf("%w: slot %d of %d", ErrMaxBatchExceeded, slot, len(m.sequences))
	}
	if m.sequences[slot] != nil {
		return fmt.Errorf("kvcache: slot %d already occupied", slot)
	}
	if beamWidth < 1 || beamWidth > m.cfg.MaxBeamWidth {
		return fmt.Errorf("kvcache: beam width %d outside [1, %d]", beamWidth, m.cfg.MaxBeamWidth)
	}

	seq := newGenerationRequest(slot, inputLength, beamWidth)
	numContextBlocks := m.neededBlocks(inputLength)

	var err error
	if m.cfg.EnableBlockReuse && beamWidth == 1 && promptTokens != nil && inputLength+m.sinkBubbleLength <= m.maxTokenNum {
		_, err = m.blockManager.AddSequenceWithReuse(seq, promptTokens[:min(len(promptTokens), inputLength)])
	} else {
		// the final context block is the beam fork point and stays private
		err = m.blockManager.AddSequence(seq, numContextBlocks, numContextBlocks-1)
	}
	if err != nil {
		m.blockManager.ReleaseBlocks(seq, nil)
		return err
	}

	m.sequences[slot] = seq
	m.refreshPointers(seq)
	logutil.Trace("added sequence", "slot", slot, "inputLength", inputLength, "beamWidth", beamWidth,
		"prepopulated", seq.numPrepopulatedTokens[0])
	return nil
}

// GetNumPrepopulatedTokens reports how many tokens of a beam were already
// cached when the sequence was admitted.
func (m *Manager) GetNumPrepopulatedTokens(slot, beamIdx int) int {
	prepopulated := m.sequence(slot).numPrepopulatedTokens
	if beamIdx >= len(prepopulated) {
		return 0
	}
	return prepopulated[beamIdx]
}

// AddToken advances the sequence by one token, growing the block lists
// when the write position crosses into an unallocated block. In the
// cyclic regime no new blocks are needed: writes wrap over the allocated
// ring while the sink prefix stays untouched.
func (m *Manager) AddToken(slot int) error {
	seq := m.sequence(slot)
	seq.addNewTokens(1)
	return m.ensureBlocks(seq)
}

// AddContextTokens bulk-advances a sequence during the context phase.
func (m *Manager) AddContextTokens(slot, numTokens int) error {
	seq := m.sequence(slot)
	seq.addNewTokens(numTokens)
	return m.ensureBlocks(seq)
}

func (m *Manager) ensureBlocks(seq *GenerationRequest) error {
	needed := m.neededBlocks(seq.numTokens)
	for len(seq.cacheBlockIDs[0]) < needed {
		if err := m.blockManager.AllocateBlock(seq, false); err != nil {
			return err
		}
	}
	m.refreshPointers(seq)
	return nil
}

// RemoveToken rolls the sequence back one token, releasing the tail block
// when it empties.
func (m *Manager) RemoveToken(slot int) {
	seq := m.sequence(slot)
	if seq.numTokens == 0 {
		panic(fmt.Errorf("kvcache: removing token from empty sequence at slot %d", slot))
	}
	seq.removeTokens(1)
	if seq.numTokens+m.sinkBubbleLength > m.maxTokenNum {
		// still in the cyclic regime: the ring footprint is unchanged
		return
	}
	for len(seq.cacheBlockIDs[0]) > m.neededBlocks(seq.numTokens) {
		m.blockManager.ReleaseLastBlock(seq)
	}
	m.refreshPointers(seq)
}

// RewindKVCache rolls back n tokens of a slot, the speculative-decoding
// recovery path after rejected draft tokens.
func (m *Manager) RewindKVCache(slot, n int) {
	for range n {
		m.RemoveToken(slot)
	}
}

// RemoveSequence releases the slot. With reuse enabled and the sequence's
// token history provided, full blocks are stored for reuse first.
func (m *Manager) RemoveSequence(slot int, tokens []int32) {
	seq := m.sequence(slot)
	if !m.cfg.EnableBlockReuse {
		tokens = nil
	}
	m.blockManager.ReleaseBlocks(seq, tokens)
	m.sequences[slot] = nil
	m.clearPointers(slot)
	logutil.Trace("removed sequence", "slot", slot)
}

// SchedulingRemoveSequence simulates removing a sequence for capacity
// forecasting; real state is untouched.
func (m *Manager) SchedulingRemoveSequence(slot int) {
	m.blockManager.SchedulingReleaseBlocks(m.sequence(slot))
}

func (m *Manager) StartScheduling() {
	m.blockManager.StartScheduling()
}

// GetNeededBlocksOneStep forecasts how many fresh blocks advancing the
// slot by one (or two) tokens would allocate given current tail occupancy
// and beam width.
func (m *Manager) GetNeededBlocksOneStep(slot int, twoStepsLookAhead bool) int {
	seq := m.sequence(slot)
	steps := 1
	if twoStepsLookAhead {
		steps = 2
	}
	delta := m.neededBlocks(seq.numTokens+steps) - len(seq.cacheBlockIDs[0])
	if delta <= 0 {
		return 0
	}
	return delta * seq.beamWidth
}

// GetNeededBlocksToCompletion forecasts the total fresh blocks a request
// needs to run to its token budget. Used at admission time.
func (m *Manager) GetNeededBlocksToCompletion(promptLength, maxNewTokens, beamWidth int) int {
	return m.neededBlocks(promptLength+maxNewTokens) * beamWidth
}

// pointer table maintenance

func (m *Manager) tableIndex(slot, beam, field, blockPos int) int {
	return ((slot*m.cfg.MaxBeamWidth+beam)*ml.FieldsPerBlock+field)*m.maxBlocksPerSeq + blockPos
}

func (m *Manager) refreshPointers(seq *GenerationRequest) {
	for beam := range seq.beamWidth {
		for pos, id := range seq.cacheBlockIDs[beam] {
			b := m.blockManager.blockByID(id)
			for field := range ml.FieldsPerBlock {
				m.pointerTable[m.tableIndex(seq.seqSlotIdx, beam, field, pos)] = m.blockManager.Handle(b, field)
			}
		}
	}
}

func (m *Manager) clearPointers(slot int) {
	for beam := range m.cfg.MaxBeamWidth {
		for field := range ml.FieldsPerBlock {
			base := m.tableIndex(slot, beam, field, 0)
			for pos := range m.maxBlocksPerSeq {
				m.pointerTable[base+pos] = 0
			}
		}
	}
}

// CopyBlockPointers publishes the slot's current block pointers into dst
// at dstOffset, laid out [beam, 2, maxBlocksPerSeq], and returns the
// maximum block count over the written beams.
func (m *Manager) CopyBlockPointers(dst []int64, dstOffset, slot, beamWidth int) int {
	seq := m.sequence(slot)
	maxBlocks := 0
	for beam := range beamWidth {
		var ids []int32
		if beam < seq.beamWidth {
			ids = seq.cacheBlockIDs[beam]
		}
		maxBlocks = max(maxBlocks, len(ids))
		for field := range ml.FieldsPerBlock {
			base := dstOffset + (beam*ml.FieldsPerBlock+field)*m.maxBlocksPerSeq
			for pos, id := range ids {
				dst[base+pos] = m.blockManager.Handle(m.blockManager.blockByID(id), field)
			}
		}
	}
	return maxBlocks
}

// GetBlockPointersOfBatch publishes pointers for a contiguous range of
// slots, the batch-wide variant of CopyBlockPointers.
func (m *Manager) GetBlockPointersOfBatch(dst []int64, firstSlot, batchSize, beamWidth int) {
	stride := beamWidth * ml.FieldsPerBlock * m.maxBlocksPerSeq
	for i := range batchSize {
		m.CopyBlockPointers(dst, i*stride, firstSlot+i, beamWidth)
	}
}

// ReplaceSharedBlock forks a context block shared among beams when beam
// search diverges past it.
func (m *Manager) ReplaceSharedBlock(slot, blockIdx int) error {
	seq := m.sequence(slot)
	if err := m.blockManager.ReplaceSharedBlock(seq, blockIdx); err != nil {
		return err
	}
	m.refreshPointers(seq)
	return nil
}
