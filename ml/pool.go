package ml

import "fmt"

// Pool is a slab of fixed-size KV blocks. A block holds the K and V fields
// for tokensPerBlock tokens of all heads of one layer; layers share the
// pool's metadata. Block contents are addressed by block offset, and
// handles published to attention are stable integers derived from the
// pool id and element offset.
type Pool struct {
	id        int
	dtype     DType
	numBlocks int
	// elements in one field (K or V) of one block:
	// numKvHeads * tokensPerBlock * sizePerHead
	fieldSize int

	f32 []float32
	f16 []uint16
}

const FieldsPerBlock = 2 // K and V

func NewPool(id int, dtype DType, numBlocks, numKvHeads, tokensPerBlock, sizePerHead int) *Pool {
	p := &Pool{
		id:        id,
		dtype:     dtype,
		numBlocks: numBlocks,
		fieldSize: numKvHeads * tokensPerBlock * sizePerHead,
	}
	n := numBlocks * FieldsPerBlock * p.fieldSize
	switch dtype {
	case DTypeF16:
		p.f16 = make([]uint16, n)
	default:
		p.f32 = make([]float32, n)
	}
	return p
}

func (p *Pool) NumBlocks() int { return p.numBlocks }
func (p *Pool) DType() DType   { return p.dtype }

// FieldSize is the number of elements in one K or V field of a block.
func (p *Pool) FieldSize() int { return p.fieldSize }

// Handle returns the stable address of one field of a block, suitable for
// publishing into the block-pointer table consumed by attention.
func (p *Pool) Handle(blockOffset, field int) int64 {
	if blockOffset < 0 || blockOffset >= p.numBlocks {
		panic(fmt.Errorf("pool %d: block offset %d out of range [0, %d)", p.id, blockOffset, p.numBlocks))
	}
	elem := (blockOffset*FieldsPerBlock + field) * p.fieldSize
	return int64(p.id)<<48 | int64(elem)
}

func (p *Pool) blockRange(blockOffset int) (int, int) {
	start := blockOffset * FieldsPerBlock * p.fieldSize
	return start, start + FieldsPerBlock*p.fieldSize
}

// CopyBlock copies the contents of one block between pools, converting
// dtype if the pools differ. It is the transfer behind onboarding and
// beam forking.
func CopyBlock(dst *Pool, dstOffset int, src *Pool, srcOffset int) {
	ds, de := dst.blockRange(dstOffset)
	ss, se := src.blockRange(srcOffset)

	switch {
	case dst.dtype == DTypeF32 && src.dtype == DTypeF32:
		copy(dst.f32[ds:de], src.f32[ss:se])
	case dst.dtype == DTypeF16 && src.dtype == DTypeF16:
		copy(dst.f16[ds:de], src.f16[ss:se])
	case dst.dtype == DTypeF32 && src.dtype == DTypeF16:
		F16ToF32(src.f16[ss:se], dst.f32[ds:de])
	default:
		F32ToF16(src.f32[ss:se], dst.f16[ds:de])
	}
}

// BlockF32 exposes a block's contents as float32 for tests and host-side
// kernels. F16 pools are widened into a fresh slice.
func (p *Pool) BlockF32(blockOffset int) []float32 {
	s, e := p.blockRange(blockOffset)
	if p.dtype == DTypeF16 {
		return F16ToF32(p.f16[s:e], nil)
	}
	return p.f32[s:e]
}

// SetBlockF32 fills a block's contents, narrowing for F16 pools.
func (p *Pool) SetBlockF32(blockOffset int, values []float32) {
	s, e := p.blockRange(blockOffset)
	if len(values) != e-s {
		panic(fmt.Errorf("pool %d: got %d values for block of %d", p.id, len(values), e-s))
	}
	if p.dtype == DTypeF16 {
		F32ToF16(values, p.f16[s:e])
		return
	}
	copy(p.f32[s:e], values)
}
