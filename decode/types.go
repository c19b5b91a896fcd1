// Package decode implements the batched decoding pipeline: penalty
// application, sampling, beam search with candidate-beam bookkeeping,
// stop criteria and speculative-decoding acceptance, composed into a
// per-mode layer chain behind a Decoder façade.
package decode

import (
	"errors"
	"fmt"

	"github.com/skiffml/skiff/ml"
)

var (
	// ErrInvalidArgument covers shape and configuration mismatches caught
	// at Setup or on the first Forward.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported is returned when a mode or dtype combination has no
	// kernel on this build.
	ErrUnsupported = errors.New("unsupported configuration")
)

// DecoderDomain fixes the decoder's maximum extents. Immutable after
// construction.
type DecoderDomain struct {
	MaxBatch          int
	MaxBeam           int
	VocabSize         int
	VocabSizePadded   int
	MaxDecodingTokens int
}

func (d DecoderDomain) validate() error {
	if d.MaxBatch <= 0 || d.MaxBeam <= 0 || d.VocabSize <= 0 {
		return fmt.Errorf("%w: domain %+v", ErrInvalidArgument, d)
	}
	if d.VocabSizePadded < d.VocabSize {
		return fmt.Errorf("%w: padded vocab %d below vocab %d", ErrInvalidArgument, d.VocabSizePadded, d.VocabSize)
	}
	return nil
}

// DecodingMode selects the layer chain built for a decoder.
type DecodingMode int

const (
	ModeAuto DecodingMode = iota
	ModeTopKTopP
	ModeTopK
	ModeTopP
	ModeMinP
	ModeBeamSearch
	ModeMedusa
	ModeEagle
	ModeExplicit
)

func (m DecodingMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeTopKTopP:
		return "topKtopP"
	case ModeTopK:
		return "topK"
	case ModeTopP:
		return "topP"
	case ModeMinP:
		return "minP"
	case ModeBeamSearch:
		return "beamSearch"
	case ModeMedusa:
		return "medusa"
	case ModeEagle:
		return "eagle"
	case ModeExplicit:
		return "explicit"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m DecodingMode) isBeamSearch() bool { return m == ModeBeamSearch }

func (m DecodingMode) usesDraftTokens() bool {
	return m == ModeMedusa || m == ModeEagle || m == ModeExplicit
}

// FinishState is a per-beam bitmask of terminal conditions. Terminal
// states are sticky until the sequence is removed.
type FinishState uint8

const (
	FinishedEOS FinishState = 1 << iota
	FinishedStopWords
	FinishedMaxLength
)

func (f FinishState) IsFinished() bool { return f != 0 }

func (f FinishState) String() string {
	switch {
	case f&FinishedEOS != 0:
		return "eos"
	case f&FinishedStopWords != 0:
		return "stopWords"
	case f&FinishedMaxLength != 0:
		return "maxLength"
	}
	return "running"
}

// Logits is a row-major matrix of model outputs in float32 or half
// precision. Half rows are widened on access.
type Logits struct {
	dtype ml.DType
	f32   []float32
	f16   []uint16
	rows  int
	cols  int
}

func NewLogits(rows, cols int, data []float32) *Logits {
	if len(data) != rows*cols {
		panic(fmt.Errorf("decode: logits length %d does not match %dx%d", len(data), rows, cols))
	}
	return &Logits{dtype: ml.DTypeF32, f32: data, rows: rows, cols: cols}
}

func NewLogitsF16(rows, cols int, bits []uint16) *Logits {
	if len(bits) != rows*cols {
		panic(fmt.Errorf("decode: logits length %d does not match %dx%d", len(bits), rows, cols))
	}
	return &Logits{dtype: ml.DTypeF16, f16: bits, rows: rows, cols: cols}
}

func (l *Logits) Rows() int       { return l.rows }
func (l *Logits) Cols() int       { return l.cols }
func (l *Logits) DType() ml.DType { return l.dtype }

// Row returns row r as float32. F16 rows are widened into a fresh slice;
// F32 rows alias the underlying data and must not be modified.
func (l *Logits) Row(r int) []float32 {
	if r < 0 || r >= l.rows {
		panic(fmt.Errorf("decode: logits row %d of %d", r, l.rows))
	}
	if l.dtype == ml.DTypeF16 {
		return ml.F16ToF32(l.f16[r*l.cols:(r+1)*l.cols], nil)
	}
	return l.f32[r*l.cols : (r+1)*l.cols]
}

// WordLists carries per-slot ragged token sequences for bad-words masking
// and stop-words matching.
type WordLists struct {
	// Words[slot] lists token sequences for that slot
	Words [][][]int32
}

func (w *WordLists) forSlot(slot int32) [][]int32 {
	if w == nil || int(slot) >= len(w.Words) {
		return nil
	}
	return w.Words[slot]
}

// Input is the per-step view of the batch handed to the pipeline. One
// Input lives for exactly one step.
type Input struct {
	Step      int
	MaxLength int
	BatchSize int

	// dense layout parameters for Logits indexing
	BeamWidth         int
	MaxDecodingTokens int

	// EndIDs and the other per-slot vectors are indexed by batch slot,
	// not dense index.
	EndIDs              []int32
	SequenceLimitLength []int32
	InputLengths        []int32

	// Logits is the dense tensor [batch, maxDecodingTokens, beam,
	// vocabPadded]; LogitsVec replaces it with one tensor per dense index
	// when contiguity is infeasible.
	Logits    *Logits
	LogitsVec []*Logits

	// BatchSlots remaps dense indices into the sparse slot space.
	BatchSlots []int32

	EmbeddingBias []float32

	BadWords  *WordLists
	StopWords *WordLists

	// CacheIndirection is the beam-tied cache indexing read side,
	// [maxBatch][beam][maxLen].
	CacheIndirection [][][]int32

	// transformed logits installed by the penalty layer, keyed by
	// (dense*maxDecodingTokens+tok)*beamWidth+beam
	runtime [][]float32
}

func (in *Input) slot(dense int) int32 {
	if in.BatchSlots == nil {
		return int32(dense)
	}
	return in.BatchSlots[dense]
}

// logitsFor resolves the working logits row for a dense index and beam,
// preferring the penalty layer's output buffer.
func (in *Input) logitsFor(dense, tok, beam int) []float32 {
	if in.runtime != nil {
		if row := in.runtime[(dense*in.MaxDecodingTokens+tok)*in.BeamWidth+beam]; row != nil {
			return row
		}
	}
	if in.LogitsVec != nil {
		return in.LogitsVec[dense].Row(tok*in.BeamWidth + beam)
	}
	return in.Logits.Row((dense*in.MaxDecodingTokens+tok)*in.BeamWidth + beam)
}

func (in *Input) setRuntimeLogits(dense, tok, beam int, row []float32) {
	if in.runtime == nil {
		in.runtime = make([][]float32, in.BatchSize*in.MaxDecodingTokens*in.BeamWidth)
	}
	in.runtime[(dense*in.MaxDecodingTokens+tok)*in.BeamWidth+beam] = row
}

// Output is the caller-owned decoding state mutated in place each step.
type Output struct {
	// IDs[slot][beam][pos]; prompt tokens occupy the leading positions
	IDs [][][]int32

	// NewTokens[tokenIdx][slot][beam], tokens produced this step
	NewTokens [][][]int32

	CumLogProbs [][]float32 // [slot][beam]

	// ParentIDs[slot][beam][pos] holds the parent beam valid at pos-1
	ParentIDs [][][]int32

	Finished [][]FinishState // [slot][beam]

	// FinishedSum mirrors per-slot finished beam counts; valid on the
	// host only after a synchronize.
	FinishedSum []int32

	SequenceLengths [][]int32 // [slot][beam]

	// LogProbs[slot][beam][pos] of each generated token
	LogProbs [][][]float32

	BeamHypotheses []*BeamHypotheses // [slot], beam search only

	// CacheIndirection is the write side of beam-tied cache indexing.
	CacheIndirection [][][]int32
}

// NewOutput allocates decoding state for the domain with every slot idle.
func NewOutput(domain DecoderDomain, maxSeqLen int) *Output {
	out := &Output{
		NewTokens:        make([][][]int32, domain.MaxDecodingTokens),
		CumLogProbs:      make([][]float32, domain.MaxBatch),
		Finished:         make([][]FinishState, domain.MaxBatch),
		FinishedSum:      make([]int32, domain.MaxBatch),
		SequenceLengths:  make([][]int32, domain.MaxBatch),
		IDs:              make([][][]int32, domain.MaxBatch),
		ParentIDs:        make([][][]int32, domain.MaxBatch),
		LogProbs:         make([][][]float32, domain.MaxBatch),
		BeamHypotheses:   make([]*BeamHypotheses, domain.MaxBatch),
		CacheIndirection: make([][][]int32, domain.MaxBatch),
	}
	for t := range out.NewTokens {
		out.NewTokens[t] = make([][]int32, domain.MaxBatch)
		for s := range out.NewTokens[t] {
			out.NewTokens[t][s] = make([]int32, domain.MaxBeam)
		}
	}
	for s := range out.IDs {
		out.CumLogProbs[s] = make([]float32, domain.MaxBeam)
		out.Finished[s] = make([]FinishState, domain.MaxBeam)
		out.SequenceLengths[s] = make([]int32, domain.MaxBeam)
		out.IDs[s] = make([][]int32, domain.MaxBeam)
		out.ParentIDs[s] = make([][]int32, domain.MaxBeam)
		out.LogProbs[s] = make([][]float32, domain.MaxBeam)
		out.CacheIndirection[s] = make([][]int32, domain.MaxBeam)
		for b := range out.IDs[s] {
			out.IDs[s][b] = make([]int32, maxSeqLen)
			out.ParentIDs[s][b] = make([]int32, maxSeqLen)
			out.LogProbs[s][b] = make([]float32, maxSeqLen)
			out.CacheIndirection[s][b] = make([]int32, maxSeqLen)
		}
	}
	return out
}

// SeedPrompt installs a prompt into a slot, shared across its beams, and
// resets the slot's decoding state.
func (out *Output) SeedPrompt(slot int, prompt []int32, beamWidth int, hypCap int) {
	for b := 0; b < beamWidth; b++ {
		copy(out.IDs[slot][b], prompt)
		out.SequenceLengths[slot][b] = int32(len(prompt))
		out.Finished[slot][b] = 0
		out.CumLogProbs[slot][b] = 0
	}
	out.FinishedSum[slot] = 0
	if hypCap > 0 {
		out.BeamHypotheses[slot] = NewBeamHypotheses(hypCap)
	}
}
