package decode

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/skiffml/skiff/logutil"
	"github.com/skiffml/skiff/ml"
)

// Decoder is the batch-level façade over the decoding pipeline. It owns
// the layer chain, the per-slot random states used by speculative
// verification, the tiled log-prob history consumed by gatherTree, and
// the workspace shared by the layers. All host work runs on one thread;
// device-shaped work is launched onto the decoder's stream and errors
// surface at synchronization points.
type Decoder struct {
	domain    DecoderDomain
	mode      DecodingMode
	maxSeqLen int

	pipeline *Pipeline
	stream   *ml.Stream

	cfg       *SamplingConfig
	beamWidth int

	// per-slot random states for by-logits draft acceptance
	rngs []*rand.Rand

	// logProbsTiled[pos][slot][beam], zeroed at construction
	logProbsTiled [][][]float32

	workspaces *workspaceCache
	ws         *Workspace
}

func NewDecoder(mode DecodingMode, domain DecoderDomain, maxSeqLen int, stream *ml.Stream) (*Decoder, error) {
	if err := domain.validate(); err != nil {
		return nil, err
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("%w: max sequence length %d", ErrInvalidArgument, maxSeqLen)
	}
	if mode.usesDraftTokens() && domain.MaxDecodingTokens < 2 {
		return nil, fmt.Errorf("%w: mode %s needs maxDecodingTokens > 1", ErrInvalidArgument, mode)
	}

	// ModeAuto resolves to sampling or beam search at the first Setup,
	// once the runtime beam width is known.
	var pipeline *Pipeline
	if mode != ModeAuto {
		var err error
		pipeline, err = newPipeline(mode, domain, maxSeqLen)
		if err != nil {
			return nil, err
		}
	}

	d := &Decoder{
		domain:     domain,
		mode:       mode,
		maxSeqLen:  maxSeqLen,
		pipeline:   pipeline,
		stream:     stream,
		rngs:       make([]*rand.Rand, domain.MaxBatch),
		workspaces: newWorkspaceCache(),
	}

	d.logProbsTiled = make([][][]float32, maxSeqLen)
	for p := range d.logProbsTiled {
		d.logProbsTiled[p] = make([][]float32, domain.MaxBatch)
		for s := range d.logProbsTiled[p] {
			d.logProbsTiled[p][s] = make([]float32, domain.MaxBeam)
		}
	}

	if pipeline != nil {
		d.allocateWorkspace()
	}
	return d, nil
}

func (d *Decoder) allocateWorkspace() {
	f32 := d.workspaces.get(d.domain.MaxBatch, d.domain.MaxBeam, d.domain.VocabSizePadded, func() int {
		n, _ := d.pipeline.WorkspaceSize()
		return n
	})
	_, i32 := d.pipeline.WorkspaceSize()
	d.ws = newWorkspace(f32, i32)
}

func (d *Decoder) Domain() DecoderDomain { return d.domain }
func (d *Decoder) Mode() DecodingMode    { return d.mode }

// Setup installs per-request sampling parameters for the dense entries
// described by batchSlots. Shape errors surface here, before any device
// work.
func (d *Decoder) Setup(cfg *SamplingConfig, batchSize int, batchSlots []int32) error {
	if batchSize <= 0 || batchSize > d.domain.MaxBatch {
		return fmt.Errorf("%w: batch size %d outside [1, %d]", ErrInvalidArgument, batchSize, d.domain.MaxBatch)
	}
	if batchSlots != nil && len(batchSlots) < batchSize {
		return fmt.Errorf("%w: %d batch slots for batch of %d", ErrInvalidArgument, len(batchSlots), batchSize)
	}
	if err := cfg.validate(batchSize); err != nil {
		return err
	}

	if d.pipeline == nil {
		if cfg.BeamWidth > 1 {
			d.mode = ModeBeamSearch
		} else {
			d.mode = ModeTopKTopP
		}
		pipeline, err := newPipeline(d.mode, d.domain, d.maxSeqLen)
		if err != nil {
			return err
		}
		d.pipeline = pipeline
		d.allocateWorkspace()
	}
	if d.mode.isBeamSearch() != (cfg.BeamWidth > 1) {
		return fmt.Errorf("%w: beam width %d does not match mode %s", ErrInvalidArgument, cfg.BeamWidth, d.mode)
	}

	for i := range batchSize {
		slot := int32(i)
		if batchSlots != nil {
			slot = batchSlots[i]
		}
		if int(slot) >= d.domain.MaxBatch {
			return fmt.Errorf("%w: slot %d exceeds max batch %d", ErrInvalidArgument, slot, d.domain.MaxBatch)
		}
		seed := pick(cfg.RandomSeed, i, uint64(slot))
		d.rngs[slot] = rand.New(rand.NewSource(seed))
	}

	d.cfg = cfg
	d.beamWidth = cfg.BeamWidth
	logutil.Trace("decoder setup", "mode", d.mode, "batchSize", batchSize, "beamWidth", cfg.BeamWidth)
	return d.pipeline.Setup(batchSize, cfg.BeamWidth, batchSlots, cfg)
}

func (d *Decoder) prepare(in *Input) error {
	if in.BeamWidth == 0 {
		in.BeamWidth = max(d.beamWidth, 1)
	}
	if in.MaxDecodingTokens == 0 {
		in.MaxDecodingTokens = 1
	}
	if in.BeamWidth != max(d.beamWidth, 1) {
		return fmt.Errorf("%w: input beam width %d, configured %d", ErrInvalidArgument, in.BeamWidth, d.beamWidth)
	}
	if in.Logits == nil && in.LogitsVec == nil {
		return fmt.Errorf("%w: no logits provided", ErrInvalidArgument)
	}
	if in.EndIDs == nil {
		return fmt.Errorf("%w: no end ids provided", ErrInvalidArgument)
	}
	return nil
}

// ForwardAsync launches one decoding step onto the stream and returns
// without synchronizing. FinishedSum and the other host mirrors are not
// valid until the next synchronize.
func (d *Decoder) ForwardAsync(out *Output, in *Input) error {
	if err := d.prepare(in); err != nil {
		return err
	}

	d.stream.Launch(func() error {
		if err := d.pipeline.ForwardAsync(out, in, d.ws); err != nil {
			return err
		}
		d.tileLogProbs(out, in)
		return nil
	})
	return nil
}

// Forward runs one decoding step and synchronizes so the finished counts
// can be read back. It returns true iff every slot of the step's batch is
// in a terminal state.
func (d *Decoder) Forward(out *Output, in *Input) (bool, error) {
	if err := d.prepare(in); err != nil {
		return false, err
	}

	for i := range in.BatchSize {
		out.FinishedSum[in.slot(i)] = 0
	}

	if err := d.ForwardAsync(out, in); err != nil {
		return false, err
	}
	if err := d.stream.Synchronize(); err != nil {
		return false, err
	}

	allDone := true
	for i := range in.BatchSize {
		if out.FinishedSum[in.slot(i)] < int32(in.BeamWidth) {
			allDone = false
		}
	}
	return allDone, nil
}

// tileLogProbs maintains the [pos][slot][beam] log-prob history used by
// gatherTree.
func (d *Decoder) tileLogProbs(out *Output, in *Input) {
	for i := range in.BatchSize {
		slot := in.slot(i)
		for b := range in.BeamWidth {
			pos := out.SequenceLengths[slot][b] - 1
			if pos >= 0 && int(pos) < d.maxSeqLen {
				d.logProbsTiled[pos][slot][b] = out.LogProbs[slot][b][pos]
			}
		}
	}
}

// GatherTree finalizes a beam-search batch into finalOutputIDs. The
// decoding state is left untouched.
func (d *Decoder) GatherTree(finalOutputIDs [][][]int32, out *Output, in *Input) error {
	if err := d.prepare(in); err != nil {
		return err
	}
	if err := d.stream.Synchronize(); err != nil {
		return err
	}
	return GatherTree(finalOutputIDs, out, in, d.cfg)
}

// AcceptDraftTokensByLogits verifies draft logits against target logits
// with the decoder's per-slot random states.
func (d *Decoder) AcceptDraftTokensByLogits(
	draftLogits, targetLogits []*Logits,
	numDraftTokens []int32,
	finished [][]FinishState,
	batchSlots []int32,
	useRandomAcceptThreshold bool,
	randomAcceptThreshold float32,
) ([]DraftAcceptance, error) {
	return AcceptDraftTokensByLogits(draftLogits, targetLogits, numDraftTokens, finished, batchSlots,
		d.domain.VocabSize, useRandomAcceptThreshold, randomAcceptThreshold, d.rngs)
}
