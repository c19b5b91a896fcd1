package decode

import (
	"fmt"

	"github.com/skiffml/skiff/sample"
)

// samplingLayer draws the next token for each slot with that slot's
// sampler. Per-slot parameters live in columns sized to the max batch;
// the sampler's seeded state makes two steps with identical seed, logits
// and batch slots produce identical outputs.
type samplingLayer struct {
	domain DecoderDomain
	mode   DecodingMode

	samplers []sample.Sampler

	// running nucleus thresholds with their decay schedule
	runtimeTopP  []float32
	initialTopP  []float32
	topPDecay    []float32
	topPMin      []float32
	topPResetIDs []int32
}

func newSamplingLayer(domain DecoderDomain, mode DecodingMode) *samplingLayer {
	l := &samplingLayer{
		domain:       domain,
		mode:         mode,
		samplers:     make([]sample.Sampler, domain.MaxBatch),
		runtimeTopP:  make([]float32, domain.MaxBatch),
		initialTopP:  make([]float32, domain.MaxBatch),
		topPDecay:    make([]float32, domain.MaxBatch),
		topPMin:      make([]float32, domain.MaxBatch),
		topPResetIDs: make([]int32, domain.MaxBatch),
	}
	for i := range l.runtimeTopP {
		l.runtimeTopP[i] = DefaultTopP
		l.initialTopP[i] = DefaultTopP
		l.topPDecay[i] = DefaultTopPDecay
		l.topPMin[i] = DefaultTopPMin
		l.topPResetIDs[i] = DefaultTopPResetID
	}
	return l
}

func (l *samplingLayer) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	if beamWidth != 1 {
		return fmt.Errorf("%w: sampling requires beam width 1, got %d", ErrInvalidArgument, beamWidth)
	}

	fillSlots(l.initialTopP, cfg.TopP, batchSlots, batchSize, DefaultTopP)
	fillSlots(l.runtimeTopP, cfg.TopP, batchSlots, batchSize, DefaultTopP)
	fillSlots(l.topPDecay, cfg.TopPDecay, batchSlots, batchSize, DefaultTopPDecay)
	fillSlots(l.topPMin, cfg.TopPMin, batchSlots, batchSize, DefaultTopPMin)
	fillSlots(l.topPResetIDs, cfg.TopPResetIDs, batchSlots, batchSize, DefaultTopPResetID)

	for i := range batchSize {
		slot := int32(i)
		if batchSlots != nil {
			slot = batchSlots[i]
		}

		topK := pick(cfg.TopK, i, DefaultTopK)
		topP := pick(cfg.TopP, i, DefaultTopP)
		minP := pick(cfg.MinP, i, DefaultMinP)
		seed := pick(cfg.RandomSeed, i, uint64(slot))
		temperature := pick(cfg.Temperature, i, DefaultTemperature)

		switch l.mode {
		case ModeTopK:
			topP = DefaultTopP
		case ModeTopP:
			topK = DefaultTopK
		case ModeMinP:
			topK, topP = DefaultTopK, DefaultTopP
		}

		// greedy when the request asks for it; otherwise the penalty layer
		// has already scaled by temperature
		samplerTemp := float32(1)
		if temperature == 0 {
			samplerTemp = 0
		}
		l.samplers[slot] = sample.NewSampler(samplerTemp, int(topK), topP, minP, seed)
	}
	return nil
}

func (l *samplingLayer) WorkspaceSize() (int, int) {
	return l.domain.VocabSizePadded, 0
}

func (l *samplingLayer) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	for i := range in.BatchSize {
		slot := in.slot(i)

		// terminal states are sticky: no draws, no output mutation
		if out.Finished[slot][0].IsFinished() {
			continue
		}

		for tok := range in.MaxDecodingTokens {
			logits := in.logitsFor(i, tok, 0)[:l.domain.VocabSize]

			s := &l.samplers[slot]
			s.SetTopP(l.runtimeTopP[slot])

			id, _, err := s.Sample(logits)
			if err != nil {
				return fmt.Errorf("sampling slot %d: %w", slot, err)
			}

			l.updateTopP(slot, id)

			seqLen := out.SequenceLengths[slot][0]
			out.IDs[slot][0][seqLen] = id
			out.NewTokens[tok][slot][0] = id
			logProb := sample.LogSoftmax(logits, int(id))
			out.CumLogProbs[slot][0] += logProb
			out.LogProbs[slot][0][seqLen] = logProb
			out.SequenceLengths[slot][0] = seqLen + 1

			if id == in.EndIDs[slot] {
				out.Finished[slot][0] |= FinishedEOS
				break
			}
		}
	}
	return nil
}

// updateTopP applies the decay schedule after a draw: drawing a reset
// token restores the initial threshold, anything else decays it
// multiplicatively, floored at topPMin.
func (l *samplingLayer) updateTopP(slot, id int32) {
	if l.topPDecay[slot] == DefaultTopPDecay && l.topPResetIDs[slot] == DefaultTopPResetID {
		return
	}
	if id == l.topPResetIDs[slot] {
		l.runtimeTopP[slot] = l.initialTopP[slot]
		return
	}
	l.runtimeTopP[slot] = max(l.runtimeTopP[slot]*l.topPDecay[slot], l.topPMin[slot])
}
