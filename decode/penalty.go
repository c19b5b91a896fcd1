package decode

import (
	"math"
)

var negInf = float32(math.Inf(-1))

// penaltyLayer applies temperature, repetition, presence and frequency
// penalties and the min-length EOS suppression. Parameters live in
// per-slot columns sized to the domain's max batch; a penalty class is
// enabled lazily the first time any slot uses a non-default value and
// stays enabled, which is cheaper than rescanning every active slot each
// step.
type penaltyLayer struct {
	domain DecoderDomain
	mode   DecodingMode

	temperature       []float32
	repetitionPenalty []float32
	presencePenalty   []float32
	frequencyPenalty  []float32
	minLength         []int32

	useTemperature       bool
	useRepetitionPenalty bool
	usePresencePenalty   bool
	useFrequencyPenalty  bool
	useMinLength         bool

	// rolling window of input logits rows, indexed by cyclicStep, so the
	// penalty pass can consume a recent pointer history
	cyclicStep       int
	runtimeMaxSeqLen int
	logitsPtrs       [][][]float32 // [cyclicStep][dense*beam] -> row

	// dedicated output buffer; input logits are immutable
	runtimeLogits [][]float32
}

func newPenaltyLayer(domain DecoderDomain, mode DecodingMode, maxSeqLen int) *penaltyLayer {
	l := &penaltyLayer{
		domain:            domain,
		mode:              mode,
		temperature:       make([]float32, domain.MaxBatch),
		repetitionPenalty: make([]float32, domain.MaxBatch),
		presencePenalty:   make([]float32, domain.MaxBatch),
		frequencyPenalty:  make([]float32, domain.MaxBatch),
		minLength:         make([]int32, domain.MaxBatch),
		runtimeMaxSeqLen:  maxSeqLen,
		logitsPtrs:        make([][][]float32, maxSeqLen),
		runtimeLogits:     make([][]float32, domain.MaxBatch*domain.MaxDecodingTokens*domain.MaxBeam),
	}
	for i := range l.temperature {
		l.temperature[i] = DefaultTemperature
		l.repetitionPenalty[i] = DefaultRepetitionPenalty
		l.presencePenalty[i] = DefaultPresencePenalty
		l.frequencyPenalty[i] = DefaultFrequencyPenalty
		l.minLength[i] = DefaultMinLength
	}
	for i := range l.runtimeLogits {
		l.runtimeLogits[i] = make([]float32, domain.VocabSizePadded)
	}
	return l
}

func (l *penaltyLayer) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	fillSlots(l.temperature, cfg.Temperature, batchSlots, batchSize, DefaultTemperature)
	fillSlots(l.repetitionPenalty, cfg.RepetitionPenalty, batchSlots, batchSize, DefaultRepetitionPenalty)
	fillSlots(l.presencePenalty, cfg.PresencePenalty, batchSlots, batchSize, DefaultPresencePenalty)
	fillSlots(l.frequencyPenalty, cfg.FrequencyPenalty, batchSlots, batchSize, DefaultFrequencyPenalty)
	fillSlots(l.minLength, cfg.MinLength, batchSlots, batchSize, DefaultMinLength)

	anyOf := func(vec []float32, def float32) bool {
		for _, v := range vec {
			if v != def {
				return true
			}
		}
		return false
	}
	l.useTemperature = l.useTemperature || anyOf(cfg.Temperature, DefaultTemperature)
	l.useRepetitionPenalty = l.useRepetitionPenalty || anyOf(cfg.RepetitionPenalty, DefaultRepetitionPenalty)
	l.usePresencePenalty = l.usePresencePenalty || anyOf(cfg.PresencePenalty, DefaultPresencePenalty)
	l.useFrequencyPenalty = l.useFrequencyPenalty || anyOf(cfg.FrequencyPenalty, DefaultFrequencyPenalty)
	for _, v := range cfg.MinLength {
		if v != DefaultMinLength {
			l.useMinLength = true
		}
	}
	return nil
}

func (l *penaltyLayer) WorkspaceSize() (int, int) {
	// occurrence counts over the vocabulary
	return 0, l.domain.VocabSizePadded
}

func (l *penaltyLayer) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	l.cyclicStep %= l.runtimeMaxSeqLen
	window := make([][]float32, in.BatchSize*in.BeamWidth)
	l.logitsPtrs[l.cyclicStep] = window

	for i := range in.BatchSize {
		slot := in.slot(i)
		for tok := range max(in.MaxDecodingTokens, 1) {
			for b := range in.BeamWidth {
				src := in.logitsFor(i, tok, b)
				if tok == 0 {
					window[i*in.BeamWidth+b] = src
				}

				dst := l.runtimeLogits[(i*in.MaxDecodingTokens+tok)*in.BeamWidth+b]
				copy(dst, src)
				for v := len(src); v < len(dst); v++ {
					dst[v] = negInf
				}

				if in.EmbeddingBias != nil {
					for v := 0; v < l.domain.VocabSize; v++ {
						dst[v] += in.EmbeddingBias[v]
					}
				}

				l.applyOccurrencePenalties(dst, out, slot, b, ws)

				if l.useTemperature {
					if t := l.temperature[slot]; t != DefaultTemperature && t > 0 {
						for v := range dst[:l.domain.VocabSize] {
							dst[v] /= t
						}
					}
				}

				if l.useMinLength {
					generated := out.SequenceLengths[slot][b]
					if in.InputLengths != nil {
						generated -= in.InputLengths[slot]
					}
					if generated < l.minLength[slot] {
						dst[in.EndIDs[slot]] = negInf
					}
				}

				in.setRuntimeLogits(i, tok, b, dst)
			}
		}
	}

	l.cyclicStep++
	return nil
}

func (l *penaltyLayer) applyOccurrencePenalties(dst []float32, out *Output, slot int32, beam int, ws *Workspace) {
	if !l.useRepetitionPenalty && !l.usePresencePenalty && !l.useFrequencyPenalty {
		return
	}

	counts := ws.I32[:l.domain.VocabSizePadded]
	clear(counts)
	history := out.IDs[slot][beam][:out.SequenceLengths[slot][beam]]
	for _, t := range history {
		if int(t) < len(counts) {
			counts[t]++
		}
	}

	repetition := l.repetitionPenalty[slot]
	presence := l.presencePenalty[slot]
	frequency := l.frequencyPenalty[slot]

	for v := range dst[:l.domain.VocabSize] {
		c := counts[v]
		if c == 0 {
			continue
		}
		if l.useRepetitionPenalty && repetition != DefaultRepetitionPenalty {
			if dst[v] > 0 {
				dst[v] /= repetition
			} else {
				dst[v] *= repetition
			}
		}
		if l.useFrequencyPenalty {
			dst[v] -= frequency * float32(c)
		}
		if l.usePresencePenalty {
			dst[v] -= presence
		}
	}
}
