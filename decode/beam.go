package decode

import (
	"fmt"
	"math"
	"slices"
)

// beamSearchLayer maintains the running beam set of each slot: cumulative
// log probs, parent pointers, and the candidate-beam array of finished
// hypotheses. Each step it selects the top 2*beamWidth (token, parent)
// pairs per slot, diverts end-token candidates into the CBA, and carries
// the best beamWidth live candidates forward.
type beamSearchLayer struct {
	domain DecoderDomain

	diversityRate []float32
	lengthPenalty []float32
	earlyStopping []int32

	normalizeLogProbs bool
}

func newBeamSearchLayer(domain DecoderDomain) *beamSearchLayer {
	l := &beamSearchLayer{
		domain:        domain,
		diversityRate: make([]float32, domain.MaxBatch),
		lengthPenalty: make([]float32, domain.MaxBatch),
		earlyStopping: make([]int32, domain.MaxBatch),
	}
	for i := range l.earlyStopping {
		l.earlyStopping[i] = DefaultEarlyStopping
	}
	return l
}

func (l *beamSearchLayer) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	if beamWidth < 2 {
		return fmt.Errorf("%w: beam search requires beam width > 1, got %d", ErrInvalidArgument, beamWidth)
	}
	if beamWidth > l.domain.MaxBeam {
		return fmt.Errorf("%w: beam width %d exceeds max %d", ErrInvalidArgument, beamWidth, l.domain.MaxBeam)
	}
	fillSlots(l.diversityRate, cfg.BeamSearchDiversityRate, batchSlots, batchSize, DefaultDiversityRate)
	fillSlots(l.lengthPenalty, cfg.LengthPenalty, batchSlots, batchSize, DefaultLengthPenalty)
	fillSlots(l.earlyStopping, cfg.EarlyStopping, batchSlots, batchSize, DefaultEarlyStopping)
	l.normalizeLogProbs = cfg.NormalizeLogProbs
	return nil
}

func (l *beamSearchLayer) WorkspaceSize() (int, int) {
	return l.domain.VocabSizePadded, 0
}

type beamCandidate struct {
	token   int32
	parent  int
	logProb float32
	// cumulative log prob without the diversity term
	cumLogProb float32
	// selection score including the diversity term
	score float32
}

func (l *beamSearchLayer) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	for i := range in.BatchSize {
		slot := in.slot(i)

		if out.BeamHypotheses[slot] == nil {
			out.BeamHypotheses[slot] = NewBeamHypotheses(2 * in.BeamWidth)
		}
		hyp := out.BeamHypotheses[slot]
		if hyp.isDone || out.Finished[slot][0].IsFinished() {
			continue
		}

		l.step(out, in, i, slot, hyp, ws)
	}
	return nil
}

func (l *beamSearchLayer) step(out *Output, in *Input, dense int, slot int32, hyp *BeamHypotheses, ws *Workspace) {
	beamWidth := in.BeamWidth
	curLen := out.SequenceLengths[slot][0]

	var inputLen int32
	if in.InputLengths != nil {
		inputLen = in.InputLengths[slot]
	}

	// on the first generation step every beam holds the same prompt, so
	// only beam 0 contributes candidates
	liveBeams := beamWidth
	if curLen == inputLen {
		liveBeams = 1
	}

	candidates := make([]beamCandidate, 0, 2*beamWidth*liveBeams)
	for b := range liveBeams {
		logits := in.logitsFor(dense, 0, b)[:l.domain.VocabSize]
		logProbs := logSoftmax(logits, ws.F32[:l.domain.VocabSize])

		diversity := l.diversityRate[slot] * float32(b)
		cumLogProb := out.CumLogProbs[slot][b]

		candidates = append(candidates, topCandidates(logProbs, b, cumLogProb, diversity, 2*beamWidth)...)
	}

	slices.SortStableFunc(candidates, func(a, b beamCandidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return a.parent - b.parent
		}
	})
	if len(candidates) > 2*beamWidth {
		candidates = candidates[:2*beamWidth]
	}

	next := make([]beamCandidate, 0, beamWidth)
	for _, c := range candidates {
		if c.token == in.EndIDs[slot] {
			genLen := curLen + 1 - inputLen
			tokens := reconstructPath(out, slot, c.parent, curLen)
			tokens = append(tokens, c.token)
			logProbs := slices.Clone(out.LogProbs[slot][c.parent][:curLen])
			logProbs = append(logProbs, c.logProb)
			hyp.Push(&BeamHypothesis{
				Tokens:      tokens,
				LogProbs:    logProbs,
				CumLogProb:  c.cumLogProb,
				NormedScore: normedScore(c.cumLogProb, genLen, l.lengthPenalty[slot]),
				BeamIdx:     c.parent,
			})
			continue
		}
		if len(next) < beamWidth {
			next = append(next, c)
		}
	}

	newCumLogProbs := make([]float32, beamWidth)
	newLogProbRows := make([][]float32, beamWidth)
	for nb, c := range next {
		out.IDs[slot][nb][curLen] = c.token
		out.ParentIDs[slot][nb][curLen] = int32(c.parent)
		out.NewTokens[0][slot][nb] = c.token
		newCumLogProbs[nb] = c.cumLogProb

		row := slices.Clone(out.LogProbs[slot][c.parent][:curLen])
		row = append(row, c.logProb)
		newLogProbRows[nb] = row

		if in.CacheIndirection != nil && out.CacheIndirection != nil {
			copy(out.CacheIndirection[slot][nb][:curLen], in.CacheIndirection[slot][c.parent][:curLen])
			out.CacheIndirection[slot][nb][curLen] = int32(nb)
		}
	}
	for nb := range next {
		copy(out.LogProbs[slot][nb], newLogProbRows[nb])
		out.CumLogProbs[slot][nb] = newCumLogProbs[nb]
	}
	for b := range beamWidth {
		out.SequenceLengths[slot][b] = curLen + 1
	}

	if l.slotDone(hyp, next, slot, curLen+1-inputLen, beamWidth) || len(next) == 0 {
		hyp.isDone = true
		for b := range beamWidth {
			out.Finished[slot][b] |= FinishedEOS
		}
		out.FinishedSum[slot] = int32(beamWidth)
	}
}

// slotDone evaluates the slot's early-stopping policy against the CBA.
func (l *beamSearchLayer) slotDone(hyp *BeamHypotheses, next []beamCandidate, slot int32, genLen int32, beamWidth int) bool {
	if hyp.NumBeams() < beamWidth {
		return false
	}
	switch l.earlyStopping[slot] {
	case EarlyStoppingAlways:
		return true
	case EarlyStoppingOnce:
		// stop once no live beam can beat the weakest kept hypothesis
		best := float32(math.Inf(-1))
		for _, c := range next {
			if c.cumLogProb > best {
				best = c.cumLogProb
			}
		}
		return normedScore(best, genLen, l.lengthPenalty[slot]) < hyp.MinNormedScore()
	default:
		return false
	}
}

// topCandidates selects the k best tokens of one beam's log-prob row.
func topCandidates(logProbs []float32, beam int, cumLogProb, diversity float32, k int) []beamCandidate {
	type entry struct {
		token   int32
		logProb float32
	}
	best := make([]entry, 0, k)
	worst := float32(math.Inf(-1))
	for v, lp := range logProbs {
		if len(best) == k && lp <= worst {
			continue
		}
		pos := len(best)
		for pos > 0 && best[pos-1].logProb < lp {
			pos--
		}
		best = slices.Insert(best, pos, entry{int32(v), lp})
		if len(best) > k {
			best = best[:k]
		}
		worst = best[len(best)-1].logProb
	}

	candidates := make([]beamCandidate, len(best))
	for i, e := range best {
		candidates[i] = beamCandidate{
			token:      e.token,
			parent:     beam,
			logProb:    e.logProb,
			cumLogProb: cumLogProb + e.logProb,
			score:      cumLogProb + e.logProb - diversity,
		}
	}
	return candidates
}

// reconstructPath walks parent pointers back from (beam, uptoPos) and
// returns the full token path including the prompt.
func reconstructPath(out *Output, slot int32, beam int, uptoPos int32) []int32 {
	tokens := make([]int32, uptoPos)
	b := int32(beam)
	for pos := uptoPos - 1; pos >= 0; pos-- {
		tokens[pos] = out.IDs[slot][b][pos]
		b = out.ParentIDs[slot][b][pos]
	}
	return tokens
}

// normedScore is the length-normalized hypothesis score
// cumLogProb / length^lengthPenalty.
func normedScore(cumLogProb float32, length int32, lengthPenalty float32) float32 {
	if length < 1 {
		length = 1
	}
	if lengthPenalty == 0 {
		return cumLogProb
	}
	return cumLogProb / float32(math.Pow(float64(length), float64(lengthPenalty)))
}

// logSoftmax writes the log-softmax of logits into dst.
func logSoftmax(logits []float32, dst []float32) []float32 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxVal))
	}
	logSum := float32(math.Log(sum))
	for i, v := range logits {
		dst[i] = v - maxVal - logSum
	}
	return dst
}
