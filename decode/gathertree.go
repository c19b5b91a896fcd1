package decode

import (
	"fmt"
	"slices"
)

// GatherTree reconstructs the final hypotheses of a beam-search run:
// still-live beams are scored and merged with the slot's candidate-beam
// array, and the top beamWidth entries by normed score are emitted into
// finalOutputIDs[slot][rank][pos]. Unused positions are initialized with
// the slot's end id. The decoding state is not modified, so repeated
// calls with unchanged inputs yield identical results.
func GatherTree(finalOutputIDs [][][]int32, out *Output, in *Input, cfg *SamplingConfig) error {
	if in.BeamWidth < 2 {
		return fmt.Errorf("%w: gatherTree is only needed for beam search", ErrInvalidArgument)
	}

	lengthPenalty := func(i int) float32 { return pick(cfg.LengthPenalty, i, DefaultLengthPenalty) }

	for i := range in.BatchSize {
		slot := in.slot(i)

		for b := range finalOutputIDs[slot] {
			row := finalOutputIDs[slot][b]
			for p := range row {
				row[p] = in.EndIDs[slot]
			}
		}

		var candidates []*BeamHypothesis
		if hyp := out.BeamHypotheses[slot]; hyp != nil {
			candidates = slices.Clone(hyp.Values())
		}

		// insert still-live beams so an unfinished path can outrank a weak
		// finished one
		var inputLen int32
		if in.InputLengths != nil {
			inputLen = in.InputLengths[slot]
		}
		for b := range in.BeamWidth {
			if out.Finished[slot][b]&FinishedEOS != 0 && out.BeamHypotheses[slot] != nil && out.BeamHypotheses[slot].isDone {
				// the whole slot completed through the CBA; live rows are stale
				continue
			}
			curLen := out.SequenceLengths[slot][b]
			genLen := curLen - inputLen
			candidates = append(candidates, &BeamHypothesis{
				Tokens:      reconstructPath(out, slot, b, curLen),
				LogProbs:    slices.Clone(out.LogProbs[slot][b][:curLen]),
				CumLogProb:  out.CumLogProbs[slot][b],
				NormedScore: normedScore(out.CumLogProbs[slot][b], genLen, lengthPenalty(i)),
				BeamIdx:     in.BeamWidth + b,
			})
		}

		slices.SortStableFunc(candidates, func(a, b *BeamHypothesis) int {
			switch {
			case a.NormedScore > b.NormedScore:
				return -1
			case a.NormedScore < b.NormedScore:
				return 1
			default:
				return a.BeamIdx - b.BeamIdx
			}
		})

		for rank := 0; rank < in.BeamWidth && rank < len(candidates); rank++ {
			copy(finalOutputIDs[slot][rank], candidates[rank].Tokens)
		}
	}
	return nil
}
