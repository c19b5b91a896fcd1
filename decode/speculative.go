package decode

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/skiffml/skiff/sample"
)

// AcceptDraftTokensByIDs compares drafted tokens against the target
// model's tokens prefix-wise for each dense entry, accepts the longest
// matching prefix and keeps the target token at the first mismatch as the
// one extra emitted token. sequenceLengths advances by accepted+1. Both
// speculative accepters require beam width 1.
//
// targetIDs[slot][0][pos] must already hold the target model's tokens for
// this step's positions, as written by the sampling layer.
func AcceptDraftTokensByIDs(
	targetIDs [][][]int32,
	draftIDs [][]int32,
	contextLengths []int32,
	numDraftTokens []int32,
	sequenceLengths []int32,
	endIDs []int32,
	finished [][]FinishState,
	finishedSum []int32,
	batchSlots []int32,
) error {
	for i := range batchSlots {
		slot := batchSlots[i]
		if int(slot) >= len(sequenceLengths) {
			return fmt.Errorf("%w: slot %d out of range", ErrInvalidArgument, slot)
		}
		if len(finished[slot]) > 1 {
			return fmt.Errorf("%w: speculative decoding requires beam width 1", ErrInvalidArgument)
		}
		if finished[slot][0].IsFinished() {
			continue
		}

		draftLen := int(numDraftTokens[slot])
		curLen := int(sequenceLengths[slot])
		target := targetIDs[slot][0]

		accepted := 0
		for accepted < draftLen && draftIDs[slot][accepted] == target[curLen+accepted] {
			accepted++
		}

		// the extra token at the first mismatch position is already in
		// target[curLen+accepted]; advancing past it emits it
		sequenceLengths[slot] = int32(curLen + accepted + 1)

		state := finished[slot][0]
		for p := curLen; p < curLen+accepted+1; p++ {
			if target[p] == endIDs[slot] {
				state |= FinishedEOS
				sequenceLengths[slot] = int32(p + 1)
				break
			}
		}
		finished[slot][0] = state
		if state.IsFinished() {
			finishedSum[slot] = 1
		} else {
			finishedSum[slot] = 0
		}
	}
	return nil
}

// DraftAcceptance is the per-entry result of AcceptDraftTokensByLogits.
type DraftAcceptance struct {
	// AcceptedLength counts accepted draft tokens.
	AcceptedLength int32
	// EmittedToken is resampled from the residual distribution on
	// rejection, or -1 when every draft token was accepted.
	EmittedToken int32
}

// AcceptDraftTokensByLogits runs modified rejection sampling over draft
// positions: a draft token x is accepted iff u < min(1, pTarget(x) /
// pDraft(x)) with u uniform from the slot's seeded state, or iff
// u < randomAcceptThreshold when useRandomAcceptThreshold is set. On the
// first rejection the token is resampled from the normalized residual
// max(0, pTarget - pDraft).
func AcceptDraftTokensByLogits(
	draftLogits []*Logits, // [slot], rows = draft positions
	targetLogits []*Logits, // [slot], rows = draft positions
	numDraftTokens []int32,
	finished [][]FinishState,
	batchSlots []int32,
	vocabSize int,
	useRandomAcceptThreshold bool,
	randomAcceptThreshold float32,
	rngs []*rand.Rand, // [slot], seeded at Setup
) ([]DraftAcceptance, error) {
	acceptance := make([]DraftAcceptance, len(batchSlots))

	for i := range batchSlots {
		slot := batchSlots[i]
		if len(finished[slot]) > 1 {
			return nil, fmt.Errorf("%w: speculative decoding requires beam width 1", ErrInvalidArgument)
		}

		acceptance[i].EmittedToken = -1
		if finished[slot][0].IsFinished() {
			continue
		}

		rng := rngs[slot]
		draftLen := int(numDraftTokens[slot])

		var draftProbs, targetProbs []float32
		for pos := 0; pos < draftLen; pos++ {
			draftProbs = sample.Softmax(draftLogits[slot].Row(pos)[:vocabSize], draftProbs)
			targetProbs = sample.Softmax(targetLogits[slot].Row(pos)[:vocabSize], targetProbs)

			token := sample.Greedy(draftLogits[slot].Row(pos)[:vocabSize])

			threshold := min(float32(1), targetProbs[token]/max(draftProbs[token], 1e-10))
			if useRandomAcceptThreshold {
				threshold = randomAcceptThreshold
			}

			if float32(rng.Float64()) < threshold {
				acceptance[i].AcceptedLength++
				continue
			}

			acceptance[i].EmittedToken = resampleResidual(targetProbs, draftProbs, rng)
			break
		}
	}
	return acceptance, nil
}

// resampleResidual draws from the normalized max(0, pTarget - pDraft)
// distribution, falling back to the target distribution when the residual
// mass vanishes.
func resampleResidual(targetProbs, draftProbs []float32, rng *rand.Rand) int32 {
	residual := make([]float32, len(targetProbs))
	var sum float32
	for v := range residual {
		residual[v] = max(0, targetProbs[v]-draftProbs[v])
		sum += residual[v]
	}
	if sum <= 0 {
		copy(residual, targetProbs)
		sum = 0
		for _, p := range residual {
			sum += p
		}
	}

	u := float32(rng.Float64()) * sum
	var cum float32
	for v, p := range residual {
		cum += p
		if u < cum {
			return int32(v)
		}
	}
	return int32(len(residual) - 1)
}
