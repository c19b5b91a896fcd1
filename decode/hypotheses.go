package decode

import (
	"math"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// BeamHypothesis is one finished candidate: the full token path, its
// per-token log probs, and the length-normalized score it is ranked by.
type BeamHypothesis struct {
	Tokens      []int32
	LogProbs    []float32
	CumLogProb  float32
	NormedScore float32
	BeamIdx     int
}

// BeamHypotheses is the candidate-beam array of a slot: a min-heap of up
// to 2*beamWidth finished hypotheses ranked by normed score, so the
// weakest candidate is always at the root and displaced first.
type BeamHypotheses struct {
	heap     *binaryheap.Heap[*BeamHypothesis]
	capacity int
	isDone   bool
}

func NewBeamHypotheses(capacity int) *BeamHypotheses {
	return &BeamHypotheses{
		heap: binaryheap.NewWith(func(a, b *BeamHypothesis) int {
			switch {
			case a.NormedScore < b.NormedScore:
				return -1
			case a.NormedScore > b.NormedScore:
				return 1
			default:
				// later beam indices lose ties, so they surface first
				return b.BeamIdx - a.BeamIdx
			}
		}),
		capacity: capacity,
	}
}

func (h *BeamHypotheses) NumBeams() int { return h.heap.Size() }

func (h *BeamHypotheses) IsDone() bool { return h.isDone }

// MinNormedScore is the score of the weakest stored hypothesis, or -inf
// while the array is empty.
func (h *BeamHypotheses) MinNormedScore() float32 {
	if min, ok := h.heap.Peek(); ok {
		return min.NormedScore
	}
	return float32(math.Inf(-1))
}

// Push stores a finished hypothesis. At capacity, a new candidate only
// enters by displacing the weakest one.
func (h *BeamHypotheses) Push(hyp *BeamHypothesis) {
	if h.heap.Size() < h.capacity {
		h.heap.Push(hyp)
		return
	}
	if min, ok := h.heap.Peek(); ok && hyp.NormedScore > min.NormedScore {
		h.heap.Pop()
		h.heap.Push(hyp)
	}
}

// Values snapshots the stored hypotheses in unspecified order.
func (h *BeamHypotheses) Values() []*BeamHypothesis {
	return h.heap.Values()
}
