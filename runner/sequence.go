package runner

import (
	"github.com/google/uuid"

	"github.com/skiffml/skiff/decode"
)

// State is the lifecycle stage of a slot. Terminal states are sticky
// until the sequence is removed.
type State int

const (
	StateIdle State = iota
	StateContext
	StateGeneration
	StateFinishedEOS
	StateFinishedMaxLength
	StateFinishedStopWords
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContext:
		return "context"
	case StateGeneration:
		return "generation"
	case StateFinishedEOS:
		return "finishedEOS"
	case StateFinishedMaxLength:
		return "finishedMaxLength"
	case StateFinishedStopWords:
		return "finishedStopWords"
	}
	return "unknown"
}

func (s State) Finished() bool { return s >= StateFinishedEOS }

// finishedState maps a decode-side terminal mask onto the lifecycle
// state, preferring the EOS reason the way the decode layers order their
// checks.
func finishedState(f decode.FinishState) State {
	switch {
	case f&decode.FinishedEOS != 0:
		return StateFinishedEOS
	case f&decode.FinishedStopWords != 0:
		return StateFinishedStopWords
	case f&decode.FinishedMaxLength != 0:
		return StateFinishedMaxLength
	}
	return StateGeneration
}

// Request describes one admission from the external scheduler.
type Request struct {
	ID           uuid.UUID
	PromptTokens []int32
	MaxNewTokens int
	BeamWidth    int
	EndID        int32

	Sampling decode.SamplingConfig
}

// Sequence is the runner-side record of a live slot.
type Sequence struct {
	id   uuid.UUID
	slot int

	state State

	promptLen    int
	maxNewTokens int
	beamWidth    int
	endID        int32

	// cache-side token count after the last step, used to advance the KV
	// manager by the decoded delta
	cachedTokens int
}

func (s *Sequence) ID() uuid.UUID { return s.id }
func (s *Sequence) Slot() int     { return s.slot }
func (s *Sequence) State() State  { return s.state }
