package decode

import "fmt"

// Early stopping policies for beam search.
const (
	EarlyStoppingNever  int32 = 0
	EarlyStoppingOnce   int32 = 1
	EarlyStoppingAlways int32 = 2
)

// Default sampling parameters. A slot whose vector entry is absent takes
// the default; layers treat the default as "penalty off".
const (
	DefaultTemperature       float32 = 1.0
	DefaultRepetitionPenalty float32 = 1.0
	DefaultPresencePenalty   float32 = 0.0
	DefaultFrequencyPenalty  float32 = 0.0
	DefaultMinLength         int32   = 0
	DefaultTopK              int32   = 0
	DefaultTopP              float32 = 1.0
	DefaultTopPDecay         float32 = 1.0
	DefaultTopPMin           float32 = 1e-6
	DefaultTopPResetID       int32   = -1
	DefaultMinP              float32 = 0.0
	DefaultDiversityRate     float32 = 0.0
	DefaultLengthPenalty     float32 = 0.0
	DefaultEarlyStopping             = EarlyStoppingOnce
)

// SamplingConfig carries per-request decoding parameters. Vectors hold
// one value per dense batch entry being set up; a nil vector applies the
// default to every slot, a length-1 vector broadcasts its value.
type SamplingConfig struct {
	BeamWidth int

	RandomSeed []uint64

	Temperature       []float32
	RepetitionPenalty []float32
	PresencePenalty   []float32
	FrequencyPenalty  []float32
	MinLength         []int32

	TopK         []int32
	TopP         []float32
	TopPDecay    []float32
	TopPMin      []float32
	TopPResetIDs []int32
	MinP         []float32

	BeamSearchDiversityRate []float32
	LengthPenalty           []float32
	EarlyStopping           []int32

	NormalizeLogProbs bool
}

func (c *SamplingConfig) validate(batchSize int) error {
	if c.BeamWidth < 1 {
		return fmt.Errorf("%w: beam width %d", ErrInvalidArgument, c.BeamWidth)
	}
	check := func(name string, n int) error {
		if n != 0 && n != 1 && n != batchSize {
			return fmt.Errorf("%w: %s has %d entries for batch of %d", ErrInvalidArgument, name, n, batchSize)
		}
		return nil
	}
	for _, v := range []struct {
		name string
		n    int
	}{
		{"randomSeed", len(c.RandomSeed)},
		{"temperature", len(c.Temperature)},
		{"repetitionPenalty", len(c.RepetitionPenalty)},
		{"presencePenalty", len(c.PresencePenalty)},
		{"frequencyPenalty", len(c.FrequencyPenalty)},
		{"minLength", len(c.MinLength)},
		{"topK", len(c.TopK)},
		{"topP", len(c.TopP)},
		{"topPDecay", len(c.TopPDecay)},
		{"topPMin", len(c.TopPMin)},
		{"topPResetIds", len(c.TopPResetIDs)},
		{"minP", len(c.MinP)},
		{"beamSearchDiversityRate", len(c.BeamSearchDiversityRate)},
		{"lengthPenalty", len(c.LengthPenalty)},
		{"earlyStopping", len(c.EarlyStopping)},
	} {
		if err := check(v.name, v.n); err != nil {
			return err
		}
	}
	return nil
}

// pick resolves the per-dense-entry value of a broadcastable vector.
func pick[T any](vec []T, i int, def T) T {
	switch len(vec) {
	case 0:
		return def
	case 1:
		return vec[0]
	default:
		return vec[i]
	}
}

// fillSlots scatters a broadcastable vector into per-slot columns.
func fillSlots[T any](dst []T, src []T, batchSlots []int32, batchSize int, def T) {
	for i := range batchSize {
		slot := int32(i)
		if batchSlots != nil {
			slot = batchSlots[i]
		}
		dst[slot] = pick(src, i, def)
	}
}
