package decode

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/skiffml/skiff/ml"
)

func testDomain() DecoderDomain {
	return DecoderDomain{
		MaxBatch:          4,
		MaxBeam:           1,
		VocabSize:         8,
		VocabSizePadded:   8,
		MaxDecodingTokens: 1,
	}
}

func newTestDecoder(t *testing.T, mode DecodingMode, domain DecoderDomain, maxSeqLen int) *Decoder {
	t.Helper()
	stream := ml.NewStream()
	t.Cleanup(stream.Close)
	d, err := NewDecoder(mode, domain, maxSeqLen, stream)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

// oneHot builds a logits row strongly favoring the given token.
func oneHot(vocab int, token int32) []float32 {
	row := make([]float32, vocab)
	row[token] = 16
	return row
}

func stepInput(rows [][]float32, slots []int32, endID int32, inputLens []int32, limit int32, maxBatch int) *Input {
	vocab := len(rows[0])
	flat := make([]float32, 0, len(rows)*vocab)
	for _, r := range rows {
		flat = append(flat, r...)
	}

	endIDs := make([]int32, maxBatch)
	limits := make([]int32, maxBatch)
	inLens := make([]int32, maxBatch)
	for i := range endIDs {
		endIDs[i] = endID
		limits[i] = limit
	}
	for i, slot := range slots {
		if inputLens != nil {
			inLens[slot] = inputLens[i]
		}
	}

	return &Input{
		BatchSize:           len(slots),
		BatchSlots:          slots,
		EndIDs:              endIDs,
		SequenceLimitLength: limits,
		InputLengths:        inLens,
		Logits:              NewLogits(len(rows), vocab, flat),
	}
}

func TestGreedyDecodeToMaxLength(t *testing.T) {
	// prompt [1,2,3], argmax always 5, hard limit 6
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1, 2, 3}, 1, 0)

	var done bool
	for step := range 3 {
		in := stepInput([][]float32{oneHot(8, 5)}, []int32{0}, 7, []int32{3}, 6, domain.MaxBatch)
		in.Step = step

		var err error
		done, err = d.Forward(out, in)
		if err != nil {
			t.Fatalf("Forward step %d: %v", step, err)
		}
	}

	if !done {
		t.Error("Forward did not report all done at the length limit")
	}
	want := []int32{1, 2, 3, 5, 5, 5}
	if diff := cmp.Diff(want, out.IDs[0][0][:6]); diff != "" {
		t.Errorf("output ids (-want +got):\n%s", diff)
	}
	if got := out.Finished[0][0]; got&FinishedMaxLength == 0 {
		t.Errorf("finish state = %v, want max length", got)
	}
}

func TestEOSFinishes(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1}, 1, 0)

	in := stepInput([][]float32{oneHot(8, 7)}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	done, err := d.Forward(out, in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !done {
		t.Error("slot not done after sampling its end id")
	}
	if got := out.Finished[0][0]; got&FinishedEOS == 0 {
		t.Errorf("finish state = %v, want EOS", got)
	}
	if got := out.FinishedSum[0]; got != 1 {
		t.Errorf("finishedSum = %d, want 1", got)
	}
}

func TestFinishedSlotIsSticky(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1}, 1, 0)

	in := stepInput([][]float32{oneHot(8, 7)}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	lenBefore := out.SequenceLengths[0][0]
	idsBefore := append([]int32(nil), out.IDs[0][0][:lenBefore]...)

	// a later step with different logits must not disturb a terminal slot
	in = stepInput([][]float32{oneHot(8, 2)}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got := out.SequenceLengths[0][0]; got != lenBefore {
		t.Errorf("sequence length moved from %d to %d after finish", lenBefore, got)
	}
	if diff := cmp.Diff(idsBefore, out.IDs[0][0][:lenBefore]); diff != "" {
		t.Errorf("output ids changed after finish (-before +after):\n%s", diff)
	}
}

func TestSamplingDeterminism(t *testing.T) {
	domain := testDomain()
	rows := [][]float32{{0.3, 1.1, -0.4, 2.2, 0.9, -1.5, 0.2, 0.8}}

	run := func() ([]int32, []float32) {
		d := newTestDecoder(t, ModeTopKTopP, domain, 32)
		cfg := &SamplingConfig{
			BeamWidth:   1,
			RandomSeed:  []uint64{99},
			Temperature: []float32{0.7},
			TopK:        []int32{4},
			TopP:        []float32{0.95},
		}
		if err := d.Setup(cfg, 1, []int32{0}); err != nil {
			t.Fatalf("Setup: %v", err)
		}
		out := NewOutput(domain, 32)
		out.SeedPrompt(0, []int32{1}, 1, 0)

		for range 16 {
			in := stepInput(rows, []int32{0}, 7, []int32{1}, 32, domain.MaxBatch)
			if _, err := d.Forward(out, in); err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if out.Finished[0][0].IsFinished() {
				break
			}
		}
		n := out.SequenceLengths[0][0]
		return append([]int32(nil), out.IDs[0][0][:n]...),
			append([]float32(nil), out.CumLogProbs[0]...)
	}

	ids1, cum1 := run()
	ids2, cum2 := run()
	if diff := cmp.Diff(ids1, ids2); diff != "" {
		t.Errorf("output ids diverged across identical runs:\n%s", diff)
	}
	if diff := cmp.Diff(cum1, cum2); diff != "" {
		t.Errorf("cumulative log probs diverged across identical runs:\n%s", diff)
	}
}

func TestTopPDecayAndReset(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 32)

	cfg := &SamplingConfig{
		BeamWidth:    1,
		Temperature:  []float32{1},
		TopP:         []float32{0.8},
		TopPDecay:    []float32{0.5},
		TopPMin:      []float32{0.15},
		TopPResetIDs: []int32{5},
	}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	layer := d.pipeline.layers[2].(*samplingLayer)

	out := NewOutput(domain, 32)
	out.SeedPrompt(0, []int32{1}, 1, 0)

	// drawing non-reset tokens decays the running top-p toward the floor
	for _, want := range []float32{0.4, 0.2, 0.15, 0.15} {
		in := stepInput([][]float32{oneHot(8, 2)}, []int32{0}, 7, []int32{1}, 32, domain.MaxBatch)
		if _, err := d.Forward(out, in); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if got := layer.runtimeTopP[0]; math.Abs(float64(got-want)) > 1e-6 {
			t.Fatalf("running topP = %v, want %v", got, want)
		}
	}

	// a reset token restores the initial value
	in := stepInput([][]float32{oneHot(8, 5)}, []int32{0}, 7, []int32{1}, 32, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := layer.runtimeTopP[0]; math.Abs(float64(got-0.8)) > 1e-6 {
		t.Errorf("running topP after reset token = %v, want 0.8", got)
	}
}

func TestMinLengthSuppressesEOS(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{
		BeamWidth:   1,
		Temperature: []float32{0},
		MinLength:   []int32{1},
	}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1}, 1, 0)

	// the end id has the best logit, token 4 the runner-up
	row := oneHot(8, 7)
	row[4] = 8

	in := stepInput([][]float32{row}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.IDs[0][0][1]; got != 4 {
		t.Errorf("token under min length = %d, want runner-up 4", got)
	}
	if out.Finished[0][0].IsFinished() {
		t.Error("slot finished before min length")
	}

	// past min length EOS wins again
	in = stepInput([][]float32{row}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.IDs[0][0][2]; got != 7 {
		t.Errorf("token past min length = %d, want end id 7", got)
	}
	if got := out.Finished[0][0]; got&FinishedEOS == 0 {
		t.Errorf("finish state = %v, want EOS", got)
	}
}

func TestRepetitionPenaltyAvoidsHistory(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{
		BeamWidth:         1,
		Temperature:       []float32{0},
		RepetitionPenalty: []float32{8},
	}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{3}, 1, 0)

	// token 3 leads slightly; the penalty on the prompt token flips the
	// argmax to token 6
	row := make([]float32, 8)
	row[3] = 4
	row[6] = 3.5

	in := stepInput([][]float32{row}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.IDs[0][0][1]; got != 6 {
		t.Errorf("token with repetition penalty = %d, want 6", got)
	}
}

func TestBadWordsMasking(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1, 2}, 1, 0)

	row := oneHot(8, 3)
	row[4] = 8

	in := stepInput([][]float32{row}, []int32{0}, 7, []int32{2}, 16, domain.MaxBatch)
	in.BadWords = &WordLists{Words: [][][]int32{{{2, 3}}}}

	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.IDs[0][0][2]; got != 4 {
		t.Errorf("token with [2 3] banned after tail 2 = %d, want 4", got)
	}
}

func TestStopWordsFinish(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{5}, 1, 0)

	in := stepInput([][]float32{oneHot(8, 6)}, []int32{0}, 7, []int32{1}, 16, domain.MaxBatch)
	in.StopWords = &WordLists{Words: [][][]int32{{{5, 6}}}}

	done, err := d.Forward(out, in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !done {
		t.Error("slot not done after matching a stop word")
	}
	if got := out.Finished[0][0]; got&FinishedStopWords == 0 {
		t.Errorf("finish state = %v, want stop words", got)
	}
}

func TestSetupValidation(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	// beam width mismatch for a sampling decoder
	err := d.Setup(&SamplingConfig{BeamWidth: 2}, 1, []int32{0})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Setup with beam width 2 = %v, want ErrInvalidArgument", err)
	}

	// ragged parameter vector
	err = d.Setup(&SamplingConfig{BeamWidth: 1, Temperature: []float32{1, 1, 1}}, 2, []int32{0, 1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Setup with ragged temperature = %v, want ErrInvalidArgument", err)
	}

	// slot outside the domain
	err = d.Setup(&SamplingConfig{BeamWidth: 1}, 1, []int32{77})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Setup with slot 77 = %v, want ErrInvalidArgument", err)
	}
}

func TestHalfPrecisionLogits(t *testing.T) {
	domain := testDomain()
	d := newTestDecoder(t, ModeTopKTopP, domain, 16)

	cfg := &SamplingConfig{BeamWidth: 1, Temperature: []float32{0}}
	if err := d.Setup(cfg, 1, []int32{0}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	out := NewOutput(domain, 16)
	out.SeedPrompt(0, []int32{1}, 1, 0)

	bits := ml.F32ToF16(oneHot(8, 5), nil)
	in := &Input{
		BatchSize:           1,
		BatchSlots:          []int32{0},
		EndIDs:              []int32{7, 7, 7, 7},
		SequenceLimitLength: []int32{16, 16, 16, 16},
		InputLengths:        []int32{1, 0, 0, 0},
		Logits:              NewLogitsF16(1, 8, bits),
	}
	if _, err := d.Forward(out, in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.IDs[0][0][1]; got != 5 {
		t.Errorf("token from half logits = %d, want 5", got)
	}
}
