package sample

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGreedy(t *testing.T) {
	logits := []float32{-10, 3, 2, -1, 0, 4, 1.5, -3}
	if got := Greedy(logits); got != 5 {
		t.Errorf("Greedy = %d, want 5", got)
	}

	s := NewSampler(0, 0, 0, 0, 42)
	got, _, err := s.Sample(logits)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got != 5 {
		t.Errorf("greedy Sample = %d, want 5", got)
	}
}

func TestSampleDeterminism(t *testing.T) {
	src := rand.New(rand.NewPCG(7, 7))
	logits := make([]float32, 128)
	for i := range logits {
		logits[i] = float32(src.NormFloat64())
	}

	sampleRun := func() []int32 {
		s := NewSampler(0.8, 40, 0.9, 0.05, 1234)
		var ids []int32
		for range 32 {
			id, _, err := s.Sample(logits)
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			ids = append(ids, id)
		}
		return ids
	}

	if diff := cmp.Diff(sampleRun(), sampleRun()); diff != "" {
		t.Errorf("identical seeds diverged (-first +second):\n%s", diff)
	}
}

func TestTopKTruncates(t *testing.T) {
	logits := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	s := NewSampler(1, 2, 1, 0, 99)
	for range 64 {
		id, _, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if id != 6 && id != 7 {
			t.Fatalf("topK=2 drew token %d outside the top 2", id)
		}
	}
}

func TestTopPTruncates(t *testing.T) {
	// one dominant token and a flat tail: a small top-p keeps only the head
	logits := make([]float32, 16)
	logits[3] = 10
	s := NewSampler(1, 0, 0.5, 0, 7)
	for range 64 {
		id, _, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if id != 3 {
			t.Fatalf("topP=0.5 drew token %d, want 3", id)
		}
	}
}

func TestMinPFilters(t *testing.T) {
	logits := []float32{10, 9.9, 0, 0, 0}
	s := NewSampler(1, 0, 1, 0.5, 7)
	for range 64 {
		id, _, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if id != 0 && id != 1 {
			t.Fatalf("minP=0.5 drew token %d from the filtered tail", id)
		}
	}
}

func TestLogSoftmax(t *testing.T) {
	logits := []float32{1, 2, 3}
	var sum float64
	for i := range logits {
		sum += math.Exp(float64(LogSoftmax(logits, i)))
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("softmax probabilities sum to %v, want 1", sum)
	}
}

func TestSoftmaxNormalizes(t *testing.T) {
	probs := Softmax([]float32{-1, 0, 1, 2}, nil)
	var sum float64
	for _, p := range probs {
		sum += float64(p)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	for i := 1; i < len(probs); i++ {
		if probs[i] <= probs[i-1] {
			t.Errorf("probabilities not increasing with logits: %v", probs)
		}
	}
}

func TestSamplerTopPDecayHook(t *testing.T) {
	s := NewSampler(1, 0, 0.9, 0, 1)
	s.SetTopP(0.4)
	if got := s.TopP(); got != 0.4 {
		t.Errorf("TopP after SetTopP = %v, want 0.4", got)
	}
	s.SetTopP(2)
	if got := s.TopP(); got != 1 {
		t.Errorf("TopP clamps to 1, got %v", got)
	}
}
