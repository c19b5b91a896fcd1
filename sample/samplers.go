// Package sample provides token samplers over per-step model logits:
// greedy, temperature with top-k/top-p/min-p truncation, and seeded
// categorical draws so that identical seeds and logits produce identical
// tokens.
package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// token associates a vocabulary id with a logit or probability, depending
// on the transform stage.
type token struct {
	id    int32
	value float32
}

// Sampler selects a token from logits. The zero value is not usable; use
// NewSampler.
type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
}

// NewSampler builds a sampler. Temperature 0 selects greedily. A zero
// topK considers the full vocabulary; topP and minP of 1 and 0 disable
// nucleus and min-p truncation.
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed uint64) Sampler {
	var rng *rand.Rand
	if temperature != 0 {
		rng = rand.New(rand.NewSource(seed))
	}

	if temperature < 0 {
		temperature = 0
	}
	if topP < 0 {
		topP = 0
	}
	if topP >= 1 {
		topP = 1
	}
	if minP < 0 {
		minP = 0
	}
	if minP >= 1 {
		minP = 1
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
	}
}

// SetTopP adjusts the running nucleus threshold; used by decay/reset
// schedules that tighten top-p as a sequence grows.
func (s *Sampler) SetTopP(p float32) {
	if p < 0 {
		p = 0
	}
	if p >= 1 {
		p = 1
	}
	s.topP = p
}

func (s *Sampler) TopP() float32 { return s.topP }

// Sample returns the id of the selected token along with the log
// probability of the draw under the truncated distribution.
func (s *Sampler) Sample(logits []float32) (int32, float32, error) {
	if len(logits) == 0 {
		return -1, 0, errors.New("sample: no logits provided")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	t, logProb, err := s.sample(tokens)
	if err != nil {
		return -1, 0, err
	}

	return t.id, logProb, nil
}

func (s *Sampler) sample(tokens []token) (token, float32, error) {
	if s.temperature == 0 {
		// greedy: probability mass collapses onto the argmax
		best := tokens[0]
		for _, t := range tokens[1:] {
			if t.value > best.value {
				best = t
			}
		}
		return best, 0, nil
	}

	tokens = topK(tokens, s.topK)
	tokens = temperature(tokens, s.temperature)
	tokens = softmax(tokens)
	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var total float64
	weights := make([]float64, len(tokens))
	for i, t := range tokens {
		weights[i] = float64(t.value)
		total += weights[i]
	}

	w := sampleuv.NewWeighted(weights, s.rng)
	idx, ok := w.Take()
	if !ok {
		return token{}, 0, errors.New("sample: weighted draw failed")
	}

	// probability renormalized over the truncated set
	logProb := float32(math.Log(weights[idx] / total))
	return tokens[idx], logProb, nil
}

// Greedy returns the argmax token id, breaking ties toward the lower id.
func Greedy(logits []float32) int32 {
	idx := 0
	for i, v := range logits {
		if v > logits[idx] {
			idx = i
		}
	}
	return int32(idx)
}

// LogSoftmax returns the log probability of the token at idx under the
// full softmax of logits.
func LogSoftmax(logits []float32, idx int) float32 {
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
	return logits[idx] - maxVal - float32(math.Log(sum))
}

// Softmax writes the probability distribution of logits into dst,
// allocating when dst is nil.
func Softmax(logits []float32, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(logits))
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
	return dst
}
