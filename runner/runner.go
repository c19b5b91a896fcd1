// Package runner orchestrates admitted requests between the external
// scheduler and the decoding core: it assigns batch slots, keeps the KV
// cache in step with decoded tokens, and drives each slot's lifecycle
// from context through generation to a terminal state.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skiffml/skiff/decode"
	"github.com/skiffml/skiff/kvcache"
	"github.com/skiffml/skiff/logutil"
	"github.com/skiffml/skiff/ml"
)

// Runner couples one decoder with one KV cache manager. It is driven from
// a single thread; admission is bounded by a semaphore sized to the
// domain's max batch so callers block (or fail their context) instead of
// overflowing the slot table.
type Runner struct {
	domain    decode.DecoderDomain
	maxSeqLen int

	decoder *decode.Decoder
	cache   *kvcache.Manager
	stream  *ml.Stream

	out *decode.Output

	seqs    []*Sequence
	seqsSem *semaphore.Weighted
}

func New(mode decode.DecodingMode, domain decode.DecoderDomain, maxSeqLen int, cacheConfig kvcache.Config) (*Runner, error) {
	stream := ml.NewStream()

	decoder, err := decode.NewDecoder(mode, domain, maxSeqLen, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &Runner{
		domain:    domain,
		maxSeqLen: maxSeqLen,
		decoder:   decoder,
		cache:     kvcache.NewManager(cacheConfig, stream),
		stream:    stream,
		out:       decode.NewOutput(domain, maxSeqLen),
		seqs:      make([]*Sequence, domain.MaxBatch),
		seqsSem:   semaphore.NewWeighted(int64(domain.MaxBatch)),
	}, nil
}

func (r *Runner) Close() {
	r.stream.Close()
}

func (r *Runner) Decoder() *decode.Decoder { return r.decoder }
func (r *Runner) Cache() *kvcache.Manager  { return r.cache }
func (r *Runner) Output() *decode.Output   { return r.out }

func (r *Runner) Sequence(slot int) *Sequence { return r.seqs[slot] }

// Admit assigns a free slot to the request, seeds its prompt, allocates
// its context cache blocks and installs its sampling parameters. Blocks
// until a slot frees up or ctx is done.
func (r *Runner) Admit(ctx context.Context, req Request) (int, error) {
	if err := r.seqsSem.Acquire(ctx, 1); err != nil {
		return -1, err
	}

	slot := -1
	for i, seq := range r.seqs {
		if seq == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.seqsSem.Release(1)
		return -1, fmt.Errorf("%w: no free slot", kvcache.ErrMaxBatchExceeded)
	}

	beamWidth := max(req.BeamWidth, 1)
	if err := r.cache.AddSequence(slot, len(req.PromptTokens), beamWidth, req.PromptTokens); err != nil {
		r.seqsSem.Release(1)
		return -1, err
	}

	cfg := req.Sampling
	cfg.BeamWidth = beamWidth
	if err := r.decoder.Setup(&cfg, 1, []int32{int32(slot)}); err != nil {
		r.cache.RemoveSequence(slot, nil)
		r.seqsSem.Release(1)
		return -1, err
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	hypCap := 0
	if beamWidth > 1 {
		hypCap = 2 * beamWidth
	}
	r.out.SeedPrompt(slot, req.PromptTokens, beamWidth, hypCap)

	r.seqs[slot] = &Sequence{
		id:           id,
		slot:         slot,
		state:        StateContext,
		promptLen:    len(req.PromptTokens),
		maxNewTokens: req.MaxNewTokens,
		beamWidth:    beamWidth,
		endID:        req.EndID,
		cachedTokens: len(req.PromptTokens),
	}

	slog.Debug("admitted request", "id", id, "slot", slot,
		"promptLen", len(req.PromptTokens), "beamWidth", beamWidth,
		"prepopulated", r.cache.GetNumPrepopulatedTokens(slot, 0))
	return slot, nil
}

// Step runs one decoding step over the slots named by in.BatchSlots,
// advances the KV cache by each slot's decoded tokens and updates slot
// lifecycles. Returns true when every stepped slot is terminal.
func (r *Runner) Step(in *decode.Input) (bool, error) {
	allDone, err := r.decoder.Forward(r.out, in)
	if err != nil {
		return false, err
	}

	for i := range in.BatchSize {
		slot := int(in.BatchSlots[i])
		seq := r.seqs[slot]
		if seq == nil || seq.state.Finished() {
			continue
		}

		newLen := int(r.out.SequenceLengths[slot][0])
		for seq.cachedTokens < newLen {
			if err := r.cache.AddToken(slot); err != nil {
				return false, err
			}
			seq.cachedTokens++
		}

		if seq.state == StateContext && newLen > seq.promptLen {
			seq.state = StateGeneration
			logutil.Trace("context complete", "slot", slot, "id", seq.id)
		}

		if st := finishedState(r.out.Finished[slot][0]); st.Finished() {
			seq.state = st
			logutil.Trace("sequence finished", "slot", slot, "id", seq.id, "state", st)
		}
	}

	return allDone, nil
}

// Rewind rolls a slot back n tokens after rejected speculation, in both
// the decoder output and the KV cache.
func (r *Runner) Rewind(slot, n int) {
	seq := r.seqs[slot]
	if seq == nil {
		panic(fmt.Errorf("runner: rewinding idle slot %d", slot))
	}

	r.cache.RewindKVCache(slot, n)
	seq.cachedTokens -= n
	for b := range seq.beamWidth {
		r.out.SequenceLengths[slot][b] -= int32(n)
	}
}

// Remove releases a slot between steps. For a single-beam sequence its
// tokens are offered to the cache for prefix reuse, whatever its state.
func (r *Runner) Remove(slot int) {
	seq := r.seqs[slot]
	if seq == nil {
		return
	}

	var tokens []int32
	if seq.beamWidth == 1 {
		tokens = r.out.IDs[slot][0][:r.out.SequenceLengths[slot][0]]
	}
	r.cache.RemoveSequence(slot, tokens)

	r.seqs[slot] = nil
	r.seqsSem.Release(1)
	slog.Debug("removed request", "id", seq.id, "slot", slot, "state", seq.state)
}

// SequenceLimit derives the per-slot hard length limit handed to the
// decoder input for this runner's admitted sequences.
func (r *Runner) SequenceLimit() []int32 {
	limits := make([]int32, r.domain.MaxBatch)
	for slot, seq := range r.seqs {
		if seq == nil {
			limits[slot] = int32(r.maxSeqLen)
			continue
		}
		limits[slot] = int32(min(seq.promptLen+seq.maxNewTokens, r.maxSeqLen))
	}
	return limits
}
