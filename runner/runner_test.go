package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffml/skiff/decode"
	"github.com/skiffml/skiff/kvcache"
	"github.com/skiffml/skiff/ml"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()

	domain := decode.DecoderDomain{
		MaxBatch:          2,
		MaxBeam:           1,
		VocabSize:         8,
		VocabSizePadded:   8,
		MaxDecodingTokens: 1,
	}
	cacheConfig := kvcache.Config{
		NumLayers:           1,
		NumKvHeads:          1,
		SizePerHead:         4,
		TokensPerBlock:      4,
		BlocksInPrimaryPool: 8,
		MaxSequences:        2,
		MaxBeamWidth:        1,
		DType:               ml.DTypeF32,
		EnableBlockReuse:    true,
	}

	r, err := New(decode.ModeTopKTopP, domain, 32, cacheConfig)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func greedyInput(r *Runner, slots []int32, token int32, endID int32) *decode.Input {
	rows := make([]float32, len(slots)*8)
	for i := range slots {
		rows[i*8+int(token)] = 16
	}

	endIDs := make([]int32, 2)
	inputLens := make([]int32, 2)
	for i := range endIDs {
		endIDs[i] = endID
	}
	for _, slot := range slots {
		if seq := r.Sequence(int(slot)); seq != nil {
			inputLens[slot] = int32(seq.promptLen)
		}
	}

	return &decode.Input{
		BatchSize:           len(slots),
		BatchSlots:          slots,
		EndIDs:              endIDs,
		InputLengths:        inputLens,
		SequenceLimitLength: r.SequenceLimit(),
		Logits:              decode.NewLogits(len(slots), 8, rows),
	}
}

func TestRunnerLifecycle(t *testing.T) {
	r := testRunner(t)

	slot, err := r.Admit(context.Background(), Request{
		PromptTokens: []int32{1, 2, 3},
		MaxNewTokens: 3,
		EndID:        7,
		Sampling:     decode.SamplingConfig{Temperature: []float32{0}},
	})
	require.NoError(t, err)
	require.Equal(t, StateContext, r.Sequence(slot).State())

	var done bool
	for range 3 {
		done, err = r.Step(greedyInput(r, []int32{int32(slot)}, 5, 7))
		require.NoError(t, err)
	}

	require.True(t, done, "runner not done at the token budget")
	seq := r.Sequence(slot)
	assert.Equal(t, StateFinishedMaxLength, seq.State())
	assert.Equal(t, []int32{1, 2, 3, 5, 5, 5}, r.Output().IDs[slot][0][:6])

	// decoded tokens advanced the KV cache alongside the outputs
	stats := r.Cache().GetStats()
	assert.Equal(t, 2, stats.UsedNumBlocks)

	r.Remove(slot)
	assert.Nil(t, r.Sequence(slot))
	assert.Equal(t, r.Cache().GetMaxNumBlocks(), r.Cache().GetNumFreeBlocks(),
		"blocks leaked after removing the only sequence")
}

func TestRunnerEOSTransition(t *testing.T) {
	r := testRunner(t)

	slot, err := r.Admit(context.Background(), Request{
		PromptTokens: []int32{1},
		MaxNewTokens: 8,
		EndID:        7,
		Sampling:     decode.SamplingConfig{Temperature: []float32{0}},
	})
	require.NoError(t, err)

	// a non-EOS step moves the slot into generation
	_, err = r.Step(greedyInput(r, []int32{int32(slot)}, 2, 7))
	require.NoError(t, err)
	require.Equal(t, StateGeneration, r.Sequence(slot).State())

	done, err := r.Step(greedyInput(r, []int32{int32(slot)}, 7, 7))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateFinishedEOS, r.Sequence(slot).State())

	r.Remove(slot)
}

func TestRunnerAdmissionBound(t *testing.T) {
	r := testRunner(t)

	req := Request{
		PromptTokens: []int32{1, 2, 3, 4},
		MaxNewTokens: 4,
		EndID:        7,
		Sampling:     decode.SamplingConfig{Temperature: []float32{0}},
	}

	s0, err := r.Admit(context.Background(), req)
	require.NoError(t, err)
	_, err = r.Admit(context.Background(), req)
	require.NoError(t, err)

	// the slot table is full: a bounded admit must fail its context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Admit(ctx, req)
	assert.Error(t, err)

	// freeing a slot lets the next admit through
	r.Remove(s0)
	s2, err := r.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, s0, s2, "freed slot not reassigned")
}

func TestRunnerRewind(t *testing.T) {
	r := testRunner(t)

	slot, err := r.Admit(context.Background(), Request{
		PromptTokens: []int32{1, 2, 3, 4},
		MaxNewTokens: 16,
		EndID:        7,
		Sampling:     decode.SamplingConfig{Temperature: []float32{0}},
	})
	require.NoError(t, err)

	for range 5 {
		_, err = r.Step(greedyInput(r, []int32{int32(slot)}, 2, 7))
		require.NoError(t, err)
	}
	require.EqualValues(t, 9, r.Output().SequenceLengths[slot][0])

	r.Rewind(slot, 3)

	assert.EqualValues(t, 6, r.Output().SequenceLengths[slot][0])
	assert.Equal(t, 2, r.Cache().GetStats().UsedNumBlocks, "rewind did not release the tail block")
}
