package decode

// stopCriteriaLayer finishes beams whose tail matches a stop-word
// sequence or whose length reached the sequence limit, then refreshes the
// per-slot finished counts. It runs last in the chain.
type stopCriteriaLayer struct {
	domain DecoderDomain
}

func newStopCriteriaLayer(domain DecoderDomain) *stopCriteriaLayer {
	return &stopCriteriaLayer{domain: domain}
}

func (l *stopCriteriaLayer) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	return nil
}

func (l *stopCriteriaLayer) WorkspaceSize() (int, int) { return 0, 0 }

func (l *stopCriteriaLayer) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	for i := range in.BatchSize {
		slot := in.slot(i)
		words := in.StopWords.forSlot(slot)

		var finishedSum int32
		for b := range in.BeamWidth {
			state := out.Finished[slot][b]
			if !state.IsFinished() {
				seqLen := out.SequenceLengths[slot][b]
				tail := out.IDs[slot][b][:seqLen]
				for _, word := range words {
					if len(word) > 0 && tailMatches(tail, word) {
						state |= FinishedStopWords
						break
					}
				}
				if in.SequenceLimitLength != nil && seqLen >= in.SequenceLimitLength[slot] {
					state |= FinishedMaxLength
				}
				out.Finished[slot][b] = state
			}
			if state.IsFinished() {
				finishedSum++
			}
		}
		out.FinishedSum[slot] = finishedSum
	}
	return nil
}
