package decode

// banWordsLayer masks any token that would complete a bad-word sequence
// for its slot. It runs after the penalty layer, on the transformed
// logits, so masked tokens can never be drawn.
type banWordsLayer struct {
	domain DecoderDomain
}

func newBanWordsLayer(domain DecoderDomain) *banWordsLayer {
	return &banWordsLayer{domain: domain}
}

func (l *banWordsLayer) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	return nil
}

func (l *banWordsLayer) WorkspaceSize() (int, int) { return 0, 0 }

func (l *banWordsLayer) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	if in.BadWords == nil {
		return nil
	}

	for i := range in.BatchSize {
		slot := in.slot(i)
		words := in.BadWords.forSlot(slot)
		if len(words) == 0 {
			continue
		}

		for b := range in.BeamWidth {
			tail := out.IDs[slot][b][:out.SequenceLengths[slot][b]]
			logits := in.logitsFor(i, 0, b)
			for _, word := range words {
				if len(word) == 0 || int(word[len(word)-1]) >= len(logits) {
					continue
				}
				if tailMatches(tail, word[:len(word)-1]) {
					logits[word[len(word)-1]] = negInf
				}
			}
		}
	}
	return nil
}

// tailMatches reports whether seq ends with suffix.
func tailMatches(seq, suffix []int32) bool {
	if len(suffix) > len(seq) {
		return false
	}
	tail := seq[len(seq)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}
