package decode

import "fmt"

// Pipeline is the ordered layer chain for one decoding mode, fixed at
// construction. Penalties run first, banned words are masked next, the
// mode's main layer produces tokens, and stop criteria run last.
type Pipeline struct {
	layers []Layer
}

func newPipeline(mode DecodingMode, domain DecoderDomain, maxSeqLen int) (*Pipeline, error) {
	layers := []Layer{
		newPenaltyLayer(domain, mode, maxSeqLen),
		newBanWordsLayer(domain),
	}

	switch mode {
	case ModeTopKTopP, ModeTopK, ModeTopP, ModeMinP, ModeMedusa, ModeEagle, ModeExplicit:
		layers = append(layers, newSamplingLayer(domain, mode))
	case ModeBeamSearch:
		layers = append(layers, newBeamSearchLayer(domain))
	default:
		return nil, fmt.Errorf("%w: decoding mode %s", ErrUnsupported, mode)
	}

	layers = append(layers, newStopCriteriaLayer(domain))
	return &Pipeline{layers: layers}, nil
}

func (p *Pipeline) Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error {
	for _, l := range p.layers {
		if err := l.Setup(batchSize, beamWidth, batchSlots, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) ForwardAsync(out *Output, in *Input, ws *Workspace) error {
	for _, l := range p.layers {
		if err := l.ForwardAsync(out, in, ws); err != nil {
			return err
		}
	}
	return nil
}

// WorkspaceSize returns the maximum scratch requirement over the chain.
func (p *Pipeline) WorkspaceSize() (f32, i32 int) {
	for _, l := range p.layers {
		lf, li := l.WorkspaceSize()
		f32 = max(f32, lf)
		i32 = max(i32, li)
	}
	return f32, i32
}
