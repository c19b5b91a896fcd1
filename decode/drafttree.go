package decode

import (
	"fmt"

	"github.com/skiffml/skiff/sample"
)

// DraftTree describes one request's speculation tree: Paths lists root to
// leaf node-index sequences over maxDecodingTokens nodes, padded with -1.
// Node 0 is the golden token; deeper nodes are drafted expansions.
type DraftTree struct {
	Paths             [][]int32
	MaxDecodingTokens int
	MaxPathLen        int
}

// DraftTreeLayout is the per-request preparation output consumed by the
// attention and verification kernels.
type DraftTreeLayout struct {
	// GenerationLength counts the tree's valid tokens.
	GenerationLength int32

	// PositionOffsets holds each token's depth in the tree.
	PositionOffsets []int32

	// PackedMasks packs, per token, the ancestor-visibility bitmask in
	// uint32 groups of 32 tokens. Bit t of group g marks token g*32+t as
	// an attended ancestor (tokens attend to themselves).
	PackedMasks []uint32
}

// parents derives each node's parent from the path set; -1 marks the root
// and unused nodes.
func (t *DraftTree) parents() []int32 {
	parents := make([]int32, t.MaxDecodingTokens)
	for i := range parents {
		parents[i] = -1
	}
	for _, path := range t.Paths {
		for d := 1; d < len(path); d++ {
			if path[d] < 0 {
				break
			}
			parents[path[d]] = path[d-1]
		}
	}
	return parents
}

// used marks the nodes reachable through any path.
func (t *DraftTree) used() []bool {
	used := make([]bool, t.MaxDecodingTokens)
	for _, path := range t.Paths {
		for _, node := range path {
			if node < 0 {
				break
			}
			used[node] = true
		}
	}
	return used
}

// Layout computes the dense layout of the tree: depths, packed ancestor
// masks and the generation length.
func (t *DraftTree) Layout() (*DraftTreeLayout, error) {
	if t.MaxDecodingTokens <= 0 {
		return nil, fmt.Errorf("%w: draft tree with no tokens", ErrInvalidArgument)
	}

	parents := t.parents()
	used := t.used()

	groups := (t.MaxDecodingTokens + 31) / 32
	layout := &DraftTreeLayout{
		PositionOffsets: make([]int32, t.MaxDecodingTokens),
		PackedMasks:     make([]uint32, t.MaxDecodingTokens*groups),
	}

	for node := range t.MaxDecodingTokens {
		if !used[node] {
			continue
		}
		layout.GenerationLength++

		mask := layout.PackedMasks[node*groups : (node+1)*groups]
		for n := int32(node); n >= 0; n = parents[n] {
			mask[n/32] |= 1 << (n % 32)
		}

		depth := int32(0)
		for n := parents[node]; n >= 0; n = parents[n] {
			depth++
		}
		layout.PositionOffsets[node] = depth
	}
	return layout, nil
}

// ExtractTopKsFromPaths returns, for the nodes at the given tree level in
// first-appearance order, the number of distinct successors each expands
// into. These are the per-node top-k widths of the next drafter
// iteration.
func ExtractTopKsFromPaths(tree *DraftTree, levelID int) (topKs []int32, nodes []int32) {
	if levelID < 0 || levelID >= tree.MaxPathLen-1 {
		return nil, nil
	}

	successors := make(map[int32]map[int32]struct{})
	var order []int32
	for _, path := range tree.Paths {
		if levelID+1 >= len(path) || path[levelID] < 0 || path[levelID+1] < 0 {
			continue
		}
		node, child := path[levelID], path[levelID+1]
		set, ok := successors[node]
		if !ok {
			set = make(map[int32]struct{})
			successors[node] = set
			order = append(order, node)
		}
		set[child] = struct{}{}
	}

	topKs = make([]int32, len(order))
	for i, node := range order {
		topKs[i] = int32(len(successors[node]))
	}
	return topKs, order
}

// ExpandDraftLevel samples the top-k token expansions for each node at a
// tree level from the node's logits row. nodeLogits maps node index to
// its logits; the returned tokens are ordered by descending logit.
func ExpandDraftLevel(tree *DraftTree, levelID int, nodeLogits map[int32][]float32) (map[int32][]int32, error) {
	topKs, nodes := ExtractTopKsFromPaths(tree, levelID)
	expansions := make(map[int32][]int32, len(nodes))

	for i, node := range nodes {
		logits, ok := nodeLogits[node]
		if !ok {
			return nil, fmt.Errorf("%w: no logits for draft node %d", ErrInvalidArgument, node)
		}
		k := int(topKs[i])
		tokens := make([]int32, 0, k)
		probs := sample.Softmax(logits, nil)
		for range k {
			best := sample.Greedy(probs)
			tokens = append(tokens, best)
			probs[best] = 0
		}
		expansions[node] = tokens
	}
	return expansions, nil
}

// PackDraftLayouts packs per-slot layouts from sparse batch slots into
// dense tensors: generationLengths[batch], positionOffsets[batch *
// maxDecodingTokens] and packedMasks[batch * maxDecodingTokens * groups].
func PackDraftLayouts(layouts []*DraftTreeLayout, batchSlots []int32, maxDecodingTokens int) (generationLengths []int32, positionOffsets []int32, packedMasks []uint32) {
	groups := (maxDecodingTokens + 31) / 32
	batchSize := len(batchSlots)

	generationLengths = make([]int32, batchSize)
	positionOffsets = make([]int32, batchSize*maxDecodingTokens)
	packedMasks = make([]uint32, batchSize*maxDecodingTokens*groups)

	for i, slot := range batchSlots {
		layout := layouts[slot]
		if layout == nil {
			continue
		}
		generationLengths[i] = layout.GenerationLength
		copy(positionOffsets[i*maxDecodingTokens:], layout.PositionOffsets)
		copy(packedMasks[i*maxDecodingTokens*groups:], layout.PackedMasks)
	}
	return generationLengths, positionOffsets, packedMasks
}
