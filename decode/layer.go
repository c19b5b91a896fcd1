package decode

// Workspace is the scratch memory shared by the pipeline's layers,
// allocated once per decoder at the maximum declared size.
type Workspace struct {
	F32 []float32
	I32 []int32
}

func newWorkspace(f32, i32 int) *Workspace {
	return &Workspace{
		F32: make([]float32, f32),
		I32: make([]int32, i32),
	}
}

// Layer is one stage of the decoding pipeline. Setup installs per-slot
// parameters sized to the domain's maximum batch; ForwardAsync transforms
// logits or produces tokens in place; WorkspaceSize pre-declares scratch
// elements so the decoder can allocate once.
type Layer interface {
	Setup(batchSize, beamWidth int, batchSlots []int32, cfg *SamplingConfig) error
	ForwardAsync(out *Output, in *Input, ws *Workspace) error
	WorkspaceSize() (f32, i32 int)
}

// workspaceCache memoizes workspace sizes keyed by problem shape. It is
// owned by one decoder, not process-global, so decoders with different
// lifetimes never share stale entries.
type workspaceCache struct {
	sizes map[[3]int]int
}

func newWorkspaceCache() *workspaceCache {
	return &workspaceCache{sizes: make(map[[3]int]int)}
}

func (c *workspaceCache) get(m, n, k int, compute func() int) int {
	key := [3]int{m, n, k}
	if size, ok := c.sizes[key]; ok {
		return size
	}
	size := compute()
	c.sizes[key] = size
	return size
}
