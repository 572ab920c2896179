package attention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/attnscope/internal/gpt2"
	"github.com/xxxsen/attnscope/internal/model"
)

type idTokenizer struct{}

func (idTokenizer) Token(id int) string {
	return fmt.Sprintf("t%d", id)
}

// fakeRuntime feeds fixed attention matrices to registered hooks.
type fakeRuntime struct {
	mu        sync.Mutex
	layers    int
	heads     int
	skipLayer int
	matrix    func(layer, head, t int) [][]float32
	fwdErr    error
	failNext  int
	nextCalls int
	hooks     map[int]gpt2.AttentionHook
	hookSeq   int
}

func newFakeRuntime(layers, heads int) *fakeRuntime {
	return &fakeRuntime{
		layers:    layers,
		heads:     heads,
		skipLayer: -1,
		hooks:     make(map[int]gpt2.AttentionHook),
		matrix: func(layer, head, t int) [][]float32 {
			m := make([][]float32, t)
			for q := range m {
				m[q] = make([]float32, t)
				for k := 0; k <= q; k++ {
					m[q][k] = 1 / float32(q+1)
				}
			}
			return m
		},
	}
}

func (f *fakeRuntime) AddAttentionHook(hook gpt2.AttentionHook) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookSeq++
	id := f.hookSeq
	f.hooks[id] = hook
	return func() {
		f.mu.Lock()
		delete(f.hooks, id)
		f.mu.Unlock()
	}
}

func (f *fakeRuntime) hookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hooks)
}

func (f *fakeRuntime) Forward(ctx context.Context, ids []int) ([]float32, error) {
	if f.fwdErr != nil {
		return nil, f.fwdErr
	}
	f.mu.Lock()
	hooks := make([]gpt2.AttentionHook, 0, len(f.hooks))
	for _, h := range f.hooks {
		hooks = append(hooks, h)
	}
	f.mu.Unlock()
	for l := 0; l < f.layers; l++ {
		if l == f.skipLayer {
			continue
		}
		weights := make([][][]float32, f.heads)
		for h := range weights {
			weights[h] = f.matrix(l, h, len(ids))
		}
		for _, hook := range hooks {
			hook(l, weights)
		}
	}
	return []float32{0}, nil
}

func (f *fakeRuntime) NextToken(ctx context.Context, ids []int) (int, error) {
	f.nextCalls++
	if f.failNext > 0 && f.nextCalls == f.failNext {
		return 0, errors.New("sampler exploded")
	}
	return 100 + f.nextCalls, nil
}

func (f *fakeRuntime) NumLayers() int { return f.layers }
func (f *fakeRuntime) NumHeads() int  { return f.heads }

func (f *fakeRuntime) MaxPositions() int { return 1024 }

func newTinyModel(t *testing.T) *gpt2.Model {
	t.Helper()
	m, err := gpt2.NewRandom(gpt2.Config{NLayer: 3, NHead: 4, NEmbd: 16, NPositions: 64, VocabSize: 50}, 11)
	require.NoError(t, err)
	return m
}

func TestExtract_ShapeMatchesModel(t *testing.T) {
	m := newTinyModel(t)
	ex := NewExtractor(m, idTokenizer{})
	ids := []int{4, 8, 15, 16, 23, 42}

	res, err := ex.Extract(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, res.Tokens, len(ids))
	for i, tok := range res.Tokens {
		require.Equal(t, i, tok.Index)
		require.Equal(t, fmt.Sprintf("t%d", ids[i]), tok.Text)
		require.Nil(t, tok.Step)
	}
	require.Len(t, res.Layers, m.NumLayers())
	for l, layer := range res.Layers {
		require.Equal(t, l, layer.Index)
		require.Nil(t, layer.GenerationStep)
		require.Len(t, layer.Heads, m.NumHeads())
	}
	require.Empty(t, res.GenerationSteps)
}

func TestExtract_EdgesEqualFullScan(t *testing.T) {
	m := newTinyModel(t)
	ids := []int{1, 2, 3, 4, 5, 6, 7}

	full := make(map[int][][][]float32)
	remove := m.AddAttentionHook(func(layer int, w [][][]float32) { full[layer] = w })
	res, err := NewExtractor(m, idTokenizer{}).Extract(context.Background(), ids)
	remove()
	require.NoError(t, err)

	for _, layer := range res.Layers {
		for _, head := range layer.Heads {
			var want []model.AttentionEdge
			for q, row := range full[layer.Index][head.Index] {
				for k, w := range row {
					if float64(w) > DefaultThreshold {
						want = append(want, model.AttentionEdge{Source: q, Target: k, Weight: float64(w)})
					}
				}
			}
			require.Equal(t, len(want), len(head.Edges))
			for i := range want {
				require.Equal(t, want[i], head.Edges[i])
				require.Greater(t, head.Edges[i].Weight, DefaultThreshold)
			}
		}
	}
}

func TestExtract_ThresholdIsExclusiveAndRowMajor(t *testing.T) {
	rt := newFakeRuntime(1, 1)
	rt.matrix = func(layer, head, t int) [][]float32 {
		return [][]float32{
			{0.01, 0.5},
			{0.02, 0.001},
		}
	}
	res, err := NewExtractor(rt, idTokenizer{}).Extract(context.Background(), []int{1, 2})
	require.NoError(t, err)
	edges := res.Layers[0].Heads[0].Edges
	require.Len(t, edges, 2)
	require.Equal(t, 0, edges[0].Source)
	require.Equal(t, 1, edges[0].Target)
	require.Equal(t, 1, edges[1].Source)
	require.Equal(t, 0, edges[1].Target)
	require.InDelta(t, 0.02, edges[1].Weight, 1e-7)
}

func TestExtract_CustomThreshold(t *testing.T) {
	rt := newFakeRuntime(1, 1)
	res, err := NewExtractor(rt, idTokenizer{}, WithThreshold(0.4)).Extract(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	// rows weigh 1, 1/2, 1/3: only the first two rows survive
	require.Len(t, res.Layers[0].Heads[0].Edges, 3)
}

func TestExtract_RemovesHookOnFailure(t *testing.T) {
	rt := newFakeRuntime(2, 2)
	rt.fwdErr = errors.New("device lost")
	_, err := NewExtractor(rt, idTokenizer{}).Extract(context.Background(), []int{1})
	require.ErrorContains(t, err, "device lost")
	require.Zero(t, rt.hookCount())
}

func TestExtract_RemovesHookOnSuccess(t *testing.T) {
	rt := newFakeRuntime(2, 2)
	ex := NewExtractor(rt, idTokenizer{})
	for i := 0; i < 3; i++ {
		res, err := ex.Extract(context.Background(), []int{1, 2})
		require.NoError(t, err)
		require.Len(t, res.Layers, 2)
	}
	require.Zero(t, rt.hookCount())
}

func TestExtract_MissingLayerIsOmitted(t *testing.T) {
	rt := newFakeRuntime(3, 1)
	rt.skipLayer = 1
	res, err := NewExtractor(rt, idTokenizer{}).Extract(context.Background(), []int{1, 2})
	require.NoError(t, err)
	require.Len(t, res.Layers, 2)
	require.Equal(t, 0, res.Layers[0].Index)
	require.Equal(t, 2, res.Layers[1].Index)
}

func TestExtract_IsIdempotent(t *testing.T) {
	m := newTinyModel(t)
	ex := NewExtractor(m, idTokenizer{})
	ids := []int{9, 8, 7, 6}
	a, err := ex.Extract(context.Background(), ids)
	require.NoError(t, err)
	b, err := ex.Extract(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestExtract_ConcurrentCallsDoNotMixCaptures(t *testing.T) {
	m := newTinyModel(t)
	ex := NewExtractor(m, idTokenizer{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids := make([]int, n+2)
			for j := range ids {
				ids[j] = j + 1
			}
			res, err := ex.Extract(context.Background(), ids)
			if err != nil {
				errs <- err
				return
			}
			if len(res.Layers) != m.NumLayers() {
				errs <- fmt.Errorf("got %d layers", len(res.Layers))
				return
			}
			for _, layer := range res.Layers {
				for _, head := range layer.Heads {
					for _, edge := range head.Edges {
						if edge.Source >= len(ids) || edge.Target >= len(ids) {
							errs <- fmt.Errorf("edge %v outside sequence of %d", edge, len(ids))
							return
						}
					}
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
