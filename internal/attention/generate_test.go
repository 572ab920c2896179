package attention

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampGenerate(t *testing.T) {
	require.Equal(t, 20, ClampGenerate(25))
	require.Equal(t, 20, ClampGenerate(20))
	require.Equal(t, 3, ClampGenerate(3))
	require.Equal(t, 1, ClampGenerate(0))
}

func TestGenerate_BoundariesTrackCumulativeCounts(t *testing.T) {
	m := newTinyModel(t)
	ex := NewExtractor(m, idTokenizer{})
	ids := []int{3, 1, 4, 1, 5}
	const n = 3

	res, err := ex.Generate(context.Background(), ids, n)
	require.NoError(t, err)

	L, layers := len(ids), m.NumLayers()
	require.Len(t, res.Tokens, L+n)
	require.Len(t, res.GenerationSteps, n+1)
	require.Len(t, res.Layers, layers*(n+1))

	for i, tok := range res.Tokens {
		require.Equal(t, i, tok.Index)
		require.NotNil(t, tok.Step)
		if i < L {
			require.Equal(t, 0, *tok.Step)
		} else {
			require.Equal(t, i-L+1, *tok.Step)
		}
	}
	for step, boundary := range res.GenerationSteps {
		require.Equal(t, step, boundary.Step)
		require.Equal(t, L-1+step, boundary.TokenIndex)
		require.Equal(t, layers*(step+1)-1, boundary.LayerIndex)
	}
	for i, layer := range res.Layers {
		require.NotNil(t, layer.GenerationStep)
		require.Equal(t, i/layers, *layer.GenerationStep)
		require.Equal(t, i%layers, layer.Index)
	}
	// step N attends over the full sequence of L+N tokens
	last := res.Layers[len(res.Layers)-1].Heads[0].Edges
	maxSource := 0
	for _, e := range last {
		if e.Source > maxSource {
			maxSource = e.Source
		}
	}
	require.Equal(t, L+n-1, maxSource)
}

func TestGenerate_ClampsStepCount(t *testing.T) {
	rt := newFakeRuntime(2, 1)
	res, err := NewExtractor(rt, idTokenizer{}).Generate(context.Background(), []int{1}, 25)
	require.NoError(t, err)
	require.Len(t, res.GenerationSteps, MaxGenerate+1)
	require.Len(t, res.Tokens, 1+MaxGenerate)
	require.Equal(t, "t101", res.Tokens[1].Text)
}

func TestGenerate_FailureDiscardsPartialResult(t *testing.T) {
	rt := newFakeRuntime(2, 1)
	rt.failNext = 2
	res, err := NewExtractor(rt, idTokenizer{}).Generate(context.Background(), []int{1, 2}, 5)
	require.ErrorContains(t, err, "generation step 2")
	require.Nil(t, res)
	require.Zero(t, rt.hookCount())
}

func TestGenerate_IsDeterministic(t *testing.T) {
	m := newTinyModel(t)
	ex := NewExtractor(m, idTokenizer{})
	a, err := ex.Generate(context.Background(), []int{7, 7, 7}, 4)
	require.NoError(t, err)
	b, err := ex.Generate(context.Background(), []int{7, 7, 7}, 4)
	require.NoError(t, err)
	require.Equal(t, a.Tokens, b.Tokens)
}

func TestGenerate_StopsOnCanceledContext(t *testing.T) {
	m := newTinyModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor(m, idTokenizer{}).Generate(ctx, []int{1, 2}, 2)
	require.ErrorIs(t, err, context.Canceled)
}
