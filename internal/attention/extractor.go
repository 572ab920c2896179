package attention

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/gpt2"
	"github.com/xxxsen/attnscope/internal/model"
)

const DefaultThreshold = 0.01

// Runtime is the model surface the extractor drives. Hooks are model-wide,
// so every forward pass must run under the extractor's inference lock.
type Runtime interface {
	AddAttentionHook(hook gpt2.AttentionHook) (remove func())
	Forward(ctx context.Context, ids []int) ([]float32, error)
	NextToken(ctx context.Context, ids []int) (int, error)
	NumLayers() int
	NumHeads() int
	MaxPositions() int
}

type Tokenizer interface {
	Token(id int) string
}

type Extractor struct {
	runtime   Runtime
	tokenizer Tokenizer
	threshold float64
	mu        sync.Mutex
}

type Option func(*Extractor)

// WithThreshold sets the minimum weight (exclusive) an edge needs to be kept.
func WithThreshold(threshold float64) Option {
	return func(e *Extractor) {
		if threshold >= 0 {
			e.threshold = threshold
		}
	}
}

func NewExtractor(runtime Runtime, tokenizer Tokenizer, opts ...Option) *Extractor {
	e := &Extractor{
		runtime:   runtime,
		tokenizer: tokenizer,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs one forward pass over ids and returns the tokens together with
// every captured layer's sparsified attention.
func (e *Extractor) Extract(ctx context.Context, ids []int) (*model.AttentionResult, error) {
	layers, err := e.capture(ctx, ids)
	if err != nil {
		return nil, err
	}
	tokens := make([]model.Token, len(ids))
	for i, id := range ids {
		tokens[i] = model.Token{Text: e.tokenizer.Token(id), Index: i}
	}
	return &model.AttentionResult{Tokens: tokens, Layers: layers}, nil
}

func (e *Extractor) capture(ctx context.Context, ids []int) ([]model.LayerAttention, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	layers := make([]model.LayerAttention, 0, e.runtime.NumLayers())
	remove := e.runtime.AddAttentionHook(func(layer int, weights [][][]float32) {
		layers = append(layers, model.LayerAttention{
			Index: layer,
			Heads: sparsify(weights, e.threshold),
		})
	})
	defer remove()

	if _, err := e.runtime.Forward(ctx, ids); err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if want := e.runtime.NumLayers(); len(layers) != want {
		logutil.GetLogger(ctx).Warn("attention capture count mismatch",
			zap.Int("captured", len(layers)),
			zap.Int("layers", want),
		)
	}
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].Index < layers[j].Index
	})
	return layers, nil
}

func (e *Extractor) nextToken(ctx context.Context, ids []int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime.NextToken(ctx, ids)
}

// sparsify keeps entries strictly above threshold, scanning each head's
// matrix row-major so the edge order is deterministic.
func sparsify(weights [][][]float32, threshold float64) []model.HeadAttention {
	heads := make([]model.HeadAttention, len(weights))
	for h, matrix := range weights {
		edges := make([]model.AttentionEdge, 0)
		for q, row := range matrix {
			for k, w := range row {
				if float64(w) > threshold {
					edges = append(edges, model.AttentionEdge{Source: q, Target: k, Weight: float64(w)})
				}
			}
		}
		heads[h] = model.HeadAttention{Index: h, Edges: edges}
	}
	return heads
}
