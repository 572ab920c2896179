package attention

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/model"
)

const MaxGenerate = 20

// ClampGenerate bounds a requested generation length to [1, MaxGenerate].
func ClampGenerate(n int) int {
	if n > MaxGenerate {
		return MaxGenerate
	}
	if n < 1 {
		return 1
	}
	return n
}

// Generate appends n greedily decoded tokens to ids, re-extracting attention
// over the whole sequence after each one. Any failing step fails the call.
func (e *Extractor) Generate(ctx context.Context, ids []int, n int) (*model.AttentionResult, error) {
	n = ClampGenerate(n)
	logger := logutil.GetLogger(ctx).With(zap.Int("input_tokens", len(ids)), zap.Int("steps", n))

	seq := append(make([]int, 0, len(ids)+n), ids...)
	result := &model.AttentionResult{
		Tokens:          make([]model.Token, 0, len(ids)+n),
		GenerationSteps: make([]model.GenerationStep, 0, n+1),
	}
	for i, id := range ids {
		result.Tokens = append(result.Tokens, model.Token{
			Text:  e.tokenizer.Token(id),
			Index: i,
			Step:  model.IntPtr(0),
		})
	}

	layers, err := e.capture(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("generation step 0: %w", err)
	}
	result.AppendStep(0, layers)

	for step := 1; step <= n; step++ {
		next, err := e.nextToken(ctx, seq)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}
		seq = append(seq, next)
		result.Tokens = append(result.Tokens, model.Token{
			Text:  e.tokenizer.Token(next),
			Index: len(result.Tokens),
			Step:  model.IntPtr(step),
		})

		layers, err := e.capture(ctx, seq)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}
		result.AppendStep(step, layers)
		logger.Debug("generation step finished", zap.Int("step", step), zap.Int("token_id", next))
	}
	return result, nil
}
