package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/attention"
	"github.com/xxxsen/attnscope/internal/metrics"
	"github.com/xxxsen/attnscope/internal/model"
	"github.com/xxxsen/attnscope/internal/modelstore"
	appErr "github.com/xxxsen/attnscope/internal/pkg/errors"
	"github.com/xxxsen/attnscope/internal/tokenizer"
)

type Encoder interface {
	Encode(text string) ([]int, error)
	Token(id int) string
}

// Engine is what a successful model load yields.
type Engine struct {
	Tokenizer Encoder
	Runtime   attention.Runtime
}

type Loader func(ctx context.Context) (*Engine, error)

// BundleLoader loads the tokenizer and model files from store.
func BundleLoader(store modelstore.Store, bpeCacheSize int) Loader {
	return func(ctx context.Context) (*Engine, error) {
		bundle, err := modelstore.LoadBundle(ctx, store, tokenizer.WithCacheSize(bpeCacheSize))
		if err != nil {
			return nil, err
		}
		return &Engine{Tokenizer: bundle.Tokenizer, Runtime: bundle.Model}, nil
	}
}

type Limits struct {
	MaxTokens   int
	MaxGenerate int
	Threshold   float64
}

type AttentionService struct {
	load    Loader
	limits  Limits
	metrics *metrics.Metrics

	loadMu    sync.Mutex
	attempted bool
	loadErr   error
	state     atomic.Pointer[engineState]
}

type engineState struct {
	encoder      Encoder
	extractor    *attention.Extractor
	maxPositions int
}

func NewAttentionService(load Loader, limits Limits, m *metrics.Metrics) *AttentionService {
	if limits.MaxTokens <= 0 {
		limits.MaxTokens = 100
	}
	if limits.MaxGenerate <= 0 || limits.MaxGenerate > attention.MaxGenerate {
		limits.MaxGenerate = attention.MaxGenerate
	}
	if limits.Threshold <= 0 {
		limits.Threshold = attention.DefaultThreshold
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &AttentionService{load: load, limits: limits, metrics: m}
}

func (s *AttentionService) Limits() Limits {
	return s.limits
}

// Loaded reports whether the model has been loaded successfully. It does not
// wait for a load in progress.
func (s *AttentionService) Loaded() bool {
	return s.state.Load() != nil
}

// Warmup loads the model now instead of on the first request.
func (s *AttentionService) Warmup(ctx context.Context) error {
	_, err := s.ensure(ctx)
	return err
}

// ensure loads the model at most once per process. A failed load is kept
// and reported to every later caller.
func (s *AttentionService) ensure(ctx context.Context) (*engineState, error) {
	if st := s.state.Load(); st != nil {
		return st, nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if !s.attempted {
		s.attempted = true
		logger := logutil.GetLogger(ctx)
		logger.Info("loading model")
		eng, err := s.load(context.WithoutCancel(ctx))
		if err != nil {
			logger.Error("load model failed", zap.Error(err))
			s.loadErr = err
		} else {
			s.state.Store(&engineState{
				encoder:      eng.Tokenizer,
				extractor:    attention.NewExtractor(eng.Runtime, eng.Tokenizer, attention.WithThreshold(s.limits.Threshold)),
				maxPositions: eng.Runtime.MaxPositions(),
			})
			s.metrics.SetModelLoaded(true)
		}
	}
	if s.loadErr != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrModelUnavailable, s.loadErr)
	}
	return s.state.Load(), nil
}

// Analyze tokenizes text and returns its attention, optionally across
// generate greedily decoded tokens.
func (s *AttentionService) Analyze(ctx context.Context, text string, generate int) (*model.AttentionResult, error) {
	mode := metrics.ModeSingle
	if generate > 0 {
		mode = metrics.ModeGenerate
	}
	result, err := s.analyze(ctx, text, generate, true)
	switch {
	case err == nil:
		s.metrics.ObserveRequest(mode, metrics.ResultOK)
	case appErr.IsInvalid(err):
		s.metrics.ObserveRequest(mode, metrics.ResultRejected)
	default:
		s.metrics.ObserveRequest(mode, metrics.ResultError)
	}
	return result, err
}

// Check runs a single-pass extraction of text on an already loaded model
// without recording request metrics. It returns ErrModelUnavailable instead
// of starting the load.
func (s *AttentionService) Check(ctx context.Context, text string) (*model.AttentionResult, error) {
	if !s.Loaded() {
		return nil, fmt.Errorf("%w: not loaded yet", appErr.ErrModelUnavailable)
	}
	return s.analyze(ctx, text, 0, false)
}

func (s *AttentionService) analyze(ctx context.Context, text string, generate int, record bool) (*model.AttentionResult, error) {
	if text == "" {
		return nil, appErr.ErrNoText
	}
	st, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := st.encoder.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(ids) == 0 {
		return nil, appErr.ErrNoText
	}
	if len(ids) > s.limits.MaxTokens {
		return nil, fmt.Errorf("%w: %d tokens", appErr.ErrTextTooLong, len(ids))
	}
	if generate > s.limits.MaxGenerate {
		generate = s.limits.MaxGenerate
	}
	if generate < 0 {
		generate = 0
	}
	if total := len(ids) + generate; total > st.maxPositions {
		return nil, fmt.Errorf("%w: %d prompt tokens plus %d generated exceed %d positions",
			appErr.ErrContextExceeded, len(ids), generate, st.maxPositions)
	}

	mode := metrics.ModeSingle
	if generate > 0 {
		mode = metrics.ModeGenerate
	}
	if record {
		s.metrics.ObservePromptTokens(len(ids))
	}
	logger := logutil.GetLogger(ctx).With(zap.String("mode", mode), zap.Int("tokens", len(ids)), zap.Int("generate", generate))
	start := time.Now()
	var result *model.AttentionResult
	if generate > 0 {
		result, err = st.extractor.Generate(ctx, ids, generate)
	} else {
		result, err = st.extractor.Extract(ctx, ids)
	}
	elapsed := time.Since(start)
	if record {
		s.metrics.ObserveInference(mode, elapsed)
	}
	if err != nil {
		logger.Error("attention extraction failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return nil, err
	}
	logger.Info("attention extracted", zap.Int("layers", len(result.Layers)), zap.Duration("elapsed", elapsed))
	return result, nil
}
