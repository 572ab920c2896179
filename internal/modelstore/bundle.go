package modelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/gpt2"
	"github.com/xxxsen/attnscope/internal/tokenizer"
)

// Bundle is a tokenizer and model pair loaded from one source.
type Bundle struct {
	Model     *gpt2.Model
	Tokenizer *tokenizer.Tokenizer
}

func LoadBundle(ctx context.Context, store Store, opts ...tokenizer.Option) (*Bundle, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("source", store.Type()))
	start := time.Now()

	paths := make(map[string]string, 4)
	for _, name := range []string{gpt2.ConfigFile, VocabFile, MergesFile, gpt2.WeightsFile} {
		path, err := store.Fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		paths[name] = path
	}
	tk, err := tokenizer.Load(paths[VocabFile], paths[MergesFile], opts...)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	m, err := gpt2.Load(paths[gpt2.ConfigFile], paths[gpt2.WeightsFile])
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if tk.VocabSize() > m.Config().VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary (%d) larger than model vocabulary (%d)", tk.VocabSize(), m.Config().VocabSize)
	}
	cfg := m.Config()
	logger.Info("model loaded",
		zap.Int("layers", cfg.NLayer),
		zap.Int("heads", cfg.NHead),
		zap.Int("embd", cfg.NEmbd),
		zap.Int("vocab", cfg.VocabSize),
		zap.Int("eot", tk.EOT()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Bundle{Model: m, Tokenizer: tk}, nil
}

// Scaffold writes a randomly initialised model with a byte-level vocabulary
// (256 byte tokens plus end-of-text, no merges) into dir.
func Scaffold(dir string, cfg gpt2.Config, seed int64) error {
	const byteVocab = 257
	if cfg.VocabSize < byteVocab {
		cfg.VocabSize = byteVocab
	}
	m, err := gpt2.NewRandom(cfg, seed)
	if err != nil {
		return err
	}
	if err := m.Save(dir); err != nil {
		return err
	}
	vocab := make(map[string]int, byteVocab)
	enc := []rune(tokenizer.ByteAlphabet())
	for i, r := range enc {
		vocab[string(r)] = i
	}
	vocab[tokenizer.EndOfText] = len(enc)
	data, err := json.Marshal(vocab)
	if err != nil {
		return fmt.Errorf("encode vocab: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, VocabFile), data, 0o644); err != nil {
		return fmt.Errorf("write vocab: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MergesFile), []byte("#version: 0.2\n"), 0o644); err != nil {
		return fmt.Errorf("write merges: %w", err)
	}
	return nil
}
