package gpt2

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

var (
	ErrEmptyInput      = errors.New("gpt2: empty input")
	ErrSequenceTooLong = errors.New("gpt2: sequence longer than n_positions")
	ErrTokenOutOfRange = errors.New("gpt2: token id out of vocabulary range")
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// Model is a GPT-2 causal language model evaluated on the CPU. Weights are
// read-only after construction; attention hooks are the only mutable state.
type Model struct {
	cfg   Config
	w     *weights
	hooks hookRegistry
}

func Load(configPath, weightsPath string) (*Model, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := ReadSafeTensors(weightsPath)
	if err != nil {
		return nil, err
	}
	w, err := loadWeights(st, cfg)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, w: w}, nil
}

// NewRandom builds a model with GPT-2 style random initialisation. It is
// meant for offline smoke tests where no pretrained checkpoint is at hand.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, w: randomWeights(cfg, seed)}, nil
}

// Save writes config.json and model.safetensors into dir.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	cfgData, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfgData, 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return fmt.Errorf("create weights file: %w", err)
	}
	defer file.Close()
	bw := bufio.NewWriter(file)
	if err := WriteSafeTensors(bw, m.w.tensors(m.cfg)); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	return bw.Flush()
}

func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) NumLayers() int {
	return m.cfg.NLayer
}

func (m *Model) NumHeads() int {
	return m.cfg.NHead
}

func (m *Model) MaxPositions() int {
	return m.cfg.NPositions
}

// AddAttentionHook registers hook for every subsequent forward pass until the
// returned remove function is called.
func (m *Model) AddAttentionHook(hook AttentionHook) (remove func()) {
	return m.hooks.add(hook)
}

func (m *Model) validateInput(ids []int) error {
	if len(ids) == 0 {
		return ErrEmptyInput
	}
	if len(ids) > m.cfg.NPositions {
		return fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, len(ids), m.cfg.NPositions)
	}
	for _, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return fmt.Errorf("%w: %d", ErrTokenOutOfRange, id)
		}
	}
	return nil
}

// Forward evaluates the full sequence and returns the next-token logits of
// the last position. Registered hooks observe every layer's attention.
func (m *Model) Forward(ctx context.Context, ids []int) ([]float32, error) {
	if err := m.validateInput(ids); err != nil {
		return nil, err
	}
	hooks := m.hooks.snapshot()
	cfg := m.cfg
	T, C, H, hs := len(ids), cfg.NEmbd, cfg.NHead, cfg.headSize()

	x := make([]float32, T*C)
	for t, id := range ids {
		tok := m.w.wte[id*C : (id+1)*C]
		pos := m.w.wpe[t*C : (t+1)*C]
		row := x[t*C : (t+1)*C]
		for i := range row {
			row[i] = tok[i] + pos[i]
		}
	}

	norm := make([]float32, T*C)
	qkv := make([]float32, T*3*C)
	attn := make([]float32, T*C)
	proj := make([]float32, T*C)
	fc := make([]float32, T*4*C)
	scale := float32(1 / math.Sqrt(float64(hs)))

	for l, lw := range m.w.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layerNorm(norm, x, lw.ln1W, lw.ln1B, T, C, cfg.LayerNormEpsilon)
		if err := linear(ctx, qkv, norm, lw.attnW, lw.attnB, T, C, 3*C); err != nil {
			return nil, err
		}

		probs := make([][][]float32, H)
		for h := range probs {
			probs[h] = make([][]float32, T)
		}
		err := forRows(ctx, H, func(lo, hi int) {
			for h := lo; h < hi; h++ {
				for t := 0; t < T; t++ {
					q := qkv[t*3*C+h*hs : t*3*C+(h+1)*hs]
					row := make([]float32, T)
					for s := 0; s <= t; s++ {
						k := qkv[s*3*C+C+h*hs : s*3*C+C+(h+1)*hs]
						var dot float32
						for i := range q {
							dot += q[i] * k[i]
						}
						row[s] = dot * scale
					}
					softmaxInPlace(row[:t+1])
					probs[h][t] = row

					out := attn[t*C+h*hs : t*C+(h+1)*hs]
					for i := range out {
						out[i] = 0
					}
					for s := 0; s <= t; s++ {
						v := qkv[s*3*C+2*C+h*hs : s*3*C+2*C+(h+1)*hs]
						p := row[s]
						for i := range out {
							out[i] += p * v[i]
						}
					}
				}
			}
		})
		if err != nil {
			return nil, err
		}
		for _, hook := range hooks {
			hook(l, probs)
		}

		if err := linear(ctx, proj, attn, lw.projW, lw.projB, T, C, C); err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += proj[i]
		}

		layerNorm(norm, x, lw.ln2W, lw.ln2B, T, C, cfg.LayerNormEpsilon)
		if err := linear(ctx, fc, norm, lw.fcW, lw.fcB, T, C, 4*C); err != nil {
			return nil, err
		}
		gelu(fc)
		if err := linear(ctx, proj, fc, lw.outW, lw.outB, T, 4*C, C); err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += proj[i]
		}
	}

	last := make([]float32, C)
	layerNorm(last, x[(T-1)*C:], m.w.lnfW, m.w.lnfB, 1, C, cfg.LayerNormEpsilon)
	logits := make([]float32, cfg.VocabSize)
	err := forRows(ctx, cfg.VocabSize, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			emb := m.w.wte[v*C : (v+1)*C]
			var dot float32
			for i, e := range emb {
				dot += e * last[i]
			}
			logits[v] = dot
		}
	})
	if err != nil {
		return nil, err
	}
	return logits, nil
}

// NextToken returns the greedy (argmax) continuation of ids.
func (m *Model) NextToken(ctx context.Context, ids []int) (int, error) {
	logits, err := m.Forward(ctx, ids)
	if err != nil {
		return 0, err
	}
	return argmax(logits), nil
}
