package gpt2

import (
	"fmt"
	"math/rand"
)

// Linear weights use the Conv1D layout of the reference checkpoints:
// [in, out], row-major.
type layerWeights struct {
	ln1W, ln1B   []float32
	attnW, attnB []float32
	projW, projB []float32
	ln2W, ln2B   []float32
	fcW, fcB     []float32
	outW, outB   []float32
}

type weights struct {
	wte, wpe   []float32
	layers     []layerWeights
	lnfW, lnfB []float32
}

func layerName(l int, suffix string) string {
	return fmt.Sprintf("h.%d.%s", l, suffix)
}

func loadWeights(st *SafeTensors, cfg Config) (*weights, error) {
	prefix := ""
	if !st.Has("wte.weight") && st.Has("transformer.wte.weight") {
		prefix = "transformer."
	}
	C, V, P := cfg.NEmbd, cfg.VocabSize, cfg.NPositions
	var firstErr error
	get := func(name string, shape ...int) []float32 {
		if firstErr != nil {
			return nil
		}
		data, got, err := st.Float32(prefix + name)
		if err != nil {
			firstErr = err
			return nil
		}
		if !sameShape(got, shape) {
			firstErr = fmt.Errorf("tensor %s: shape %v, want %v", name, got, shape)
			return nil
		}
		return data
	}

	w := &weights{
		wte:    get("wte.weight", V, C),
		wpe:    get("wpe.weight", P, C),
		layers: make([]layerWeights, cfg.NLayer),
		lnfW:   get("ln_f.weight", C),
		lnfB:   get("ln_f.bias", C),
	}
	for l := range w.layers {
		w.layers[l] = layerWeights{
			ln1W:  get(layerName(l, "ln_1.weight"), C),
			ln1B:  get(layerName(l, "ln_1.bias"), C),
			attnW: get(layerName(l, "attn.c_attn.weight"), C, 3*C),
			attnB: get(layerName(l, "attn.c_attn.bias"), 3*C),
			projW: get(layerName(l, "attn.c_proj.weight"), C, C),
			projB: get(layerName(l, "attn.c_proj.bias"), C),
			ln2W:  get(layerName(l, "ln_2.weight"), C),
			ln2B:  get(layerName(l, "ln_2.bias"), C),
			fcW:   get(layerName(l, "mlp.c_fc.weight"), C, 4*C),
			fcB:   get(layerName(l, "mlp.c_fc.bias"), 4*C),
			outW:  get(layerName(l, "mlp.c_proj.weight"), 4*C, C),
			outB:  get(layerName(l, "mlp.c_proj.bias"), C),
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("load weights: %w", firstErr)
	}
	return w, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func randomWeights(cfg Config, seed int64) *weights {
	rng := rand.New(rand.NewSource(seed))
	C, V, P := cfg.NEmbd, cfg.VocabSize, cfg.NPositions
	normal := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * 0.02)
		}
		return out
	}
	fill := func(n int, v float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = v
		}
		return out
	}
	w := &weights{
		wte:    normal(V * C),
		wpe:    normal(P * C),
		layers: make([]layerWeights, cfg.NLayer),
		lnfW:   fill(C, 1),
		lnfB:   fill(C, 0),
	}
	for l := range w.layers {
		w.layers[l] = layerWeights{
			ln1W:  fill(C, 1),
			ln1B:  fill(C, 0),
			attnW: normal(C * 3 * C),
			attnB: fill(3*C, 0),
			projW: normal(C * C),
			projB: fill(C, 0),
			ln2W:  fill(C, 1),
			ln2B:  fill(C, 0),
			fcW:   normal(C * 4 * C),
			fcB:   fill(4*C, 0),
			outW:  normal(4 * C * C),
			outB:  fill(C, 0),
		}
	}
	return w
}

func (w *weights) tensors(cfg Config) map[string]Tensor {
	C, V, P := cfg.NEmbd, cfg.VocabSize, cfg.NPositions
	out := map[string]Tensor{
		"wte.weight":  {Shape: []int{V, C}, Data: w.wte},
		"wpe.weight":  {Shape: []int{P, C}, Data: w.wpe},
		"ln_f.weight": {Shape: []int{C}, Data: w.lnfW},
		"ln_f.bias":   {Shape: []int{C}, Data: w.lnfB},
	}
	for l, lw := range w.layers {
		out[layerName(l, "ln_1.weight")] = Tensor{Shape: []int{C}, Data: lw.ln1W}
		out[layerName(l, "ln_1.bias")] = Tensor{Shape: []int{C}, Data: lw.ln1B}
		out[layerName(l, "attn.c_attn.weight")] = Tensor{Shape: []int{C, 3 * C}, Data: lw.attnW}
		out[layerName(l, "attn.c_attn.bias")] = Tensor{Shape: []int{3 * C}, Data: lw.attnB}
		out[layerName(l, "attn.c_proj.weight")] = Tensor{Shape: []int{C, C}, Data: lw.projW}
		out[layerName(l, "attn.c_proj.bias")] = Tensor{Shape: []int{C}, Data: lw.projB}
		out[layerName(l, "ln_2.weight")] = Tensor{Shape: []int{C}, Data: lw.ln2W}
		out[layerName(l, "ln_2.bias")] = Tensor{Shape: []int{C}, Data: lw.ln2B}
		out[layerName(l, "mlp.c_fc.weight")] = Tensor{Shape: []int{C, 4 * C}, Data: lw.fcW}
		out[layerName(l, "mlp.c_fc.bias")] = Tensor{Shape: []int{4 * C}, Data: lw.fcB}
		out[layerName(l, "mlp.c_proj.weight")] = Tensor{Shape: []int{4 * C, C}, Data: lw.outW}
		out[layerName(l, "mlp.c_proj.bias")] = Tensor{Shape: []int{C}, Data: lw.outB}
	}
	return out
}
