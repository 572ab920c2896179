package gpt2

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// forRows runs fn over [0, n) split into contiguous chunks, one per CPU.
func forRows(ctx context.Context, n int, fn func(lo, hi int)) error {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return ctx.Err()
	}
	chunk := (n + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(lo, hi)
			return nil
		})
	}
	return g.Wait()
}

func layerNorm(out, x, w, b []float32, rows, dim int, eps float64) {
	for r := 0; r < rows; r++ {
		row := x[r*dim : (r+1)*dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		rstd := 1.0 / math.Sqrt(variance+eps)
		o := out[r*dim : (r+1)*dim]
		for i, v := range row {
			o[i] = float32((float64(v)-mean)*rstd)*w[i] + b[i]
		}
	}
}

// linear computes out[r] = x[r] @ W + b with W stored as [in, out].
func linear(ctx context.Context, out, x, w, b []float32, rows, in, outDim int) error {
	return forRows(ctx, rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			o := out[r*outDim : (r+1)*outDim]
			copy(o, b)
			xr := x[r*in : (r+1)*in]
			for i, xv := range xr {
				if xv == 0 {
					continue
				}
				wr := w[i*outDim : (i+1)*outDim]
				for j, wv := range wr {
					o[j] += xv * wv
				}
			}
		}
	})
}

// gelu is the tanh approximation GPT-2 was trained with.
func gelu(x []float32) {
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(c*(f+0.044715*f*f*f))))
	}
}

// softmaxInPlace normalises x and returns it for chaining.
func softmaxInPlace(x []float32) []float32 {
	if len(x) == 0 {
		return x
	}
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxVal))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
	return x
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
